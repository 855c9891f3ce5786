package mountns

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func socketpairForTest(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestMessageRoundTripNoFdNoBuf(t *testing.T) {
	a, b := socketpairForTest(t)
	want := message{Type: RetInt, Int1: 7, Int2: int32(unix.ESRCH)}
	if err := sendMessage(a, want); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := recvMessage(b)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got.Type != want.Type || got.Int1 != want.Int1 || got.Int2 != want.Int2 {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestMessageRoundTripWithBuf(t *testing.T) {
	a, b := socketpairForTest(t)
	want := message{Type: ReqOpen, Buf: nulTerminate("/proc/self/status"), Int1: int32(os.O_RDONLY)}
	if err := sendMessage(a, want); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := recvMessage(b)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got.Buf) != string(want.Buf) {
		t.Fatalf("got buf %q, want %q", got.Buf, want.Buf)
	}
}

func TestMessageRoundTripWithFd(t *testing.T) {
	a, b := socketpairForTest(t)
	f, err := os.Open("/proc/self/status")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	want := message{Type: RetFd, Fd: int(f.Fd()), HasFd: true}
	if err := sendMessage(a, want); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := recvMessage(b)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !got.HasFd || got.Fd <= 0 {
		t.Fatalf("expected a received fd, got %+v", got)
	}
	unix.Close(got.Fd)
}

func TestDispatchUnlinkUnknownPath(t *testing.T) {
	req := message{Type: ReqUnlink, Buf: nulTerminate("/nonexistent/path/for/mountns/test")}
	reply := dispatch(req)
	if reply.Type != RetInt || reply.Int1 >= 0 {
		t.Fatalf("expected a failing RetInt, got %+v", reply)
	}
}

func TestDispatchReadlinkSelf(t *testing.T) {
	req := message{Type: ReqReadlink, Buf: nulTerminate("/proc/self/exe")}
	reply := dispatch(req)
	if reply.Type != RetIntStr || reply.Int1 < 0 {
		t.Fatalf("expected a successful RetIntStr, got %+v", reply)
	}
	if len(reply.Buf) == 0 {
		t.Fatalf("expected a non-empty link target")
	}
}
