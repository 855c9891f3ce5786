package mountns

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/kestrel-trace/lwpdebug/internal/bkerrors"
	"github.com/kestrel-trace/lwpdebug/internal/debuglog"
	"golang.org/x/sys/unix"
)

// Helper is a running mount-namespace helper process plus the socket used
// to talk to it (spec.md §4.3). It is safe for concurrent use: every
// request is serialized by mu, since the helper only ever has one
// request outstanding at a time (gdb's protocol is strictly
// request/reply, never pipelined).
type Helper struct {
	mu sync.Mutex

	exe     string
	sock    int
	cmd     *exec.Cmd
	backoff func() backoff.BackOff
}

// New spawns a helper by re-exec'ing exe (the caller's own binary) with
// HelperEnv set to the helper-side fd number, passing it the other end of
// a SOCK_STREAM, SOCK_CLOEXEC socketpair (grounded on the teacher's
// ConfigureCmdForRootless, runsc/sandbox/sandbox.go, which donates a
// socketpair fd to a re-exec'd child the same way).
func New(exe string) (*Helper, error) {
	h := &Helper{
		exe: exe,
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	if err := h.spawn(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Helper) spawn() error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return bkerrors.Wrap(bkerrors.KindIO, "mountns.spawn.socketpair", err)
	}
	ours, theirs := fds[0], fds[1]

	childFile := os.NewFile(uintptr(theirs), "mountns-helper")
	cmd := exec.Command(h.exe)
	cmd.Env = append(os.Environ(), HelperEnv+"=3")
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &unix.SysProcAttr{Pdeathsig: unix.SIGKILL}

	if err := cmd.Start(); err != nil {
		unix.Close(ours)
		childFile.Close()
		return bkerrors.Wrap(bkerrors.KindIO, "mountns.spawn.start", err)
	}
	childFile.Close()

	h.sock = ours
	h.cmd = cmd
	debuglog.Debugf("mountns: helper started, pid=%d", cmd.Process.Pid)
	return nil
}

// restart tears down the current socket (the helper process itself is
// left to notice EOF and exit on its own, per gdb's mnsh_maybe_mourn_peer)
// and spawns a fresh one, used when a request fails with a communication
// error (spec.md §C.5: auto-restart on crash).
func (h *Helper) restart() error {
	if h.sock != 0 {
		unix.Close(h.sock)
	}
	return h.spawn()
}

// roundTrip sends req and returns the reply, retrying the whole
// spawn+send+receive cycle with backoff if the helper has died
// (spec.md §C.1/§C.5 retry-with-backoff pattern, grounded on the
// teacher's waitForStopped use of backoff.Retry).
func (h *Helper) roundTrip(req message) (message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var reply message
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	op := func() error {
		if err := sendMessage(h.sock, req); err != nil {
			if rerr := h.restart(); rerr != nil {
				return rerr
			}
			return err
		}
		r, err := recvMessage(h.sock)
		if err != nil {
			if rerr := h.restart(); rerr != nil {
				return rerr
			}
			return err
		}
		reply = r
		return nil
	}

	b := backoff.WithContext(h.backoff(), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return message{}, bkerrors.Wrap(bkerrors.KindProtocol, "mountns.roundTrip", err)
	}
	if reply.Type == MsgError {
		return message{}, bkerrors.New(bkerrors.KindProtocol, "mountns.roundTrip", "helper replied with an error message")
	}
	return reply, nil
}

// Close releases the client-side socket. The helper process exits on its
// own once it observes EOF.
func (h *Helper) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sock != 0 {
		unix.Close(h.sock)
		h.sock = 0
	}
}

// Setns asks the helper to join the mount namespace identified by fd
// (already open in the caller's process) via setns(2) with nstype
// (spec.md §4.3).
func (h *Helper) Setns(fd int, nstype int) error {
	reply, err := h.roundTrip(message{Type: ReqSetns, Fd: fd, HasFd: true, Int1: int32(nstype)})
	if err != nil {
		return err
	}
	if reply.Int1 < 0 {
		return bkerrors.New(bkerrors.KindIO, "mountns.Setns", unix.Errno(reply.Int2).Error())
	}
	return nil
}

// Open asks the helper to open path with flags/mode inside whatever
// mount namespace it last joined, returning the resulting fd (spec.md
// §4.3, used by multifs_open).
func (h *Helper) Open(path string, flags int, mode uint32) (int, error) {
	reply, err := h.roundTrip(message{Type: ReqOpen, Buf: nulTerminate(path), Int1: int32(flags), Int2: int32(mode)})
	if err != nil {
		return -1, err
	}
	if !reply.HasFd {
		return -1, bkerrors.New(bkerrors.KindIO, "mountns.Open", unix.Errno(reply.Int2).Error())
	}
	return reply.Fd, nil
}

// Unlink asks the helper to unlink path (spec.md §4.3, multifs_unlink).
func (h *Helper) Unlink(path string) error {
	reply, err := h.roundTrip(message{Type: ReqUnlink, Buf: nulTerminate(path)})
	if err != nil {
		return err
	}
	if reply.Int1 < 0 {
		return bkerrors.New(bkerrors.KindIO, "mountns.Unlink", unix.Errno(reply.Int2).Error())
	}
	return nil
}

// Readlink asks the helper to readlink path (spec.md §4.3, multifs_readlink).
func (h *Helper) Readlink(path string) (string, error) {
	reply, err := h.roundTrip(message{Type: ReqReadlink, Buf: nulTerminate(path)})
	if err != nil {
		return "", err
	}
	if reply.Int1 < 0 {
		return "", bkerrors.New(bkerrors.KindIO, "mountns.Readlink", unix.Errno(reply.Int2).Error())
	}
	return string(reply.Buf), nil
}

func nulTerminate(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}
