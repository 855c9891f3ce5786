package mountns

import (
	"os"

	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"
)

// HelperEnv is the environment variable the re-exec entry point checks to
// decide whether it's being invoked as the helper child rather than as the
// normal CLI (grounded on the teacher's re-exec dispatch in
// runsc/cli/main.go, which switches behavior on argv[0]/a sentinel flag).
const HelperEnv = "LWPDEBUG_MOUNTNS_HELPER_FD"

// RunHelper is the entry point executed inside the forked, single-
// threaded helper process. It never returns; it serves requests on fd
// until the peer goes away, then exits. All of gdb's warnings about
// async-signal-safety do not apply here since Go's runtime has already
// fully started by the time this runs as a re-exec'd binary rather than
// a bare fork -- this is deliberately NOT called from a raw fork() of a
// Go process (see New), only from a freshly exec'd one.
func RunHelper(fd int) {
	dropCapabilities()
	for {
		req, err := recvMessage(fd)
		if err != nil {
			os.Exit(0)
		}
		reply := dispatch(req)
		if err := sendMessage(fd, reply); err != nil {
			os.Exit(0)
		}
	}
}

// dropCapabilities drops every capability except the ones setns/open need,
// mirroring the teacher's AmbientCaps trimming in runsc/sandbox/sandbox.go
// (there applied to a sandboxed container process; here applied to a
// process whose sole job is setns+open on the caller's behalf).
func dropCapabilities() {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return
	}
	if err := caps.Load(); err != nil {
		return
	}
	caps.Clear(capability.CAPS)
	caps.Set(capability.EFFECTIVE|capability.PERMITTED, capability.CAP_SYS_ADMIN, capability.CAP_SYS_PTRACE, capability.CAP_DAC_READ_SEARCH)
	_ = caps.Apply(capability.CAPS)
}

func dispatch(req message) message {
	switch req.Type {
	case ReqSetns:
		err := unix.Setns(req.Fd, int(req.Int1))
		if req.HasFd {
			unix.Close(req.Fd)
		}
		return intReply(err)
	case ReqOpen:
		path := cString(req.Buf)
		fd, err := unix.Open(path, int(req.Int1), uint32(req.Int2))
		if err != nil {
			return message{Type: RetFd, Int1: -1, Int2: int32(errno(err))}
		}
		return message{Type: RetFd, Fd: fd, HasFd: true, Int2: 0}
	case ReqUnlink:
		err := unix.Unlink(cString(req.Buf))
		return intReply(err)
	case ReqReadlink:
		buf := make([]byte, maxBufLen)
		n, err := unix.Readlink(cString(req.Buf), buf)
		if err != nil {
			return message{Type: RetIntStr, Int1: -1, Int2: int32(errno(err))}
		}
		return message{Type: RetIntStr, Int1: int32(n), Buf: buf[:n]}
	default:
		return message{Type: MsgError}
	}
}

func intReply(err error) message {
	if err != nil {
		return message{Type: RetInt, Int1: -1, Int2: int32(errno(err))}
	}
	return message{Type: RetInt, Int1: 0}
}

func errno(err error) unix.Errno {
	if e, ok := err.(unix.Errno); ok {
		return e
	}
	return unix.EIO
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
