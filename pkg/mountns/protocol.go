// Package mountns implements MountNsHelper (spec.md §4.3, component C3):
// a single-threaded child process that performs setns/open/unlink/readlink
// on behalf of a (possibly multithreaded) caller, since Linux refuses
// setns(CLONE_NEWNS, ...) from any thread of a multithreaded process.
//
// Grounded directly on gdb's nat/linux-namespaces.c helper protocol (see
// original_source/binutils/gdb/nat/linux-namespaces.c, "mnsh_*"): a
// fixed-shape request/response message carrying two ints, an optional fd
// (passed over SCM_RIGHTS) and an optional byte buffer, sent down a
// SOCK_STREAM socketpair. The Go rendering borrows its fork/exec plumbing
// and capability handling from the teacher's runsc/sandbox/sandbox.go.
package mountns

import (
	"encoding/binary"

	"github.com/kestrel-trace/lwpdebug/internal/bkerrors"
	"golang.org/x/sys/unix"
)

// MsgType is the wire tag of a helper message.
type MsgType int32

const (
	MsgError MsgType = iota

	// Requests, main process -> helper.
	ReqSetns
	ReqOpen
	ReqUnlink
	ReqReadlink

	// Replies, helper -> main process.
	RetInt
	RetFd
	RetIntStr
)

func (m MsgType) String() string {
	switch m {
	case MsgError:
		return "Error"
	case ReqSetns:
		return "Setns"
	case ReqOpen:
		return "Open"
	case ReqUnlink:
		return "Unlink"
	case ReqReadlink:
		return "Readlink"
	case RetInt:
		return "RetInt"
	case RetFd:
		return "RetFd"
	case RetIntStr:
		return "RetIntStr"
	default:
		return "Unknown"
	}
}

// message is one wire message: a 16-byte fixed header (Type, Int1, Int2,
// BufLen as int32 each) followed by BufLen bytes of buffer, with an
// optional fd riding along in the sendmsg/recvmsg control message.
type message struct {
	Type   MsgType
	Int1   int32
	Int2   int32
	Fd     int
	HasFd  bool
	Buf    []byte
}

const headerLen = 16
const maxBufLen = 4096

// sendMessage writes one message to sock, attaching Fd via SCM_RIGHTS if
// HasFd is set. Mirrors mnsh_send_message's wire shape exactly so either
// side of the pipe can be read in isolation.
func sendMessage(sock int, m message) error {
	hdr := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(m.Type))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(m.Int1))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(m.Int2))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(m.Buf)))

	iov := hdr
	if len(m.Buf) > 0 {
		iov = append(iov, m.Buf...)
	}

	var oob []byte
	if m.HasFd {
		oob = unix.UnixRights(m.Fd)
	}

	return unix.Sendmsg(sock, iov, oob, nil, 0)
}

// recvMessage reads one message from sock.
func recvMessage(sock int) (message, error) {
	buf := make([]byte, headerLen+maxBufLen)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(sock, buf, oob, 0)
	if err != nil {
		return message{}, err
	}
	if n < headerLen {
		return message{}, bkerrors.New(bkerrors.KindProtocol, "mountns.recvMessage", "short read on helper socket")
	}

	m := message{
		Type: MsgType(binary.LittleEndian.Uint32(buf[0:4])),
		Int1: int32(binary.LittleEndian.Uint32(buf[4:8])),
		Int2: int32(binary.LittleEndian.Uint32(buf[8:12])),
	}
	bufLen := int(binary.LittleEndian.Uint32(buf[12:16]))
	if bufLen > 0 && headerLen+bufLen <= n {
		m.Buf = append([]byte(nil), buf[headerLen:headerLen+bufLen]...)
	}

	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, c := range cmsgs {
				fds, err := unix.ParseUnixRights(&c)
				if err == nil && len(fds) > 0 {
					m.Fd = fds[0]
					m.HasFd = true
				}
			}
		}
	}

	return m, nil
}
