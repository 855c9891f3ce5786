package stopresume

import (
	"os"
	"strconv"

	"github.com/kestrel-trace/lwpdebug/internal/bkerrors"
	"github.com/kestrel-trace/lwpdebug/pkg/procfs"
	"golang.org/x/sys/unix"
)

// ReadMemory is read_memory(pid, addr, len) (spec.md §6.1): a positional
// read through the inferior's cached /proc/<pid>/mem fd. A short read
// past the end of a mapping surfaces as Io, matching EIO from the kernel
// rather than a partial success (spec.md §6.1 error kinds: "Io (EIO on
// mem access; EOF when address space vanishes)").
func (b *Backend) ReadMemory(pid int32, addr uint64, length int) ([]byte, error) {
	in, ok := b.Registry.Find(pid)
	if !ok || in.MemFd == nil {
		return nil, bkerrors.New(bkerrors.KindIO, "stopresume.ReadMemory", "no open mem fd for pid")
	}
	buf := make([]byte, length)
	n, err := in.MemFd.ReadAt(int64(addr), buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// WriteMemory is write_memory(pid, addr, data) (spec.md §6.1), returning
// the number of bytes actually written.
func (b *Backend) WriteMemory(pid int32, addr uint64, data []byte) (int, error) {
	in, ok := b.Registry.Find(pid)
	if !ok || in.MemFd == nil {
		return 0, bkerrors.New(bkerrors.KindIO, "stopresume.WriteMemory", "no open mem fd for pid")
	}
	return in.MemFd.WriteAt(int64(addr), data)
}

// ReadAuxv is read_auxv(pid, offset, len) (spec.md §6.1): a plain
// positional read of /proc/<pid>/auxv, exposed as its own entry point
// because auxv is a flat immutable file rather than the live address
// space /proc/<pid>/mem exposes.
func (b *Backend) ReadAuxv(pid int32, offset int64, length int) ([]byte, error) {
	f, err := os.Open(procAuxvPath(pid))
	if err != nil {
		return nil, bkerrors.Wrap(bkerrors.KindIO, "stopresume.ReadAuxv", err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		return nil, bkerrors.Wrap(bkerrors.KindIO, "stopresume.ReadAuxv", err)
	}
	return buf[:0], nil
}

func procAuxvPath(pid int32) string {
	return "/proc/" + strconv.Itoa(int(pid)) + "/auxv"
}

// joinNamespace ensures the mount-ns helper (or, if the caller already
// shares the tracee's mount namespace, nothing at all) is positioned in
// pid's mount namespace before a multifs operation proceeds (spec.md
// §4.3 "Namespace selection").
func (b *Backend) joinNamespace(pid int32) (*namespaceTarget, error) {
	tracee, err := procfs.MountNsIno(pid)
	if err != nil {
		return nil, err
	}
	self, err := procfs.MountNsIno(0)
	if err == nil && self == tracee {
		return &namespaceTarget{direct: true}, nil
	}

	h, err := b.mounter()
	if err != nil {
		return nil, err
	}
	if b.helperNsIno != tracee {
		nsFd, err := unix.Open(nsMntPath(pid), unix.O_RDONLY, 0)
		if err != nil {
			return nil, bkerrors.Wrap(bkerrors.KindIO, "stopresume.joinNamespace", err)
		}
		defer unix.Close(nsFd)
		if err := h.Setns(nsFd, unix.CLONE_NEWNS); err != nil {
			return nil, err
		}
		b.helperNsIno = tracee
	}
	return &namespaceTarget{helper: h}, nil
}

type namespaceTarget struct {
	direct bool
	helper interface {
		Open(path string, flags int, mode uint32) (int, error)
		Unlink(path string) error
		Readlink(path string) (string, error)
	}
}

func nsMntPath(pid int32) string {
	return "/proc/" + strconv.Itoa(int(pid)) + "/ns/mnt"
}

// MultifsOpen is multifs_open(pid, path, flags, mode) (spec.md §6.1):
// opens path as seen from pid's mount namespace, joining it via the
// helper first if the caller isn't already there.
func (b *Backend) MultifsOpen(pid int32, path string, flags int, mode uint32) (int, error) {
	target, err := b.joinNamespace(pid)
	if err != nil {
		return 0, err
	}
	if target.direct {
		fd, err := unix.Open(path, flags, mode)
		if err != nil {
			return 0, bkerrors.Wrap(bkerrors.KindIO, "stopresume.MultifsOpen", err)
		}
		return fd, nil
	}
	return target.helper.Open(path, flags, mode)
}

// MultifsUnlink is multifs_unlink(pid, path).
func (b *Backend) MultifsUnlink(pid int32, path string) error {
	target, err := b.joinNamespace(pid)
	if err != nil {
		return err
	}
	if target.direct {
		if err := unix.Unlink(path); err != nil {
			return bkerrors.Wrap(bkerrors.KindIO, "stopresume.MultifsUnlink", err)
		}
		return nil
	}
	return target.helper.Unlink(path)
}

// MultifsReadlink is multifs_readlink(pid, path) (spec.md §6.1, end-to-end
// scenario 6).
func (b *Backend) MultifsReadlink(pid int32, path string) (string, error) {
	target, err := b.joinNamespace(pid)
	if err != nil {
		return "", err
	}
	if target.direct {
		buf := make([]byte, 4096)
		n, err := unix.Readlink(path, buf)
		if err != nil {
			return "", bkerrors.Wrap(bkerrors.KindIO, "stopresume.MultifsReadlink", err)
		}
		return string(buf[:n]), nil
	}
	return target.helper.Readlink(path)
}
