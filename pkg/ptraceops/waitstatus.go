package ptraceops

import "golang.org/x/sys/unix"

// ExtendedEvent is the decoded "status >> 16" tag carried by a ptrace
// stop whose stop signal is SIGTRAP (spec.md §6.2).
type ExtendedEvent int32

const (
	ExtendedNone ExtendedEvent = 0
	ExtendedFork ExtendedEvent = unix.PTRACE_EVENT_FORK
	ExtendedVfork ExtendedEvent = unix.PTRACE_EVENT_VFORK
	ExtendedClone ExtendedEvent = unix.PTRACE_EVENT_CLONE
	ExtendedExec ExtendedEvent = unix.PTRACE_EVENT_EXEC
	ExtendedVforkDone ExtendedEvent = unix.PTRACE_EVENT_VFORK_DONE
	ExtendedStop ExtendedEvent = unix.PTRACE_EVENT_STOP
	ExtendedSeccomp ExtendedEvent = unix.PTRACE_EVENT_SECCOMP
)

func (e ExtendedEvent) String() string {
	switch e {
	case ExtendedFork:
		return "fork"
	case ExtendedVfork:
		return "vfork"
	case ExtendedClone:
		return "clone"
	case ExtendedExec:
		return "exec"
	case ExtendedVforkDone:
		return "vfork-done"
	case ExtendedStop:
		return "stop"
	case ExtendedSeccomp:
		return "seccomp"
	default:
		return "none"
	}
}

// syscallTrapBit is added to SIGTRAP's value when TRACESYSGOOD is in
// effect and the trap was caused by syscall entry/exit.
const syscallTrapBit = 0x80

// WaitStatus is a thin, explicit decoder over the raw Linux wait-status
// integer (spec.md §6.2), kept distinct from unix.WaitStatus so that the
// extended-event and syscall-trap bits this backend cares about are
// always decoded the same way regardless of host GOOS/GOARCH quirks in
// the standard library's own WaitStatus methods.
type WaitStatus uint32

// Exited reports whether the tracee terminated normally.
func (w WaitStatus) Exited() bool { return w&0x7f == 0 }

// ExitCode is valid only when Exited() is true.
func (w WaitStatus) ExitCode() int { return int((w >> 8) & 0xff) }

// Signaled reports whether the tracee was killed by a signal.
func (w WaitStatus) Signaled() bool {
	// low 7 bits nonzero and not the 0x7f "stopped" sentinel.
	low := w & 0x7f
	return low != 0 && low != 0x7f
}

// TermSig is valid only when Signaled() is true.
func (w WaitStatus) TermSig() unix.Signal { return unix.Signal(w & 0x7f) }

// Stopped reports whether the tracee is in a ptrace- or job-control
// stop.
func (w WaitStatus) Stopped() bool { return w&0xff == 0x7f }

// StopSig is valid only when Stopped() is true; it may carry the
// syscallTrapBit, which IsSyscallTrap strips off.
func (w WaitStatus) StopSig() unix.Signal {
	return unix.Signal((w >> 8) & 0xff)
}

// IsSyscallTrap reports whether the stop signal is SIGTRAP|0x80, the
// marker for a PTRACE_O_TRACESYSGOOD syscall-entry/exit trap.
func (w WaitStatus) IsSyscallTrap() bool {
	return w.Stopped() && (w.StopSig()&syscallTrapBit) != 0 && (w.StopSig()&^syscallTrapBit) == unix.SIGTRAP
}

// ExtendedEvent extracts the upper-16-bit extended-event tag. Only
// meaningful when IsExtended is true.
func (w WaitStatus) ExtendedEvent() ExtendedEvent {
	return ExtendedEvent(w >> 16)
}

// IsExtended reports whether this is a SIGTRAP stop carrying a nonzero
// extended-event tag.
func (w WaitStatus) IsExtended() bool {
	return w.Stopped() && w.StopSig() == unix.SIGTRAP && w.ExtendedEvent() != ExtendedNone
}

// Encode reconstructs a raw status from decoded fields, the inverse of
// the decode helpers above; used by tests to check decode/re-encode
// round-trips (spec.md §8).
func EncodeExited(code int) WaitStatus {
	return WaitStatus((code & 0xff) << 8)
}

func EncodeSignaled(sig unix.Signal) WaitStatus {
	return WaitStatus(sig & 0x7f)
}

func EncodeStopped(sig unix.Signal, ext ExtendedEvent) WaitStatus {
	return WaitStatus(0x7f|(uint32(sig)&0xff)<<8) | WaitStatus(uint32(ext)<<16)
}
