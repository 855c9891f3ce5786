// Package ptraceops is the thin typed wrapper over every ptrace request
// the backend issues (spec.md §4.2, component C2), plus tkill, waitpid,
// and the extended-event decoder in waitstatus.go. No component outside
// this package calls golang.org/x/sys/unix's Ptrace* functions directly.
package ptraceops

import (
	"unsafe"

	"github.com/kestrel-trace/lwpdebug/internal/bkerrors"
	"github.com/kestrel-trace/lwpdebug/internal/debuglog"
	"golang.org/x/sys/unix"
)

// Options is the PTRACE_SETOPTIONS bitmask this backend uses (spec.md
// §4.2). CreateInferior applies it to the process it spawns; the attach
// path never calls SetOptions, so attached processes run with none of
// these options set. EXITKILL is only OR'd in by the caller for
// processes this backend spawned itself, never ones it attached to.
const (
	OptTraceSysGood  = unix.PTRACE_O_TRACESYSGOOD
	OptTraceFork     = unix.PTRACE_O_TRACEFORK
	OptTraceVfork    = unix.PTRACE_O_TRACEVFORK
	OptTraceVforkDone = unix.PTRACE_O_TRACEVFORKDONE
	OptTraceClone    = unix.PTRACE_O_TRACECLONE
	OptTraceExec     = unix.PTRACE_O_TRACEEXEC
	OptExitKill      = unix.PTRACE_O_EXITKILL

	spawnedOptions = OptTraceSysGood | OptTraceFork | OptTraceVfork | OptTraceVforkDone | OptTraceClone | OptTraceExec | OptExitKill
	attachedOptions = OptTraceSysGood | OptTraceFork | OptTraceVfork | OptTraceVforkDone | OptTraceClone | OptTraceExec
)

// ProbeExitKill runs once at process-wide backend init: it forks a
// throwaway helper child, tries to enable PTRACE_O_EXITKILL on it, and
// reports whether the kernel accepted the option (spec.md §4.2). The
// result should be cached by the caller.
func ProbeExitKill() bool {
	pid, err := unix.ForkExec("/proc/self/exe", []string{"lwpdebug-exitkill-probe"}, &unix.ProcAttr{
		Sys: &unix.SysProcAttr{Ptrace: true},
	})
	if err != nil {
		debuglog.Debugf("ptraceops: exitkill probe fork failed: %v", err)
		return false
	}
	defer func() {
		unix.Kill(pid, unix.SIGKILL)
		var ws unix.WaitStatus
		unix.Wait4(pid, &ws, 0, nil)
	}()
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return false
	}
	err = unix.PtraceSetOptions(pid, unix.PTRACE_O_EXITKILL)
	return err == nil
}

// OptionsFor returns the options mask to apply via SetOptions for a
// process, depending on whether this backend spawned it (spawned=true)
// or attached to an already-running one.
func OptionsFor(spawned, exitKillSupported bool) int {
	if spawned {
		if exitKillSupported {
			return spawnedOptions
		}
		return attachedOptions
	}
	return attachedOptions
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == unix.ESRCH {
		return bkerrors.Wrap(bkerrors.KindNoSuchTracee, op, err)
	}
	if err == unix.EPERM {
		return bkerrors.Wrap(bkerrors.KindPermissionDenied, op, err)
	}
	return bkerrors.Wrap(bkerrors.KindIO, op, err)
}

// Attach issues PTRACE_ATTACH for lwp.
func Attach(lwp int32) error {
	return wrap("ptrace_attach", unix.PtraceAttach(int(lwp)))
}

// Seize issues PTRACE_SEIZE, which attaches without stopping the tracee
// and applies options atomically. The backend's attach path uses Attach,
// not Seize, and nothing probes for PTRACE_SEIZE support.
func Seize(lwp int32, options int) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SEIZE, uintptr(lwp), 0, uintptr(options), 0, 0)
	if errno != 0 {
		return wrap("ptrace_seize", errno)
	}
	return nil
}

// Detach issues PTRACE_DETACH, delivering sig (0 for none) on detach.
func Detach(lwp int32, sig unix.Signal) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(lwp), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return wrap("ptrace_detach", errno)
	}
	return nil
}

// Cont issues PTRACE_CONT, delivering sig (0 for none).
func Cont(lwp int32, sig unix.Signal) error {
	return wrap("ptrace_cont", unix.PtraceCont(int(lwp), int(sig)))
}

// SingleStep issues PTRACE_SINGLESTEP, delivering sig (0 for none).
func SingleStep(lwp int32, sig unix.Signal) error {
	return wrap("ptrace_singlestep", unix.PtraceSingleStep(int(lwp), int(sig)))
}

// Syscall issues PTRACE_SYSCALL, stopping at the next syscall entry or
// exit, delivering sig (0 for none).
func Syscall(lwp int32, sig unix.Signal) error {
	return wrap("ptrace_syscall", unix.PtraceSyscall(int(lwp), int(sig)))
}

// Kill sends SIGKILL to lwp via PTRACE_KILL semantics (tkill, per
// spec.md §4.2: signal delivery to a single task is always tkill, never
// kill(2), because SIGSTOP/SIGKILL to a pid would hit the whole group).
func Kill(lwp int32) error {
	return Tkill(lwp, unix.SIGKILL)
}

// Tkill sends signo to exactly the task lwp via tkill(2).
func Tkill(lwp int32, signo unix.Signal) error {
	_, _, errno := unix.Syscall(unix.SYS_TKILL, uintptr(lwp), uintptr(signo), 0)
	if errno != 0 {
		return wrap("tkill", errno)
	}
	return nil
}

// SetOptions issues PTRACE_SETOPTIONS.
func SetOptions(lwp int32, options int) error {
	return wrap("ptrace_setoptions", unix.PtraceSetOptions(int(lwp), options))
}

// GetEventMsg issues PTRACE_GETEVENTMSG, returning the new child pid for
// fork/vfork/clone events, or the exit status for PTRACE_EVENT_EXIT.
func GetEventMsg(lwp int32) (uint64, error) {
	msg, err := unix.PtraceGetEventMsg(int(lwp))
	return uint64(msg), wrap("ptrace_geteventmsg", err)
}

// GetRegs issues PTRACE_GETREGS into regs.
func GetRegs(lwp int32, regs *unix.PtraceRegs) error {
	return wrap("ptrace_getregs", unix.PtraceGetRegs(int(lwp), regs))
}

// SetRegs issues PTRACE_SETREGS from regs.
func SetRegs(lwp int32, regs *unix.PtraceRegs) error {
	return wrap("ptrace_setregs", unix.PtraceSetRegs(int(lwp), regs))
}

// PeekText reads len(dst) bytes via PTRACE_PEEKTEXT-equivalent bulk
// read; used only as a fallback when /proc/<pid>/mem is unavailable
// (§9).
func PeekText(lwp int32, addr uintptr, dst []byte) (int, error) {
	n, err := unix.PtracePeekText(int(lwp), addr, dst)
	return n, wrap("ptrace_peektext", err)
}

// PokeText writes src via PTRACE_POKETEXT-equivalent bulk write.
func PokeText(lwp int32, addr uintptr, src []byte) (int, error) {
	n, err := unix.PtracePokeText(int(lwp), addr, src)
	return n, wrap("ptrace_poketext", err)
}

// siginfoLayout mirrors the fixed prefix of Linux's siginfo_t: si_signo,
// si_errno, si_code, with the remainder treated as an opaque union this
// backend never needs to interpret beyond TRAP_BRKPT/TRAP_HWBKPT/
// TRAP_TRACE (spec.md §6.3).
type siginfoLayout struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	pad   [112]byte
}

// SiCode values (spec.md §6.3).
const (
	TrapBrkpt = 1
	TrapTrace = 2
	TrapHwBkpt = 4
)

// GetSiginfo issues PTRACE_GETSIGINFO and returns the si_code field.
func GetSiginfo(lwp int32) (code int32, err error) {
	var info siginfoLayout
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO, uintptr(lwp), 0, uintptr(unsafe.Pointer(&info)), 0, 0)
	if errno != 0 {
		return 0, wrap("ptrace_getsiginfo", errno)
	}
	return info.Code, nil
}

// SetSiginfo issues PTRACE_SETSIGINFO, used to rewrite si_code/si_signo
// before re-injecting a signal (e.g. the deferred-signal replay in
// §4.6.8).
func SetSiginfo(lwp int32, signo, code int32) error {
	info := siginfoLayout{Signo: signo, Code: code}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SETSIGINFO, uintptr(lwp), 0, uintptr(unsafe.Pointer(&info)), 0, 0)
	if errno != 0 {
		return wrap("ptrace_setsiginfo", errno)
	}
	return nil
}

// Waitpid wraps waitpid(pid, &status, opts), returning the decoded
// WaitStatus. pid == -1 with __WALL|WNOHANG is the shape the event loop
// uses almost exclusively (spec.md §4.5).
func Waitpid(pid int32, opts int) (reportedPid int32, status WaitStatus, err error) {
	var ws unix.WaitStatus
	got, werr := unix.Wait4(int(pid), &ws, opts, nil)
	if werr != nil {
		return 0, 0, wrap("waitpid", werr)
	}
	return int32(got), WaitStatus(ws), nil
}

const WNOHANG = unix.WNOHANG
const WALL = 0x40000000 // __WALL, not exported by x/sys/unix on all arches
const WUNTRACED = unix.WUNTRACED
