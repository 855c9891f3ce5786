package eventfilter

import (
	"github.com/kestrel-trace/lwpdebug/internal/debuglog"
	"github.com/kestrel-trace/lwpdebug/pkg/arch"
	"github.com/kestrel-trace/lwpdebug/pkg/inferior"
	"github.com/kestrel-trace/lwpdebug/pkg/lwptable"
	"github.com/kestrel-trace/lwpdebug/pkg/procfs"
	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
	"github.com/kestrel-trace/lwpdebug/pkg/ptraceops"
	"golang.org/x/sys/unix"
)

// WatchpointProbe lets the architecture layer disambiguate TRAP_HWBKPT
// and tell us whether a TRAP_TRACE stop also tripped a watchpoint
// (spec.md §4.6.6, §9 "open questions": x86-only today; other
// architectures leave the stop reason as SingleStep unless they report
// otherwise here).
type WatchpointProbe func(p ptid.Ptid) (isWatchpoint bool, addr uint64)

// Filter is the stateful EventFilter (spec.md §4.7). It holds no
// per-process state of its own beyond what's reachable through the
// LwpState/Inferior it's handed; all mutation lands on those.
type Filter struct {
	Watchpoint WatchpointProbe
}

// New builds a Filter. probe may be nil, meaning no architecture-level
// watchpoint disambiguation is available (every HWBKPT trap is then
// reported as HwBreakpoint, per spec.md §4.6.6's ambiguous-bits rule).
func New(probe WatchpointProbe) *Filter {
	return &Filter{Watchpoint: probe}
}

// FilterEvent translates one raw status for lwp into exactly one Event
// (spec.md §4.7). lwp must already be present in table (the event loop
// is responsible for creating a fresh LwpState for a not-yet-known
// clone/fork child before calling this). in is the Inferior for lwp's
// process, or nil if not yet tracked (e.g. the very first attach stop).
func (f *Filter) FilterEvent(lwp ptid.Ptid, status ptraceops.WaitStatus, s *lwptable.LwpState, in *inferior.Inferior, table *lwptable.Table) Event {
	switch {
	case status.Exited():
		return f.filterExit(lwp, status.ExitCode(), in)
	case status.Signaled():
		return f.filterSignalled(lwp, status.TermSig(), in)
	case status.Stopped():
		return f.filterStopped(lwp, status, s, in, table)
	default:
		debuglog.Warningf("eventfilter: unrecognized status %#x for %v", uint32(status), lwp)
		return Event{Kind: Ignore}
	}
}

func (f *Filter) filterExit(lwp ptid.Ptid, code int, in *inferior.Inferior) Event {
	if lwp.Leader() {
		return Event{Kind: Exited, ExitCode: code}
	}
	// Non-leader exit: report ThreadExited only if the process opted in,
	// otherwise silently consumed (spec.md §4.7). Whole-process exit is
	// never reported here -- only the leader's own exit event does that,
	// even if this happens to be the last tracked LWP (spec.md §4.6.7).
	if in != nil && in.ReportThreadExits {
		return Event{Kind: ThreadExited, ExitCode: 0}
	}
	return Event{Kind: Ignore}
}

func (f *Filter) filterSignalled(lwp ptid.Ptid, sig unix.Signal, in *inferior.Inferior) Event {
	if lwp.Leader() {
		return Event{Kind: Signalled, Signal: sig}
	}
	if in != nil && in.ReportThreadExits {
		return Event{Kind: ThreadExited, ExitCode: 0}
	}
	return Event{Kind: Ignore}
}

func (f *Filter) filterStopped(lwp ptid.Ptid, status ptraceops.WaitStatus, s *lwptable.LwpState, in *inferior.Inferior, table *lwptable.Table) Event {
	sig := status.StopSig()

	if status.IsExtended() {
		return f.filterExtended(lwp, status, s, in, table)
	}

	if status.IsSyscallTrap() {
		return f.filterSyscallTrap(lwp, s, in)
	}

	// Self-sent SIGSTOP collection: discard if we were expecting it and
	// didn't ask the caller to see a Stop (spec.md §4.7).
	if sig == unix.SIGSTOP && s != nil && s.StopExpected && s.LastResumeKind != lwptable.ResumeStop {
		s.StopExpected = false
		s.Stopped = true
		return Event{Kind: Ignore}
	}

	if sig == unix.SIGINT && s != nil {
		if s.IgnoreSigint {
			s.IgnoreSigint = false
			s.Stopped = true
			return Event{Kind: Ignore}
		}
		if table != nil {
			table.ForEachInProcess(lwp.Pid, func(other *lwptable.LwpState) bool {
				if other.Ptid != lwp {
					other.IgnoreSigint = true
				}
				return true
			})
		}
	}

	if s != nil {
		s.Stopped = true
		f.saveStopReason(lwp, sig, s)
	}
	return Event{Kind: Stopped, Signal: sig, StopReason: reasonOf(s)}
}

func reasonOf(s *lwptable.LwpState) lwptable.StopReason {
	if s == nil {
		return lwptable.StopReasonNone
	}
	return s.StopReason
}

// saveStopReason infers why lwp stopped, preferring siginfo_t over PC
// inspection, and rewrites the cached PC backward across a software
// breakpoint's trapping instruction so the caller sees the breakpoint
// address rather than one past it (spec.md §4.6.6).
func (f *Filter) saveStopReason(lwp ptid.Ptid, sig unix.Signal, s *lwptable.LwpState) {
	var regs unix.PtraceRegs
	if err := ptraceops.GetRegs(lwp.Lwp, &regs); err == nil {
		s.Arch.Load(regs)
		s.StopPC = s.Arch.PC()
	}

	if sig != unix.SIGTRAP {
		s.StopReason = lwptable.StopReasonNone
		return
	}
	code, err := ptraceops.GetSiginfo(lwp.Lwp)
	if err != nil {
		s.StopReason = lwptable.StopReasonSingleStep
		return
	}

	isWatch, addr := false, uint64(0)
	if f.Watchpoint != nil {
		isWatch, addr = f.Watchpoint(lwp)
	}

	switch {
	case code == ptraceops.TrapBrkpt:
		// Trust the kernel; never consult watchpoint state here, or some
		// architectures would spuriously report Watchpoint whenever any
		// watchpoint is armed (spec.md §4.6.6).
		s.StopReason = lwptable.StopReasonSwBreakpoint
		s.StopPC -= arch.DecrPCAfterBreak
		s.Arch.SetPC(s.StopPC)
	case code == ptraceops.TrapHwBkpt, code == (ptraceops.TrapBrkpt | ptraceops.TrapHwBkpt):
		if isWatch {
			s.StopReason, s.WatchAddr = lwptable.StopReasonWatchpoint, addr
		} else if code == ptraceops.TrapHwBkpt {
			s.StopReason = lwptable.StopReasonHwBreakpoint
		} else {
			s.StopReason = lwptable.StopReasonSwBreakpoint
			s.StopPC -= arch.DecrPCAfterBreak
			s.Arch.SetPC(s.StopPC)
		}
	case code == ptraceops.TrapTrace:
		if isWatch {
			s.StopReason, s.WatchAddr = lwptable.StopReasonWatchpoint, addr
		} else {
			s.StopReason = lwptable.StopReasonSingleStep
		}
	default:
		s.StopReason = lwptable.StopReasonNone
	}
}

func (f *Filter) filterSyscallTrap(lwp ptid.Ptid, s *lwptable.LwpState, in *inferior.Inferior) Event {
	if s == nil {
		return Event{Kind: Ignore}
	}
	s.Stopped = true
	var entering bool
	switch s.SyscallState {
	case lwptable.SyscallEntry, lwptable.SyscallIgnore:
		s.SyscallState = lwptable.SyscallReturn
		entering = true
	default:
		s.SyscallState = lwptable.SyscallEntry
		entering = false
	}

	var sysno int32 = -1
	var regs unix.PtraceRegs
	if err := ptraceops.GetRegs(lwp.Lwp, &regs); err == nil {
		s.Arch.Load(regs)
		sysno = int32(regs.Orig_rax)
	}

	caught := in != nil && in.HasAnyCatchpoint() && in.CatchesSyscall(sysno)
	if !caught {
		// Re-resume transparently; nothing to report (spec.md §4.7).
		return Event{Kind: Ignore}
	}
	if entering {
		return Event{Kind: SyscallEntry, SyscallNo: sysno}
	}
	return Event{Kind: SyscallReturn, SyscallNo: sysno}
}

func (f *Filter) filterExtended(lwp ptid.Ptid, status ptraceops.WaitStatus, s *lwptable.LwpState, in *inferior.Inferior, table *lwptable.Table) Event {
	ev := status.ExtendedEvent()
	if s != nil {
		s.Stopped = true
	}
	msg, _ := ptraceops.GetEventMsg(lwp.Lwp)

	switch ev {
	case ptraceops.ExtendedFork:
		return Event{Kind: Forked, Child: ptid.Of(int32(msg), int32(msg))}
	case ptraceops.ExtendedVfork:
		return Event{Kind: Vforked, Child: ptid.Of(int32(msg), int32(msg))}
	case ptraceops.ExtendedVforkDone:
		return Event{Kind: VforkDone}
	case ptraceops.ExtendedClone:
		child := ptid.Of(lwp.Pid, int32(msg))
		if in != nil && in.ThreadCloneOption {
			return Event{Kind: ThreadCloned, Child: child}
		}
		// Parent didn't opt into clone events: record the child and
		// mark its initial SIGSTOP as expected so it is consumed rather
		// than reported (spec.md §4.7). A child whose stop was collected
		// first is already in the table and is left as it is.
		if table != nil {
			if _, known := table.Find(child); !known {
				table.Add(child).StopExpected = true
			}
		}
		return Event{Kind: Ignore}
	case ptraceops.ExtendedExec:
		path, _ := procfs.PidToExecFile(lwp.Pid)
		return Event{Kind: Execd, ExecPath: path}
	case ptraceops.ExtendedStop:
		return Event{Kind: Ignore}
	case ptraceops.ExtendedSeccomp:
		return Event{Kind: Ignore}
	default:
		return Event{Kind: Ignore}
	}
}

