package stopresume

import (
	"github.com/kestrel-trace/lwpdebug/pkg/eventfilter"
	"github.com/kestrel-trace/lwpdebug/pkg/inferior"
	"github.com/kestrel-trace/lwpdebug/pkg/lwptable"
	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
	"github.com/kestrel-trace/lwpdebug/pkg/ptraceops"
	"golang.org/x/sys/unix"
)

// Kill is kill(pid) (spec.md §6.1): SIGKILL every LWP of the process and
// reap it, tearing down its table/registry entries unconditionally.
func (b *Backend) Kill(pid int32) error {
	if err := b.CompleteOngoingStepOver(); err != nil {
		b.logf("kill: step-over drain failed: %v", err)
	}

	unix.Kill(int(pid), unix.SIGKILL)

	var ws unix.WaitStatus
	unix.Wait4(int(pid), &ws, ptraceops.WALL, nil)

	var victims []ptid.Ptid
	b.Table.ForEachInProcess(pid, func(s *lwptable.LwpState) bool {
		victims = append(victims, s.Ptid)
		return true
	})
	for _, v := range victims {
		b.Table.Remove(v)
	}
	b.Registry.Remove(pid)
	return nil
}

// Wait is wait(filter_ptid, nohang) (spec.md §6.1): blocks (unless nohang)
// until an event matching filter_ptid is available, leaving events for
// other LWPs queued on their own LwpState for a later, differently-scoped
// Wait call (mirrors gdbserver's my_waitpid filtering by ptid). A stop
// caused by a synchronous trap signal while the LWP sits in a fast-
// tracepoint jump pad is intercepted here and handed to stabilization
// instead of being surfaced to the caller (spec.md §4.6.8), and so is the
// LWP's own single-step SIGTRAP while it is already mid-collection, or
// while it is the one LWP an in-flight breakpoint step-over is waiting on
// (spec.md §4.6.5 step 3): both are internal bookkeeping steps, not
// caller-visible stops.
func (b *Backend) Wait(filter ptid.Ptid, nohang bool) (ptid.Ptid, eventfilter.Event, error) {
	for {
		out, err := b.Loop.WaitMatching(filter, nohang)
		if err != nil {
			return ptid.Ptid{}, eventfilter.Event{}, err
		}
		if out.NoEvent {
			return ptid.Ptid{}, eventfilter.Event{}, nil
		}

		s, haveState := b.Table.Find(out.Lwp)

		if out.Event.Kind == eventfilter.Stopped && haveState && s.CollectingFastTp != lwptable.FastTpNotCollecting {
			if err := b.resolveJumpPadExit(s); err != nil {
				return ptid.Ptid{}, eventfilter.Event{}, err
			}
			if s.CollectingFastTp == lwptable.FastTpNotCollecting {
				if err := b.resumeOne(s, s.LastResumeKind == lwptable.ResumeStep, 0); err != nil {
					return ptid.Ptid{}, eventfilter.Event{}, err
				}
			}
			continue
		}

		if out.Event.Kind == eventfilter.Stopped && isSynchronousTrapSignal(out.Event.Signal) {
			if haveState {
				if exitPC, stuck := b.lwpStuckInJumpPad(s); stuck {
					b.deferSignalInJumpPad(s, out.Event.Signal, exitPC)
					if err := b.stepOneOutOfJumpPad(s); err != nil {
						return ptid.Ptid{}, eventfilter.Event{}, err
					}
					continue
				}
			}
		}

		if out.Event.Kind == eventfilter.Stopped && haveState && b.stepOverSet && out.Lwp == b.stepOverLwp {
			if err := b.FinishStepOver(s); err != nil {
				return ptid.Ptid{}, eventfilter.Event{}, err
			}
			if err := b.resumeOne(s, s.LastResumeKind == lwptable.ResumeStep, 0); err != nil {
				return ptid.Ptid{}, eventfilter.Event{}, err
			}
			continue
		}

		if (out.Event.Kind == eventfilter.Exited || out.Event.Kind == eventfilter.Signalled) && out.Lwp.Leader() {
			b.Table.Remove(out.Lwp)
		}

		switch out.Event.Kind {
		case eventfilter.Execd:
			if err := b.handleExecd(out.Lwp); err != nil {
				return ptid.Ptid{}, eventfilter.Event{}, err
			}
		case eventfilter.Forked, eventfilter.Vforked:
			b.trackNewChild(out.Lwp, out.Event.Child, true)
		case eventfilter.ThreadCloned:
			b.trackNewChild(out.Lwp, out.Event.Child, false)
		}

		return out.Lwp, out.Event, nil
	}
}

// handleExecd is the Execd branch of Wait (spec.md §5: "after a confirmed
// exec, the old [mem] fd is closed and a new one is opened for the new
// address space"; §3/§4.4: exec wipes all non-execing threads from the
// table). The execing LWP keeps its own table entry; every other LWP of
// the same process is gone the instant the exec completes, so their
// LwpState entries are stale and are dropped here rather than left to be
// discovered as spurious ESRCH later.
func (b *Backend) handleExecd(lwp ptid.Ptid) error {
	if in, ok := b.Registry.Find(lwp.Pid); ok {
		if err := in.OpenMem(); err != nil {
			b.logf("exec: reopen /proc/%d/mem failed: %v", lwp.Pid, err)
		}
	}
	var siblings []ptid.Ptid
	b.Table.ForEachInProcess(lwp.Pid, func(s *lwptable.LwpState) bool {
		if s.Ptid != lwp {
			siblings = append(siblings, s.Ptid)
		}
		return true
	})
	for _, sib := range siblings {
		b.Table.Remove(sib)
	}
	return nil
}

// trackNewChild registers the fork/vfork/clone partner of parent as a
// weak, symmetric Relative link. It runs when Wait reports the parent's
// fork/vfork/clone event, so the link is set at that moment; it stays in
// place until either side is removed from the table (Table.Remove clears
// the peer's side), and reporting the event does not clear it. A fork/vfork child is also a
// brand-new process, so it gets its own Inferior, seeded from the
// parent's catchpoint configuration; a clone child shares its parent's
// Inferior already.
func (b *Backend) trackNewChild(parent, child ptid.Ptid, newProcess bool) {
	cs, ok := b.Table.Find(child)
	if !ok {
		cs = b.Table.Add(child)
	}
	if newProcess {
		if _, exists := b.Registry.Find(child.Pid); !exists {
			parentIn, _ := b.Registry.Find(parent.Pid)
			b.Registry.Add(inferior.InheritFrom(child.Pid, parentIn))
		}
	}
	if ps, ok := b.Table.Find(parent); ok {
		ps.Relative = &child
	}
	cs.Relative = &parent
}

// Async is async(enable) (spec.md §6.1): toggles SIGCHLD-driven event
// notification. The background goroutine only signals EventReady; wait
// statuses are still drained by the next Wait call.
func (b *Backend) Async(enable bool) {
	b.Loop.Async(enable)
}

// EventReady exposes the channel that fires, in async mode, each time a
// SIGCHLD is observed (a new wait status may be ready), for callers integrating this backend into a
// larger select loop (e.g. a GDB remote-protocol stub servicing a
// network socket concurrently).
func (b *Backend) EventReady() <-chan struct{} {
	return b.Loop.EventReady()
}

// RequestInterrupt is request_interrupt(pid) (spec.md §6.1): emulates a
// ctrl-C by signalling the tracee's whole process group, relying on
// EventFilter's SIGINT de-duplication to collapse the resulting flood of
// per-LWP SIGINT stops into a single reported event.
func (b *Backend) RequestInterrupt(pid int32) error {
	return b.Loop.RequestInterrupt(pid)
}
