package stopresume

import (
	"github.com/kestrel-trace/lwpdebug/internal/bkerrors"
	"github.com/kestrel-trace/lwpdebug/pkg/lwptable"
	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
	"github.com/kestrel-trace/lwpdebug/pkg/ptraceops"
	"golang.org/x/sys/unix"
)

// threadNeedsStepOver is thread_needs_step_over(lwp) (spec.md §4.6.5 step
// 1): the kernel would otherwise replay a breakpoint trap immediately on
// resume because the LWP's PC sits on an inserted breakpoint.
func threadNeedsStepOver(b *Backend, s *lwptable.LwpState) bool {
	if !s.Stopped || s.Suspended != 0 || s.HasPendingEvent() {
		return false
	}
	if s.Arch.PC() != s.StopPC {
		return false
	}
	if b.BreakpointInsertedAt == nil {
		return false
	}
	return b.BreakpointInsertedAt(s.StopPC)
}

// startStepOver is start_step_over(lwp) (spec.md §4.6.5 step 2).
func (b *Backend) startStepOver(s *lwptable.LwpState) error {
	if err := b.StopAll(s.Ptid, true); err != nil {
		return err
	}
	if b.UninsertBreakpointAt != nil {
		b.UninsertBreakpointAt(s.StopPC)
	}
	pc := s.StopPC
	s.BpReinsert = &pc
	b.stepOverLwp = s.Ptid
	b.stepOverSet = true
	b.state = StepOverInProgress

	if err := ptraceops.SingleStep(s.Ptid.Lwp, 0); err != nil {
		return err
	}
	s.Stopped = false
	s.StopReason = lwptable.StopReasonNone
	s.Arch.Invalidate()
	return nil
}

// FinishStepOver is finish_step_over(lwp) (spec.md §4.6.5 step 3),
// called once the single-stepped LWP reports its next event.
func (b *Backend) FinishStepOver(s *lwptable.LwpState) error {
	if !b.stepOverSet || b.stepOverLwp != s.Ptid {
		return b.invariant("stopresume.FinishStepOver", "no step-over in progress for this lwp")
	}
	if b.ReinsertBreakpointAt != nil && s.BpReinsert != nil {
		b.ReinsertBreakpointAt(*s.BpReinsert)
	}
	s.BpReinsert = nil
	b.stepOverSet = false
	b.stepOverLwp = ptid.Ptid{}
	b.state = Idle
	return b.UnstopAll(s.Ptid, true)
}

// CompleteOngoingStepOver is complete_ongoing_step_over (spec.md §4.6.5
// step 4): drains the outstanding step-over before an attach/detach
// proceeds, discarding any extra SIGTRAP collected from a non-step LWP.
func (b *Backend) CompleteOngoingStepOver() error {
	if !b.stepOverSet {
		return nil
	}
	for b.stepOverSet {
		out, err := b.Loop.Wait(false)
		if err != nil {
			if bkerrors.Is(err, bkerrors.KindNoResumed) {
				b.stepOverSet = false
				return nil
			}
			return err
		}
		s, ok := b.Table.Find(out.Lwp)
		if !ok {
			continue
		}
		if out.Lwp == b.stepOverLwp {
			if err := b.FinishStepOver(s); err != nil {
				return err
			}
			continue
		}
		if s.StopReason == lwptable.StopReasonSingleStep || out.Event.Signal == unix.SIGTRAP {
			// Extra SIGTRAP from a bystander: discard per spec.md §4.6.5
			// step 4.
			continue
		}
	}
	return nil
}
