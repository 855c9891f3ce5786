package stopresume

import (
	"github.com/kestrel-trace/lwpdebug/internal/bkerrors"
	"github.com/kestrel-trace/lwpdebug/pkg/inferior"
	"github.com/kestrel-trace/lwpdebug/pkg/lwptable"
	"github.com/kestrel-trace/lwpdebug/pkg/procfs"
	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
	"github.com/kestrel-trace/lwpdebug/pkg/ptraceops"
	"golang.org/x/sys/unix"
)

// ResumeRequest is one entry of the resume() batch (spec.md §6.1).
type ResumeRequest struct {
	Ptid ptid.Ptid
	Kind lwptable.ResumeKind
	Sig  unix.Signal
}

// Resume applies every request in reqs (spec.md §6.1 resume). A request
// whose Ptid is ptid.MinusOne applies to every tracked LWP.
func (b *Backend) Resume(reqs []ResumeRequest) error {
	for _, r := range reqs {
		if r.Ptid.IsMinusOne() {
			var err error
			b.Table.ForEachReverseCreation(func(s *lwptable.LwpState) bool {
				s.LastResumeKind = r.Kind
				if r.Kind == lwptable.ResumeStop {
					return true
				}
				if e := b.resumeOne(s, r.Kind == lwptable.ResumeStep, r.Sig); e != nil {
					err = e
				}
				return true
			})
			if err != nil {
				return err
			}
			continue
		}
		s, err := b.Table.MustFind(r.Ptid)
		if err != nil {
			return err
		}
		s.LastResumeKind = r.Kind
		if r.Kind == lwptable.ResumeStop {
			continue
		}
		if err := b.resumeOne(s, r.Kind == lwptable.ResumeStep, r.Sig); err != nil {
			return err
		}
	}
	return nil
}

// resumeOne is resume_one(lwp, step, sig) (spec.md §4.6.4).
func (b *Backend) resumeOne(s *lwptable.LwpState, step bool, sig unix.Signal) error {
	if !b.stepOverSet && threadNeedsStepOver(b, s) {
		return b.startStepOver(s)
	}

	if sig != 0 {
		busy := len(s.PendingSignals) > 0 || s.HasPendingEvent() || s.CollectingFastTp != lwptable.FastTpNotCollecting
		if busy {
			s.PendingSignals = append(s.PendingSignals, lwptable.PendingSignal{Signo: int32(sig)})
			sig = 0
		}
	}
	if sig == 0 && s.CollectingFastTp == lwptable.FastTpNotCollecting && len(s.PendingSignals) > 0 {
		head := s.PendingSignals[0]
		s.PendingSignals = s.PendingSignals[1:]
		sig = unix.Signal(head.Signo)
	}

	in := b.findInferiorForLwp(s.Ptid.Pid)

	var err error
	switch {
	case step:
		err = ptraceops.SingleStep(s.Ptid.Lwp, sig)
	case in != nil && in.HasAnyCatchpoint():
		err = ptraceops.Syscall(s.Ptid.Lwp, sig)
	default:
		err = ptraceops.Cont(s.Ptid.Lwp, sig)
	}

	if err != nil {
		if bkerrors.Is(err, bkerrors.KindNoSuchTracee) && procfs.PidIsGone(s.Ptid.Lwp) {
			s.Stopped = false
			s.WaitstatusPendingSet = false
			s.StatusPending = nil
			return nil
		}
		return err
	}

	s.Stopped = false
	s.StopReason = lwptable.StopReasonNone
	s.Arch.Invalidate()
	return nil
}

func (b *Backend) findInferiorForLwp(pid int32) *inferior.Inferior {
	in, _ := b.Registry.Find(pid)
	return in
}

// StopAll is stop_all(except, suspend) (spec.md §4.6.3).
func (b *Backend) StopAll(except ptid.Ptid, suspend bool) error {
	b.Table.ForEachReverseCreation(func(s *lwptable.LwpState) bool {
		if s.Ptid == except {
			return true
		}
		if suspend {
			s.Suspended++
		}
		if !s.Stopped && !s.StopExpected {
			ptraceops.Tkill(s.Ptid.Lwp, unix.SIGSTOP)
			s.StopExpected = true
		}
		return true
	})
	return b.drainUntilAllStopped(except)
}

// drainUntilAllStopped blocks, via the event loop, until every tracked
// LWP other than except reports stopped, retaining non-SIGSTOP events for
// later reporting (spec.md §4.6.3 step 3: handled naturally since
// eventloop's absorb() leaves every non-Ignore event queued on its
// LwpState and Wait only consumes the one it returns).
func (b *Backend) drainUntilAllStopped(except ptid.Ptid) error {
	for {
		allStopped := true
		b.Table.ForEachReverseCreation(func(s *lwptable.LwpState) bool {
			if s.Ptid == except {
				return true
			}
			if !s.Stopped {
				allStopped = false
				return false
			}
			return true
		})
		if allStopped {
			return nil
		}
		if _, err := b.Loop.Wait(false); err != nil {
			if bkerrors.Is(err, bkerrors.KindNoResumed) {
				return nil
			}
			return err
		}
		// The loop's Wait already stashed the winning event back on its
		// LwpState as "stopped"; we don't consume it here, only use it to
		// re-check the stop condition, so higher layers still see it via
		// their own subsequent Wait call. This mirrors gdbserver's
		// "intermediate events are retained in status_pending".
	}
}

// UnstopAll is unstop_all(unsuspend) (spec.md §4.6.3's counterpart).
func (b *Backend) UnstopAll(except ptid.Ptid, unsuspend bool) error {
	var err error
	b.Table.ForEachReverseCreation(func(s *lwptable.LwpState) bool {
		if s.Ptid == except {
			return true
		}
		if unsuspend && s.Suspended > 0 {
			s.Suspended--
		}
		if s.Suspended == 0 && s.Stopped && !s.HasPendingEvent() {
			if e := b.resumeOne(s, false, 0); e != nil {
				err = e
			}
		}
		return true
	})
	return err
}

// resumeStoppedResumedAll is the EventLoop hook resume_stopped_resumed_lwps
// (spec.md §4.2 step 3, §4.6.3): every LWP that is stopped, not suspended,
// has nothing pending, and was last asked to run gets re-continued.
func (b *Backend) resumeStoppedResumedAll() {
	if b.stepOverSet {
		return
	}
	b.Table.ForEachReverseCreation(func(s *lwptable.LwpState) bool {
		if s.Stopped && s.Suspended == 0 && !s.HasPendingEvent() && s.LastResumeKind != lwptable.ResumeStop {
			b.resumeOne(s, s.LastResumeKind == lwptable.ResumeStep, 0)
		}
		return true
	})
}
