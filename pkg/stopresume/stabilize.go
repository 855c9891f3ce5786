package stopresume

import (
	"github.com/kestrel-trace/lwpdebug/internal/bkerrors"
	"github.com/kestrel-trace/lwpdebug/pkg/lwptable"
	"github.com/kestrel-trace/lwpdebug/pkg/ptraceops"
	"golang.org/x/sys/unix"
)

// isSynchronousTrapSignal reports whether sig is one of the signals a
// jump pad can raise on its own account (spec.md §4.6.8): a page fault,
// illegal instruction, FP exception or bus error generated by the
// rewritten prologue itself rather than by the tracepoint collection.
func isSynchronousTrapSignal(sig unix.Signal) bool {
	switch sig {
	case unix.SIGILL, unix.SIGFPE, unix.SIGSEGV, unix.SIGBUS:
		return true
	default:
		return false
	}
}

// lwpStuckInJumpPad reports whether s is parked inside a fast-tracepoint
// jump pad, consulting the JumpPadExitAt hook the caller (the layer that
// owns tracepoint placement) supplies.
func (b *Backend) lwpStuckInJumpPad(s *lwptable.LwpState) (exitPC uint64, stuck bool) {
	if b.JumpPadExitAt == nil {
		return 0, false
	}
	return b.JumpPadExitAt(s.Arch.PC())
}

// deferSignalInJumpPad is the entry point eventfilter-adjacent code calls
// once a stop has been classified as a synchronous trap inside a jump pad
// (spec.md §4.6.8 paragraph 1): the signal is queued for replay once the
// LWP has stepped clear, and the LWP is armed to single-step toward the
// pad's exit instruction.
func (b *Backend) deferSignalInJumpPad(s *lwptable.LwpState, sig unix.Signal, exitPC uint64) {
	s.DeferredSignals = append(s.DeferredSignals, lwptable.PendingSignal{Signo: int32(sig)})
	s.CollectingFastTp = lwptable.FastTpBeforeInsn
	_ = exitPC
}

// stepOneOutOfJumpPad single-steps a jump-pad-stuck LWP once. It does not
// touch the deferred signals; resolveJumpPadExit moves them back for
// redelivery once the LWP has left the pad (its PC is no longer reported
// as "stuck" by JumpPadExitAt).
func (b *Backend) stepOneOutOfJumpPad(s *lwptable.LwpState) error {
	if err := ptraceops.SingleStep(s.Ptid.Lwp, 0); err != nil {
		if bkerrors.Is(err, bkerrors.KindNoSuchTracee) {
			s.CollectingFastTp = lwptable.FastTpNotCollecting
			s.DeferredSignals = nil
			return nil
		}
		return err
	}
	s.Stopped = false
	s.StopReason = lwptable.StopReasonNone
	s.Arch.Invalidate()
	return nil
}

// resolveJumpPadExit is called once a single-stepped LWP reports its next
// stop: if it has cleared the jump pad, its deferred signals move back
// onto the ordinary pending-signal queue for normal redelivery on the
// next resume; otherwise it is stepped again.
func (b *Backend) resolveJumpPadExit(s *lwptable.LwpState) error {
	if _, stillStuck := b.lwpStuckInJumpPad(s); stillStuck {
		return b.stepOneOutOfJumpPad(s)
	}
	s.PendingSignals = append(s.PendingSignals, s.DeferredSignals...)
	s.DeferredSignals = nil
	s.CollectingFastTp = lwptable.FastTpNotCollecting
	return nil
}

// StabilizeThreads is stabilize_threads() (spec.md §4.6.8): loops over
// every tracked LWP, stepping any that are mid-collection in a jump pad
// until none remain stuck.
func (b *Backend) StabilizeThreads() error {
	for {
		var stuck []*lwptable.LwpState
		b.Table.ForEachReverseCreation(func(s *lwptable.LwpState) bool {
			if s.CollectingFastTp != lwptable.FastTpNotCollecting {
				stuck = append(stuck, s)
			}
			return true
		})
		if len(stuck) == 0 {
			return nil
		}
		for _, s := range stuck {
			if err := b.stepOneOutOfJumpPad(s); err != nil {
				return err
			}
		}
		for _, s := range stuck {
			for !s.Stopped {
				if _, err := b.Loop.Wait(false); err != nil {
					if bkerrors.Is(err, bkerrors.KindNoResumed) {
						break
					}
					return err
				}
			}
			if err := b.resolveJumpPadExit(s); err != nil {
				return err
			}
		}
	}
}
