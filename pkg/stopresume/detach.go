package stopresume

import (
	"github.com/kestrel-trace/lwpdebug/internal/bkerrors"
	"github.com/kestrel-trace/lwpdebug/pkg/lwptable"
	"github.com/kestrel-trace/lwpdebug/pkg/procfs"
	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
	"github.com/kestrel-trace/lwpdebug/pkg/ptraceops"
	"golang.org/x/sys/unix"
)

// Detach implements spec.md §4.6.9: every non-leader LWP is stopped,
// drained of its last signal, detached and deleted; then the leader is
// detached last.
func (b *Backend) Detach(pid int32) error {
	if err := b.CompleteOngoingStepOver(); err != nil {
		return err
	}

	leader := ptid.Of(pid, pid)
	var nonLeaders []*lwptable.LwpState
	b.Table.ForEachInProcess(pid, func(s *lwptable.LwpState) bool {
		if s.Ptid != leader {
			nonLeaders = append(nonLeaders, s)
		}
		return true
	})

	for _, s := range nonLeaders {
		if err := b.detachOne(s); err != nil {
			return err
		}
	}
	if leaderState, ok := b.Table.Find(leader); ok {
		if err := b.detachOne(leaderState); err != nil {
			return err
		}
	}
	b.Registry.Remove(pid)
	return nil
}

func (b *Backend) detachOne(s *lwptable.LwpState) error {
	if !s.Stopped {
		ptraceops.Tkill(s.Ptid.Lwp, unix.SIGSTOP)
		s.StopExpected = true
		for !s.Stopped {
			if _, err := b.Loop.Wait(false); err != nil {
				if bkerrors.Is(err, bkerrors.KindNoResumed) {
					break
				}
				return err
			}
		}
	}

	sig := getDetachSignal(s)

	err := ptraceops.Detach(s.Ptid.Lwp, sig)
	if err != nil {
		if bkerrors.Is(err, bkerrors.KindNoSuchTracee) {
			var ws unix.WaitStatus
			unix.Wait4(int(s.Ptid.Lwp), &ws, ptraceops.WALL, nil)
		} else {
			return err
		}
	}
	b.Table.Remove(s.Ptid)
	return nil
}

// getDetachSignal picks the single real pending signal to redeliver on
// detach, preferring a queued signal this backend already knows about
// over whatever /proc reports as pending (spec.md §4.6.9, §8 round-trip
// property: "leaves it running with the same pending signal it had at
// detach time").
func getDetachSignal(s *lwptable.LwpState) unix.Signal {
	if len(s.PendingSignals) > 0 {
		return unix.Signal(s.PendingSignals[0].Signo)
	}
	sets, err := procfs.ReadPendingSignalSets(s.Ptid.Pid)
	if err != nil {
		return 0
	}
	pending := sets.SigPnd | sets.ShdPnd
	for sig := unix.Signal(1); sig <= 64; sig++ {
		if pending&(1<<(uint(sig)-1)) != 0 {
			return sig
		}
	}
	return 0
}
