package stopresume

import (
	"github.com/kestrel-trace/lwpdebug/internal/bkerrors"
	"github.com/kestrel-trace/lwpdebug/pkg/eventfilter"
	"github.com/kestrel-trace/lwpdebug/pkg/inferior"
	"github.com/kestrel-trace/lwpdebug/pkg/lwptable"
	"github.com/kestrel-trace/lwpdebug/pkg/procfs"
	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
	"github.com/kestrel-trace/lwpdebug/pkg/ptraceops"
	"golang.org/x/sys/unix"
)

// Attach implements spec.md §4.6.1: attach to an already-running process,
// walk its tasks, and arrange for the leader's initial stop to be the
// first reported event.
func (b *Backend) Attach(pid int32) error {
	leader := ptid.Of(pid, pid)

	if err := ptraceops.Attach(pid); err != nil {
		return describeAttachFailure(pid, err)
	}

	// If the tracee was already in job-control stop, queue an extra
	// SIGSTOP (queueable exactly once, since it isn't an RT signal) and
	// PTRACE_CONT so the stop becomes a ptrace-stop we can see via
	// waitpid (spec.md §4.6.1 step 2).
	if st, _ := procfs.PidState(pid); st == procfs.Stopped {
		unix.Kill(int(pid), unix.SIGSTOP)
		ptraceops.Cont(pid, 0)
	}

	_, status, err := ptraceops.Waitpid(pid, ptraceops.WALL)
	if err != nil {
		ptraceops.Detach(pid, 0)
		return bkerrors.Wrap(bkerrors.KindIO, "stopresume.Attach", err)
	}
	if !status.Stopped() || status.StopSig() != unix.SIGSTOP {
		// Not the expected initial ptrace-stop: the tracee exited or was
		// signalled before we got control (spec.md §4.6.1 step 3).
		in := inferior.New(pid)
		b.Registry.Add(in)
		b.Table.Add(leader)
		ev := b.Loop.Seed(pid, status)
		if ev.Kind == eventfilter.Exited || ev.Kind == eventfilter.Signalled {
			b.Table.Remove(leader)
			b.Registry.Remove(pid)
		}
		return nil
	}

	in := inferior.New(pid)
	b.Registry.Add(in)
	leaderState := b.Table.Add(leader)
	leaderState.LastResumeKind = lwptable.ResumeStop
	// Seed the leader's initial SIGSTOP as a pending event instead of
	// just flipping Stopped here directly, so it is retrievable through
	// a later Wait call (spec.md §8 scenario 2: "one Stopped(SIGSTOP,
	// None) event for the initial leader").
	b.Loop.Seed(pid, status)

	var attachErr error
	err = procfs.AttachAllTasks(pid, func(p ptid.Ptid) error {
		if p == leader {
			return nil
		}
		aerr := ptraceops.Attach(p.Lwp)
		if aerr == nil {
			s := b.Table.Add(p)
			// Only the leader's initial SIGSTOP is meant to surface
			// (spec.md §4.6.1 step 5); mark this one expected so
			// filterStopped swallows it instead of reporting a spurious
			// per-thread attach stop.
			s.StopExpected = true
			return nil
		}
		if bkerrors.Is(aerr, bkerrors.KindNoSuchTracee) {
			return nil
		}
		if bkerrors.Is(aerr, bkerrors.KindPermissionDenied) && procfs.PidIsGone(int32(p.Lwp)) {
			return nil
		}
		return aerr
	})
	if err != nil {
		attachErr = err
	}
	if attachErr != nil {
		b.teardownFailedAttach(pid)
		return attachErr
	}

	in.StartingUp = true
	return nil
}

func (b *Backend) teardownFailedAttach(pid int32) {
	b.Table.ForEachInProcess(pid, func(s *lwptable.LwpState) bool {
		ptraceops.Detach(s.Ptid.Lwp, 0)
		b.Table.Remove(s.Ptid)
		return true
	})
	b.Registry.Remove(pid)
}

// describeAttachFailure renders the user-visible attach failure message,
// composed of strerror and, when applicable, a /proc/<pid>/status
// paragraph (spec.md §7 "User-visible failure").
func describeAttachFailure(pid int32, err error) error {
	if bkerrors.Is(err, bkerrors.KindPermissionDenied) {
		return bkerrors.New(bkerrors.KindPermissionDenied, "stopresume.Attach",
			err.Error()+": "+procfs.AttachFailureDetail(pid))
	}
	return err
}
