package eventfilter

import (
	"testing"

	"github.com/kestrel-trace/lwpdebug/pkg/inferior"
	"github.com/kestrel-trace/lwpdebug/pkg/lwptable"
	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
	"github.com/kestrel-trace/lwpdebug/pkg/ptraceops"
	"golang.org/x/sys/unix"
)

// fakePid is init's pid, which is never a tracee of the test process, so
// ptrace syscalls against it fail harmlessly with ESRCH; that's the behavior these
// tests exercise around (bookkeeping, not real register decoding).
const fakePid = 1

func newTable(t *testing.T) (*lwptable.Table, ptid.Ptid, *lwptable.LwpState) {
	t.Helper()
	tbl := lwptable.New()
	p := ptid.Of(fakePid, fakePid)
	s := tbl.Add(p)
	return tbl, p, s
}

func TestSelfSentSigstopDiscarded(t *testing.T) {
	tbl, p, s := newTable(t)
	s.StopExpected = true
	s.LastResumeKind = lwptable.ResumeContinue

	f := New(nil)
	status := ptraceops.EncodeStopped(unix.SIGSTOP, ptraceops.ExtendedNone)
	ev := f.FilterEvent(p, status, s, nil, tbl)
	if ev.Kind != Ignore {
		t.Fatalf("expected self-sent SIGSTOP to be ignored, got %v", ev.Kind)
	}
	if s.StopExpected {
		t.Fatalf("StopExpected should be cleared after collection")
	}
	if !s.Stopped {
		t.Fatalf("lwp should be marked stopped")
	}
}

func TestExplicitStopRequestSigstopReported(t *testing.T) {
	tbl, p, s := newTable(t)
	s.StopExpected = true
	s.LastResumeKind = lwptable.ResumeStop

	f := New(nil)
	status := ptraceops.EncodeStopped(unix.SIGSTOP, ptraceops.ExtendedNone)
	ev := f.FilterEvent(p, status, s, nil, tbl)
	if ev.Kind != Stopped {
		t.Fatalf("expected Stopped when caller asked for Stop, got %v", ev.Kind)
	}
}

func TestSigintReportedOnceAcrossGroup(t *testing.T) {
	tbl := lwptable.New()
	leader := ptid.Of(2, 2)
	sibling := ptid.Of(2, 3)
	sLeader := tbl.Add(leader)
	sSibling := tbl.Add(sibling)
	_ = sLeader

	f := New(nil)
	status := ptraceops.EncodeStopped(unix.SIGINT, ptraceops.ExtendedNone)

	ev := f.FilterEvent(leader, status, sLeader, nil, tbl)
	if ev.Kind != Stopped {
		t.Fatalf("first SIGINT should be reported, got %v", ev.Kind)
	}
	if !sSibling.IgnoreSigint {
		t.Fatalf("sibling should have IgnoreSigint set after leader's SIGINT")
	}

	ev2 := f.FilterEvent(sibling, status, sSibling, nil, tbl)
	if ev2.Kind != Ignore {
		t.Fatalf("sibling's SIGINT should be suppressed, got %v", ev2.Kind)
	}
	if sSibling.IgnoreSigint {
		t.Fatalf("IgnoreSigint should be consumed after suppressing one SIGINT")
	}
}

func TestNonLeaderExitIgnoredByDefault(t *testing.T) {
	tbl, _, _ := newTable(t)
	nonLeader := ptid.Of(fakePid, fakePid+1)
	sNonLeader := tbl.Add(nonLeader)

	f := New(nil)
	status := ptraceops.EncodeExited(0)
	ev := f.FilterEvent(nonLeader, status, sNonLeader, nil, tbl)
	if ev.Kind != Ignore {
		t.Fatalf("non-leader exit without opt-in should be ignored, got %v", ev.Kind)
	}

	in := &inferior.Inferior{ReportThreadExits: true}
	ev2 := f.FilterEvent(nonLeader, status, sNonLeader, in, tbl)
	if ev2.Kind != ThreadExited {
		t.Fatalf("non-leader exit with opt-in should report ThreadExited, got %v", ev2.Kind)
	}
}

func TestLeaderExitAlwaysReported(t *testing.T) {
	tbl, p, s := newTable(t)
	f := New(nil)
	status := ptraceops.EncodeExited(3)
	ev := f.FilterEvent(p, status, s, nil, tbl)
	if ev.Kind != Exited || ev.ExitCode != 3 {
		t.Fatalf("leader exit should always report Exited(3), got %v/%d", ev.Kind, ev.ExitCode)
	}
}
