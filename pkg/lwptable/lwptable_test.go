package lwptable

import (
	"testing"

	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
)

func TestReverseCreationOrderPutsLeaderLast(t *testing.T) {
	tbl := New()
	leader := ptid.Of(100, 100)
	tbl.Add(leader)
	tbl.Add(ptid.Of(100, 101))
	tbl.Add(ptid.Of(100, 102))

	if !tbl.LeaderIsLast(100) {
		t.Fatalf("expected leader to sort last in creation order")
	}
}

func TestRemoveBreaksWeakRelative(t *testing.T) {
	tbl := New()
	a := tbl.Add(ptid.Of(1, 1))
	b := tbl.Add(ptid.Of(1, 2))

	pa, pb := ptid.Of(1, 1), ptid.Of(1, 2)
	a.Relative = &pb
	b.Relative = &pa

	tbl.Remove(pa)
	if b.Relative != nil {
		t.Fatalf("expected b's relative link to be cleared when a is removed")
	}
}

func TestLastThreadOfProcess(t *testing.T) {
	tbl := New()
	tbl.Add(ptid.Of(5, 5))
	if !tbl.LastThreadOfProcess(5) {
		t.Fatalf("single LWP should be the last thread of its process")
	}
	tbl.Add(ptid.Of(5, 6))
	if tbl.LastThreadOfProcess(5) {
		t.Fatalf("two LWPs should not be reported as the last thread")
	}
}

func TestMustFindMissing(t *testing.T) {
	tbl := New()
	if _, err := tbl.MustFind(ptid.Of(9, 9)); err == nil {
		t.Fatalf("expected an error for a missing lwp")
	}
}

func TestHasPendingEvent(t *testing.T) {
	var s LwpState
	if s.HasPendingEvent() {
		t.Fatalf("fresh state should have no pending event")
	}
	s.WaitstatusPendingSet = true
	if !s.HasPendingEvent() {
		t.Fatalf("expected a pending event once WaitstatusPendingSet is true")
	}
}
