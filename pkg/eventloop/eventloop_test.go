package eventloop

import (
	"testing"

	"github.com/kestrel-trace/lwpdebug/pkg/eventfilter"
	"github.com/kestrel-trace/lwpdebug/pkg/lwptable"
	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
)

func newTestLoop(t *testing.T) (*Loop, *lwptable.Table) {
	t.Helper()
	tbl := lwptable.New()
	l := New(tbl, eventfilter.New(nil), Hooks{}, 0)
	return l, tbl
}

func markPending(l *Loop, tbl *lwptable.Table, p ptid.Ptid, ev eventfilter.Event) {
	s, ok := tbl.Find(p)
	if !ok {
		s = tbl.Add(p)
	}
	s.WaitstatusPendingSet = true
	l.pending[p.Lwp] = ev
}

func TestFirstPendingMatchingAnyFilter(t *testing.T) {
	l, tbl := newTestLoop(t)
	p := ptid.Of(10, 10)
	markPending(l, tbl, p, eventfilter.Event{Kind: eventfilter.Stopped})

	out, ok := l.firstPendingMatching(ptid.MinusOne)
	if !ok {
		t.Fatalf("expected a pending event")
	}
	if out.Lwp != p {
		t.Fatalf("got lwp %v, want %v", out.Lwp, p)
	}
	if _, ok := l.firstPendingMatching(ptid.MinusOne); ok {
		t.Fatalf("event should have been consumed")
	}
}

func TestFirstPendingMatchingFiltersByProcess(t *testing.T) {
	l, tbl := newTestLoop(t)
	other := ptid.Of(20, 21)
	markPending(l, tbl, other, eventfilter.Event{Kind: eventfilter.Stopped})

	filter := ptid.Ptid{Pid: 99, Lwp: -1}
	if _, ok := l.firstPendingMatching(filter); ok {
		t.Fatalf("event for pid 20 should not match a filter on pid 99")
	}

	filter = ptid.Ptid{Pid: 20, Lwp: -1}
	out, ok := l.firstPendingMatching(filter)
	if !ok || out.Lwp != other {
		t.Fatalf("expected the pid-20 event to match its own process filter")
	}
}

func TestFirstPendingMatchingExactLwp(t *testing.T) {
	l, tbl := newTestLoop(t)
	a := ptid.Of(30, 30)
	b := ptid.Of(30, 31)
	markPending(l, tbl, a, eventfilter.Event{Kind: eventfilter.Stopped})
	markPending(l, tbl, b, eventfilter.Event{Kind: eventfilter.Stopped})

	out, ok := l.firstPendingMatching(b)
	if !ok || out.Lwp != b {
		t.Fatalf("expected the exact-lwp filter to select only lwp 31")
	}
	// a's event should remain queued.
	if _, ok := l.firstPendingMatching(b); ok {
		t.Fatalf("lwp 31's event should already be drained")
	}
	out, ok = l.firstPendingMatching(ptid.MinusOne)
	if !ok || out.Lwp != a {
		t.Fatalf("expected lwp 30's event to still be queued")
	}
}

func TestAnyUnwaitedReflectsStoppedFlag(t *testing.T) {
	l, tbl := newTestLoop(t)
	s := tbl.Add(ptid.Of(1, 1))
	if !l.anyUnwaited() {
		t.Fatalf("a freshly added, unstopped lwp should count as unwaited")
	}
	s.Stopped = true
	if l.anyUnwaited() {
		t.Fatalf("a stopped lwp should not count as unwaited")
	}
}
