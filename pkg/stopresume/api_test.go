package stopresume

import (
	"testing"

	"github.com/kestrel-trace/lwpdebug/pkg/inferior"
	"github.com/kestrel-trace/lwpdebug/pkg/lwptable"
	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
	"golang.org/x/sys/unix"
)

func newTestBackend() *Backend {
	return &Backend{
		Table:    lwptable.New(),
		Registry: inferior.NewRegistry(),
	}
}

func TestTrackNewChildForkCreatesWeakRelativeLink(t *testing.T) {
	b := newTestBackend()
	parent := ptid.Of(100, 100)
	child := ptid.Of(200, 200)
	b.Table.Add(parent)
	parentIn := inferior.New(100)
	parentIn.SyscallsToCatch = []int32{1, 2, 3}
	b.Registry.Add(parentIn)

	b.trackNewChild(parent, child, true)

	ps, ok := b.Table.Find(parent)
	if !ok || ps.Relative == nil || *ps.Relative != child {
		t.Fatalf("expected parent's relative link to point at the child")
	}
	cs, ok := b.Table.Find(child)
	if !ok || cs.Relative == nil || *cs.Relative != parent {
		t.Fatalf("expected child's relative link to point back at the parent")
	}

	childIn, ok := b.Registry.Find(child.Pid)
	if !ok {
		t.Fatalf("expected a new Inferior to be registered for the forked child")
	}
	if !childIn.CatchesSyscall(2) {
		t.Fatalf("expected the child to inherit the parent's catchpoint list")
	}

	// The inherited list must be independent: mutating the parent's slice
	// afterward must not leak into the child's.
	parentIn.SyscallsToCatch[0] = 99
	if childIn.SyscallsToCatch[0] == 99 {
		t.Fatalf("child's catchpoint list should have been deep-copied, not aliased")
	}
}

func TestTrackNewChildCloneSharesInferior(t *testing.T) {
	b := newTestBackend()
	parent := ptid.Of(100, 100)
	child := ptid.Of(100, 101)
	b.Table.Add(parent)
	b.Registry.Add(inferior.New(100))

	b.trackNewChild(parent, child, false)

	if _, ok := b.Registry.Find(child.Pid); !ok {
		t.Fatalf("expected the clone child's pid to still resolve to the shared Inferior")
	}
	if got := len(b.Registry.All()); got != 1 {
		t.Fatalf("clone must not allocate a second Inferior, got %d", got)
	}
}

func TestIsSynchronousTrapSignal(t *testing.T) {
	for _, sig := range []unix.Signal{unix.SIGILL, unix.SIGFPE, unix.SIGSEGV, unix.SIGBUS} {
		if !isSynchronousTrapSignal(sig) {
			t.Fatalf("%v should be classified as a synchronous trap signal", sig)
		}
	}
	for _, sig := range []unix.Signal{unix.SIGTRAP, unix.SIGINT, unix.SIGSTOP} {
		if isSynchronousTrapSignal(sig) {
			t.Fatalf("%v should not be classified as a synchronous trap signal", sig)
		}
	}
}
