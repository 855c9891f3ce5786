package procfs

import (
	"os"
	"testing"
)

func TestPidStateSelf(t *testing.T) {
	// The test process itself is always running, never stopped/zombie,
	// so PidState() should come back distinct from Dead/Zombie.
	st, err := PidState(int32(os.Getpid()))
	if err != nil {
		t.Fatalf("PidState(self): %v", err)
	}
	if st == Dead || st == Zombie {
		t.Fatalf("running test process misclassified as %v", st)
	}
}

func TestPidIsGoneUnknownPid(t *testing.T) {
	// A pid far beyond any plausible live process should read as gone
	// because /proc/<pid>/status won't exist.
	if !PidIsGone(1 << 30) {
		t.Fatalf("expected bogus pid to be reported gone")
	}
}
