package stopresume

import (
	"github.com/kestrel-trace/lwpdebug/pkg/procfs"
	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
)

// checkZombieLeaders is check_zombie_leaders (spec.md §4.6.7): deletes
// any thread-group leader that has gone zombie while siblings are still
// alive, so it stops cluttering the table (it can't be read from, single-
// stepped, etc. once zombie); it is re-added naturally the moment its
// real exit status surfaces, because absorb() in pkg/eventloop re-creates
// an LwpState for any pid/lwp it doesn't recognize.
func (b *Backend) checkZombieLeaders() bool {
	deletedAny := false
	for _, pid := range b.Registry.All() {
		leader := ptid.Of(pid, pid)
		s, ok := b.Table.Find(leader)
		if !ok || s.Stopped {
			continue
		}
		if b.Table.LastThreadOfProcess(pid) {
			continue
		}
		st, err := procfs.PidState(pid)
		if err != nil || st != procfs.Zombie {
			continue
		}
		b.logf("thread group leader %d zombie with live siblings, deleting", pid)
		b.Table.Remove(leader)
		deletedAny = true
	}
	return deletedAny
}
