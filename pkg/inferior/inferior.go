// Package inferior models the per-process half of the data model
// (spec.md §3): one Inferior per attached/spawned process, holding the
// persistent /proc/<pid>/mem handle and the process-wide bits that are
// not per-LWP (syscalls to catch, the r_debug link-map cache, startup
// flag).
package inferior

import (
	"github.com/kestrel-trace/lwpdebug/pkg/procfs"
	"github.com/mohae/deepcopy"
)

// AnySyscall is the sentinel meaning "catch every syscall", permitted in
// SyscallsToCatch (spec.md §3).
const AnySyscall = -1

// Inferior is one per process (spec.md §3). LwpState holds no owning
// back-pointer to it -- only its Pid -- so an Inferior can be mourned
// independently of the order its LWPs are torn down.
type Inferior struct {
	Pid      int32
	Attached bool

	// MemFd is nil until the tracee has survived its shell trampoline
	// and first stop; exec invalidates any previously opened mem-fd, so
	// this is opened as late as possible and re-opened after a
	// confirmed exec (spec.md §3 lifecycle rule, §5).
	MemFd *procfs.MemIO

	RDebugCache    *uint64
	StartingUp     bool
	SyscallsToCatch []int32

	// ThreadCloneOption mirrors whether the caller asked to see
	// ThreadCloned events for this process (spec.md §4.7: "Clone is only
	// surfaced if the parent's thread options include ThreadCloneOption").
	ThreadCloneOption bool

	// ReportThreadExits mirrors whether the caller opted into
	// ThreadExited events for non-leader exits (spec.md §4.7).
	ReportThreadExits bool
}

// New constructs an Inferior for pid, not yet attached and with no
// mem-fd.
func New(pid int32) *Inferior {
	return &Inferior{Pid: pid, StartingUp: true}
}

// InheritFrom builds the Inferior for a freshly forked child, copying the
// parent's catchpoint configuration (spec.md §4.7: a fork/vfork child
// starts under the same syscall-catchpoint and thread-event policy as its
// parent, until the caller changes it independently). SyscallsToCatch is
// deep-copied rather than shared, so a caller that later edits the
// child's catchpoint list in place never mutates the parent's.
func InheritFrom(pid int32, parent *Inferior) *Inferior {
	in := New(pid)
	if parent == nil {
		return in
	}
	in.ThreadCloneOption = parent.ThreadCloneOption
	in.ReportThreadExits = parent.ReportThreadExits
	if parent.SyscallsToCatch != nil {
		in.SyscallsToCatch = deepcopy.Copy(parent.SyscallsToCatch).([]int32)
	}
	return in
}

// CatchesSyscall reports whether sysno should be reported, per the
// SyscallsToCatch list (spec.md §4.7): empty list catches nothing,
// AnySyscall catches everything.
func (in *Inferior) CatchesSyscall(sysno int32) bool {
	for _, s := range in.SyscallsToCatch {
		if s == AnySyscall || s == sysno {
			return true
		}
	}
	return false
}

// HasAnyCatchpoint reports whether any syscall is being caught at all,
// used to decide between PTRACE_CONT and PTRACE_SYSCALL on resume
// (spec.md §4.7).
func (in *Inferior) HasAnyCatchpoint() bool {
	return len(in.SyscallsToCatch) > 0
}

// OpenMem opens /proc/<pid>/mem now. Callers must only invoke this once
// the tracee is known to have survived its exec (spec.md §3, §4.6.1
// step 6, §4.6.2).
func (in *Inferior) OpenMem() error {
	m, err := procfs.OpenMem(in.Pid)
	if err != nil {
		return err
	}
	in.closeMemLocked()
	in.MemFd = m
	return nil
}

func (in *Inferior) closeMemLocked() {
	if in.MemFd != nil {
		in.MemFd.Close()
		in.MemFd = nil
	}
}

// Mourn releases the mem-fd. The caller (pkg/stopresume) is responsible
// for destroying every LwpState for this pid in the same step (spec.md
// §3).
func (in *Inferior) Mourn() {
	in.closeMemLocked()
}

// Registry is the process-id-keyed set of Inferiors the backend
// currently knows about.
type Registry struct {
	byPid map[int32]*Inferior
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byPid: make(map[int32]*Inferior)}
}

// Add registers a new Inferior.
func (r *Registry) Add(in *Inferior) { r.byPid[in.Pid] = in }

// Find looks up an Inferior by pid.
func (r *Registry) Find(pid int32) (*Inferior, bool) {
	in, ok := r.byPid[pid]
	return in, ok
}

// Remove mourns and forgets the Inferior for pid.
func (r *Registry) Remove(pid int32) {
	if in, ok := r.byPid[pid]; ok {
		in.Mourn()
		delete(r.byPid, pid)
	}
}

// All returns every tracked pid, for iteration by callers that need a
// stable snapshot (e.g. check_zombie_leaders, spec.md §4.6.7).
func (r *Registry) All() []int32 {
	pids := make([]int32, 0, len(r.byPid))
	for pid := range r.byPid {
		pids = append(pids, pid)
	}
	return pids
}
