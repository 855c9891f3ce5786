// Package ptid defines the tracee identity triple shared by every
// component of the native-debug backend.
package ptid

import "fmt"

// Ptid identifies a single tracee. Pid is the thread-group id (process
// id), Lwp is the kernel task id, and Tid is reserved for a user-level
// thread id supplied by a higher layer; the backend never interprets Tid
// itself.
type Ptid struct {
	Pid int32
	Lwp int32
	Tid int64
}

// Of builds the common case of a triple with no user-thread id attached.
func Of(pid, lwp int32) Ptid {
	return Ptid{Pid: pid, Lwp: lwp}
}

// Leader reports whether this Ptid names the thread-group leader task.
func (p Ptid) Leader() bool {
	return p.Pid == p.Lwp
}

// MinusOne is the "any LWP" wildcard used by wait/resume requests.
var MinusOne = Ptid{Pid: -1, Lwp: -1}

// IsMinusOne reports whether p is the wildcard "any" ptid.
func (p Ptid) IsMinusOne() bool {
	return p.Pid == -1 && p.Lwp == -1
}

// Matches reports whether p satisfies a wait/resume filter expressed as
// another Ptid: a filter pid with Lwp == -1 matches any lwp in that
// process group, and MinusOne matches everything.
func (p Ptid) Matches(filter Ptid) bool {
	if filter.IsMinusOne() {
		return true
	}
	if filter.Lwp == -1 {
		return p.Pid == filter.Pid
	}
	return p == filter
}

func (p Ptid) String() string {
	if p.IsMinusOne() {
		return "<any>"
	}
	if p.Tid != 0 {
		return fmt.Sprintf("%d.%d.%d", p.Pid, p.Lwp, p.Tid)
	}
	return fmt.Sprintf("%d.%d", p.Pid, p.Lwp)
}
