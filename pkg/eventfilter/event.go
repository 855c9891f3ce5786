// Package eventfilter implements EventFilter (spec.md §4.7, component
// C7): turning a raw wait-status into exactly one client-visible Event.
package eventfilter

import (
	"github.com/kestrel-trace/lwpdebug/pkg/lwptable"
	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
	"golang.org/x/sys/unix"
)

// Kind is the tag of an Event (spec.md §4.7).
type Kind int

const (
	Ignore Kind = iota
	Stopped
	SyscallEntry
	SyscallReturn
	Forked
	Vforked
	VforkDone
	ThreadCloned
	ThreadCreated
	Execd
	ThreadExited
	Exited
	Signalled
	NoResumed
)

func (k Kind) String() string {
	names := [...]string{
		"Ignore", "Stopped", "SyscallEntry", "SyscallReturn", "Forked",
		"Vforked", "VforkDone", "ThreadCloned", "ThreadCreated", "Execd",
		"ThreadExited", "Exited", "Signalled", "NoResumed",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// Event is the single client-visible outcome of filtering one raw
// status (spec.md §4.7).
type Event struct {
	Kind Kind

	Signal     unix.Signal
	StopReason lwptable.StopReason

	SyscallNo int32

	Child ptid.Ptid

	ExecPath string

	ExitCode int
}
