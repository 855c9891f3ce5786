// Package lwptable implements LwpTable (spec.md §3, §4.4, component C4):
// the authoritative map from LWP identity to per-LWP state, plus an
// index of all tracked LWPs in reverse creation order.
//
// The teacher's reference (gdb's linux-nat.c) keeps an intrusive
// doubly-linked list for creation order; this module gets the same
// ordering guarantee from github.com/google/btree, keyed by a monotonic
// creation sequence, which also gives safe concurrent-with-deletion
// iteration for free (a snapshot of matching items is collected before
// the callback runs).
package lwptable

import (
	"github.com/google/btree"
	"github.com/kestrel-trace/lwpdebug/internal/bkerrors"
	"github.com/kestrel-trace/lwpdebug/pkg/arch"
	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
)

// StopReason is the inferred cause of an LWP's most recent stop
// (spec.md §3, §4.6.6).
type StopReason int

const (
	StopReasonNone StopReason = iota
	StopReasonSwBreakpoint
	StopReasonHwBreakpoint
	StopReasonWatchpoint
	StopReasonSingleStep
)

func (r StopReason) String() string {
	switch r {
	case StopReasonSwBreakpoint:
		return "sw-breakpoint"
	case StopReasonHwBreakpoint:
		return "hw-breakpoint"
	case StopReasonWatchpoint:
		return "watchpoint"
	case StopReasonSingleStep:
		return "single-step"
	default:
		return "none"
	}
}

// ResumeKind is what the caller most recently asked for (spec.md §3).
type ResumeKind int

const (
	ResumeContinue ResumeKind = iota
	ResumeStep
	ResumeStop
)

// SyscallState tracks entry/return toggling for PTRACE_O_TRACESYSGOOD
// traps (spec.md §3).
type SyscallState int

const (
	SyscallIgnore SyscallState = iota
	SyscallEntry
	SyscallReturn
)

// FastTpState tracks fast-tracepoint jump-pad collection progress
// (spec.md §3, §4.6.8).
type FastTpState int

const (
	FastTpNotCollecting FastTpState = iota
	FastTpBeforeInsn
	FastTpAtInsn
)

// PendingSignal is one queued or deferred signal (spec.md §3).
type PendingSignal struct {
	Signo int32
	Code  int32
}

// LwpState is one per attached LWP, owned exclusively by Table
// (spec.md §3).
type LwpState struct {
	Ptid ptid.Ptid

	Stopped           bool
	StopExpected      bool
	Signalled         bool
	MustSetPtraceFlags bool

	StatusPending        *uint32
	WaitstatusPendingSet bool

	StopPC     uint64
	StopReason StopReason
	WatchAddr  uint64

	Step      bool
	HasStepRange bool
	StepRangeLo, StepRangeHi uint64

	LastResumeKind ResumeKind

	Suspended int32

	PendingSignals  []PendingSignal
	DeferredSignals []PendingSignal

	BpReinsert    *uint64
	SyscallState  SyscallState
	CollectingFastTp FastTpState

	Arch *arch.LwpRegs

	Relative *ptid.Ptid

	// IgnoreSigint is set on every other LWP of a process when one LWP
	// reports a SIGINT in all-stop mode, since the kernel delivers a tty
	// SIGINT to every thread in the group but the caller should only see
	// it once (spec.md §4.7).
	IgnoreSigint bool

	seq int64 // creation sequence, used by Table's ordered index
}

// HasPendingEvent reports whether status or waitstatus pending (either
// one) is set (spec.md §3 invariant: at most one of them is).
func (s *LwpState) HasPendingEvent() bool {
	return s.StatusPending != nil || s.WaitstatusPendingSet
}

type item struct {
	seq  int64
	ptid ptid.Ptid
}

func (a item) Less(than btree.Item) bool {
	return a.seq < than.(item).seq
}

// Table is the authoritative LWP map plus reverse-creation-order index.
type Table struct {
	byLwp map[int32]*LwpState
	order *btree.BTree
	next  int64
}

// New builds an empty table.
func New() *Table {
	return &Table{
		byLwp: make(map[int32]*LwpState),
		order: btree.New(32),
	}
}

// Add creates and inserts a new LwpState for p, returning it.
func (t *Table) Add(p ptid.Ptid) *LwpState {
	s := &LwpState{Ptid: p, seq: t.next, Arch: arch.NewLwpRegs()}
	t.next++
	t.byLwp[p.Lwp] = s
	t.order.ReplaceOrInsert(item{seq: s.seq, ptid: p})
	return s
}

// Remove deletes p's state, if present.
func (t *Table) Remove(p ptid.Ptid) {
	s, ok := t.byLwp[p.Lwp]
	if !ok {
		return
	}
	delete(t.byLwp, p.Lwp)
	t.order.Delete(item{seq: s.seq, ptid: p})
	// Break the weak fork/clone link from the other side, per spec.md §9.
	if s.Relative != nil {
		if peer, ok := t.byLwp[s.Relative.Lwp]; ok && peer.Relative != nil && *peer.Relative == p {
			peer.Relative = nil
		}
	}
}

// Find looks up by the lwp (task id) component of p.
func (t *Table) Find(p ptid.Ptid) (*LwpState, bool) {
	s, ok := t.byLwp[p.Lwp]
	return s, ok
}

// MustFind is Find, returning an Invariant error if absent.
func (t *Table) MustFind(p ptid.Ptid) (*LwpState, error) {
	s, ok := t.Find(p)
	if !ok {
		return nil, bkerrors.New(bkerrors.KindInvariant, "lwptable.MustFind", "no such lwp in table: "+p.String())
	}
	return s, nil
}

// Len reports how many LWPs are tracked.
func (t *Table) Len() int { return len(t.byLwp) }

// ForEachReverseCreation visits every LWP from most-recently-created to
// least, the order spec.md §3 requires so that a process's leader
// (created first, for the "leader" meaning pid==lwp) naturally sorts
// last among its siblings and is reaped last. The callback may delete
// LWPs (including the one being visited); a snapshot of ptids is taken
// up front so that is safe (spec.md §4.4).
func (t *Table) ForEachReverseCreation(visit func(*LwpState) bool) {
	var snapshot []ptid.Ptid
	t.order.Descend(func(i btree.Item) bool {
		snapshot = append(snapshot, i.(item).ptid)
		return true
	})
	for _, p := range snapshot {
		s, ok := t.byLwp[p.Lwp]
		if !ok {
			continue // deleted by an earlier callback in this pass
		}
		if !visit(s) {
			return
		}
	}
}

// ForEachInProcess visits every LWP with the given thread-group pid, in
// reverse creation order (so the leader, per spec.md §3's reverse-
// creation-order invariant, is visited last).
func (t *Table) ForEachInProcess(pid int32, visit func(*LwpState) bool) {
	t.ForEachReverseCreation(func(s *LwpState) bool {
		if s.Ptid.Pid != pid {
			return true
		}
		return visit(s)
	})
}

// LeaderIsLast reports whether, among the remaining LWPs of pid, the
// leader (if present) sorts last in creation order -- the invariant
// spec.md §3 requires. Exposed for tests.
func (t *Table) LeaderIsLast(pid int32) bool {
	var ptids []ptid.Ptid
	t.ForEachInProcess(pid, func(s *LwpState) bool {
		ptids = append(ptids, s.Ptid)
		return true
	})
	for i, p := range ptids {
		if p.Leader() && i != len(ptids)-1 {
			return false
		}
	}
	return true
}

// LastThreadOfProcess reports whether pid has exactly one tracked LWP
// left (used by the zombie-leader check, spec.md §4.6.7).
func (t *Table) LastThreadOfProcess(pid int32) bool {
	count := 0
	t.ForEachInProcess(pid, func(*LwpState) bool { count++; return count < 2 })
	return count == 1
}
