// Package eventloop implements EventLoop (spec.md §4.2, component C5):
// the synchronous and asynchronous ptrace/waitpid multiplexer that drains
// the kernel's wait-status queue for every LWP the backend cares about and
// decides which single LWP's event, if any, to hand back to the caller.
//
// Grounded on gdbserver's wait_for_event_filtered (see
// original_source/binutils/gdbserver/linux-low.cc) for the drain-then-
// sigsuspend sequencing, and on the teacher's use of golang.org/x/time/rate
// (the ptrace/waitpid tracer in other_examples' DataDog ptracer.go is the
// closest Go-native wait-loop shape in the pack: a tight `for { Wait4(-1,
// ...) }` over every tracked pid).
package eventloop

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/kestrel-trace/lwpdebug/internal/bkerrors"
	"github.com/kestrel-trace/lwpdebug/internal/debuglog"
	"github.com/kestrel-trace/lwpdebug/pkg/eventfilter"
	"github.com/kestrel-trace/lwpdebug/pkg/inferior"
	"github.com/kestrel-trace/lwpdebug/pkg/lwptable"
	"github.com/kestrel-trace/lwpdebug/pkg/ptid"
	"github.com/kestrel-trace/lwpdebug/pkg/ptraceops"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// Hooks lets StopResumeCore plug its process-wide policy into the loop
// without creating an eventloop -> stopresume import cycle (stopresume
// imports eventloop, never the reverse).
type Hooks struct {
	// CheckZombieLeaders runs, at most once per 50ms, after a drain pass
	// that collected nothing and left no matching event pending, and
	// reports whether it deleted any zombie leader (spec.md §4.6.7).
	CheckZombieLeaders func() bool
	// ResumeStoppedResumed re-continues any LWP that is stopped,
	// unsuspended, has no pending status and was last asked to resume
	// (spec.md §4.2 step 3, gdbserver's resume_stopped_resumed_lwps).
	ResumeStoppedResumed func()
	// FindInferior looks up the Inferior owning an lwp's pid, or nil.
	FindInferior func(pid int32) *inferior.Inferior
}

// Loop is the event multiplexer. One Loop per backend instance; it owns
// no inferiors itself, only the table and the filter used to interpret
// raw statuses.
type Loop struct {
	Table  *lwptable.Table
	Filter *eventfilter.Filter
	Hooks  Hooks

	drainLimiter  *rate.Limiter
	zombieLimiter *rate.Limiter

	// pending holds the decoded Event for every LWP whose LwpState has
	// WaitstatusPendingSet. Kept here rather than on LwpState itself so
	// pkg/lwptable never has to import pkg/eventfilter (which already
	// imports pkg/lwptable).
	pending map[int32]eventfilter.Event

	mu      sync.Mutex
	async   bool
	sigch   chan os.Signal
	eventCh chan struct{}
	stopCh  chan struct{}
}

// New builds a Loop. drainHz bounds how many full WNOHANG drain passes per
// second the synchronous loop performs (spec.md §C "paces the
// waitpid(WNOHANG) drain-then-sigsuspend cycle so a runaway tracee cannot
// turn the core into a busy-poll").
func New(table *lwptable.Table, filter *eventfilter.Filter, hooks Hooks, drainHz float64) *Loop {
	if drainHz <= 0 {
		drainHz = 200
	}
	return &Loop{
		Table:         table,
		Filter:        filter,
		Hooks:         hooks,
		drainLimiter:  rate.NewLimiter(rate.Limit(drainHz), 1),
		zombieLimiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
		pending:       make(map[int32]eventfilter.Event),
	}
}

// Outcome is what Wait produced.
type Outcome struct {
	Lwp   ptid.Ptid
	Event eventfilter.Event
	// NoEvent is true when WNOHANG was requested and nothing was ready.
	NoEvent bool
}

// Wait is wait_for_event_filtered (spec.md §4.2): it blocks (unless nohang)
// until exactly one LWP has a reportable event, draining every other
// pending status into its LwpState along the way. It is equivalent to
// WaitMatching(ptid.MinusOne, nohang).
func (l *Loop) Wait(nohang bool) (Outcome, error) {
	return l.WaitMatching(ptid.MinusOne, nohang)
}

// WaitMatching is wait(filter_ptid, nohang) (spec.md §6.1): identical to
// Wait, but only returns events for an LWP matching filter; events for
// other LWPs are drained and held on their own LwpState exactly as any
// other undelivered pending event would be, to be picked up by a later
// call scoped to them.
func (l *Loop) WaitMatching(filter ptid.Ptid, nohang bool) (Outcome, error) {
	var blockMask, prevMask unix.Sigset_t
	unix.Sigfillset(&blockMask)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &blockMask, &prevMask); err != nil {
		return Outcome{}, bkerrors.Wrap(bkerrors.KindIO, "eventloop.Wait.sigmask", err)
	}
	defer unix.PthreadSigmask(unix.SIG_SETMASK, &prevMask, nil)

	for {
		if out, ok := l.firstPendingMatching(filter); ok {
			return out, nil
		}

		l.drainLimiter.Wait(context.Background())
		drained := l.drainOnce()

		if l.Hooks.ResumeStoppedResumed != nil {
			l.Hooks.ResumeStoppedResumed()
		}

		if out, ok := l.firstPendingMatching(filter); ok {
			return out, nil
		}

		if drained > 0 {
			continue
		}

		if l.Hooks.CheckZombieLeaders != nil {
			l.zombieLimiter.Wait(context.Background())
			if l.Hooks.CheckZombieLeaders() {
				continue
			}
		}

		if !l.anyUnwaited() {
			return Outcome{}, bkerrors.New(bkerrors.KindNoResumed, "eventloop.Wait", "no unwaited-for lwp left")
		}

		if nohang {
			return Outcome{NoEvent: true}, nil
		}

		unix.Sigsuspend(&prevMask)
	}
}

// drainOnce pulls every currently-queued wait status out of the kernel
// with WNOHANG, filtering each one and stashing the result on its
// LwpState, then returns how many it found.
func (l *Loop) drainOnce() int {
	count := 0
	for {
		lwp, status, err := ptraceops.Waitpid(-1, ptraceops.WNOHANG|ptraceops.WALL)
		if err != nil || lwp <= 0 {
			return count
		}
		count++
		l.absorb(lwp, status)
	}
}

func (l *Loop) absorb(lwpPid int32, status ptraceops.WaitStatus) eventfilter.Event {
	p := ptid.Of(lwpPid, lwpPid)
	s, ok := l.Table.Find(p)
	if ok {
		p = s.Ptid
	} else {
		// Previously-unknown task (a fork/clone child racing ahead of its
		// parent's event, or the very first attach stop); track it so the
		// filter has somewhere to record state (spec.md §4.4).
		s = l.Table.Add(p)
	}

	var in *inferior.Inferior
	if l.Hooks.FindInferior != nil {
		in = l.Hooks.FindInferior(p.Pid)
	}

	ev := l.Filter.FilterEvent(p, status, s, in, l.Table)
	if ev.Kind == eventfilter.Ignore {
		return ev
	}
	l.pending[p.Lwp] = ev
	s.WaitstatusPendingSet = true
	return ev
}

// Seed registers a status observed outside the drain loop (the leader's
// very first ptrace-stop after create_inferior's exec, or after attach)
// as a pending event exactly as if drainOnce itself had collected it, so
// a later Wait/WaitMatching call can return it (spec.md §8 end-to-end
// scenarios 1 and 2). Without this, a caller mutating LwpState directly
// for that first stop would leave it permanently unreachable through the
// event queue.
func (l *Loop) Seed(lwpPid int32, status ptraceops.WaitStatus) eventfilter.Event {
	return l.absorb(lwpPid, status)
}

// firstPendingMatching picks a pseudo-randomly chosen LWP, among those
// matching filter, with a pending event (spec.md §4.2: "prefer
// starvation-avoidance over strict ordering"). filter is usually
// ptid.MinusOne, meaning any LWP qualifies.
func (l *Loop) firstPendingMatching(filter ptid.Ptid) (Outcome, bool) {
	var candidates []*lwptable.LwpState
	l.Table.ForEachReverseCreation(func(s *lwptable.LwpState) bool {
		if s.HasPendingEvent() && (filter.IsMinusOne() || s.Ptid.Matches(filter)) {
			candidates = append(candidates, s)
		}
		return true
	})
	if len(candidates) == 0 {
		return Outcome{}, false
	}
	s := candidates[rand.Intn(len(candidates))]
	ev := l.pending[s.Ptid.Lwp]
	delete(l.pending, s.Ptid.Lwp)
	s.WaitstatusPendingSet = false
	return Outcome{Lwp: s.Ptid, Event: ev}, true
}

func (l *Loop) anyUnwaited() bool {
	found := false
	l.Table.ForEachReverseCreation(func(s *lwptable.LwpState) bool {
		if !s.Stopped {
			found = true
			return false
		}
		return true
	})
	return found
}

// RequestInterrupt sends SIGINT to pid's whole process group, the
// all-stop "ctrl-C" path (spec.md §4.2, §6.1 request_interrupt). Unlike
// every other signal this backend delivers (which go to one task via
// tkill, see pkg/ptraceops), this one deliberately targets the group with
// kill(2), the way a terminal driver would; the loop relies on
// filterStopped's IgnoreSigint bookkeeping (pkg/eventfilter) to collapse
// the resulting flood of per-thread SIGINTs into one reported stop.
func (l *Loop) RequestInterrupt(pid int32) error {
	if err := unix.Kill(-int(pid), unix.SIGINT); err != nil {
		return bkerrors.Wrap(bkerrors.KindIO, "eventloop.RequestInterrupt", err)
	}
	return nil
}

// Async switches between synchronous (the caller drives Wait itself) and
// asynchronous mode, where a background goroutine consumes SIGCHLD and
// signals EventReady() (spec.md §4.2's async mode). This is the Go-idiomatic
// analogue of gdbserver's event_pipe/add_file_handler plumbing: a channel
// takes the place of the self-pipe, since Go already multiplexes signals
// onto a channel safely.
func (l *Loop) Async(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if enable == l.async {
		return
	}
	l.async = enable
	if enable {
		l.sigch = make(chan os.Signal, 64)
		l.eventCh = make(chan struct{}, 1)
		l.stopCh = make(chan struct{})
		signal.Notify(l.sigch, unix.SIGCHLD)
		go l.asyncLoop(l.sigch, l.eventCh, l.stopCh)
		debuglog.Debugf("eventloop: async mode enabled")
	} else {
		close(l.stopCh)
		signal.Stop(l.sigch)
		l.sigch, l.eventCh, l.stopCh = nil, nil, nil
		debuglog.Debugf("eventloop: async mode disabled")
	}
}

func (l *Loop) asyncLoop(sigch chan os.Signal, eventCh chan struct{}, stop chan struct{}) {
	for {
		select {
		case <-sigch:
			select {
			case eventCh <- struct{}{}:
			default:
			}
		case <-stop:
			return
		}
	}
}

// EventReady returns the channel that becomes readable once SIGCHLD has
// been observed in async mode, or nil if async mode isn't enabled.
func (l *Loop) EventReady() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eventCh
}

