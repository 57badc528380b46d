// Package scheduler implements the managed, cooperative single-thread-at-
// a-time scheduler: at most one worker goroutine is ever allowed past a
// switch point at a time, so every interleaving the strategy chooses is
// deterministically reproducible. Everything hangs off a single shared
// turn token rather than a conventional worker pool, since linearizability
// checking needs to control exactly which thread runs next rather than
// merely bound how many run at once.
package scheduler

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/torvine/concheck/failure"
)

// EventSink receives a notification every time a thread passes a switch
// point, used by the tracer package to interleave PassCodeLocation marks
// into the recorded trace without the scheduler importing tracer directly.
type EventSink func(tid int, codeLoc string)

type suddenResult struct {
	failure failure.Failure
}

// Scheduler is the per-invocation managed scheduler. One Scheduler is
// constructed per scenario invocation and discarded afterward; it is not
// safe to reuse across invocations.
type Scheduler struct {
	invocationID              uuid.UUID
	n                         int
	strategy                  Strategy
	requireObstructionFreedom bool

	monitors *MonitorTracker
	loops    *LoopDetector

	current atomic.Int32

	mu         sync.Mutex
	states     []threadState
	eventCount int

	sudden atomic.Pointer[suddenResult]

	onSwitchPoint EventSink
}

// New builds a scheduler for an invocation with n worker threads. Thread 0
// always starts holding the turn.
func New(invocationID uuid.UUID, n int, strategy Strategy, requireObstructionFreedom bool, loopThreshold int) *Scheduler {
	s := &Scheduler{
		invocationID:              invocationID,
		n:                         n,
		strategy:                  strategy,
		requireObstructionFreedom: requireObstructionFreedom,
		monitors:                  NewMonitorTracker(),
		loops:                     NewLoopDetector(loopThreshold),
		states:                    make([]threadState, n),
	}
	// threadState's zero value has status Running, which is exactly right
	// here: a thread that has not yet called OnStart is still switchable
	// (giving it the turn just unblocks its pending OnStart call).
	return s
}

// SetEventSink installs a callback invoked synchronously from newSwitchPoint
// on the thread that owns the turn, once tracing is enabled.
func (s *Scheduler) SetEventSink(sink EventSink) { s.onSwitchPoint = sink }

// SuddenFailure reports the failure that triggered a forcible finish, if
// any sudden result has been set yet.
func (s *Scheduler) SuddenFailure() failure.Failure {
	v := s.sudden.Load()
	if v == nil {
		return nil
	}
	return v.failure
}

// ForceFinish installs f as the invocation's sudden result so that every
// worker aborts at its next switch point. Used by the runner's timeout
// watchdog; first writer wins, like every other sudden result.
func (s *Scheduler) ForceFinish(f failure.Failure) { s.setSuddenResult(f) }

// ThreadDump captures every worker's current status, for failure reports
// produced outside the scheduler (e.g. the runner's wall-clock timeout).
func (s *Scheduler) ThreadDump() []failure.ThreadDumpEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	dump := make([]failure.ThreadDumpEntry, 0, len(s.states))
	for i, st := range s.states {
		dump = append(dump, failure.ThreadDumpEntry{ThreadID: i, State: st.status.String()})
	}
	return dump
}

// setSuddenResult installs f as the invocation's sudden result if none has
// been set yet; first writer wins, and the slot is never cleared within an
// invocation.
func (s *Scheduler) setSuddenResult(f failure.Failure) {
	s.sudden.CompareAndSwap(nil, &suddenResult{failure: f})
}

func (s *Scheduler) setStatus(tid int, status ThreadStatus) {
	s.mu.Lock()
	s.states[tid].status = status
	s.mu.Unlock()
}

func (s *Scheduler) status(tid int) ThreadStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[tid].status
}

// checkSuddenResult raises ForcibleFinish if a sudden result has been set,
// regardless of which thread calls it.
func (s *Scheduler) checkSuddenResult() {
	if s.sudden.Load() != nil {
		Raise("sudden-result")
	}
}

// awaitTurn busy-waits, yielding the goroutine scheduler each spin, until
// tid holds the turn or a sudden result forces an unwind. Spinning rather
// than parking on a channel keeps the turn handoff visible to Go's race
// detector.
func (s *Scheduler) awaitTurn(tid int) {
	for s.current.Load() != int32(tid) {
		s.checkSuddenResult()
		runtime.Gosched()
	}
}

// OnStart must be called by thread tid's own goroutine before it executes
// any of its actors. It blocks until tid actually holds the turn.
func (s *Scheduler) OnStart(tid int) {
	s.awaitTurn(tid)
	s.setStatus(tid, Running)
}

// OnFinish marks tid finished and hands the turn to another switchable
// thread, if any remain.
func (s *Scheduler) OnFinish(tid int) {
	s.setStatus(tid, Finished)
	s.switchToAnotherThread(tid, true, "finished")
}

// BeforeSharedRead, BeforeSharedWrite and BeforeAtomicMethodCall are plain
// switch points: the scheduler may, but need not, hand the turn to another
// thread before tid proceeds.
func (s *Scheduler) BeforeSharedRead(tid int, codeLoc string)       { s.newSwitchPoint(tid, codeLoc) }
func (s *Scheduler) BeforeSharedWrite(tid int, codeLoc string)      { s.newSwitchPoint(tid, codeLoc) }
func (s *Scheduler) BeforeAtomicMethodCall(tid int, codeLoc string) { s.newSwitchPoint(tid, codeLoc) }

// BeforeLockAcquire offers a switch point, then blocks tid, yielding
// turns to other threads, until monitor (identified by HandleFor) can be
// acquired.
func (s *Scheduler) BeforeLockAcquire(tid int, monitor any, codeLoc string) {
	s.newSwitchPoint(tid, codeLoc)
	h := HandleFor(monitor)
	for {
		s.checkSuddenResult()
		if s.monitors.Acquire(tid, h) {
			s.loops.Reset(tid)
			s.setStatus(tid, Running)
			return
		}
		s.setStatus(tid, WaitingForMonitor)
		s.switchToAnotherThread(tid, true, "lock-wait")
		s.awaitTurn(tid)
	}
}

// BeforeLockRelease releases monitor and offers a regular switch point.
func (s *Scheduler) BeforeLockRelease(tid int, monitor any, codeLoc string) {
	s.monitors.Release(HandleFor(monitor))
	s.newSwitchPoint(tid, codeLoc)
}

// BeforeWait implements monitor wait(): release the monitor, mark tid as
// needing a notification, and block until notified and able to
// re-acquire it; reacquisition is mandatory before the call returns.
func (s *Scheduler) BeforeWait(tid int, monitor any, codeLoc string) {
	h := HandleFor(monitor)
	s.setStatus(tid, WaitingForMonitor)
	s.monitors.Wait(tid, h)
	s.switchToAnotherThread(tid, true, "wait")
	s.awaitTurn(tid)

	for {
		s.checkSuddenResult()
		if !s.monitors.IsWaiting(tid) && s.monitors.Acquire(tid, h) {
			s.loops.Reset(tid)
			s.setStatus(tid, Running)
			return
		}
		s.setStatus(tid, WaitingForMonitor)
		s.switchToAnotherThread(tid, true, "wait-reacquire")
		s.awaitTurn(tid)
	}
}

// AfterNotify wakes waiters on monitor (all of them; notify and notifyAll
// are treated identically since spurious wakeups are always permitted) and
// offers a switch point.
func (s *Scheduler) AfterNotify(tid int, monitor any, codeLoc string) {
	s.monitors.NotifyAll(HandleFor(monitor))
	s.newSwitchPoint(tid, codeLoc)
}

// BeforePark suspends tid until some other thread calls AfterUnpark(tid).
func (s *Scheduler) BeforePark(tid int, codeLoc string) {
	s.mu.Lock()
	s.states[tid].status = Suspended
	s.states[tid].hasPendingResumption = false
	s.mu.Unlock()

	s.switchToAnotherThread(tid, true, "park")
	s.awaitTurn(tid)
	s.setStatus(tid, Running)
}

// AfterUnpark marks tid resumable, called by whichever thread invoked
// LockSupport.unpark's Go analogue on tid's behalf.
func (s *Scheduler) AfterUnpark(tid int) {
	s.mu.Lock()
	s.states[tid].hasPendingResumption = true
	s.mu.Unlock()
}

// AfterCoroutineSuspended marks tid's current actor as partially completed
// and gives up the turn until the LTS/runner layer decides to run its
// follow-up and calls MarkResumable.
func (s *Scheduler) AfterCoroutineSuspended(tid int) {
	s.mu.Lock()
	s.states[tid].status = Suspended
	s.states[tid].hasPendingResumption = false
	s.mu.Unlock()

	s.switchToAnotherThread(tid, true, "coroutine-suspended")
	s.awaitTurn(tid)
}

// AfterCoroutineResumed is called on tid's own goroutine once it regains
// the turn after MarkResumable made it switchable again.
func (s *Scheduler) AfterCoroutineResumed(tid int) {
	s.loops.Reset(tid)
	s.setStatus(tid, Running)
}

// AfterCoroutineCancelled is called when tid's actor was cancelled on
// suspension. The thread itself keeps running (its next actor is up), so
// this is a switch point rather than a terminal transition: the turn is
// offered to another thread and reclaimed before the worker proceeds.
func (s *Scheduler) AfterCoroutineCancelled(tid int) {
	s.setStatus(tid, Running)
	s.switchToAnotherThread(tid, false, "coroutine-cancelled")
	s.awaitTurn(tid)
}

// MarkResumable lets the LTS/runner layer wake a suspended actor's
// continuation once it decides (via the ticket protocol) that its
// follow-up should run next. Not part of the instrumentation contract
// proper; it is the driver-side counterpart AfterCoroutineSuspended
// needs, since Go has no language-level suspend/resume to intercept.
func (s *Scheduler) MarkResumable(tid int) {
	s.mu.Lock()
	s.states[tid].hasPendingResumption = true
	s.mu.Unlock()
}

// EnterIgnoredSection and LeaveIgnoredSection bracket code the scheduler
// must not instrument (library internals, container class bodies); switch
// points inside an ignored section are no-ops. Reentrant.
func (s *Scheduler) EnterIgnoredSection(tid int) {
	s.mu.Lock()
	s.states[tid].ignoredDepth++
	s.mu.Unlock()
}

func (s *Scheduler) LeaveIgnoredSection(tid int) {
	s.mu.Lock()
	if s.states[tid].ignoredDepth > 0 {
		s.states[tid].ignoredDepth--
	}
	s.mu.Unlock()
}

// livelockEventThreshold bounds the number of switch points outside ignored
// sections in one invocation: past it, the parallel part is spinning without converging
// and is reported as a deadlock.
const livelockEventThreshold = 10_000

// newSwitchPoint decides, at one instrumented location, whether tid keeps
// the turn: ignored sections are silent, the loop detector flags active
// locks, and the strategy gets the final say.
func (s *Scheduler) newSwitchPoint(tid int, codeLoc string) {
	s.checkSuddenResult()

	s.mu.Lock()
	ignored := s.states[tid].ignoredDepth > 0
	if !ignored {
		s.eventCount++
	}
	livelocked := s.eventCount > livelockEventThreshold
	s.mu.Unlock()
	if livelocked {
		s.declareDeadlock(tid)
		Raise("livelock")
	}
	if ignored {
		return
	}

	activeLock := false
	if s.loops.Register(tid, codeLoc) {
		activeLock = true
		if s.requireObstructionFreedom {
			s.setSuddenResult(failure.NewObstructionFreedomViolation(s.invocationID, codeLoc, s.loops.StreakFor(tid)))
			Raise("obstruction-freedom-violation")
		}
	}

	if s.strategy.ShouldSwitch(tid) || activeLock {
		log.Trace().Int("tid", tid).Str("code_loc", codeLoc).Bool("active_lock", activeLock).Msg("switch point")
		s.switchToAnotherThread(tid, false, "switch-point")
		s.awaitTurn(tid)
	}

	if s.onSwitchPoint != nil {
		s.onSwitchPoint(tid, codeLoc)
	}
}

// switchableThreads lists threads other than tid that could usefully take
// the turn: running threads, monitor-waiters that could now proceed, and
// suspended threads with a pending resumption.
func (s *Scheduler) switchableThreads(tid int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []int
	for i, st := range s.states {
		if i == tid {
			continue
		}
		switch st.status {
		case Running:
			out = append(out, i)
		case WaitingForMonitor:
			if !s.monitors.IsWaiting(i) {
				out = append(out, i)
			}
		case Suspended:
			if st.hasPendingResumption {
				out = append(out, i)
			}
		}
	}
	return out
}

// suspendedThreads lists non-finished suspended threads other than tid
// that have no pending resumption.
func (s *Scheduler) suspendedThreads(tid int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for i, st := range s.states {
		if i != tid && st.status == Suspended && !st.hasPendingResumption {
			out = append(out, i)
		}
	}
	return out
}

func (s *Scheduler) allOthersTerminal(tid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, st := range s.states {
		if i == tid {
			continue
		}
		switch st.status {
		case Finished, Cancelled, Failed:
		default:
			return false
		}
	}
	return true
}

// switchToAnotherThread hands the turn to a switchable thread chosen by
// the strategy. If mandatory and no thread is switchable, every other
// worker is genuinely stuck (deadlock) unless they have all already
// terminated, in which case there is simply nobody left to run.
func (s *Scheduler) switchToAnotherThread(tid int, mandatory bool, reason string) {
	s.checkSuddenResult()

	candidates := s.switchableThreads(tid)
	if len(candidates) == 0 {
		if !mandatory {
			return
		}
		if s.allOthersTerminal(tid) {
			return
		}
		// A mandatory switch with nobody runnable: wake a suspended thread
		// without a pending resumption so it can observe a Suspended
		// result; only when none exists is this a real deadlock.
		if sus := s.suspendedThreads(tid); len(sus) > 0 {
			s.current.Store(int32(sus[s.strategy.ChooseThread(len(sus))]))
			return
		}
		s.declareDeadlock(tid)
		Raise("deadlock")
	}

	next := candidates[s.strategy.ChooseThread(len(candidates))]
	s.current.Store(int32(next))
}

func (s *Scheduler) declareDeadlock(tid int) {
	s.mu.Lock()
	dump := make([]failure.ThreadDumpEntry, 0, len(s.states))
	for i, st := range s.states {
		state := st.status.String()
		if m, ok := s.monitors.MonitorOf(i); ok && st.status == WaitingForMonitor {
			state += fmt.Sprintf("(m=%#x)", uintptr(m))
		}
		dump = append(dump, failure.ThreadDumpEntry{ThreadID: i, State: state})
	}
	s.mu.Unlock()
	log.Warn().Str("invocation", s.invocationID.String()).Int("threads", len(dump)).Msg("deadlock detected")
	s.setSuddenResult(failure.NewDeadlock(s.invocationID, dump))
}
