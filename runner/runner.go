// Package runner executes scenarios: the initial part sequentially, the
// parallel part on N scheduler-managed worker goroutines with per-thread
// vector clocks, then the post part and the optional validation actor.
// Workers are WaitGroup-coordinated and watch a shared cancellation
// signal, with progress driven entirely by the scheduler's turn protocol.
package runner

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/torvine/concheck/failure"
	"github.com/torvine/concheck/lts"
	"github.com/torvine/concheck/scenario"
	"github.com/torvine/concheck/scheduler"
	"github.com/torvine/concheck/tracer"
)

// replayTimeout stands in for "effectively infinite" when a debugger-
// assisted replay is active.
const replayTimeout = 365 * 24 * time.Hour

// Invocation executes one scenario once against one test instance.
type Invocation struct {
	id    uuid.UUID
	scn   *scenario.ExecutionScenario
	sched *scheduler.Scheduler
	rec   *tracer.Recorder
	opts  Options

	pendingMu sync.Mutex
	pending   map[int]scenario.Continuation
}

// NewInvocation builds the scheduler for one run of scn. The test instance
// is supplied to Run, constructed against Scheduler() so its instrumented
// switch points reach this invocation's scheduler.
func NewInvocation(scn *scenario.ExecutionScenario, strategy scheduler.Strategy, opts Options) *Invocation {
	opts = opts.withDefaults()
	id := uuid.New()
	return &Invocation{
		id:      id,
		scn:     scn,
		sched:   scheduler.New(id, scn.Threads(), strategy, opts.CheckObstructionFreedom, opts.HangingDetectionThreshold),
		opts:    opts,
		pending: make(map[int]scenario.Continuation),
	}
}

// ID is the invocation's correlation UUID, carried into every failure it
// produces.
func (inv *Invocation) ID() uuid.UUID { return inv.id }

// Scheduler exposes the managed scheduler so the test instance under
// construction can be wired to its switch points.
func (inv *Invocation) Scheduler() *scheduler.Scheduler { return inv.sched }

// SetRecorder attaches a trace recorder for the second, trace-collecting
// run of a failing scenario.
func (inv *Invocation) SetRecorder(rec *tracer.Recorder) {
	inv.rec = rec
	inv.sched.SetEventSink(func(tid int, codeLoc string) {
		rec.LocalRead(tid, "pass:"+codeLoc, nil)
	})
}

// Recorder returns the attached recorder, if any.
func (inv *Invocation) Recorder() *tracer.Recorder { return inv.rec }

// Run executes the scenario against test. The returned failure is non-nil
// when the run itself failed (deadlock, livelock, unexpected exception,
// validation failure); result legality is the verifier's business, not
// Run's.
func (inv *Invocation) Run(test any) (*scenario.ExecutionResult, failure.Failure) {
	res := &scenario.ExecutionResult{}

	// The initial and post parts run on the main goroutine, outside the
	// managed parallel section: switch points the test object hits there
	// must stay silent, so thread 0's ignored section brackets them.
	sequential := func(actors []*scenario.Actor, into *[]scenario.Result) failure.Failure {
		if inv.scn.Threads() > 0 {
			inv.sched.EnterIgnoredSection(0)
			defer inv.sched.LeaveIgnoredSection(0)
		}
		for _, actor := range actors {
			r, f := inv.runSequentialActor(test, actor)
			if f != nil {
				return f
			}
			*into = append(*into, r)
		}
		return nil
	}

	if f := sequential(inv.scn.Initial, &res.Initial); f != nil {
		return nil, f
	}
	if f := inv.runParallel(test, res); f != nil {
		return nil, f
	}
	if f := sequential(inv.scn.Post, &res.Post); f != nil {
		return nil, f
	}

	if v := inv.scn.ValidationOp; v != nil {
		if inv.scn.Threads() > 0 {
			inv.sched.EnterIgnoredSection(0)
			defer inv.sched.LeaveIgnoredSection(0)
		}
		if _, thrown := lts.InvokeActor(test, v, 0, scenario.NewContinuation()); thrown != nil {
			return nil, failure.NewValidationFailure(inv.id, thrown)
		}
	}
	return res, nil
}

func (inv *Invocation) runSequentialActor(test any, actor *scenario.Actor) (scenario.Result, failure.Failure) {
	r, thrown := lts.InvokeActor(test, actor, 0, scenario.NewContinuation())
	if thrown != nil && !actor.AllowsException(thrown) {
		return nil, failure.NewUnexpectedException(inv.id, actor.Method, fmt.Sprintf("%T", thrown))
	}
	return r, nil
}

func (inv *Invocation) runParallel(test any, res *scenario.ExecutionResult) failure.Failure {
	n := inv.scn.Threads()
	if n == 0 {
		return nil
	}
	res.Parallel = make([][]scenario.ResultWithClock, n)
	for i := range res.Parallel {
		res.Parallel[i] = make([]scenario.ResultWithClock, len(inv.scn.Parallel[i]))
	}

	clockMu := sync.Mutex{}
	clocks := make([]int, n)
	snapshot := func() []int {
		clockMu.Lock()
		defer clockMu.Unlock()
		return append([]int(nil), clocks...)
	}
	tick := func(tid int) {
		clockMu.Lock()
		clocks[tid]++
		clockMu.Unlock()
	}

	timeout := time.Duration(inv.opts.TimeoutMS) * time.Millisecond
	if inv.opts.ReplayMode {
		timeout = replayTimeout
	}
	watchdog := time.AfterFunc(timeout, func() {
		log.Warn().Str("invocation", inv.id.String()).Dur("timeout", timeout).Msg("invocation timed out")
		inv.sched.ForceFinish(failure.NewDeadlock(inv.id, inv.sched.ThreadDump()))
	})
	defer watchdog.Stop()

	var wg sync.WaitGroup
	wg.Add(n)
	for tid := 0; tid < n; tid++ {
		go inv.worker(test, tid, res, snapshot, tick, &wg)
	}
	wg.Wait()

	if inv.rec != nil {
		inv.rec.ShutdownLiveThreads(-1)
	}
	return inv.sched.SuddenFailure()
}

// worker runs one parallel thread's actor list under the scheduler's turn
// protocol. ForcibleFinish is recovered here and only here: it marks this
// worker's remaining results NoResult and lets the sudden result speak for
// the invocation.
func (inv *Invocation) worker(test any, tid int, res *scenario.ExecutionResult, snapshot func() []int, tick func(int), wg *sync.WaitGroup) {
	defer wg.Done()

	cursor := 0
	defer func() {
		if p := recover(); p != nil {
			ff, ok := p.(scheduler.ForcibleFinish)
			if !ok {
				panic(p)
			}
			for ; cursor < len(inv.scn.Parallel[tid]); cursor++ {
				res.Parallel[tid][cursor] = scenario.ResultWithClock{Result: scenario.NoResult{}}
			}
			if inv.rec != nil {
				inv.rec.FinishThread(tid, ff)
			}
		}
	}()

	if inv.rec != nil {
		inv.rec.EnterInjected(tid)
		inv.rec.StartThread(tid)
		inv.rec.LeaveInjected(tid)
	}
	inv.sched.OnStart(tid)

	for ; cursor < len(inv.scn.Parallel[tid]); cursor++ {
		actor := inv.scn.Parallel[tid][cursor]
		clock := snapshot()
		r := inv.runParallelActor(test, tid, actor)
		res.Parallel[tid][cursor] = scenario.ResultWithClock{Result: r, Clock: clock}
		tick(tid)
		inv.wakeResumedThreads(tid)
	}

	inv.sched.OnFinish(tid)
	if inv.rec != nil {
		inv.rec.EnterInjected(tid)
		inv.rec.FinishThread(tid, nil)
		inv.rec.LeaveInjected(tid)
	}
}

func (inv *Invocation) runParallelActor(test any, tid int, actor *scenario.Actor) scenario.Result {
	if inv.rec != nil {
		inv.rec.EnterInjected(tid)
		inv.rec.MethodEnter(tid, fmt.Sprintf("%T", test), actor.Method, test, actor.Args)
		inv.rec.LeaveInjected(tid)
	}

	inv.sched.BeforeAtomicMethodCall(tid, "actor:"+actor.Method)
	cont := scenario.NewContinuation()
	r, thrown := lts.InvokeActor(test, actor, tid, cont)
	if ff, ok := thrown.(scheduler.ForcibleFinish); ok {
		// InvokeActor's panic guard caught the unwind signal; resume it.
		panic(ff)
	}

	switch r.(type) {
	case scenario.SuspendedResult:
		r = inv.handleSuspension(test, tid, actor, cont)
	default:
		if thrown != nil && !actor.AllowsException(thrown) {
			inv.sched.ForceFinish(failure.NewUnexpectedException(inv.id, actor.Method, fmt.Sprintf("%T", thrown)))
			scheduler.Raise("unexpected-exception")
		}
	}

	if inv.rec != nil {
		inv.rec.EnterInjected(tid)
		if er, isExc := r.(scenario.ExceptionResult); isExc {
			inv.rec.MethodThrow(tid, er.ClassName)
		} else {
			inv.rec.MethodReturn(tid, r)
		}
		inv.rec.LeaveInjected(tid)
	}
	return r
}

// handleSuspension parks the worker after its actor suspended: either the
// actor cancels on suspension, or the thread yields its turn until another
// thread's operation delivers the resumption value.
func (inv *Invocation) handleSuspension(test any, tid int, actor *scenario.Actor, cont scenario.Continuation) scenario.Result {
	if actor.CancelOnSuspension {
		if c, ok := test.(scenario.Cancellable); ok {
			c.OnCancellation(cont)
		}
		inv.sched.AfterCoroutineCancelled(tid)
		return scenario.CancelledResult{}
	}

	inv.pendingMu.Lock()
	inv.pending[tid] = cont
	inv.pendingMu.Unlock()

	inv.sched.AfterCoroutineSuspended(tid)
	inv.sched.AfterCoroutineResumed(tid)

	inv.pendingMu.Lock()
	delete(inv.pending, tid)
	inv.pendingMu.Unlock()

	v, ok := cont.Poll()
	if !ok {
		// Resumable without a delivered value means the scheduler woke us
		// spuriously; treat as still suspended.
		return scenario.SuspendedResult{}
	}
	return lts.ResumptionResult(v)
}

// wakeResumedThreads marks suspended workers resumable once their parked
// continuation holds a value, which can only have been delivered by an
// operation this thread just ran.
func (inv *Invocation) wakeResumedThreads(tid int) {
	inv.pendingMu.Lock()
	defer inv.pendingMu.Unlock()
	for other, cont := range inv.pending {
		if other != tid && len(cont) > 0 {
			inv.sched.MarkResumable(other)
		}
	}
}
