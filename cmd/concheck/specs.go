package main

import (
	"reflect"
	"sort"

	"github.com/torvine/concheck/runner"
	"github.com/torvine/concheck/scenario"
	"github.com/torvine/concheck/scheduler"
)

// demoSpec is one built-in test the run command can execute by name: a
// sequential reference, a factory for the instrumented object under test,
// and a fixed scenario.
type demoSpec struct {
	description string
	seqFactory  func() any
	testFactory runner.TestFactory
	scenario    func() *scenario.ExecutionScenario
}

var demoSpecs = map[string]demoSpec{
	"queue": {
		description: "linearizable FIFO queue under concurrent polls (passes)",
		seqFactory:  func() any { return &seqQueue{} },
		testFactory: func(s *scheduler.Scheduler) any { return &concQueue{sched: s} },
		scenario: func() *scenario.ExecutionScenario {
			q := &seqQueue{}
			return &scenario.ExecutionScenario{
				Initial: []*scenario.Actor{
					demoActor(q, "Offer", scenario.CurrentThreadArg{}, 1),
					demoActor(q, "Offer", scenario.CurrentThreadArg{}, 2),
				},
				Parallel: [][]*scenario.Actor{
					{demoActor(q, "Poll", scenario.CurrentThreadArg{})},
					{demoActor(q, "Poll", scenario.CurrentThreadArg{})},
				},
			}
		},
	},
	"broken-counter": {
		description: "counter with a non-atomic increment (fails: IncorrectResults)",
		seqFactory:  func() any { return &seqCounter{} },
		testFactory: func(s *scheduler.Scheduler) any { return &brokenCounter{sched: s} },
		scenario:    counterScenario,
	},
	"locked-counter": {
		description: "counter guarded by a reentrant monitor (passes)",
		seqFactory:  func() any { return &seqCounter{} },
		testFactory: func(s *scheduler.Scheduler) any {
			return &lockedCounter{sched: s, lock: new(int)}
		},
		scenario: counterScenario,
	},
	"deadlock": {
		description: "two monitors acquired in opposite orders (fails: Deadlock)",
		seqFactory:  func() any { return seqNop{} },
		testFactory: func(s *scheduler.Scheduler) any {
			return &diningPair{sched: s, a: new(int), b: new(int)}
		},
		scenario: func() *scenario.ExecutionScenario {
			n := seqNop{}
			return &scenario.ExecutionScenario{
				Parallel: [][]*scenario.Actor{
					{demoActor(n, "LockAB", scenario.CurrentThreadArg{})},
					{demoActor(n, "LockBA", scenario.CurrentThreadArg{})},
				},
			}
		},
	},
	"spinlock": {
		description: "busy-loop that never advances (fails under --check-obstruction-freedom)",
		seqFactory:  func() any { return seqNop{} },
		testFactory: func(s *scheduler.Scheduler) any { return &spinner{sched: s, spins: 100_000} },
		scenario: func() *scenario.ExecutionScenario {
			n := seqNop{}
			return &scenario.ExecutionScenario{
				Parallel: [][]*scenario.Actor{
					{demoActor(n, "Spin", scenario.CurrentThreadArg{})},
				},
			}
		},
	},
}

func demoSpecNames() []string {
	names := make([]string, 0, len(demoSpecs))
	for name := range demoSpecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func demoActor(proto any, method string, args ...any) *scenario.Actor {
	h := reflect.ValueOf(proto).MethodByName(method)
	a, err := scenario.NewActor(method, h, args, nil)
	if err != nil {
		panic(err)
	}
	return a
}

func counterScenario() *scenario.ExecutionScenario {
	c := &seqCounter{}
	inc := func() *scenario.Actor { return demoActor(c, "Increment", scenario.CurrentThreadArg{}) }
	return &scenario.ExecutionScenario{
		Parallel: [][]*scenario.Actor{
			{inc(), inc()},
			{inc(), inc()},
		},
	}
}

// ---- sequential references ----

type seqQueue struct {
	Items []int
}

func (q *seqQueue) Offer(tid, x int) {
	q.Items = append(q.Items, x)
}

func (q *seqQueue) Poll(tid int) any {
	if len(q.Items) == 0 {
		return nil
	}
	head := q.Items[0]
	q.Items = q.Items[1:]
	return head
}

type seqCounter struct {
	Value int
}

func (c *seqCounter) Increment(tid int) int {
	c.Value++
	return c.Value
}

type seqNop struct{}

func (seqNop) LockAB(tid int) {}
func (seqNop) LockBA(tid int) {}
func (seqNop) Spin(tid int)   {}

// ---- instrumented objects under test ----

type concQueue struct {
	sched *scheduler.Scheduler
	items []int
}

func (q *concQueue) Offer(tid, x int) {
	q.sched.BeforeSharedWrite(tid, "queue.items")
	q.items = append(q.items, x)
}

func (q *concQueue) Poll(tid int) any {
	q.sched.BeforeSharedRead(tid, "queue.items")
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head
}

type brokenCounter struct {
	sched *scheduler.Scheduler
	value int
}

func (c *brokenCounter) Increment(tid int) int {
	c.sched.BeforeSharedRead(tid, "counter.value")
	v := c.value
	c.sched.BeforeSharedWrite(tid, "counter.value")
	c.value = v + 1
	return v + 1
}

type lockedCounter struct {
	sched *scheduler.Scheduler
	lock  *int
	value int
}

func (c *lockedCounter) Increment(tid int) int {
	c.sched.BeforeLockAcquire(tid, c.lock, "counter.lock")
	c.sched.BeforeSharedRead(tid, "counter.value")
	v := c.value
	c.sched.BeforeSharedWrite(tid, "counter.value")
	c.value = v + 1
	c.sched.BeforeLockRelease(tid, c.lock, "counter.lock")
	return v + 1
}

type diningPair struct {
	sched *scheduler.Scheduler
	a, b  *int
}

func (d *diningPair) LockAB(tid int) {
	d.sched.BeforeLockAcquire(tid, d.a, "lock.a")
	d.sched.BeforeLockAcquire(tid, d.b, "lock.b")
	d.sched.BeforeLockRelease(tid, d.b, "lock.b")
	d.sched.BeforeLockRelease(tid, d.a, "lock.a")
}

func (d *diningPair) LockBA(tid int) {
	d.sched.BeforeLockAcquire(tid, d.b, "lock.b")
	d.sched.BeforeLockAcquire(tid, d.a, "lock.a")
	d.sched.BeforeLockRelease(tid, d.a, "lock.a")
	d.sched.BeforeLockRelease(tid, d.b, "lock.b")
}

type spinner struct {
	sched *scheduler.Scheduler
	spins int
}

func (s *spinner) Spin(tid int) {
	for i := 0; i < s.spins; i++ {
		s.sched.BeforeSharedRead(tid, "flag.spin")
	}
}
