package lts_test

import (
	"reflect"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torvine/concheck/scenario"
)

// Queue is a sequential FIFO reference.
type Queue struct {
	Items []int
}

func (q *Queue) Offer(x int) {
	q.Items = append(q.Items, x)
}

func (q *Queue) Poll() any {
	if len(q.Items) == 0 {
		return nil
	}
	head := q.Items[0]
	q.Items = q.Items[1:]
	return head
}

// Counter is a sequential counter reference; Increment returns the new value.
type Counter struct {
	Value int
}

func (c *Counter) Increment() int {
	c.Value++
	return c.Value
}

// IntSet is a sequential set reference whose operations commute, used to
// exercise state interning across different operation orders. Snapshot
// sorts the members so the fingerprint is deterministic.
type IntSet struct {
	members map[int]bool
}

func NewIntSet() *IntSet { return &IntSet{members: make(map[int]bool)} }

func (s *IntSet) Add(x int) bool {
	if s.members[x] {
		return false
	}
	s.members[x] = true
	return true
}

func (s *IntSet) Contains(x int) bool { return s.members[x] }

func (s *IntSet) Snapshot() any {
	out := make([]int, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	sort.Ints(out)
	return out
}

// Rendezvous is a sequential rendezvous channel: Send and Receive complete
// only when they meet a parked counterpart, otherwise they suspend.
type Rendezvous struct {
	receivers []scenario.Continuation
	senders   []parkedSend
}

type parkedSend struct {
	cont  scenario.Continuation
	value int
}

func (r *Rendezvous) Send(v int, cont scenario.Continuation) error {
	if len(r.receivers) > 0 {
		rc := r.receivers[0]
		r.receivers = r.receivers[1:]
		rc <- v
		return nil
	}
	r.senders = append(r.senders, parkedSend{cont: cont, value: v})
	return scenario.ErrSuspended
}

func (r *Rendezvous) Receive(cont scenario.Continuation) (any, error) {
	if len(r.senders) > 0 {
		s := r.senders[0]
		r.senders = r.senders[1:]
		s.cont <- nil
		return s.value, nil
	}
	r.receivers = append(r.receivers, cont)
	return nil, scenario.ErrSuspended
}

func (r *Rendezvous) OnCancellation(c scenario.Continuation) bool {
	for i, rc := range r.receivers {
		if rc == c {
			r.receivers = append(r.receivers[:i], r.receivers[i+1:]...)
			return true
		}
	}
	for i, s := range r.senders {
		if s.cont == c {
			r.senders = append(r.senders[:i], r.senders[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Rendezvous) Snapshot() any {
	pending := make([]int, 0, len(r.senders))
	for _, s := range r.senders {
		pending = append(pending, s.value)
	}
	return rendezvousState{Receivers: len(r.receivers), Senders: pending}
}

type rendezvousState struct {
	Receivers int
	Senders   []int
}

func mustActor(t *testing.T, proto any, method string, args []any, opts ...scenario.ActorOption) *scenario.Actor {
	t.Helper()
	h := reflect.ValueOf(proto).MethodByName(method)
	a, err := scenario.NewActor(method, h, args, nil, opts...)
	require.NoError(t, err)
	return a
}

func value(v any) scenario.Result { return scenario.ValueResult{Value: v} }
func void() scenario.Result       { return scenario.VoidResult{} }
