package lts_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torvine/concheck/lts"
	"github.com/torvine/concheck/scenario"
)

func parallelResults(rows ...[]scenario.Result) [][]scenario.ResultWithClock {
	out := make([][]scenario.ResultWithClock, len(rows))
	for i, row := range rows {
		out[i] = make([]scenario.ResultWithClock, len(row))
		for j, r := range row {
			out[i][j] = scenario.ResultWithClock{Result: r}
		}
	}
	return out
}

func TestVerifyQueuePollOffer(t *testing.T) {
	proto := &Queue{}
	scn := &scenario.ExecutionScenario{
		Initial: []*scenario.Actor{
			mustActor(t, proto, "Offer", []any{1}),
			mustActor(t, proto, "Offer", []any{2}),
		},
		Parallel: [][]*scenario.Actor{
			{mustActor(t, proto, "Poll", nil)},
			{mustActor(t, proto, "Poll", nil)},
		},
	}

	cases := []struct {
		name   string
		first  scenario.Result
		second scenario.Result
		accept bool
	}{
		{"in-order polls", value(1), value(2), true},
		{"reversed polls", value(2), value(1), true},
		{"duplicate element", value(1), value(1), false},
		{"lost elements", value(nil), value(nil), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := lts.NewVerifier(func() any { return &Queue{} })
			ok, err := v.Verify(scn, &scenario.ExecutionResult{
				Initial:  []scenario.Result{void(), void()},
				Parallel: parallelResults([]scenario.Result{tc.first}, []scenario.Result{tc.second}),
			})
			require.NoError(t, err)
			assert.Equal(t, tc.accept, ok)
		})
	}
}

func TestVerifyCounterIncrements(t *testing.T) {
	proto := &Counter{}
	inc := func() *scenario.Actor { return mustActor(t, proto, "Increment", nil) }
	scn := &scenario.ExecutionScenario{
		Parallel: [][]*scenario.Actor{
			{inc(), inc()},
			{inc(), inc()},
		},
	}

	cases := []struct {
		name   string
		rows   [][]scenario.Result
		accept bool
	}{
		{"thread 0 runs first", [][]scenario.Result{{value(1), value(2)}, {value(3), value(4)}}, true},
		{"interleaved", [][]scenario.Result{{value(1), value(3)}, {value(2), value(4)}}, true},
		{"lost update", [][]scenario.Result{{value(1), value(2)}, {value(1), value(2)}}, false},
		{"skipped value", [][]scenario.Result{{value(1), value(2)}, {value(2), value(4)}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := lts.NewVerifier(func() any { return &Counter{} })
			ok, err := v.Verify(scn, &scenario.ExecutionResult{
				Parallel: parallelResults(tc.rows...),
			})
			require.NoError(t, err)
			assert.Equal(t, tc.accept, ok)
		})
	}
}

// The rendezvous scenario from the partial-operation protocol: the
// receive suspends with ticket 0, the send completes immediately and
// resumes it, and the receive's follow-up observes the sent value.
func TestVerifyRendezvousChannel(t *testing.T) {
	proto := &Rendezvous{}
	scn := &scenario.ExecutionScenario{
		Parallel: [][]*scenario.Actor{
			{mustActor(t, proto, "Receive", nil)},
			{mustActor(t, proto, "Send", []any{42})},
		},
	}

	v := lts.NewVerifier(func() any { return &Rendezvous{} })
	ok, err := v.Verify(scn, &scenario.ExecutionResult{
		Parallel: parallelResults([]scenario.Result{value(42)}, []scenario.Result{void()}),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Verify(scn, &scenario.ExecutionResult{
		Parallel: parallelResults([]scenario.Result{value(41)}, []scenario.Result{void()}),
	})
	require.NoError(t, err)
	assert.False(t, ok, "the receive cannot observe a value nobody sent")
}

func TestVerifySuspendedForever(t *testing.T) {
	proto := &Rendezvous{}
	scn := &scenario.ExecutionScenario{
		Parallel: [][]*scenario.Actor{
			{mustActor(t, proto, "Receive", nil)},
		},
	}

	v := lts.NewVerifier(func() any { return &Rendezvous{} })
	ok, err := v.Verify(scn, &scenario.ExecutionResult{
		Parallel: parallelResults([]scenario.Result{scenario.SuspendedResult{}}),
	})
	require.NoError(t, err)
	assert.True(t, ok, "a receive with no sender legally stays suspended")
}

func TestVerifyCancelledReceive(t *testing.T) {
	proto := &Rendezvous{}
	scn := &scenario.ExecutionScenario{
		Parallel: [][]*scenario.Actor{
			{mustActor(t, proto, "Receive", nil, scenario.CancelOnSuspension())},
		},
	}

	v := lts.NewVerifier(func() any { return &Rendezvous{} })
	ok, err := v.Verify(scn, &scenario.ExecutionResult{
		Parallel: parallelResults([]scenario.Result{scenario.CancelledResult{}}),
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

// An expected Cancelled result against a transition that never actually
// suspends must be absorbed as a no-op: the second poll still observes the
// element the "cancelled" poll would otherwise have taken.
func TestVerifyCancellationAtomicallyAbsorbed(t *testing.T) {
	proto := &Queue{}
	scn := &scenario.ExecutionScenario{
		Initial: []*scenario.Actor{mustActor(t, proto, "Offer", []any{1})},
		Parallel: [][]*scenario.Actor{
			{mustActor(t, proto, "Poll", nil, scenario.CancelOnSuspension(), scenario.AllowsExtraSuspensions())},
			{mustActor(t, proto, "Poll", nil)},
		},
	}

	v := lts.NewVerifier(func() any { return &Queue{} })
	ok, err := v.Verify(scn, &scenario.ExecutionResult{
		Initial:  []scenario.Result{void()},
		Parallel: parallelResults([]scenario.Result{scenario.CancelledResult{}}, []scenario.Result{value(1)}),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Verify(scn, &scenario.ExecutionResult{
		Initial:  []scenario.Result{void()},
		Parallel: parallelResults([]scenario.Result{scenario.CancelledResult{}}, []scenario.Result{value(nil)}),
	})
	require.NoError(t, err)
	assert.False(t, ok, "an absorbed cancellation must not consume the element")
}

func TestVerifyPostPartChecked(t *testing.T) {
	proto := &Queue{}
	scn := &scenario.ExecutionScenario{
		Initial: []*scenario.Actor{mustActor(t, proto, "Offer", []any{1})},
		Parallel: [][]*scenario.Actor{
			{mustActor(t, proto, "Offer", []any{2})},
		},
		Post: []*scenario.Actor{
			mustActor(t, proto, "Poll", nil),
			mustActor(t, proto, "Poll", nil),
		},
	}

	v := lts.NewVerifier(func() any { return &Queue{} })
	ok, err := v.Verify(scn, &scenario.ExecutionResult{
		Initial:  []scenario.Result{void()},
		Parallel: parallelResults([]scenario.Result{void()}),
		Post:     []scenario.Result{value(1), value(2)},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Verify(scn, &scenario.ExecutionResult{
		Initial:  []scenario.Result{void()},
		Parallel: parallelResults([]scenario.Result{void()}),
		Post:     []scenario.Result{value(2), value(1)},
	})
	require.NoError(t, err)
	assert.False(t, ok, "the post part runs after the parallel part, in order")
}
