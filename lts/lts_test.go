package lts_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torvine/concheck/lts"
	"github.com/torvine/concheck/scenario"
)

func TestRequestTransitionMemoized(t *testing.T) {
	l := lts.New(func() any { return &Queue{} })
	offer := mustActor(t, &Queue{}, "Offer", []any{1})

	tr1, err := l.NextByRequest(l.Root(), offer)
	require.NoError(t, err)
	tr2, err := l.NextByRequest(l.Root(), offer)
	require.NoError(t, err)
	assert.Same(t, tr1, tr2, "next(S, O) must return the identical TransitionInfo on every call")
	assert.True(t, scenario.VoidResult{}.Equal(tr1.Result))
	assert.Equal(t, scenario.NoTicket, tr1.Ticket)
}

func TestCommutingOperationsInternOntoOneState(t *testing.T) {
	l := lts.New(func() any { return NewIntSet() })
	add1 := mustActor(t, NewIntSet(), "Add", []any{1})
	add2 := mustActor(t, NewIntSet(), "Add", []any{2})

	tr12a, err := l.NextByRequest(l.Root(), add1)
	require.NoError(t, err)
	tr12b, err := l.NextByRequest(l.StateByID(tr12a.NextStateID), add2)
	require.NoError(t, err)

	tr21a, err := l.NextByRequest(l.Root(), add2)
	require.NoError(t, err)
	tr21b, err := l.NextByRequest(l.StateByID(tr21a.NextStateID), add1)
	require.NoError(t, err)

	assert.Equal(t, tr12b.NextStateID, tr21b.NextStateID,
		"add(1);add(2) and add(2);add(1) must intern onto the same canonical state")
	assert.NotNil(t, tr21b.Remap, "the second path arrives at an already-interned state")
}

func TestFreshTicketsAreDense(t *testing.T) {
	l := lts.New(func() any { return &Rendezvous{} })
	recv1 := mustActor(t, &Rendezvous{}, "Receive", nil)
	recv2 := mustActor(t, &Rendezvous{}, "Receive", nil)

	tr1, err := l.NextByRequest(l.Root(), recv1)
	require.NoError(t, err)
	require.True(t, scenario.SuspendedResult{}.Equal(tr1.Result))
	assert.Equal(t, int32(0), tr1.Ticket)

	tr2, err := l.NextByRequest(l.StateByID(tr1.NextStateID), recv2)
	require.NoError(t, err)
	require.True(t, scenario.SuspendedResult{}.Equal(tr2.Result))
	assert.Equal(t, int32(1), lts.RemapTicket(tr2.Ticket, tr2.Remap))
}

// A receive that suspends, is rendezvoused, and is consumed by its
// follow-up leaves the channel with one parked receiver again: the same
// state as a single fresh receive, except the path numbered its live
// ticket 1 instead of 0. Interning must collapse the two and hand back
// the renumbering.
func TestTicketRemapOnIntern(t *testing.T) {
	l := lts.New(func() any { return &Rendezvous{} })
	recvA := mustActor(t, &Rendezvous{}, "Receive", nil)
	recvB := mustActor(t, &Rendezvous{}, "Receive", nil)
	send := mustActor(t, &Rendezvous{}, "Send", []any{42})

	trRecv, err := l.NextByRequest(l.Root(), recvA)
	require.NoError(t, err)
	oneParked := trRecv.NextStateID

	trSend, err := l.NextByRequest(l.StateByID(oneParked), send)
	require.NoError(t, err)
	require.True(t, scenario.VoidResult{}.Equal(trSend.Result))
	require.True(t, trSend.ResumedTickets[0], "the send must resume ticket 0")

	trRecv2, err := l.NextByRequest(l.StateByID(trSend.NextStateID), recvB)
	require.NoError(t, err)
	require.Equal(t, int32(1), trRecv2.Ticket, "ticket 0 is still held by the resumed receive")

	trFollow, err := l.NextByFollowUp(l.StateByID(trRecv2.NextStateID), 0)
	require.NoError(t, err)
	assert.True(t, value(42).Equal(trFollow.Result))
	assert.Equal(t, oneParked, trFollow.NextStateID,
		"consuming the follow-up returns to the one-parked-receiver state")
	require.NotNil(t, trFollow.Remap)
	assert.Equal(t, int32(0), trFollow.Remap[1],
		"the path's live ticket 1 maps onto the canonical state's ticket 0")
}

func TestFollowUpBeforeResumeRejected(t *testing.T) {
	l := lts.New(func() any { return &Rendezvous{} })
	recv := mustActor(t, &Rendezvous{}, "Receive", nil)

	tr, err := l.NextByRequest(l.Root(), recv)
	require.NoError(t, err)

	_, err = l.NextByFollowUp(l.StateByID(tr.NextStateID), tr.Ticket)
	assert.Error(t, err, "a follow-up must not run before its ticket is resumed")
}

func TestCancellationRemovesSuspendedTicket(t *testing.T) {
	l := lts.New(func() any { return &Rendezvous{} })
	recv := mustActor(t, &Rendezvous{}, "Receive", nil)
	send := mustActor(t, &Rendezvous{}, "Send", []any{7})

	trRecv, err := l.NextByRequest(l.Root(), recv)
	require.NoError(t, err)

	trCancel, err := l.NextByCancellation(l.StateByID(trRecv.NextStateID), trRecv.Ticket, false)
	require.NoError(t, err)
	require.True(t, scenario.CancelledResult{}.Equal(trCancel.Result))

	// After the cancellation the parked receiver is gone, so a send must
	// suspend rather than rendezvous with it.
	trSend, err := l.NextByRequest(l.StateByID(trCancel.NextStateID), send)
	require.NoError(t, err)
	assert.True(t, scenario.SuspendedResult{}.Equal(trSend.Result))
}

func TestNonPromptCancellationOfResumedTicketRejected(t *testing.T) {
	l := lts.New(func() any { return &Rendezvous{} })
	recv := mustActor(t, &Rendezvous{}, "Receive", nil)
	send := mustActor(t, &Rendezvous{}, "Send", []any{1})

	trRecv, err := l.NextByRequest(l.Root(), recv)
	require.NoError(t, err)
	trSend, err := l.NextByRequest(l.StateByID(trRecv.NextStateID), send)
	require.NoError(t, err)

	resumedState := l.StateByID(trSend.NextStateID)
	_, err = l.NextByCancellation(resumedState, 0, false)
	assert.Error(t, err, "in non-prompt mode only a still-suspended ticket may be cancelled")

	trPrompt, err := l.NextByCancellation(resumedState, 0, true)
	require.NoError(t, err)
	assert.True(t, scenario.CancelledResult{}.Equal(trPrompt.Result))
}
