package lts

import (
	"fmt"

	"github.com/torvine/concheck/scenario"
)

// NextByRequest computes (compute-if-absent) the transition taken when
// actor's request part is invoked in state s. The returned TransitionInfo
// is memoized per actor, so repeated calls return the identical value.
func (l *LTS) NextByRequest(s *State, actor *scenario.Actor) (*scenario.TransitionInfo, error) {
	if tr, ok := s.byRequest[actor]; ok {
		return tr, nil
	}

	env, err := l.replay(s)
	if err != nil {
		return nil, err
	}
	ticket := s.freshTicket()
	op := scenario.Operation{Actor: actor, Ticket: ticket, Type: scenario.Request}
	res, err := env.execute(op, false)
	if err != nil {
		return nil, fmt.Errorf("%w: request %s: %v", ErrIllegalState, actor.Method, err)
	}

	tr, err := l.finishTransition(s, env, op, res)
	if err != nil {
		return nil, err
	}
	if _, suspended := res.(scenario.SuspendedResult); suspended {
		tr.Ticket = ticket
	}
	s.byRequest[actor] = tr
	return tr, nil
}

// NextByFollowUp computes the transition taken when the follow-up part of
// the partial operation holding ticket is invoked in state s. The ticket
// must have been resumed; a follow-up that itself suspends is a defect
// (ErrFollowUpSuspended), never re-queued.
func (l *LTS) NextByFollowUp(s *State, ticket int32) (*scenario.TransitionInfo, error) {
	if tr, ok := s.byFollowUp[ticket]; ok {
		return tr, nil
	}
	if !s.IsResumed(ticket) {
		return nil, fmt.Errorf("lts: follow-up for ticket %d, which is not resumed in state %d", ticket, s.id)
	}

	env, err := l.replay(s)
	if err != nil {
		return nil, err
	}
	op := scenario.Operation{Actor: s.actorOf(ticket), Ticket: ticket, Type: scenario.FollowUp}
	res, err := env.execute(op, false)
	if err != nil {
		return nil, err
	}

	tr, err := l.finishTransition(s, env, op, res)
	if err != nil {
		return nil, err
	}
	tr.Ticket = ticket
	s.byFollowUp[ticket] = tr
	return tr, nil
}

// NextByCancellation computes the transition taken when the partial
// operation holding ticket is cancelled in state s. In non-prompt mode the
// ticket must still be suspended; in prompt mode a resumed-then-cancelled
// transition is also allowed. The result is always Cancelled.
func (l *LTS) NextByCancellation(s *State, ticket int32, prompt bool) (*scenario.TransitionInfo, error) {
	if tr, ok := s.byCancellation[ticket]; ok {
		return tr, nil
	}
	if !prompt && !s.IsSuspended(ticket) {
		return nil, fmt.Errorf("lts: cancellation for ticket %d, which is not suspended in state %d", ticket, s.id)
	}
	if prompt && !s.IsSuspended(ticket) && !s.IsResumed(ticket) {
		return nil, fmt.Errorf("lts: prompt cancellation for unknown ticket %d in state %d", ticket, s.id)
	}

	env, err := l.replay(s)
	if err != nil {
		return nil, err
	}
	op := scenario.Operation{Actor: s.actorOf(ticket), Ticket: ticket, Type: scenario.Cancellation}
	res, err := env.execute(op, prompt)
	if err != nil {
		return nil, err
	}

	tr, err := l.finishTransition(s, env, op, res)
	if err != nil {
		return nil, err
	}
	tr.Ticket = ticket
	s.byCancellation[ticket] = tr
	return tr, nil
}

// AtomicallyCancelled is the shared no-op transition used when the caller
// observed Cancelled but the computed request transition never actually
// suspended: the cancellation was absorbed atomically and the state does
// not change.
func (l *LTS) AtomicallyCancelled(s *State) *scenario.TransitionInfo {
	if s.atomicCancel == nil {
		s.atomicCancel = &scenario.TransitionInfo{
			NextStateID: s.id,
			Ticket:      scenario.NoTicket,
			Result:      scenario.CancelledResult{},
		}
	}
	return s.atomicCancel
}

// finishTransition interns the successor state env has reached and packs
// the TransitionInfo, translating the tickets env resumed during the
// operation through the interning remap.
func (l *LTS) finishTransition(s *State, env *replayEnv, op scenario.Operation, res scenario.Result) (*scenario.TransitionInfo, error) {
	seq := append(append([]scenario.Operation(nil), s.seqToCreate...), op)
	next, remap, err := l.intern(env, seq)
	if err != nil {
		return nil, err
	}

	resumedNow := make(map[int32]bool, len(env.lastResumed))
	for _, t := range env.lastResumed {
		resumedNow[RemapTicket(t, remap)] = true
	}
	return &scenario.TransitionInfo{
		NextStateID:    next.id,
		ResumedTickets: resumedNow,
		Ticket:         scenario.NoTicket,
		Remap:          remap,
		Result:         res,
	}, nil
}

// RemapTicket translates t through a transition's remapping function;
// tickets the remap does not list pass through unchanged, and NoTicket is
// always a fixed point.
func RemapTicket(t int32, remap map[int32]int32) int32 {
	if t == scenario.NoTicket || remap == nil {
		return t
	}
	if m, ok := remap[t]; ok {
		return m
	}
	return t
}
