package lts

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/torvine/concheck/scenario"
)

// Verifier decides whether a collected execution result is linearizable
// against the sequential reference by searching the lazy LTS for a
// sequence of legal transitions that produces the observed results
// actor-by-actor in each thread.
type Verifier struct {
	lts *LTS
}

// NewVerifier builds a verifier over fresh reference instances produced by
// factory.
func NewVerifier(factory func() any) *Verifier {
	return &Verifier{lts: New(factory)}
}

// LTS exposes the underlying transition system, mainly for tests asserting
// on interning behavior.
func (v *Verifier) LTS() *LTS { return v.lts }

// threadCursor tracks one parallel thread's progress through its actor
// list: the next actor index, plus the pending ticket and expected final
// result when the thread is stopped inside a partial operation.
type threadCursor struct {
	idx             int
	pending         int32
	pendingExpected scenario.Result
	pendingCancel   bool
	prompt          bool
}

func (c threadCursor) done(actors []*scenario.Actor) bool {
	return c.idx >= len(actors) && c.pending == scenario.NoTicket
}

// Verify reports whether results is explainable by some linearization of
// the reference. A legality mismatch on one interleaving is not fatal;
// the search backtracks to another. Only engine-level errors (reference
// non-determinism, a suspending follow-up) abort with a non-nil error.
func (v *Verifier) Verify(scn *scenario.ExecutionScenario, results *scenario.ExecutionResult) (bool, error) {
	state := v.lts.Root()

	state, ok, err := v.runSequential(state, scn.Initial, results.Initial)
	if err != nil || !ok {
		return false, err
	}

	cursors := make([]threadCursor, scn.Threads())
	for i := range cursors {
		cursors[i].pending = scenario.NoTicket
	}
	visited := make(map[string]bool)
	ok, err = v.search(state, scn, results.ParallelResults(), results.Post, cursors, visited)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Debug().Int("states", v.lts.Size()).Msg("no legal linearization found")
	}
	return ok, nil
}

// runSequential steps a single-threaded actor sequence through the LTS,
// requiring each transition to be legal against its observed result.
func (v *Verifier) runSequential(state *State, actors []*scenario.Actor, expected []scenario.Result) (*State, bool, error) {
	for i, actor := range actors {
		if i >= len(expected) {
			return state, false, nil
		}
		tr, err := v.lts.NextByRequest(state, actor)
		if err != nil {
			return state, false, err
		}
		// Sequential parts have nobody to resume a suspended operation, so
		// the request legality rule collapses to exact result equality.
		if !expected[i].Equal(tr.Result) {
			return state, false, nil
		}
		state = v.lts.StateByID(tr.NextStateID)
	}
	return state, true, nil
}

// search is the backtracking interleaving search over the parallel part.
// At each step one thread advances by a single LTS transition (or an
// absorbed cancellation); when every thread is done, the post part must
// run legally from the reached state.
func (v *Verifier) search(state *State, scn *scenario.ExecutionScenario, parallel [][]scenario.Result, post []scenario.Result, cursors []threadCursor, visited map[string]bool) (bool, error) {
	key := searchKey(state, cursors)
	if visited[key] {
		return false, nil
	}
	visited[key] = true

	allDone := true
	for i := range cursors {
		if !cursors[i].done(scn.Parallel[i]) {
			allDone = false
			break
		}
	}
	if allDone {
		_, ok, err := v.runSequential(state, scn.Post, post)
		return ok, err
	}

	for i := range cursors {
		c := cursors[i]
		if c.done(scn.Parallel[i]) {
			continue
		}

		switch {
		case c.pending == scenario.NoTicket:
			if c.idx >= len(parallel[i]) {
				continue
			}
			actor := scn.Parallel[i][c.idx]
			expected := parallel[i][c.idx]
			tr, err := v.lts.NextByRequest(state, actor)
			if err != nil {
				return false, err
			}
			_, trSuspended := tr.Result.(scenario.SuspendedResult)
			_, wantCancelled := expected.(scenario.CancelledResult)

			if wantCancelled && !trSuspended {
				// Absorbed atomically: the reference never suspended, so
				// the cancellation is a no-op on the state.
				_ = v.lts.AtomicallyCancelled(state)
				next := cloneCursors(cursors)
				next[i].idx++
				if ok, err := v.search(state, scn, parallel, post, next, visited); ok || err != nil {
					return ok, err
				}
				continue
			}

			if trSuspended {
				ticket := RemapTicket(tr.Ticket, tr.Remap)
				next := remapCursors(cursors, tr.Remap)
				switch expected.(type) {
				case scenario.SuspendedResult:
					// The operation stays suspended forever; the thread
					// moves past it.
					next[i].idx++
					next[i].pending = scenario.NoTicket
				case scenario.CancelledResult:
					next[i].pending = ticket
					next[i].pendingCancel = true
					next[i].prompt = actor.PromptCancellation
				default:
					next[i].pending = ticket
					next[i].pendingExpected = expected
				}
				if ok, err := v.search(v.lts.StateByID(tr.NextStateID), scn, parallel, post, next, visited); ok || err != nil {
					return ok, err
				}
				continue
			}

			if expected.Equal(tr.Result) {
				next := remapCursors(cursors, tr.Remap)
				next[i].idx++
				if ok, err := v.search(v.lts.StateByID(tr.NextStateID), scn, parallel, post, next, visited); ok || err != nil {
					return ok, err
				}
			}

		case c.pendingCancel:
			allowed := state.IsSuspended(c.pending) || (c.prompt && state.IsResumed(c.pending))
			if !allowed {
				continue
			}
			tr, err := v.lts.NextByCancellation(state, c.pending, c.prompt)
			if err != nil {
				return false, err
			}
			next := remapCursors(cursors, tr.Remap)
			next[i].idx++
			next[i].pending = scenario.NoTicket
			next[i].pendingCancel = false
			if ok, err := v.search(v.lts.StateByID(tr.NextStateID), scn, parallel, post, next, visited); ok || err != nil {
				return ok, err
			}

		default: // follow-up
			if !state.IsResumed(c.pending) {
				continue
			}
			tr, err := v.lts.NextByFollowUp(state, c.pending)
			if err != nil {
				return false, err
			}
			if !c.pendingExpected.Equal(tr.Result) {
				continue
			}
			next := remapCursors(cursors, tr.Remap)
			next[i].idx++
			next[i].pending = scenario.NoTicket
			next[i].pendingExpected = nil
			if ok, err := v.search(v.lts.StateByID(tr.NextStateID), scn, parallel, post, next, visited); ok || err != nil {
				return ok, err
			}
		}
	}
	return false, nil
}

func cloneCursors(cs []threadCursor) []threadCursor {
	return append([]threadCursor(nil), cs...)
}

func remapCursors(cs []threadCursor, remap map[int32]int32) []threadCursor {
	out := cloneCursors(cs)
	if remap == nil {
		return out
	}
	for i := range out {
		out[i].pending = RemapTicket(out[i].pending, remap)
	}
	return out
}

func searchKey(state *State, cursors []threadCursor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "s%d", state.id)
	for _, c := range cursors {
		fmt.Fprintf(&b, "|%d:%d:%t", c.idx, c.pending, c.pendingCancel)
	}
	return b.String()
}
