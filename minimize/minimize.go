// Package minimize shrinks a failing scenario: it repeatedly drops one
// actor (from the post part first, then from each parallel thread, then
// from the initial part) and keeps a reduction only when re-running still
// fails with the same failure kind.
package minimize

import (
	"github.com/rs/zerolog/log"

	"github.com/torvine/concheck/failure"
	"github.com/torvine/concheck/scenario"
)

// Rerun executes a candidate scenario and reports the failure it
// reproduces, or nil when the candidate passes.
type Rerun func(*scenario.ExecutionScenario) failure.Failure

// Minimize returns the smallest scenario reachable from scn by single-
// actor removals that still reproduces orig's failure kind, together with
// the failure the reduced scenario produced. It stops when no single
// removal reproduces the failure.
func Minimize(scn *scenario.ExecutionScenario, orig failure.Failure, rerun Rerun) (*scenario.ExecutionScenario, failure.Failure) {
	current, currentFail := scn, orig
	for {
		reduced, fail := shrinkOnce(current, currentFail.FailureKind(), rerun)
		if reduced == nil {
			return current, currentFail
		}
		log.Debug().Str("kind", string(fail.FailureKind())).
			Int("initial", len(reduced.Initial)).Int("post", len(reduced.Post)).
			Msg("kept a reduction")
		current, currentFail = reduced, fail
	}
}

// shrinkOnce tries every single-actor removal in order and returns the
// first reduction that still fails with kind, or nil when none does.
func shrinkOnce(scn *scenario.ExecutionScenario, kind failure.Kind, rerun Rerun) (*scenario.ExecutionScenario, failure.Failure) {
	for i := range scn.Post {
		c := scn.Clone()
		c.Post = append(c.Post[:i:i], c.Post[i+1:]...)
		if f := rerun(c); f != nil && f.FailureKind() == kind {
			return c, f
		}
	}
	for t := range scn.Parallel {
		for i := range scn.Parallel[t] {
			c := scn.Clone()
			c.Parallel[t] = append(c.Parallel[t][:i:i], c.Parallel[t][i+1:]...)
			if len(c.Parallel[t]) == 0 {
				c.Parallel = append(c.Parallel[:t:t], c.Parallel[t+1:]...)
			}
			if len(c.Parallel) == 0 {
				continue
			}
			if f := rerun(c); f != nil && f.FailureKind() == kind {
				return c, f
			}
		}
	}
	for i := range scn.Initial {
		c := scn.Clone()
		c.Initial = append(c.Initial[:i:i], c.Initial[i+1:]...)
		if f := rerun(c); f != nil && f.FailureKind() == kind {
			return c, f
		}
	}
	return nil, nil
}
