package minimize_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torvine/concheck/failure"
	"github.com/torvine/concheck/minimize"
	"github.com/torvine/concheck/scenario"
)

func actorNamed(method string) *scenario.Actor {
	return &scenario.Actor{Method: method}
}

func countActors(s *scenario.ExecutionScenario) int {
	n := len(s.Initial) + len(s.Post)
	for _, p := range s.Parallel {
		n += len(p)
	}
	return n
}

// contains reports whether any actor in the scenario has the given method.
func contains(s *scenario.ExecutionScenario, method string) bool {
	all := append([]*scenario.Actor(nil), s.Initial...)
	all = append(all, s.Post...)
	for _, p := range s.Parallel {
		all = append(all, p...)
	}
	for _, a := range all {
		if a.Method == method {
			return true
		}
	}
	return false
}

func TestMinimizeKeepsOnlyCulprits(t *testing.T) {
	scn := &scenario.ExecutionScenario{
		Initial: []*scenario.Actor{actorNamed("setup"), actorNamed("culpritInit")},
		Parallel: [][]*scenario.Actor{
			{actorNamed("culpritA"), actorNamed("noiseA")},
			{actorNamed("culpritB"), actorNamed("noiseB")},
		},
		Post: []*scenario.Actor{actorNamed("noisePost")},
	}
	orig := failure.NewDeadlock(uuid.New(), nil)

	// The failure reproduces iff all three culprits survive.
	rerun := func(s *scenario.ExecutionScenario) failure.Failure {
		if contains(s, "culpritInit") && contains(s, "culpritA") && contains(s, "culpritB") {
			return failure.NewDeadlock(uuid.New(), nil)
		}
		return nil
	}

	reduced, fail := minimize.Minimize(scn, orig, rerun)
	require.NotNil(t, fail)
	assert.Equal(t, failure.KindDeadlock, fail.FailureKind())
	assert.Equal(t, 3, countActors(reduced))
	assert.True(t, contains(reduced, "culpritInit"))
	assert.True(t, contains(reduced, "culpritA"))
	assert.True(t, contains(reduced, "culpritB"))
}

// A reduction that flips the failure kind must be rejected: shrinking may
// only preserve the original diagnosis.
func TestMinimizeRejectsDifferentFailureKind(t *testing.T) {
	scn := &scenario.ExecutionScenario{
		Parallel: [][]*scenario.Actor{{actorNamed("a"), actorNamed("b")}},
	}
	orig := failure.NewDeadlock(uuid.New(), nil)

	rerun := func(s *scenario.ExecutionScenario) failure.Failure {
		if countActors(s) < 2 {
			return failure.NewIncorrectResults(uuid.New(), "", nil)
		}
		return failure.NewDeadlock(uuid.New(), nil)
	}

	reduced, fail := minimize.Minimize(scn, orig, rerun)
	assert.Equal(t, 2, countActors(reduced))
	assert.Equal(t, failure.KindDeadlock, fail.FailureKind())
}

func TestMinimizeWithNothingToRemove(t *testing.T) {
	scn := &scenario.ExecutionScenario{
		Parallel: [][]*scenario.Actor{{actorNamed("only")}},
	}
	orig := failure.NewDeadlock(uuid.New(), nil)
	reduced, fail := minimize.Minimize(scn, orig, func(*scenario.ExecutionScenario) failure.Failure {
		return failure.NewDeadlock(uuid.New(), nil)
	})
	assert.Equal(t, 1, countActors(reduced))
	assert.Same(t, orig, fail)
}
