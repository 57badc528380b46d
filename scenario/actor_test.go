package scenario_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torvine/concheck/scenario"
)

type target struct{}

func (target) Plain(a, b int) int                             { return a + b }
func (target) Suspendable(a int, c scenario.Continuation) int { return a }
func (target) Throwing() error                                { return errors.New("x") }

func method(name string) reflect.Value {
	return reflect.ValueOf(target{}).MethodByName(name)
}

func TestNewActorValidatesArgCount(t *testing.T) {
	_, err := scenario.NewActor("Plain", method("Plain"), []any{1}, nil)
	assert.Error(t, err, "one argument against two declared parameters")

	a, err := scenario.NewActor("Plain", method("Plain"), []any{1, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Plain", a.Method)
}

func TestNewActorExcludesTrailingContinuation(t *testing.T) {
	a, err := scenario.NewActor("Suspendable", method("Suspendable"), []any{1}, nil)
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestNewActorValidatesExceptionTypes(t *testing.T) {
	notAnError := reflect.TypeOf(42)
	_, err := scenario.NewActor("Throwing", method("Throwing"), nil, []reflect.Type{notAnError})
	assert.Error(t, err, "declared exception types must be assignable to error")

	errType := reflect.TypeOf((*error)(nil)).Elem()
	a, err := scenario.NewActor("Throwing", method("Throwing"), nil, []reflect.Type{errType})
	require.NoError(t, err)
	assert.True(t, a.AllowsException(errors.New("anything")))
}

func TestActorOptions(t *testing.T) {
	a, err := scenario.NewActor("Plain", method("Plain"), []any{1, 2}, nil,
		scenario.CancelOnSuspension(), scenario.PromptCancellation())
	require.NoError(t, err)
	assert.True(t, a.CancelOnSuspension)
	assert.True(t, a.PromptCancellation)
	assert.False(t, a.AllowsExtraSuspensions)
}

func TestResultEquality(t *testing.T) {
	cases := []struct {
		name string
		a, b scenario.Result
		eq   bool
	}{
		{"equal values", scenario.ValueResult{Value: 1}, scenario.ValueResult{Value: 1}, true},
		{"different values", scenario.ValueResult{Value: 1}, scenario.ValueResult{Value: 2}, false},
		{"deep equality", scenario.ValueResult{Value: []int{1, 2}}, scenario.ValueResult{Value: []int{1, 2}}, true},
		{"exceptions by class", scenario.ExceptionResult{ClassName: "a.E"}, scenario.ExceptionResult{ClassName: "a.E"}, true},
		{"exception class mismatch", scenario.ExceptionResult{ClassName: "a.E"}, scenario.ExceptionResult{ClassName: "b.E"}, false},
		{"tags only", scenario.VoidResult{}, scenario.VoidResult{}, true},
		{"cross tags", scenario.VoidResult{}, scenario.NoResult{}, false},
		{"value vs void", scenario.ValueResult{Value: nil}, scenario.VoidResult{}, false},
		{"suspended", scenario.SuspendedResult{}, scenario.SuspendedResult{}, true},
		{"cancelled", scenario.CancelledResult{}, scenario.CancelledResult{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.eq, tc.a.Equal(tc.b))
			assert.Equal(t, tc.eq, tc.b.Equal(tc.a))
		})
	}
}

func TestScenarioCloneIsIndependent(t *testing.T) {
	a1, _ := scenario.NewActor("Plain", method("Plain"), []any{1, 2}, nil)
	a2, _ := scenario.NewActor("Plain", method("Plain"), []any{3, 4}, nil)
	scn := &scenario.ExecutionScenario{
		Initial:  []*scenario.Actor{a1},
		Parallel: [][]*scenario.Actor{{a1, a2}},
		Post:     []*scenario.Actor{a2},
	}

	c := scn.Clone()
	c.Parallel[0] = c.Parallel[0][:1]
	c.Post = nil

	assert.Len(t, scn.Parallel[0], 2, "mutating the clone must not touch the original")
	assert.Len(t, scn.Post, 1)
	assert.Same(t, scn.Initial[0], c.Initial[0], "actors themselves are shared, immutable")
}
