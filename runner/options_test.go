package runner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torvine/concheck/guard"
)

func TestParseOptions(t *testing.T) {
	src := `
iterations = 50
threads = 3
actors_per_thread = 4
invocations_per_iteration = 2000
check_obstruction_freedom = true
hanging_detection_threshold = 500
timeout_ms = 1234
seed = 99

[[guarantees]]
class = "container/*"
method = "*"
kind = "ignore"
`
	o, err := parseOptions(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, 50, o.Iterations)
	assert.Equal(t, 3, o.Threads)
	assert.Equal(t, 4, o.ActorsPerThread)
	assert.Equal(t, 2000, o.InvocationsPerIteration)
	assert.True(t, o.CheckObstructionFreedom)
	assert.Equal(t, 500, o.HangingDetectionThreshold)
	assert.Equal(t, int64(1234), o.TimeoutMS)
	assert.Equal(t, int64(99), o.Seed)
	require.Len(t, o.Guarantees, 1)
	assert.Equal(t, guard.RuleConfig{Class: "container/*", Method: "*", Kind: "ignore"}, o.Guarantees[0])
}

func TestOptionsDefaultsFillZeroes(t *testing.T) {
	o := Options{Threads: 7}.withDefaults()
	d := DefaultOptions()
	assert.Equal(t, 7, o.Threads)
	assert.Equal(t, d.Iterations, o.Iterations)
	assert.Equal(t, d.InvocationsPerIteration, o.InvocationsPerIteration)
	assert.Equal(t, d.TimeoutMS, o.TimeoutMS)
	assert.Equal(t, d.SwitchProbability, o.SwitchProbability)
}
