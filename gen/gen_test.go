package gen_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torvine/concheck/gen"
)

func TestIntGenStaysWithinBounds(t *testing.T) {
	g, err := gen.NewIntGen("-5:5", rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		v := g.Generate().(int)
		assert.GreaterOrEqual(t, v, -5)
		assert.LessOrEqual(t, v, 5)
		seen[v] = true
	}
	assert.Greater(t, len(seen), 5, "the range must actually expand from the midpoint")
}

func TestIntGenStartsAtMidpoint(t *testing.T) {
	// A seed whose first draws never trigger an expansion keeps the
	// range collapsed at the midpoint.
	g, err := gen.NewIntGen("0:10", rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	first := g.Generate().(int)
	assert.InDelta(t, 5, first, 1, "the first value is the midpoint or an adjacent fresh bound")
}

func TestIntGenReset(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	g, err := gen.NewIntGen("0:100", r)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		g.Generate()
	}
	g.Reset()
	v := g.Generate().(int)
	assert.InDelta(t, 50, v, 1, "reset must collapse the range back to the midpoint")
}

func TestIntGenConfigErrors(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, cfg := range []string{"5", "a:b", "10:1"} {
		_, err := gen.NewIntGen(cfg, r)
		assert.Error(t, err, "config %q", cfg)
	}
}

func TestStringGenGrowsToCap(t *testing.T) {
	g, err := gen.NewStringGen("8:ab", rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	maxSeen := 0
	for i := 0; i < 500; i++ {
		s := g.Generate().(string)
		require.NotEmpty(t, s)
		require.LessOrEqual(t, len(s), 8)
		for _, c := range s {
			assert.Contains(t, "ab", string(c))
		}
		if len(s) > maxSeen {
			maxSeen = len(s)
		}
	}
	assert.Equal(t, 8, maxSeen)
}

func TestStringGenConfigErrors(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, cfg := range []string{"", "0", "x", "4:"} {
		_, err := gen.NewStringGen(cfg, r)
		assert.Error(t, err, "config %q", cfg)
	}
}
