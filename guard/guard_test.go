package guard_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torvine/concheck/guard"
)

func TestGlobRules(t *testing.T) {
	p, err := guard.NewPolicy(
		guard.RuleConfig{Class: "container/*", Method: "*", Kind: "ignore"},
		guard.RuleConfig{Class: "sync.Map", Method: "Load*", Kind: "atomic"},
	)
	require.NoError(t, err)

	assert.Equal(t, guard.Ignore, p.Classify("container/list.List", "PushBack"))
	assert.Equal(t, guard.Atomic, p.Classify("sync.Map", "LoadOrStore"))
	assert.Equal(t, guard.None, p.Classify("sync.Map", "Store"))
	assert.Equal(t, guard.None, p.Classify("mypkg.Thing", "Do"))
}

func TestFirstMatchingRuleWins(t *testing.T) {
	p, err := guard.NewPolicy(
		guard.RuleConfig{Class: "mypkg.*", Method: "Get", Kind: "silent"},
		guard.RuleConfig{Class: "mypkg.*", Method: "*", Kind: "ignore"},
	)
	require.NoError(t, err)

	assert.Equal(t, guard.Silent, p.Classify("mypkg.Cache", "Get"))
	assert.Equal(t, guard.Ignore, p.Classify("mypkg.Cache", "Put"))
}

func TestExpressionPredicates(t *testing.T) {
	p, err := guard.NewPolicy(
		guard.RuleConfig{
			Class:  `expr:pkg.startswith("internal") and not class.endswith("Test")`,
			Method: `expr:method == "Helper" or "debug" in method`,
			Kind:   "ignore",
		},
	)
	require.NoError(t, err)

	assert.Equal(t, guard.Ignore, p.Classify("internal/util.Pool", "Helper"))
	assert.Equal(t, guard.Ignore, p.Classify("internal/util.Pool", "dumpdebugstate"))
	assert.Equal(t, guard.None, p.Classify("internal/util.PoolTest", "Helper"))
	assert.Equal(t, guard.None, p.Classify("public/util.Pool", "Helper"))
	assert.Equal(t, guard.None, p.Classify("internal/util.Pool", "Other"))
}

func TestExpressionParseErrors(t *testing.T) {
	_, err := guard.NewPolicy(guard.RuleConfig{Class: "expr:((", Method: "*", Kind: "ignore"})
	assert.Error(t, err)

	_, err = guard.NewPolicy(guard.RuleConfig{Class: "*", Method: "*", Kind: "sometimes"})
	assert.Error(t, err)
}

func TestStandardIOAlwaysIgnored(t *testing.T) {
	p, err := guard.NewPolicy()
	require.NoError(t, err)
	assert.Equal(t, guard.Ignore, p.Classify("os.File", "Write"))
	assert.Equal(t, guard.Ignore, p.Classify("fmt.Stringer", "String"))
}
