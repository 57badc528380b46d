// Package guard evaluates the user-provided method guarantees: each rule
// pairs a class predicate and a method predicate with a treatment kind
// (ignore, atomic, silent). Predicates are either simple globs or boolean
// expressions parsed with go.starlark.net/syntax and executed by a small
// purpose-built evaluator.
package guard

import (
	"fmt"
	"strings"
)

// Kind is the treatment a matching rule applies to a method.
type Kind int

const (
	// None means no rule matched; the method is analyzed normally.
	None Kind = iota
	// Ignore disables switch points and trace emission inside the method.
	Ignore
	// Atomic is like Ignore, but the method entry/exit are themselves
	// switch points.
	Atomic
	// Silent keeps analysis on; the tracer still records the method and
	// everything inside it, and leaves only the method's own open/close
	// records out of a BinaryStream.
	Silent
)

func (k Kind) String() string {
	switch k {
	case None:
		return "NONE"
	case Ignore:
		return "IGNORE"
	case Atomic:
		return "ATOMIC"
	case Silent:
		return "SILENT"
	default:
		return "UNKNOWN"
	}
}

// ParseKind parses the configuration-surface spelling of a treatment kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IGNORE":
		return Ignore, nil
	case "ATOMIC":
		return Atomic, nil
	case "SILENT":
		return Silent, nil
	default:
		return None, fmt.Errorf("guard: unknown guarantee kind %q", s)
	}
}

// Rule is one compiled guarantee.
type Rule struct {
	class  predicate
	method predicate
	kind   Kind
}

// RuleConfig is the on-disk shape of a guarantee, loaded from the TOML
// configuration surface.
type RuleConfig struct {
	Class  string `toml:"class"`
	Method string `toml:"method"`
	Kind   string `toml:"kind"`
}

// Compile builds a Rule from its textual predicates. A predicate starting
// with "expr:" is parsed as a boolean expression over the string variables
// class, method, and pkg; anything else is a glob where '*' matches any
// run of characters.
func Compile(classPat, methodPat string, kind Kind) (*Rule, error) {
	cp, err := compilePredicate(classPat)
	if err != nil {
		return nil, err
	}
	mp, err := compilePredicate(methodPat)
	if err != nil {
		return nil, err
	}
	return &Rule{class: cp, method: mp, kind: kind}, nil
}

// CompileConfig compiles a loaded RuleConfig.
func CompileConfig(rc RuleConfig) (*Rule, error) {
	kind, err := ParseKind(rc.Kind)
	if err != nil {
		return nil, err
	}
	return Compile(rc.Class, rc.Method, kind)
}

// Policy is an ordered rule list; the first matching rule wins. Built-in
// always-ignored classes (standard I/O, the engine's own packages) are
// consulted before user rules to prevent instrumentation cycles.
type Policy struct {
	rules []*Rule
}

// builtinIgnored holds class prefixes that are always treated as Ignore,
// regardless of user rules. Standard I/O streams must never be traced:
// the recorder itself writes to them.
var builtinIgnored = []string{
	"os.File",
	"fmt.",
	"log.",
	"github.com/rs/zerolog",
	"github.com/torvine/concheck/",
}

// NewPolicy compiles the given configs into a policy.
func NewPolicy(configs ...RuleConfig) (*Policy, error) {
	p := &Policy{}
	for _, rc := range configs {
		r, err := CompileConfig(rc)
		if err != nil {
			return nil, err
		}
		p.rules = append(p.rules, r)
	}
	return p, nil
}

// NewPolicyFromRules builds a policy from pre-compiled rules.
func NewPolicyFromRules(rules ...*Rule) *Policy {
	return &Policy{rules: rules}
}

// Classify returns the treatment for a (class, method) pair. pkg is the
// package portion of class, made available to expression predicates.
func (p *Policy) Classify(class, method string) Kind {
	for _, prefix := range builtinIgnored {
		if strings.HasPrefix(class, prefix) {
			return Ignore
		}
	}
	if p == nil {
		return None
	}
	pkg := class
	if i := strings.LastIndex(class, "."); i >= 0 {
		pkg = class[:i]
	}
	env := map[string]string{"class": class, "method": method, "pkg": pkg}
	for _, r := range p.rules {
		if r.class.matches(class, env) && r.method.matches(method, env) {
			return r.kind
		}
	}
	return None
}
