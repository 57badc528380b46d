package guard

import (
	"fmt"
	"strings"

	"go.starlark.net/syntax"
)

type predicate interface {
	matches(subject string, env map[string]string) bool
}

const exprPrefix = "expr:"

func compilePredicate(pattern string) (predicate, error) {
	if strings.HasPrefix(pattern, exprPrefix) {
		src := strings.TrimPrefix(pattern, exprPrefix)
		expr, err := syntax.ParseExpr("guarantee", src, 0)
		if err != nil {
			return nil, fmt.Errorf("guard: parsing %q: %w", src, err)
		}
		return &exprPredicate{src: src, expr: expr}, nil
	}
	return globPredicate(pattern), nil
}

// globPredicate matches with '*' as "any run of characters". An empty
// pattern matches everything.
type globPredicate string

func (g globPredicate) matches(subject string, _ map[string]string) bool {
	return globMatch(string(g), subject)
}

func globMatch(pattern, s string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	last := parts[len(parts)-1]
	if len(parts) == 1 {
		return s == ""
	}
	return strings.HasSuffix(s, last)
}

// exprPredicate evaluates a parsed boolean expression over the string
// variables class, method, and pkg. Only the forms the guarantee surface
// needs are supported: and/or/not, ==/!=, `in`, string literals, and the
// startswith/endswith string methods. Anything else fails closed.
type exprPredicate struct {
	src  string
	expr syntax.Expr
}

func (e *exprPredicate) matches(_ string, env map[string]string) bool {
	v, err := evalExpr(e.expr, env)
	if err != nil {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func evalExpr(expr syntax.Expr, env map[string]string) (any, error) {
	switch x := expr.(type) {
	case *syntax.ParenExpr:
		return evalExpr(x.X, env)

	case *syntax.Ident:
		switch x.Name {
		case "True":
			return true, nil
		case "False":
			return false, nil
		}
		if v, ok := env[x.Name]; ok {
			return v, nil
		}
		return nil, fmt.Errorf("unknown identifier %q", x.Name)

	case *syntax.Literal:
		if x.Token == syntax.STRING {
			return x.Value.(string), nil
		}
		return nil, fmt.Errorf("unsupported literal %s", x.Token)

	case *syntax.UnaryExpr:
		if x.Op != syntax.NOT {
			return nil, fmt.Errorf("unsupported unary op %s", x.Op)
		}
		v, err := evalBool(x.X, env)
		if err != nil {
			return nil, err
		}
		return !v, nil

	case *syntax.BinaryExpr:
		switch x.Op {
		case syntax.AND:
			l, err := evalBool(x.X, env)
			if err != nil {
				return nil, err
			}
			if !l {
				return false, nil
			}
			return evalBool(x.Y, env)
		case syntax.OR:
			l, err := evalBool(x.X, env)
			if err != nil {
				return nil, err
			}
			if l {
				return true, nil
			}
			return evalBool(x.Y, env)
		case syntax.EQL, syntax.NEQ:
			l, err := evalString(x.X, env)
			if err != nil {
				return nil, err
			}
			r, err := evalString(x.Y, env)
			if err != nil {
				return nil, err
			}
			if x.Op == syntax.EQL {
				return l == r, nil
			}
			return l != r, nil
		case syntax.IN:
			needle, err := evalString(x.X, env)
			if err != nil {
				return nil, err
			}
			hay, err := evalString(x.Y, env)
			if err != nil {
				return nil, err
			}
			return strings.Contains(hay, needle), nil
		}
		return nil, fmt.Errorf("unsupported binary op %s", x.Op)

	case *syntax.CallExpr:
		dot, ok := x.Fn.(*syntax.DotExpr)
		if !ok {
			return nil, fmt.Errorf("only method calls are supported")
		}
		recv, err := evalString(dot.X, env)
		if err != nil {
			return nil, err
		}
		if len(x.Args) != 1 {
			return nil, fmt.Errorf("%s takes exactly one argument", dot.Name.Name)
		}
		arg, err := evalString(x.Args[0], env)
		if err != nil {
			return nil, err
		}
		switch dot.Name.Name {
		case "startswith":
			return strings.HasPrefix(recv, arg), nil
		case "endswith":
			return strings.HasSuffix(recv, arg), nil
		default:
			return nil, fmt.Errorf("unsupported method %q", dot.Name.Name)
		}
	}
	return nil, fmt.Errorf("unsupported expression %T", expr)
}

func evalBool(expr syntax.Expr, env map[string]string) (bool, error) {
	v, err := evalExpr(expr, env)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected a boolean, got %T", v)
	}
	return b, nil
}

func evalString(expr syntax.Expr, env map[string]string) (string, error) {
	v, err := evalExpr(expr, env)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected a string, got %T", v)
	}
	return s, nil
}
