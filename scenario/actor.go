package scenario

import (
	"fmt"
	"reflect"
)

// CurrentThreadArg is a sentinel argument value: when present in an Actor's
// Args, the runner substitutes the invoking thread's id at call time.
type CurrentThreadArg struct{}

// Actor is a single method invocation within a scenario: target method,
// arguments, and suspension-handling flags. Immutable once constructed.
type Actor struct {
	Method                 string
	Args                   []any
	CancelOnSuspension     bool
	AllowsExtraSuspensions bool
	PromptCancellation     bool

	// handler, paramCount and declaredExceptions back NewActor's validation;
	// declaredExceptions is also consulted by AllowsException. Invocation
	// itself (lts.InvokeActor) looks the method up by name on the target.
	handler            reflect.Value
	paramCount         int
	declaredExceptions []reflect.Type
}

// NewActor validates and builds an Actor against a concrete Go method value
// (typically obtained via reflect.ValueOf(obj).MethodByName(name)).
// declaredExceptions lists the error types the actor is allowed to throw;
// handler's parameter count (excluding a single optional trailing
// suspension-continuation parameter used by suspendable methods) must equal
// len(args).
func NewActor(method string, handler reflect.Value, args []any, declaredExceptions []reflect.Type, opts ...ActorOption) (*Actor, error) {
	if !handler.IsValid() || handler.Kind() != reflect.Func {
		return nil, fmt.Errorf("scenario: actor %q: handler is not a function", method)
	}
	errType := reflect.TypeOf((*error)(nil)).Elem()
	for _, et := range declaredExceptions {
		if !et.AssignableTo(errType) {
			return nil, fmt.Errorf("scenario: actor %q: declared exception type %s is not assignable to error", method, et)
		}
	}

	numIn := handler.Type().NumIn()
	suspendable := numIn > 0 && handler.Type().In(numIn-1).Kind() == reflect.Chan
	declaredParams := numIn
	if suspendable {
		declaredParams--
	}
	if declaredParams != len(args) {
		return nil, fmt.Errorf("scenario: actor %q: argument count %d disagrees with declared parameter count %d", method, len(args), declaredParams)
	}

	a := &Actor{
		Method:             method,
		Args:               args,
		handler:            handler,
		paramCount:         declaredParams,
		declaredExceptions: declaredExceptions,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// ActorOption sets one of the behavioral flags at construction time.
type ActorOption func(*Actor)

func CancelOnSuspension() ActorOption { return func(a *Actor) { a.CancelOnSuspension = true } }
func AllowsExtraSuspensions() ActorOption {
	return func(a *Actor) { a.AllowsExtraSuspensions = true }
}
func PromptCancellation() ActorOption { return func(a *Actor) { a.PromptCancellation = true } }

// Handler returns the reflect.Value of the bound method this actor invokes.
func (a *Actor) Handler() reflect.Value { return a.handler }

// DeclaredExceptions returns the exception types this actor is allowed to throw.
func (a *Actor) DeclaredExceptions() []reflect.Type { return a.declaredExceptions }

// AllowsException reports whether err's dynamic type matches one of the
// actor's declared exception types (or no types were declared, meaning any
// exception is unexpected and must surface as UnexpectedException upstream).
func (a *Actor) AllowsException(err error) bool {
	if err == nil {
		return true
	}
	errType := reflect.TypeOf(err)
	for _, et := range a.declaredExceptions {
		if errType.AssignableTo(et) {
			return true
		}
	}
	return false
}

// ExecutionScenario is the data-model scenario: an initial sequential
// sequence, a matrix of per-thread parallel sequences, and a post sequential
// sequence, plus an optional validation actor. Immutable once built.
type ExecutionScenario struct {
	Initial      []*Actor
	Parallel     [][]*Actor
	Post         []*Actor
	ValidationOp *Actor
}

// Threads returns the number of parallel threads in the scenario.
func (s *ExecutionScenario) Threads() int { return len(s.Parallel) }

// Clone returns a scenario sharing the same Actor pointers (actors are
// immutable) but with fresh top-level slices, safe for the minimizer to
// mutate independently of the original.
func (s *ExecutionScenario) Clone() *ExecutionScenario {
	out := &ExecutionScenario{
		Initial:      append([]*Actor(nil), s.Initial...),
		Post:         append([]*Actor(nil), s.Post...),
		ValidationOp: s.ValidationOp,
	}
	out.Parallel = make([][]*Actor, len(s.Parallel))
	for i, p := range s.Parallel {
		out.Parallel[i] = append([]*Actor(nil), p...)
	}
	return out
}
