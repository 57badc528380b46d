package lts

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/torvine/concheck/scenario"
)

// replayEnv is one deterministic replay of a state's seqToCreate against a
// fresh reference instance, plus the continuation bookkeeping the partial-
// operation protocol needs: which tickets are parked where, and which have
// been resumed with what value. Replaying from scratch is the general-
// purpose deep copy: the reference may be stateful and non-clonable, but
// its sequential behavior is deterministic by contract.
type replayEnv struct {
	ref             any
	conts           map[int32]scenario.Continuation
	order           []int32 // suspension order of still-suspended tickets
	suspendedActors map[int32]*scenario.Actor
	resumed         []resumedRec
	lastResumed     []int32 // tickets resumed by the most recent execute
}

type resumedRec struct {
	ticket        int32
	value         any
	resumedActor  *scenario.Actor
	resumingActor *scenario.Actor
}

func newReplayEnv(ref any) *replayEnv {
	return &replayEnv{
		ref:             ref,
		conts:           make(map[int32]scenario.Continuation),
		suspendedActors: make(map[int32]*scenario.Actor),
	}
}

// replay reconstructs s by running its full operation sequence against a
// fresh reference instance. Any engine-level failure here means the
// previously legal sequence no longer replays the same way, which is the
// reference being non-deterministic.
func (l *LTS) replay(s *State) (*replayEnv, error) {
	env := newReplayEnv(l.factory())
	for i, op := range s.seqToCreate {
		prompt := op.Actor != nil && op.Actor.PromptCancellation
		if _, err := env.execute(op, prompt); err != nil {
			return nil, fmt.Errorf("%w: op %d (%s %s): %v", ErrIllegalState, i, op.Type, op.Actor.Method, err)
		}
	}
	return env, nil
}

// execute applies one operation to the replayed reference and returns its
// observed result. promptCancel only matters for Cancellation operations.
func (env *replayEnv) execute(op scenario.Operation, promptCancel bool) (scenario.Result, error) {
	env.lastResumed = nil
	switch op.Type {
	case scenario.Request:
		cont := scenario.NewContinuation()
		res, _ := InvokeActor(env.ref, op.Actor, 0, cont)
		if _, suspended := res.(scenario.SuspendedResult); suspended {
			env.conts[op.Ticket] = cont
			env.order = append(env.order, op.Ticket)
			env.suspendedActors[op.Ticket] = op.Actor
		}
		env.sweep(op.Actor)
		return res, nil

	case scenario.FollowUp:
		for i, r := range env.resumed {
			if r.ticket != op.Ticket {
				continue
			}
			env.resumed = append(env.resumed[:i], env.resumed[i+1:]...)
			if _, again := r.value.(scenario.SuspendAgain); again {
				return nil, ErrFollowUpSuspended
			}
			return ResumptionResult(r.value), nil
		}
		return nil, fmt.Errorf("follow-up for ticket %d, but it was never resumed", op.Ticket)

	case scenario.Cancellation:
		if cont, ok := env.conts[op.Ticket]; ok {
			if c, cancellable := env.ref.(scenario.Cancellable); cancellable {
				c.OnCancellation(cont)
			}
			delete(env.conts, op.Ticket)
			delete(env.suspendedActors, op.Ticket)
			env.removeFromOrder(op.Ticket)
			return scenario.CancelledResult{}, nil
		}
		if promptCancel {
			for i, r := range env.resumed {
				if r.ticket == op.Ticket {
					env.resumed = append(env.resumed[:i], env.resumed[i+1:]...)
					return scenario.CancelledResult{}, nil
				}
			}
		}
		return nil, fmt.Errorf("cancellation for ticket %d, but it is not suspended", op.Ticket)

	default:
		return nil, fmt.Errorf("unknown operation type %d", op.Type)
	}
}

// sweep checks every parked continuation for a delivered resumption value
// and moves the resumed tickets to the resumed set, attributing the resume
// to resumingActor (the operation that just executed).
func (env *replayEnv) sweep(resumingActor *scenario.Actor) {
	for _, t := range append([]int32(nil), env.order...) {
		v, ok := env.conts[t].Poll()
		if !ok {
			continue
		}
		env.resumed = append(env.resumed, resumedRec{
			ticket:        t,
			value:         v,
			resumedActor:  env.suspendedActors[t],
			resumingActor: resumingActor,
		})
		env.lastResumed = append(env.lastResumed, t)
		delete(env.conts, t)
		delete(env.suspendedActors, t)
		env.removeFromOrder(t)
	}
}

func (env *replayEnv) removeFromOrder(ticket int32) {
	for i, t := range env.order {
		if t == ticket {
			env.order = append(env.order[:i], env.order[i+1:]...)
			return
		}
	}
}

// ResumptionResult maps a raw value delivered through a Continuation to the
// final result of the suspended operation: nil means Void, an error means
// an exception, anything else is a plain value.
func ResumptionResult(v any) scenario.Result {
	switch rv := v.(type) {
	case nil:
		return scenario.VoidResult{}
	case error:
		return scenario.ExceptionResult{ClassName: canonicalClassName(rv)}
	case scenario.Result:
		return rv
	default:
		return scenario.ValueResult{Value: rv}
	}
}

// InvokeActor invokes actor's method on ref by name, substituting
// CurrentThreadArg with tid and passing cont as the trailing continuation
// when the method is suspendable. The returned thrown error is the raw
// error/panic value when the call threw, so the runner can check it
// against the actor's declared exception types; it is nil when the call
// completed or suspended.
func InvokeActor(ref any, actor *scenario.Actor, tid int, cont scenario.Continuation) (res scenario.Result, thrown error) {
	m := reflect.ValueOf(ref).MethodByName(actor.Method)
	if !m.IsValid() {
		return scenario.NoResult{}, fmt.Errorf("lts: reference %T has no method %s", ref, actor.Method)
	}
	mt := m.Type()

	suspendable := mt.NumIn() > 0 && mt.In(mt.NumIn()-1).Kind() == reflect.Chan
	declared := mt.NumIn()
	if suspendable {
		declared--
	}
	if declared != len(actor.Args) {
		return scenario.NoResult{}, fmt.Errorf("lts: %s takes %d args, actor has %d", actor.Method, declared, len(actor.Args))
	}

	in := make([]reflect.Value, 0, mt.NumIn())
	for i := 0; i < declared; i++ {
		raw := actor.Args[i]
		if _, isTid := raw.(scenario.CurrentThreadArg); isTid {
			raw = tid
		}
		in = append(in, argValue(raw, mt.In(i)))
	}
	if suspendable {
		in = append(in, reflect.ValueOf(cont).Convert(mt.In(mt.NumIn()-1)))
	}

	defer func() {
		if p := recover(); p != nil {
			err, ok := p.(error)
			if !ok {
				err = fmt.Errorf("%v", p)
			}
			res = scenario.ExceptionResult{ClassName: canonicalClassName(p)}
			thrown = err
		}
	}()

	out := m.Call(in)

	vals := out
	errType := reflect.TypeOf((*error)(nil)).Elem()
	if n := len(out); n > 0 && out[n-1].Type().Implements(errType) {
		vals = out[:n-1]
		if ev := out[n-1]; !ev.IsNil() {
			err := ev.Interface().(error)
			if errors.Is(err, scenario.ErrSuspended) {
				return scenario.SuspendedResult{}, nil
			}
			return scenario.ExceptionResult{ClassName: canonicalClassName(err)}, err
		}
	}

	switch len(vals) {
	case 0:
		return scenario.VoidResult{}, nil
	case 1:
		return scenario.ValueResult{Value: vals[0].Interface()}, nil
	default:
		tuple := make([]any, len(vals))
		for i, v := range vals {
			tuple[i] = v.Interface()
		}
		return scenario.ValueResult{Value: tuple}, nil
	}
}

func argValue(raw any, want reflect.Type) reflect.Value {
	if raw == nil {
		return reflect.Zero(want)
	}
	v := reflect.ValueOf(raw)
	if v.Type() != want && v.Type().ConvertibleTo(want) && !v.Type().AssignableTo(want) {
		return v.Convert(want)
	}
	return v
}

func canonicalClassName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "nil"
	}
	return strings.TrimPrefix(t.String(), "*")
}
