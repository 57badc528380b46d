// Package failure defines the error kinds the engine must distinguish,
// each implementing a shared FailureKind() method so the CLI and reporter
// can format them without knowing every concrete failure type.
package failure

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind is a stable, user-facing label for a failure category.
type Kind string

const (
	KindIncorrectResults            Kind = "IncorrectResults"
	KindDeadlock                    Kind = "Deadlock"
	KindObstructionFreedomViolation Kind = "ObstructionFreedomViolation"
	KindUnexpectedException         Kind = "UnexpectedException"
	KindValidationFailure           Kind = "ValidationFailure"
	KindNonDeterminism              Kind = "Non-determinism"
)

// Failure is satisfied by every concrete failure type below.
type Failure interface {
	error
	FailureKind() Kind
	// InvocationID is the UUID of the invocation that produced this
	// failure, so a CLI failure message can be correlated with a
	// --dump-trace file on disk.
	InvocationID() uuid.UUID
}

type base struct {
	kind Kind
	inv  uuid.UUID
	msg  string
}

func (b base) Error() string           { return b.msg }
func (b base) FailureKind() Kind       { return b.kind }
func (b base) InvocationID() uuid.UUID { return b.inv }

// ThreadDumpEntry describes one thread's state at the moment a Deadlock (or
// a forced termination) was recorded.
type ThreadDumpEntry struct {
	ThreadID int
	State    string // human-readable status, e.g. "WAITING_FOR_MONITOR(m=0x...)"
}

// IncorrectResults reports that the collected invocation results cannot be
// produced by any linearization of the sequential reference.
type IncorrectResults struct {
	base
	Scenario string
	Trace    []string
}

func NewIncorrectResults(inv uuid.UUID, scenario string, trace []string) *IncorrectResults {
	return &IncorrectResults{
		base:     base{kind: KindIncorrectResults, inv: inv, msg: fmt.Sprintf("incorrect results for scenario %s: no legal linearization", scenario)},
		Scenario: scenario,
		Trace:    trace,
	}
}

// Deadlock reports a mandatory switch with no eligible thread, or a
// livelock threshold crossing.
type Deadlock struct {
	base
	ThreadDump []ThreadDumpEntry
}

func NewDeadlock(inv uuid.UUID, dump []ThreadDumpEntry) *Deadlock {
	return &Deadlock{
		base:       base{kind: KindDeadlock, inv: inv, msg: fmt.Sprintf("deadlock: no thread of %d can make progress", len(dump))},
		ThreadDump: dump,
	}
}

// ObstructionFreedomViolation reports an active-lock candidate detected
// while the obstruction-freedom guarantee was required.
type ObstructionFreedomViolation struct {
	base
	CodeLocation string
	Repeats      int
}

func NewObstructionFreedomViolation(inv uuid.UUID, codeLoc string, repeats int) *ObstructionFreedomViolation {
	return &ObstructionFreedomViolation{
		base:         base{kind: KindObstructionFreedomViolation, inv: inv, msg: fmt.Sprintf("obstruction-freedom violated at %s after %d repeats", codeLoc, repeats)},
		CodeLocation: codeLoc,
		Repeats:      repeats,
	}
}

// UnexpectedException reports test code throwing an exception not declared
// by the actor's signature.
type UnexpectedException struct {
	base
	ActorMethod string
	ClassName   string
}

func NewUnexpectedException(inv uuid.UUID, actorMethod, className string) *UnexpectedException {
	return &UnexpectedException{
		base:        base{kind: KindUnexpectedException, inv: inv, msg: fmt.Sprintf("actor %s threw undeclared exception %s", actorMethod, className)},
		ActorMethod: actorMethod,
		ClassName:   className,
	}
}

// ValidationFailure reports the validation actor throwing.
type ValidationFailure struct {
	base
	Cause error
}

func NewValidationFailure(inv uuid.UUID, cause error) *ValidationFailure {
	return &ValidationFailure{
		base:  base{kind: KindValidationFailure, inv: inv, msg: fmt.Sprintf("validation actor failed: %v", cause)},
		Cause: cause,
	}
}

// NonDeterminism reports that the trace-collecting replay disagreed with
// the first run's observed result kind.
type NonDeterminism struct {
	base
	FirstRun  string
	SecondRun string
}

func NewNonDeterminism(inv uuid.UUID, first, second string) *NonDeterminism {
	return &NonDeterminism{
		base:      base{kind: KindNonDeterminism, inv: inv, msg: fmt.Sprintf("reference non-determinism: first run %s, second run %s", first, second)},
		FirstRun:  first,
		SecondRun: second,
	}
}
