// Package lts implements the verifier's labeled transition system over the
// sequential reference: states are interned by a semantic fingerprint
// (reference snapshot plus pending partial operations), transitions are
// memoized per state, and equivalent states reached along different paths
// are collapsed onto one canonical State with a ticket remapping: a
// fingerprint is serialized, farm-hashed through cas.MemoryCAS.Put, and
// looked up in a hash-keyed interning table.
package lts

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/torvine/concheck/cas"
	"github.com/torvine/concheck/scenario"
)

// ErrIllegalState wraps any exception the sequential reference throws while
// a previously executed operation sequence is replayed: replay must be
// deterministic, so a replay-time failure means the reference itself is
// non-deterministic.
var ErrIllegalState = errors.New("lts: sequential reference replay failed")

// ErrFollowUpSuspended reports a follow-up transition that itself
// suspended. This is a defect in the reference, never re-queued.
var ErrFollowUpSuspended = errors.New("lts: follow-up transition suspended")

// Snapshotter lets a sequential reference provide a serializable
// representation of its own state for fingerprinting. References that park
// Continuations inside themselves must implement it, since a raw channel
// cannot be serialized; everything else can rely on the default of
// serializing the instance's exported fields directly.
type Snapshotter interface {
	Snapshot() any
}

type ticketActor struct {
	ticket int32
	actor  *scenario.Actor
}

// State is one canonical, interned LTS state. It owns the memoized
// transition tables for the three operation types and the sequence of
// operations that reproduces it from the initial reference.
type State struct {
	id          int
	seqToCreate []scenario.Operation
	suspended   []ticketActor            // in order of suspension
	resumed     []scenario.ResumedTicket // sorted by ticket

	byRequest      map[*scenario.Actor]*scenario.TransitionInfo
	byFollowUp     map[int32]*scenario.TransitionInfo
	byCancellation map[int32]*scenario.TransitionInfo
	atomicCancel   *scenario.TransitionInfo
}

// ID is the state's stable arena index.
func (s *State) ID() int { return s.id }

// IsSuspended reports whether ticket names a currently suspended (not yet
// resumed) partial operation in this state.
func (s *State) IsSuspended(ticket int32) bool {
	for _, ta := range s.suspended {
		if ta.ticket == ticket {
			return true
		}
	}
	return false
}

// IsResumed reports whether ticket has been resumed but its follow-up has
// not yet executed.
func (s *State) IsResumed(ticket int32) bool {
	for _, r := range s.resumed {
		if r.Ticket == ticket {
			return true
		}
	}
	return false
}

// actorOf returns the actor that owns ticket, whether suspended or resumed.
func (s *State) actorOf(ticket int32) *scenario.Actor {
	for _, ta := range s.suspended {
		if ta.ticket == ticket {
			return ta.actor
		}
	}
	for _, r := range s.resumed {
		if r.Ticket == ticket {
			return r.ResumedActor
		}
	}
	return nil
}

// freshTicket returns the smallest non-negative integer not used by any
// currently suspended operation or any resumed pending ticket, keeping the
// live ticket set a dense prefix of the naturals.
func (s *State) freshTicket() int32 {
	used := make(map[int32]bool, len(s.suspended)+len(s.resumed))
	for _, ta := range s.suspended {
		used[ta.ticket] = true
	}
	for _, r := range s.resumed {
		used[r.Ticket] = true
	}
	for t := int32(0); ; t++ {
		if !used[t] {
			return t
		}
	}
}

// LTS lazily builds and memoizes the transition system. Single-writer: the
// verifier that owns it is single-threaded.
type LTS struct {
	factory  func() any
	arena    []*State
	store    *cas.MemoryCAS
	interned map[cas.Hash]int
}

// New builds an LTS whose initial state is a fresh instance produced by
// factory with no pending operations.
func New(factory func() any) *LTS {
	l := &LTS{
		factory:  factory,
		store:    cas.NewMemoryCAS(),
		interned: make(map[cas.Hash]int),
	}
	root := newState(0, nil, nil, nil)
	l.arena = append(l.arena, root)
	h, err := l.fingerprintOf(newReplayEnv(factory()))
	if err != nil {
		log.Error().Err(err).Msg("initial state fingerprint failed; interning degraded")
		return l
	}
	l.interned[h] = 0
	return l
}

// Root returns the canonical initial state.
func (l *LTS) Root() *State { return l.arena[0] }

// StateByID resolves an arena index to its canonical State.
func (l *LTS) StateByID(id int) *State { return l.arena[id] }

// Size reports the number of canonical states interned so far.
func (l *LTS) Size() int { return len(l.arena) }

func newState(id int, seq []scenario.Operation, suspended []ticketActor, resumed []scenario.ResumedTicket) *State {
	return &State{
		id:             id,
		seqToCreate:    seq,
		suspended:      suspended,
		resumed:        resumed,
		byRequest:      make(map[*scenario.Actor]*scenario.TransitionInfo),
		byFollowUp:     make(map[int32]*scenario.TransitionInfo),
		byCancellation: make(map[int32]*scenario.TransitionInfo),
	}
}

// fingerprintRecord is the serialized form of a StateInfo. Ticket numbers
// are deliberately excluded: two states that differ only in how tickets
// were numbered along their paths are the same state, and the remapping
// function produced by intern is exactly the renumbering between them.
type fingerprintRecord struct {
	Reference any
	Suspended []string
	Resumed   []resumedKey
}

type resumedKey struct {
	Resumed  string
	Resuming string
}

func (f *fingerprintRecord) Serialize(w io.Writer) error   { return cas.MarshalTo(w, f) }
func (f *fingerprintRecord) Deserialize(r io.Reader) error { return cas.UnmarshalFrom(r, f) }

func actorSignature(a *scenario.Actor) string {
	if a == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%v)", a.Method, a.Args)
}

func (l *LTS) fingerprintOf(env *replayEnv) (cas.Hash, error) {
	ref := env.ref
	if s, ok := ref.(Snapshotter); ok {
		ref = s.Snapshot()
	}
	rec := &fingerprintRecord{Reference: ref}
	for _, t := range env.order {
		rec.Suspended = append(rec.Suspended, actorSignature(env.suspendedActors[t]))
	}
	for _, r := range env.sortedResumed() {
		rec.Resumed = append(rec.Resumed, resumedKey{
			Resumed:  actorSignature(r.resumedActor),
			Resuming: actorSignature(r.resumingActor),
		})
	}
	h, err := l.store.Put(rec)
	if err != nil {
		return 0, fmt.Errorf("lts: fingerprint serialization failed (does the reference need a Snapshot method?): %w", err)
	}
	return h, nil
}

// intern materializes the state env has reached. If its fingerprint
// matches a previously interned state, the canonical state is returned
// together with the ticket remapping from env's numbering to the
// canonical one; otherwise a fresh canonical state is created.
func (l *LTS) intern(env *replayEnv, seq []scenario.Operation) (*State, map[int32]int32, error) {
	h, err := l.fingerprintOf(env)
	if err != nil {
		return nil, nil, err
	}

	if id, ok := l.interned[h]; ok {
		canonical := l.arena[id]
		remap := make(map[int32]int32)
		for i, t := range env.order {
			if i < len(canonical.suspended) {
				remap[t] = canonical.suspended[i].ticket
			}
		}
		for i, r := range env.sortedResumed() {
			if i < len(canonical.resumed) {
				remap[r.ticket] = canonical.resumed[i].Ticket
			}
		}
		log.Trace().Int("canonical", id).Int("remapped_tickets", len(remap)).Msg("state interned onto existing")
		return canonical, remap, nil
	}

	suspended := make([]ticketActor, 0, len(env.order))
	for _, t := range env.order {
		suspended = append(suspended, ticketActor{ticket: t, actor: env.suspendedActors[t]})
	}
	var resumed []scenario.ResumedTicket
	for _, r := range env.sortedResumed() {
		resumed = append(resumed, scenario.ResumedTicket{
			Ticket:        r.ticket,
			ResumedActor:  r.resumedActor,
			ResumingActor: r.resumingActor,
		})
	}
	st := newState(len(l.arena), seq, suspended, resumed)
	l.arena = append(l.arena, st)
	l.interned[h] = st.id
	return st, nil, nil
}

func (env *replayEnv) sortedResumed() []resumedRec {
	out := append([]resumedRec(nil), env.resumed...)
	sort.Slice(out, func(i, j int) bool { return out[i].ticket < out[j].ticket })
	return out
}
