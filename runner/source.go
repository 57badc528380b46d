package runner

import (
	"fmt"
	"math/rand"
	"reflect"

	"github.com/torvine/concheck/gen"
	"github.com/torvine/concheck/scenario"
)

// ScenarioSource supplies scenarios to the engine, one per iteration. Next
// returns nil when the source is exhausted.
type ScenarioSource interface {
	Next() *scenario.ExecutionScenario
}

// ActorTemplate describes one operation randomized scenarios may include:
// a method of the object under test plus one parameter generator per
// argument.
type ActorTemplate struct {
	Method  string
	Params  []gen.Generator
	Options []scenario.ActorOption
}

// RandomSource generates scenarios shaped by the engine options: an
// initial part of ActorsBefore actors, Threads parallel threads of
// ActorsPerThread actors each, and a post part of ActorsAfter actors,
// drawing each actor uniformly from the templates.
type RandomSource struct {
	proto     any
	templates []ActorTemplate
	opts      Options
	rnd       *rand.Rand
}

// NewRandomSource builds a source over proto's methods. proto is only used
// to resolve method handlers for actor validation; the engine constructs
// its own instances per invocation.
func NewRandomSource(proto any, templates []ActorTemplate, opts Options, seed int64) *RandomSource {
	return &RandomSource{
		proto:     proto,
		templates: templates,
		opts:      opts.withDefaults(),
		rnd:       rand.New(rand.NewSource(seed)),
	}
}

func (s *RandomSource) Next() *scenario.ExecutionScenario {
	for _, t := range s.templates {
		for _, p := range t.Params {
			p.Reset()
		}
	}

	scn := &scenario.ExecutionScenario{}
	for i := 0; i < s.opts.ActorsBefore; i++ {
		scn.Initial = append(scn.Initial, s.makeActor())
	}
	for t := 0; t < s.opts.Threads; t++ {
		var row []*scenario.Actor
		for i := 0; i < s.opts.ActorsPerThread; i++ {
			row = append(row, s.makeActor())
		}
		scn.Parallel = append(scn.Parallel, row)
	}
	for i := 0; i < s.opts.ActorsAfter; i++ {
		scn.Post = append(scn.Post, s.makeActor())
	}
	return scn
}

func (s *RandomSource) makeActor() *scenario.Actor {
	t := s.templates[s.rnd.Intn(len(s.templates))]
	args := make([]any, len(t.Params))
	for i, p := range t.Params {
		args[i] = p.Generate()
	}
	handler := reflect.ValueOf(s.proto).MethodByName(t.Method)
	a, err := scenario.NewActor(t.Method, handler, args, nil, t.Options...)
	if err != nil {
		// Templates are validated against the prototype up front by the
		// caller; a failure here is a programming error in the template.
		panic(fmt.Sprintf("runner: template %s: %v", t.Method, err))
	}
	return a
}
