package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/torvine/concheck/failure"
	"github.com/torvine/concheck/guard"
	"github.com/torvine/concheck/lts"
	"github.com/torvine/concheck/minimize"
	"github.com/torvine/concheck/scenario"
	"github.com/torvine/concheck/scheduler"
	"github.com/torvine/concheck/tracer"
)

// TestFactory builds a fresh instance of the concurrent object under test,
// wired to the invocation's scheduler so its instrumented switch points
// reach it.
type TestFactory func(*scheduler.Scheduler) any

// Engine drives the whole check: scenarios are executed repeatedly under
// randomized interleavings, every collected result is verified against the
// sequential reference, and the first failure is replayed with tracing and
// minimized.
type Engine struct {
	opts        Options
	seqFactory  func() any
	testFactory TestFactory
	policy      *guard.Policy
	scenarios   []*scenario.ExecutionScenario
	source      ScenarioSource
}

// NewEngine builds an engine. seqFactory produces fresh sequential
// reference instances for the verifier.
func NewEngine(opts Options, seqFactory func() any, testFactory TestFactory) (*Engine, error) {
	policy, err := guard.NewPolicy(opts.Guarantees...)
	if err != nil {
		return nil, err
	}
	return &Engine{
		opts:        opts.withDefaults(),
		seqFactory:  seqFactory,
		testFactory: testFactory,
		policy:      policy,
	}, nil
}

// AddScenario queues a pre-built scenario to run verbatim, before any
// generated ones.
func (e *Engine) AddScenario(scn *scenario.ExecutionScenario) { e.scenarios = append(e.scenarios, scn) }

// SetSource installs the generator of randomized scenarios; without one,
// only the custom scenarios run.
func (e *Engine) SetSource(s ScenarioSource) { e.source = s }

// Check runs everything and returns the first failure found, nil when all
// scenarios verify.
func (e *Engine) Check() failure.Failure {
	run := func(scn *scenario.ExecutionScenario) failure.Failure {
		f, seed, firstRes := e.checkScenario(scn)
		if f == nil {
			return nil
		}
		return e.postProcess(scn, f, seed, firstRes)
	}

	for i, scn := range e.scenarios {
		log.Debug().Int("scenario", i).Msg("running custom scenario")
		if f := run(scn); f != nil {
			return f
		}
	}
	if e.source != nil {
		for i := 0; i < e.opts.Iterations; i++ {
			scn := e.source.Next()
			if scn == nil {
				break
			}
			log.Debug().Int("iteration", i).Msg("running generated scenario")
			if f := run(scn); f != nil {
				return f
			}
		}
	}
	return nil
}

// checkScenario runs the scenario through its invocation budget. On
// failure it reports the seed of the failing invocation so the trace-
// collecting run can reproduce the exact interleaving.
func (e *Engine) checkScenario(scn *scenario.ExecutionScenario) (failure.Failure, int64, *scenario.ExecutionResult) {
	verifier := lts.NewVerifier(e.seqFactory)
	for i := 0; i < e.opts.InvocationsPerIteration; i++ {
		seed := e.opts.Seed + int64(i)
		f, res, invID := e.runOnce(scn, seed, nil)
		if f != nil {
			return f, seed, res
		}
		ok, err := verifier.Verify(scn, res)
		if err != nil {
			return failure.NewNonDeterminism(invID, "sequential reference replay", err.Error()), seed, res
		}
		if !ok {
			return failure.NewIncorrectResults(invID, formatScenario(scn), formatResults(res)), seed, res
		}
	}
	return nil, 0, nil
}

func (e *Engine) runOnce(scn *scenario.ExecutionScenario, seed int64, rec *tracer.Recorder) (failure.Failure, *scenario.ExecutionResult, uuid.UUID) {
	strategy := scheduler.NewRandomSwitchStrategy(seed, e.opts.SwitchProbability)
	inv := NewInvocation(scn, strategy, e.opts)
	if rec != nil {
		inv.SetRecorder(rec)
	}
	test := e.testFactory(inv.Scheduler())
	res, f := inv.Run(test)
	return f, res, inv.ID()
}

// postProcess replays the failing invocation with tracing enabled, checks
// for non-determinism between the two runs, attaches the captured trace,
// and minimizes the scenario when configured to.
func (e *Engine) postProcess(scn *scenario.ExecutionScenario, f failure.Failure, seed int64, firstRes *scenario.ExecutionResult) failure.Failure {
	rec := tracer.New(e.policy, tracer.Text)
	f2, res2, _ := e.runOnce(scn, seed, rec)

	switch {
	case f2 != nil && f2.FailureKind() != f.FailureKind():
		return failure.NewNonDeterminism(f.InvocationID(), string(f.FailureKind()), string(f2.FailureKind()))
	case f2 == nil && firstRes == nil:
		return failure.NewNonDeterminism(f.InvocationID(), string(f.FailureKind()), "clean replay")
	case f2 == nil && firstRes != nil && !firstRes.Equivalent(res2):
		return failure.NewNonDeterminism(f.InvocationID(), formatResults(firstRes)[0], formatResults(res2)[0])
	}

	if ir, ok := f.(*failure.IncorrectResults); ok {
		f = failure.NewIncorrectResults(ir.InvocationID(), ir.Scenario, append(ir.Trace, traceLines(rec)...))
	}

	if e.opts.TraceDumpPath != "" {
		binRec := tracer.New(e.policy, tracer.BinaryDump)
		e.runOnce(scn, seed, binRec)
		path := filepath.Join(e.opts.TraceDumpPath, f.InvocationID().String()+".ctrc")
		if err := writeDump(path, binRec); err != nil {
			log.Error().Err(err).Str("path", path).Msg("could not write trace dump")
		} else {
			log.Info().Str("path", path).Msg("trace dump written")
		}
	}

	if e.opts.MinimizeFailedScenario {
		reduced, reducedFail := minimize.Minimize(scn, f, func(c *scenario.ExecutionScenario) failure.Failure {
			cf, _, _ := e.checkScenario(c)
			return cf
		})
		log.Info().Str("kind", string(reducedFail.FailureKind())).
			Str("scenario", formatScenario(reduced)).Msg("minimized failing scenario")
		return reducedFail
	}
	return f
}

func writeDump(path string, rec *tracer.Recorder) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := rec.Dump(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func traceLines(rec *tracer.Recorder) []string {
	var b strings.Builder
	if err := rec.Dump(&b); err != nil {
		return []string{"trace unavailable: " + err.Error()}
	}
	return strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
}

func formatScenario(scn *scenario.ExecutionScenario) string {
	part := func(actors []*scenario.Actor) string {
		names := make([]string, len(actors))
		for i, a := range actors {
			names[i] = fmt.Sprintf("%s(%v)", a.Method, a.Args)
		}
		return "[" + strings.Join(names, ", ") + "]"
	}
	var par []string
	for _, p := range scn.Parallel {
		par = append(par, part(p))
	}
	return fmt.Sprintf("initial=%s parallel=[%s] post=%s",
		part(scn.Initial), strings.Join(par, ", "), part(scn.Post))
}

func formatResults(res *scenario.ExecutionResult) []string {
	if res == nil {
		return []string{"<no results>"}
	}
	var out []string
	line := func(prefix string, rs []scenario.Result) {
		strs := make([]string, len(rs))
		for i, r := range rs {
			strs[i] = r.String()
		}
		out = append(out, prefix+": ["+strings.Join(strs, ", ")+"]")
	}
	line("initial", res.Initial)
	for i, row := range res.ParallelResults() {
		line(fmt.Sprintf("thread %d", i), row)
	}
	line("post", res.Post)
	return out
}
