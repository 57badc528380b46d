package runner

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/torvine/concheck/guard"
)

// Options is the engine's configuration surface. A zero in a numeric field
// other than ActorsBefore and ActorsAfter means "use the default"; those two
// fields and the booleans are taken as given (DefaultOptions turns
// MinimizeFailedScenario on). The CLI overrides individual fields after loading, the same
// way the run command overrides a loaded spec file's fields.
type Options struct {
	Iterations              int   `toml:"iterations,omitempty"`
	Threads                 int   `toml:"threads,omitempty"`
	ActorsPerThread         int   `toml:"actors_per_thread,omitempty"`
	ActorsBefore            int   `toml:"actors_before,omitempty"`
	ActorsAfter             int   `toml:"actors_after,omitempty"`
	InvocationsPerIteration int   `toml:"invocations_per_iteration,omitempty"`
	TimeoutMS               int64 `toml:"timeout_ms,omitempty"`

	CheckObstructionFreedom   bool `toml:"check_obstruction_freedom,omitempty"`
	HangingDetectionThreshold int  `toml:"hanging_detection_threshold,omitempty"`
	MinimizeFailedScenario    bool `toml:"minimize_failed_scenario,omitempty"`

	// Seed makes the random-switch schedule and scenario generation
	// reproducible; 0 picks a fixed default.
	Seed              int64   `toml:"seed,omitempty"`
	SwitchProbability float64 `toml:"switch_probability,omitempty"`

	// ReplayMode disables the wall-clock timeout (effectively one year),
	// for debugger-assisted replay of a recorded interleaving.
	ReplayMode bool `toml:"replay_mode,omitempty"`

	// TraceDumpPath, when set, makes a failing scenario's trace-collecting
	// replay also write a binary trace dump into this directory, named by
	// the invocation UUID.
	TraceDumpPath string `toml:"trace_dump_path,omitempty"`

	Guarantees []guard.RuleConfig `toml:"guarantees,omitempty"`
}

// DefaultOptions mirrors the documented defaults of the configuration
// surface.
func DefaultOptions() Options {
	return Options{
		Iterations:                100,
		Threads:                   2,
		ActorsPerThread:           2,
		ActorsBefore:              2,
		ActorsAfter:               2,
		InvocationsPerIteration:   1000,
		TimeoutMS:                 10_000,
		HangingDetectionThreshold: 10_000,
		MinimizeFailedScenario:    true,
		Seed:                      1,
		SwitchProbability:         0.3,
	}
}

// withDefaults fills zero-valued numeric fields, except ActorsBefore and
// ActorsAfter, from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Iterations == 0 {
		o.Iterations = d.Iterations
	}
	if o.Threads == 0 {
		o.Threads = d.Threads
	}
	if o.ActorsPerThread == 0 {
		o.ActorsPerThread = d.ActorsPerThread
	}
	if o.InvocationsPerIteration == 0 {
		o.InvocationsPerIteration = d.InvocationsPerIteration
	}
	if o.TimeoutMS == 0 {
		o.TimeoutMS = d.TimeoutMS
	}
	if o.HangingDetectionThreshold == 0 {
		o.HangingDetectionThreshold = d.HangingDetectionThreshold
	}
	if o.Seed == 0 {
		o.Seed = d.Seed
	}
	if o.SwitchProbability == 0 {
		o.SwitchProbability = d.SwitchProbability
	}
	return o
}

func parseOptions(r io.Reader) (Options, error) {
	var out Options
	_, err := toml.NewDecoder(r).Decode(&out)
	return out, err
}

// LoadOptionsFromFile reads a TOML options file.
func LoadOptionsFromFile(path string) (Options, error) {
	f, err := os.Open(path)
	if err != nil {
		return Options{}, err
	}
	defer f.Close()
	o, err := parseOptions(f)
	if err != nil {
		return Options{}, fmt.Errorf("runner: parsing %s: %w", path, err)
	}
	return o, nil
}
