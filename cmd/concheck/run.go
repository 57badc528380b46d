package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/gookit/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/torvine/concheck/failure"
	"github.com/torvine/concheck/runner"
)

var (
	configFile             string
	invocationsFlag        int
	seedFlag               int64
	switchProbabilityFlag  float64
	obstructionFreedomFlag bool
	hangingThresholdFlag   int
	noMinimizeFlag         bool
	timeoutMSFlag          int64
	dumpTracePath          string
)

var runCmd = &cobra.Command{
	Use:   "run SPEC",
	Short: "Run one of the built-in specs through the checker",
	Args:  cobra.ExactArgs(1),
	Run:   runCommand,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in specs",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range demoSpecNames() {
			fmt.Printf("  %-16s %s\n", name, demoSpecs[name].description)
		}
	},
}

func init() {
	runCmd.Flags().StringVar(&configFile, "config", "", "TOML options file")
	runCmd.Flags().IntVar(&invocationsFlag, "invocations", 0, "Interleavings to try per scenario (0 = config/default)")
	runCmd.Flags().Int64Var(&seedFlag, "seed", 0, "Base seed for the switch schedule (0 = config/default)")
	runCmd.Flags().Float64Var(&switchProbabilityFlag, "switch-probability", 0, "Per-switch-point yield probability (0 = config/default)")
	runCmd.Flags().BoolVar(&obstructionFreedomFlag, "check-obstruction-freedom", false, "Treat active locks as failures")
	runCmd.Flags().IntVar(&hangingThresholdFlag, "hanging-threshold", 0, "Loop-detector trip count (0 = config/default)")
	runCmd.Flags().BoolVar(&noMinimizeFlag, "no-minimize", false, "Report the failing scenario without shrinking it")
	runCmd.Flags().Int64Var(&timeoutMSFlag, "timeout-ms", 0, "Per-invocation wall-clock timeout (0 = config/default)")
	runCmd.Flags().StringVar(&dumpTracePath, "dump-trace", "", "Directory to write a binary trace dump of the failing invocation into")
}

func runCommand(cmd *cobra.Command, args []string) {
	name := args[0]
	spec, ok := demoSpecs[name]
	if !ok {
		log.Fatal().Str("spec", name).Strs("available", demoSpecNames()).Msg("unknown spec")
	}

	opts := runner.DefaultOptions()
	if configFile != "" {
		loaded, err := runner.LoadOptionsFromFile(configFile)
		if err != nil {
			log.Fatal().Err(err).Msg("couldn't load options file")
		}
		opts = loaded
	}
	// CLI flags override config-file values.
	if invocationsFlag > 0 {
		opts.InvocationsPerIteration = invocationsFlag
	}
	if seedFlag != 0 {
		opts.Seed = seedFlag
	}
	if switchProbabilityFlag > 0 {
		opts.SwitchProbability = switchProbabilityFlag
	}
	if obstructionFreedomFlag {
		opts.CheckObstructionFreedom = true
	}
	if hangingThresholdFlag > 0 {
		opts.HangingDetectionThreshold = hangingThresholdFlag
	}
	if noMinimizeFlag {
		opts.MinimizeFailedScenario = false
	}
	if timeoutMSFlag > 0 {
		opts.TimeoutMS = timeoutMSFlag
	}
	if dumpTracePath != "" {
		opts.TraceDumpPath = dumpTracePath
	}

	engine, err := runner.NewEngine(opts, spec.seqFactory, spec.testFactory)
	if err != nil {
		log.Fatal().Err(err).Msg("couldn't build engine")
	}
	engine.AddScenario(spec.scenario())

	fmt.Fprintln(os.Stderr, color.Cyan.Sprintf("Checking %s...", name))
	f := engine.Check()
	if f == nil {
		fmt.Fprintln(os.Stderr, color.Green.Sprint("✓ All interleavings verified against the sequential reference"))
		return
	}

	fmt.Fprint(os.Stderr, failure.Format(f))
	if dumpTracePath != "" {
		fmt.Fprintln(os.Stderr, color.Gray.Sprintf("Trace dump: %s", strings.TrimRight(dumpTracePath, "/")+"/"+f.InvocationID().String()+".ctrc"))
	}
	os.Exit(1)
}
