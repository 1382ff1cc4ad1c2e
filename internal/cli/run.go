package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/internal/harness"
	"github.com/cascadehq/cascade/internal/journal"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Journal string
}

// RunResult holds the scenario outcome for JSON output.
type RunResult struct {
	Scenario string   `json:"scenario"`
	Passed   bool     `json:"passed"`
	Passes   int      `json:"passes"`
	Firings  int      `json:"firings"`
	Failures []string `json:"failures,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a conformance scenario",
		Long: `Run a scenario against its pipeline and evaluate its assertions.

With --journal, the propagation trace is also recorded to a SQLite
journal for later inspection with the trace command.

Exit codes:
  0 - Scenario passed
  1 - Scenario assertions failed
  2 - Command error (scenario not found, pipeline invalid, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "record the trace to a SQLite journal at this path")
	return cmd
}

func runScenario(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		_ = formatter.Error("E_SCENARIO", err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	var j *journal.Journal
	var runOpts []engine.Option
	if opts.Journal != "" {
		j, err = journal.Open(opts.Journal, nil)
		if err != nil {
			_ = formatter.Error("E_JOURNAL", err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer j.Close()

		runOpts, err = resumeOptions(cmd.Context(), j)
		if err != nil {
			_ = formatter.Error("E_JOURNAL", err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to read journal", err)
		}
	}

	result, err := harness.Run(scenario, runOpts...)
	if err != nil {
		_ = formatter.Error("E_RUN", err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to run scenario", err)
	}

	if j != nil {
		for _, ev := range result.Trace {
			j.Record(ev)
		}
		if err := j.Err(); err != nil {
			_ = formatter.Error("E_JOURNAL", err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to record journal", err)
		}
		formatter.VerboseLog("Trace recorded to %s", opts.Journal)
	}

	passes, firings := traceCounts(result.Trace)
	runResult := RunResult{
		Scenario: result.Scenario,
		Passed:   result.Passed,
		Passes:   passes,
		Firings:  firings,
		Failures: result.Errors,
	}

	if formatter.Format == "json" {
		if err := formatter.Success(runResult); err != nil {
			return err
		}
	} else {
		printRunText(formatter, result, passes, firings)
	}

	if !result.Passed {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario failed with %d assertion error(s)", len(result.Errors)))
	}
	return nil
}

func printRunText(formatter *OutputFormatter, result *harness.Result, passes, firings int) {
	if result.Passed {
		fmt.Fprintf(formatter.Writer, "✓ %s passed (%d passes, %d firings)\n",
			result.Scenario, passes, firings)
	} else {
		fmt.Fprintf(formatter.Writer, "✗ %s failed\n", result.Scenario)
		for _, msg := range result.Errors {
			fmt.Fprintf(formatter.Writer, "  %s\n", msg)
		}
	}

	if formatter.Verbose {
		for _, ev := range result.Trace {
			switch ev.Type {
			case engine.TracePassBegin:
				fmt.Fprintf(formatter.Writer, "pass %s\n", ev.Pass)
			case engine.TraceSlotFired:
				fmt.Fprintf(formatter.Writer, "  [%d] slot %s (rank %d) dirty=%v\n",
					ev.Seq, ev.Slot, ev.Rank, ev.Dirty)
			}
		}
	}
}

// resumeOptions continues a journal that already holds a session: the
// clock picks up past the last recorded seq and, when the recorded pass
// tokens follow the sequence form, the token sequence continues too.
// Appended events never reuse a recorded seq or token. A fresh journal
// yields no options.
func resumeOptions(ctx context.Context, j *journal.Journal) ([]engine.Option, error) {
	lastSeq, err := j.LastSeq(ctx)
	if err != nil {
		return nil, err
	}
	if lastSeq == 0 {
		return nil, nil
	}

	opts := []engine.Option{engine.WithClock(engine.NewClockAt(lastSeq))}

	passes, err := j.Passes(ctx)
	if err != nil {
		return nil, err
	}
	if len(passes) > 0 {
		if prefix, n, ok := engine.SplitSequenceToken(passes[len(passes)-1].Token); ok {
			opts = append(opts, engine.WithTokenGenerator(engine.NewSequenceGeneratorAt(prefix, n)))
		}
	}
	return opts, nil
}

func traceCounts(events []engine.TraceEvent) (passes, firings int) {
	for _, ev := range events {
		switch ev.Type {
		case engine.TracePassBegin:
			passes++
		case engine.TraceSlotFired:
			firings++
		}
	}
	return passes, firings
}
