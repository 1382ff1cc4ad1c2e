package cli

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/internal/harness"
	"github.com/cascadehq/cascade/internal/journal"
	"github.com/cascadehq/cascade/internal/trace"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Journal string
}

// ReplayResult holds the replay outcome for JSON output.
type ReplayResult struct {
	Scenario      string `json:"scenario"`
	Deterministic bool   `json:"deterministic"`
	JournalMatch  *bool  `json:"journal_match,omitempty"`
	Passes        int    `json:"passes"`
	Firings       int    `json:"firings"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <scenario.yaml>",
		Short: "Re-run a scenario and verify determinism",
		Long: `Run a scenario twice and verify both runs produce byte-identical
canonical traces. With --journal, the fresh trace is additionally
compared against the firings recorded in the journal.

Exit codes:
  0 - Deterministic (and journal matches, if given)
  1 - Verification failed (traces differ)
  2 - Command error (scenario not found, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "verify the trace against a recorded SQLite journal")
	return cmd
}

func runReplay(opts *ReplayOptions, path string, cmd *cobra.Command) error {
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

	first, err := harness.Run(scenario)
	if err != nil {
		_ = formatter.Error("E_RUN", err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to run scenario", err)
	}
	second, err := harness.Run(scenario)
	if err != nil {
		_ = formatter.Error("E_RUN", err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to re-run scenario", err)
	}

	firstJSON, err := snapshotJSON(scenario.Name, first.Trace)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to encode trace", err)
	}
	secondJSON, err := snapshotJSON(scenario.Name, second.Trace)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to encode trace", err)
	}

	passes, firings := traceCounts(first.Trace)
	result := ReplayResult{
		Scenario:      scenario.Name,
		Deterministic: bytes.Equal(firstJSON, secondJSON),
		Passes:        passes,
		Firings:       firings,
	}

	if opts.Journal != "" {
		match, err := verifyJournal(opts.Journal, scenario, cmd)
		if err != nil {
			_ = formatter.Error("E_JOURNAL", err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to verify journal", err)
		}
		result.JournalMatch = &match
	}

	if formatter.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		printReplayText(formatter, result)
	}

	if !result.Deterministic {
		return NewExitError(ExitFailure, "replay produced a different trace")
	}
	if result.JournalMatch != nil && !*result.JournalMatch {
		return NewExitError(ExitFailure, "trace does not match recorded journal")
	}
	return nil
}

func printReplayText(formatter *OutputFormatter, result ReplayResult) {
	if result.Deterministic {
		fmt.Fprintf(formatter.Writer, "✓ %s deterministic (%d passes, %d firings)\n",
			result.Scenario, result.Passes, result.Firings)
	} else {
		fmt.Fprintf(formatter.Writer, "✗ %s produced a different trace on replay\n", result.Scenario)
	}
	if result.JournalMatch != nil {
		if *result.JournalMatch {
			fmt.Fprintln(formatter.Writer, "✓ trace matches recorded journal")
		} else {
			fmt.Fprintln(formatter.Writer, "✗ trace does not match recorded journal")
		}
	}
}

func snapshotJSON(name string, events []engine.TraceEvent) ([]byte, error) {
	return trace.MarshalSnapshot(trace.Snapshot{Name: name, Events: events})
}

// verifyJournal re-runs the scenario aligned with the recorded session
// and compares the fresh firings against the journal's, pass by pass
// and seq by seq. A journal recorded mid-session does not start at seq
// 1, so the verification run resumes the clock and token sequence from
// the first recorded pass instead of assuming a fresh engine.
func verifyJournal(path string, scenario *harness.Scenario, cmd *cobra.Command) (bool, error) {
	j, err := journal.Open(path, nil)
	if err != nil {
		return false, err
	}
	defer j.Close()

	ctx := cmd.Context()
	passes, err := j.Passes(ctx)
	if err != nil {
		return false, err
	}
	if len(passes) == 0 {
		return false, nil
	}

	var recorded []journal.FiringRecord
	for _, p := range passes {
		firings, err := j.Firings(ctx, p.Token)
		if err != nil {
			return false, err
		}
		recorded = append(recorded, firings...)
	}

	runOpts := []engine.Option{engine.WithClock(engine.NewClockAt(passes[0].BeginSeq - 1))}
	if prefix, n, ok := engine.SplitSequenceToken(passes[0].Token); ok {
		runOpts = append(runOpts, engine.WithTokenGenerator(engine.NewSequenceGeneratorAt(prefix, n-1)))
	}
	res, err := harness.Run(scenario, runOpts...)
	if err != nil {
		return false, err
	}

	var fresh []journal.FiringRecord
	for _, ev := range res.Trace {
		if ev.Type != engine.TraceSlotFired {
			continue
		}
		fresh = append(fresh, journal.FiringRecord{
			PassToken: ev.Pass,
			Seq:       ev.Seq,
			Slot:      ev.Slot,
			Rank:      ev.Rank,
			Dirty:     ev.Dirty,
			Paths:     ev.Paths,
		})
	}

	if len(recorded) != len(fresh) {
		return false, nil
	}
	for i := range recorded {
		if !firingEqual(recorded[i], fresh[i]) {
			return false, nil
		}
	}
	return true, nil
}

func firingEqual(a, b journal.FiringRecord) bool {
	return a.PassToken == b.PassToken &&
		a.Seq == b.Seq &&
		a.Slot == b.Slot &&
		a.Rank == b.Rank &&
		slices.Equal(a.Dirty, b.Dirty) &&
		slices.Equal(a.Paths, b.Paths)
}
