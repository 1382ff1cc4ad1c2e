package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cascadehq/cascade/internal/journal"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Journal string
}

// TracePass is one pass row for JSON output.
type TracePass struct {
	Token    string        `json:"token"`
	BeginSeq int64         `json:"begin_seq"`
	EndSeq   int64         `json:"end_seq,omitempty"`
	Fired    int           `json:"fired"`
	Complete bool          `json:"complete"`
	Firings  []TraceFiring `json:"firings,omitempty"`
}

// TraceFiring is one firing row for JSON output.
type TraceFiring struct {
	Seq   int64    `json:"seq"`
	Slot  string   `json:"slot"`
	Rank  int      `json:"rank"`
	Dirty []string `json:"dirty,omitempty"`
	Paths []string `json:"paths,omitempty"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace [pass-token]",
		Short: "Inspect a recorded propagation journal",
		Long: `List the passes recorded in a journal, or the slot firings of one
pass when a pass token is given.

Exit codes:
  0 - Success
  2 - Command error (journal not found, unknown pass token, etc.)`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = args[0]
			}
			return runTrace(opts, token, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "path to the SQLite journal (required)")
	_ = cmd.MarkFlagRequired("journal")
	return cmd
}

func runTrace(opts *TraceOptions, token string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if _, err := os.Stat(opts.Journal); err != nil {
		_ = formatter.Error("E_JOURNAL_NOT_FOUND", fmt.Sprintf("journal not found: %s", opts.Journal), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("journal not found: %s", opts.Journal))
	}

	j, err := journal.Open(opts.Journal, nil)
	if err != nil {
		_ = formatter.Error("E_JOURNAL", err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer j.Close()

	ctx := cmd.Context()
	passes, err := j.Passes(ctx)
	if err != nil {
		_ = formatter.Error("E_JOURNAL", err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	if token != "" {
		return tracePass(formatter, j, passes, token, cmd)
	}

	out := make([]TracePass, 0, len(passes))
	for _, p := range passes {
		out = append(out, TracePass{
			Token:    p.Token,
			BeginSeq: p.BeginSeq,
			EndSeq:   p.EndSeq,
			Fired:    p.Fired,
			Complete: p.Complete,
		})
	}

	if formatter.Format == "json" {
		return formatter.Success(out)
	}
	if len(out) == 0 {
		fmt.Fprintln(formatter.Writer, "journal is empty")
		return nil
	}
	for _, p := range out {
		status := "complete"
		if !p.Complete {
			status = "incomplete"
		}
		fmt.Fprintf(formatter.Writer, "%s  seq %d..%d  fired %d  %s\n",
			p.Token, p.BeginSeq, p.EndSeq, p.Fired, status)
	}
	return nil
}

func tracePass(formatter *OutputFormatter, j *journal.Journal, passes []journal.PassRecord, token string, cmd *cobra.Command) error {
	var pass *journal.PassRecord
	for i := range passes {
		if passes[i].Token == token {
			pass = &passes[i]
			break
		}
	}
	if pass == nil {
		_ = formatter.Error("E_UNKNOWN_PASS", fmt.Sprintf("pass %q not found in journal", token), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("pass %q not found", token))
	}

	firings, err := j.Firings(cmd.Context(), token)
	if err != nil {
		_ = formatter.Error("E_JOURNAL", err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	out := TracePass{
		Token:    pass.Token,
		BeginSeq: pass.BeginSeq,
		EndSeq:   pass.EndSeq,
		Fired:    pass.Fired,
		Complete: pass.Complete,
	}
	for _, f := range firings {
		out.Firings = append(out.Firings, TraceFiring{
			Seq:   f.Seq,
			Slot:  f.Slot,
			Rank:  f.Rank,
			Dirty: f.Dirty,
			Paths: f.Paths,
		})
	}

	if formatter.Format == "json" {
		return formatter.Success(out)
	}
	fmt.Fprintf(formatter.Writer, "pass %s  seq %d..%d  fired %d\n",
		out.Token, out.BeginSeq, out.EndSeq, out.Fired)
	for _, f := range out.Firings {
		fmt.Fprintf(formatter.Writer, "  [%d] slot %s (rank %d) dirty=%v", f.Seq, f.Slot, f.Rank, f.Dirty)
		if len(f.Paths) > 0 {
			fmt.Fprintf(formatter.Writer, " paths=%v", f.Paths)
		}
		fmt.Fprintln(formatter.Writer)
	}
	return nil
}
