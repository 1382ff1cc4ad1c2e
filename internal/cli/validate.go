package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cascadehq/cascade/internal/compiler"
	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/internal/harness"
)

// ValidationResult holds validation results for JSON output.
type ValidationResult struct {
	Valid    bool   `json:"valid"`
	Pipeline string `json:"pipeline,omitempty"`

	Resources int `json:"resources,omitempty"`
	Stages    int `json:"stages,omitempty"`
	Reducers  int `json:"reducers,omitempty"`

	Error string `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <pipeline.cue>",
		Short: "Validate a pipeline definition",
		Long: `Compile a CUE pipeline definition and check that it binds cleanly:
declared names resolve, builtin handlers exist, and the dependency graph
admits an evaluation order (no cycles).

Exit codes:
  0 - Pipeline is valid
  1 - Validation failed
  2 - Command error (file not found, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if _, err := os.Stat(path); err != nil {
		_ = formatter.Error("E_PIPELINE_NOT_FOUND", fmt.Sprintf("pipeline file not found: %s", path), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("pipeline file not found: %s", path))
	}

	plan, err := compiler.CompileFile(path)
	if err != nil {
		return outputValidationFailure(formatter, err)
	}

	formatter.VerboseLog("Compiled pipeline %q: %d resource(s), %d stage(s), %d reducer(s)",
		plan.Name, len(plan.Resources), len(plan.Stages), len(plan.Reducers))

	// A plan that compiles can still fail to bind: unknown builtin
	// handlers or cyclic reducer declarations surface here.
	if err := compiler.Bind(engine.New(), plan, harness.Builtins()); err != nil {
		return outputValidationFailure(formatter, err)
	}

	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{
			Valid:     true,
			Pipeline:  plan.Name,
			Resources: len(plan.Resources),
			Stages:    len(plan.Stages),
			Reducers:  len(plan.Reducers),
		})
	}
	fmt.Fprintf(formatter.Writer, "✓ pipeline %q valid (%d resources, %d stages, %d reducers)\n",
		plan.Name, len(plan.Resources), len(plan.Stages), len(plan.Reducers))
	return nil
}

func outputValidationFailure(formatter *OutputFormatter, err error) error {
	code := "E_INVALID_PIPELINE"
	var ce *compiler.CompileError
	if errors.As(err, &ce) {
		code = "E_COMPILE"
	}
	_ = formatter.Error(code, err.Error(), nil)
	return WrapExitError(ExitFailure, "validation failed", err)
}
