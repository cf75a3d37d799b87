package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/internal/jexpr"
)

// NewEvalCommand creates the eval command.
func NewEvalCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval <document.json>",
		Short: "Expand a macro document and print the result",
		Long: `Evaluate every macro in a JSON document against the real host (@exec
runs commands, @latest probes PATH) and print the expanded document.
Useful for debugging manifests without loading a workspace.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runEval(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	fx, err := jexpr.NewHostEffects()
	if err != nil {
		_ = formatter.Error("SETUP_FAILED", err.Error(), nil)
		return WrapExitError(ExitCommandError, "eval setup failed", err)
	}

	result, err := jexpr.EvalDocument(path, fx)
	if err != nil {
		_ = formatter.Error("EVAL_FAILED", err.Error(), nil)
		return WrapExitError(ExitFailure, "evaluation failed", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return WrapExitError(ExitFailure, "encoding result failed", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(json.RawMessage(data))
	}
	fmt.Fprintln(formatter.Writer, string(data))
	return nil
}
