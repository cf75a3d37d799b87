package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/internal/jexpr"
	"github.com/kilnworks/kiln/internal/manifest"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Files  int               `json:"files"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError is one manifest problem.
type ValidationError struct {
	Path    string `json:"path"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check every manifest without building",
		Long: `Load and validate every manifest in the workspace: macro expansion,
schema validation, and type checks. Reports every broken manifest
instead of stopping at the first.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	ws, err := LoadWorkspace(opts.Dir)
	if err != nil {
		_ = formatter.Error("SETUP_FAILED", err.Error(), nil)
		return WrapExitError(ExitCommandError, "validate setup failed", err)
	}
	paths, err := ws.DiscoverManifests()
	if err != nil {
		_ = formatter.Error("SETUP_FAILED", err.Error(), nil)
		return WrapExitError(ExitCommandError, "validate setup failed", err)
	}
	if len(paths) == 0 {
		_ = formatter.Error("NO_MANIFESTS", fmt.Sprintf("no manifests found under %s", ws.Root), nil)
		return NewExitError(ExitCommandError, "no manifests found")
	}

	loader, err := newLoader()
	if err != nil {
		_ = formatter.Error("SETUP_FAILED", err.Error(), nil)
		return WrapExitError(ExitCommandError, "validate setup failed", err)
	}

	result := ValidationResult{Valid: true, Files: len(paths)}
	for _, path := range paths {
		formatter.VerboseLog("validating %s", path)
		if _, err := loader.Load(path); err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, validationErrorFrom(path, err))
		}
	}

	if formatter.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
		if !result.Valid {
			return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
		}
		return nil
	}

	if result.Valid {
		fmt.Fprintf(formatter.Writer, "✓ %d manifest(s) valid\n", result.Files)
		return nil
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, verr := range result.Errors {
		fmt.Fprintf(formatter.Writer, "%s\n", verr.Path)
		if verr.Field != "" {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", verr.Field, verr.Message)
		} else {
			fmt.Fprintf(formatter.Writer, "  %s\n\n", verr.Message)
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
}

// validationErrorFrom flattens loader errors into reportable form,
// keeping field paths from schema errors and macro names from
// evaluation errors.
func validationErrorFrom(path string, err error) ValidationError {
	var schemaErr *manifest.SchemaError
	if errors.As(err, &schemaErr) {
		return ValidationError{Path: path, Field: schemaErr.Field, Message: schemaErr.Message}
	}
	var evalErr *jexpr.Error
	if errors.As(err, &evalErr) {
		return ValidationError{Path: path, Field: evalErr.Macro, Message: evalErr.Message}
	}
	return ValidationError{Path: path, Message: err.Error()}
}
