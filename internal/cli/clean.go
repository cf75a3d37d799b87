package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/internal/buildcache"
)

// NewCleanCommand creates the clean command.
func NewCleanCommand(rootOpts *RootOptions) *cobra.Command {
	var pruneCache bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove build artifacts",
		Long: `Remove every built artifact under .kiln/build. With --cache the
rebuild cache records are pruned as well, forcing the next build to
rerun every job.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(rootOpts, pruneCache, cmd)
		},
	}

	cmd.Flags().BoolVar(&pruneCache, "cache", false, "also prune rebuild cache records")
	return cmd
}

func runClean(opts *RootOptions, pruneCache bool, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	ws, err := LoadWorkspace(opts.Dir)
	if err != nil {
		_ = formatter.Error("SETUP_FAILED", err.Error(), nil)
		return WrapExitError(ExitCommandError, "clean setup failed", err)
	}

	buildRoot := filepath.Join(ws.Root, ".kiln", "build")
	if err := os.RemoveAll(buildRoot); err != nil {
		_ = formatter.Error("CLEAN_FAILED", err.Error(), nil)
		return WrapExitError(ExitFailure, "removing build artifacts failed", err)
	}
	formatter.VerboseLog("removed %s", buildRoot)

	if pruneCache && fileExists(ws.CachePath()) {
		store, err := buildcache.Open(ws.CachePath())
		if err != nil {
			_ = formatter.Error("CLEAN_FAILED", err.Error(), nil)
			return WrapExitError(ExitFailure, "opening rebuild cache failed", err)
		}
		defer store.Close()
		if err := store.Prune(context.Background()); err != nil {
			_ = formatter.Error("CLEAN_FAILED", err.Error(), nil)
			return WrapExitError(ExitFailure, "pruning rebuild cache failed", err)
		}
		formatter.VerboseLog("pruned rebuild cache")
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"cleaned": true, "cachePruned": pruneCache})
	}
	fmt.Fprintln(formatter.Writer, "✓ cleaned")
	return nil
}
