package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/internal/jexpr"
)

// TargetInfo describes one discovered target manifest.
type TargetInfo struct {
	ID    string            `json:"id"`
	Path  string            `json:"path"`
	Props map[string]string `json:"props,omitempty"`
	Tools []string          `json:"tools,omitempty"`
}

// NewTargetsCommand creates the targets command.
func NewTargetsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "targets",
		Short:         "List the workspace's target manifests",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTargets(rootOpts, cmd)
		},
	}
	return cmd
}

func runTargets(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	ws, err := LoadWorkspace(opts.Dir)
	if err != nil {
		_ = formatter.Error("SETUP_FAILED", err.Error(), nil)
		return WrapExitError(ExitCommandError, "targets setup failed", err)
	}
	loader, err := newLoader()
	if err != nil {
		_ = formatter.Error("SETUP_FAILED", err.Error(), nil)
		return WrapExitError(ExitCommandError, "targets setup failed", err)
	}
	_, targets, err := ws.LoadManifests(loader)
	if err != nil {
		_ = formatter.Error("LOAD_FAILED", err.Error(), nil)
		return WrapExitError(ExitFailure, "loading manifests failed", err)
	}

	infos := make([]TargetInfo, 0, len(targets))
	for _, target := range targets {
		info := TargetInfo{ID: target.Id, Path: target.Path}
		if len(target.Props) > 0 {
			info.Props = make(map[string]string, len(target.Props))
			for key, value := range target.Props {
				info.Props[key] = jexpr.Stringify(value)
			}
		}
		for tool := range target.Tools {
			info.Tools = append(info.Tools, tool)
		}
		sort.Strings(info.Tools)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	if formatter.Format == "json" {
		return formatter.Success(infos)
	}

	if len(infos) == 0 {
		fmt.Fprintln(formatter.Writer, "no targets found")
		return nil
	}
	for _, info := range infos {
		fmt.Fprintf(formatter.Writer, "%s\n", info.ID)
		if len(info.Tools) > 0 {
			fmt.Fprintf(formatter.Writer, "  tools: %s\n", strings.Join(info.Tools, ", "))
		}
		keys := make([]string, 0, len(info.Props))
		for key := range info.Props {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(formatter.Writer, "  %s = %s\n", key, info.Props[key])
		}
	}
	return nil
}
