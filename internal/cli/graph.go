package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/internal/manifest"
)

// GraphReport is the JSON payload of the graph command.
type GraphReport struct {
	Target   string         `json:"target"`
	Nodes    []GraphNode    `json:"nodes"`
	Disabled []DisabledNode `json:"disabled,omitempty"`
}

// GraphNode is one enabled component.
type GraphNode struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	Requires  []string `json:"requires,omitempty"`
	LinkOrder []string `json:"linkOrder,omitempty"`
}

// DisabledNode is a component gated out by enabledIf.
type DisabledNode struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// NewGraphCommand creates the graph command.
func NewGraphCommand(rootOpts *RootOptions) *cobra.Command {
	var target string
	var props []string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the resolved component graph",
		Long: `Resolve the component graph against a target and print every enabled
component with its bound dependencies, plus the flattened link order of
each executable. Disabled components are listed with the property gate
that excluded them.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(rootOpts, target, props, cmd)
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "target id (default from kiln.yaml)")
	cmd.Flags().StringArrayVarP(&props, "prop", "p", nil, "override a target property (key=value, repeatable)")
	return cmd
}

func runGraph(opts *RootOptions, target string, props []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	graph, _, err := resolveWorkspace(opts, target, props)
	if err != nil {
		_ = formatter.Error("RESOLVE_FAILED", err.Error(), nil)
		return WrapExitError(ExitFailure, "graph resolution failed", err)
	}

	report := GraphReport{Target: graph.Target.Id}
	for _, node := range graph.Nodes() {
		gn := GraphNode{
			ID:       node.Id(),
			Kind:     string(node.Manifest.Kind),
			Requires: node.ResolvedRequires,
		}
		if node.Manifest.Kind == manifest.KindExe {
			gn.LinkOrder = graph.LinkOrder(node.Id())
		}
		report.Nodes = append(report.Nodes, gn)
	}
	for _, node := range graph.Disabled() {
		report.Disabled = append(report.Disabled, DisabledNode{ID: node.Id(), Reason: node.DisabledReason})
	}

	if formatter.Format == "json" {
		return formatter.Success(report)
	}

	fmt.Fprintf(formatter.Writer, "target %s\n\n", report.Target)
	for _, gn := range report.Nodes {
		fmt.Fprintf(formatter.Writer, "%s (%s)\n", gn.ID, gn.Kind)
		if len(gn.Requires) > 0 {
			fmt.Fprintf(formatter.Writer, "  requires: %s\n", strings.Join(gn.Requires, ", "))
		}
		if len(gn.LinkOrder) > 0 {
			fmt.Fprintf(formatter.Writer, "  link order: %s\n", strings.Join(gn.LinkOrder, " "))
		}
	}
	if len(report.Disabled) > 0 {
		fmt.Fprintln(formatter.Writer)
		fmt.Fprintln(formatter.Writer, "disabled:")
		for _, dn := range report.Disabled {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n", dn.ID, dn.Reason)
		}
	}
	return nil
}
