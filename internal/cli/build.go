package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/internal/buildcache"
	"github.com/kilnworks/kiln/internal/jexpr"
	"github.com/kilnworks/kiln/internal/manifest"
	"github.com/kilnworks/kiln/internal/planner"
	"github.com/kilnworks/kiln/internal/resolver"
	"github.com/kilnworks/kiln/internal/runner"
)

// BuildOptions holds flags for the build command.
type BuildOptions struct {
	*RootOptions
	Target    string
	Workers   int
	KeepGoing bool
	NoCache   bool
	Props     []string
}

// BuildReport is the JSON payload of a build run.
type BuildReport struct {
	Target  string      `json:"target"`
	Built   int         `json:"built"`
	Cached  int         `json:"cached"`
	Failed  int         `json:"failed"`
	Skipped int         `json:"skipped"`
	Elapsed string      `json:"elapsed"`
	Jobs    []JobReport `json:"jobs,omitempty"`
}

// JobReport is one job's outcome in a build report.
type JobReport struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Elapsed string `json:"elapsed,omitempty"`
	Output  string `json:"output,omitempty"`
}

// NewBuildCommand creates the build command.
func NewBuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Resolve the graph and run every out-of-date job",
		Long: `Load the workspace manifests, resolve the component graph against the
selected target, and execute the resulting compile, archive, and link
jobs on a bounded worker pool. Jobs whose command line and inputs are
unchanged since the last run are skipped through the rebuild cache.

Example:
  kiln build --target host
  kiln build --target riscv32 --prop debug=true --workers 8`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Target, "target", "t", "", "target id (default from kiln.yaml)")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "j", 0, "concurrent jobs (default NumCPU)")
	cmd.Flags().BoolVarP(&opts.KeepGoing, "keep-going", "k", false, "continue independent branches after a failure")
	cmd.Flags().BoolVar(&opts.NoCache, "no-cache", false, "bypass the rebuild cache")
	cmd.Flags().StringArrayVarP(&opts.Props, "prop", "p", nil, "override a target property (key=value, repeatable)")

	return cmd
}

func runBuild(opts *BuildOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	start := time.Now()

	graph, ws, err := resolveWorkspace(opts.RootOptions, opts.Target, opts.Props)
	if err != nil {
		return buildSetupError(formatter, err)
	}

	jobs, err := planner.Plan(graph, planner.Options{BuildDir: ws.BuildDir(graph.Target.Id)})
	if err != nil {
		return buildSetupError(formatter, err)
	}
	slog.Info("plan ready", "target", graph.Target.Id, "components", len(graph.Nodes()), "jobs", len(jobs))

	var cache runner.Cache
	if ws.CacheEnabled() && !opts.NoCache {
		if err := os.MkdirAll(filepath.Dir(ws.CachePath()), 0o755); err != nil {
			return buildSetupError(formatter, err)
		}
		store, err := buildcache.Open(ws.CachePath())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open rebuild cache", err)
		}
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				slog.Error("error closing rebuild cache", "error", closeErr)
			}
		}()
		cache = store
	}

	workers := opts.Workers
	if workers == 0 {
		workers = ws.Workers
	}
	run := runner.New(runner.ExecSpawner{}, cache, planner.FileFingerprinter{}, runner.Options{
		Workers:   workers,
		KeepGoing: opts.KeepGoing || ws.KeepGoing,
	})

	ctx, stop := signalContext(cmd)
	defer stop()

	results, runErr := run.Run(ctx, jobs)
	report := buildReport(graph.Target.Id, results, time.Since(start), opts.Verbose)

	if formatter.Format == "json" {
		if runErr != nil {
			_ = formatter.Error("BUILD_FAILED", runErr.Error(), report)
			return NewExitError(ExitFailure, runErr.Error())
		}
		return formatter.Success(report)
	}

	printBuildText(formatter, results, report)
	if runErr != nil {
		return WrapExitError(ExitFailure, "build failed", runErr)
	}
	return nil
}

// resolveWorkspace performs the shared front half of build-like
// commands: workspace config, manifest loading, target selection, and
// graph resolution.
func resolveWorkspace(rootOpts *RootOptions, targetFlag string, propFlags []string) (*resolver.Graph, *Workspace, error) {
	ws, err := LoadWorkspace(rootOpts.Dir)
	if err != nil {
		return nil, nil, err
	}

	loader, err := newLoader()
	if err != nil {
		return nil, nil, err
	}
	components, targets, err := ws.LoadManifests(loader)
	if err != nil {
		return nil, nil, err
	}

	targetId := targetFlag
	if targetId == "" {
		targetId = ws.Target
	}
	target, ok := targets[targetId]
	if !ok {
		known := make([]string, 0, len(targets))
		for id := range targets {
			known = append(known, id)
		}
		sort.Strings(known)
		return nil, nil, fmt.Errorf("unknown target %q (known: %s)", targetId, strings.Join(known, ", "))
	}

	target, err = overrideProps(target, propFlags)
	if err != nil {
		return nil, nil, err
	}

	graph, err := resolver.Resolve(components, target, resolver.Options{})
	if err != nil {
		return nil, nil, err
	}
	return graph, ws, nil
}

// overrideProps applies --prop key=value flags on top of the target's
// props. Values parse as JSON scalars; anything unparsable is a string.
func overrideProps(target *manifest.Manifest, flags []string) (*manifest.Manifest, error) {
	if len(flags) == 0 {
		return target, nil
	}

	patched := *target
	patched.Props = make(map[string]jexpr.Value, len(target.Props)+len(flags))
	for k, v := range target.Props {
		patched.Props[k] = v
	}
	for _, flag := range flags {
		key, raw, ok := strings.Cut(flag, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --prop %q: want key=value", flag)
		}
		value, err := jexpr.Decode([]byte(raw))
		if err != nil {
			value = jexpr.String(raw)
		}
		patched.Props[key] = value
	}
	return &patched, nil
}

// signalContext derives a context cancelled by SIGINT/SIGTERM from the
// command's context.
func signalContext(cmd *cobra.Command) (context.Context, func()) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, stopping", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

func buildReport(target string, results []*runner.Result, elapsed time.Duration, verbose bool) *BuildReport {
	report := &BuildReport{Target: target, Elapsed: elapsed.Round(time.Millisecond).String()}
	for _, res := range results {
		switch res.Status {
		case runner.StatusBuilt:
			report.Built++
		case runner.StatusCached:
			report.Cached++
		case runner.StatusFailed:
			report.Failed++
		case runner.StatusSkipped:
			report.Skipped++
		}
		if verbose || res.Status == runner.StatusFailed {
			report.Jobs = append(report.Jobs, JobReport{
				ID:      res.Job.ID,
				Status:  res.Status.String(),
				Elapsed: res.Elapsed.Round(time.Millisecond).String(),
				Output:  res.Output,
			})
		}
	}
	return report
}

func printBuildText(formatter *OutputFormatter, results []*runner.Result, report *BuildReport) {
	for _, res := range results {
		switch res.Status {
		case runner.StatusFailed:
			fmt.Fprintf(formatter.Writer, "✗ %s\n", res.Job.ID)
			if res.Output != "" {
				fmt.Fprintln(formatter.Writer, indent(res.Output, "  "))
			}
		case runner.StatusBuilt:
			formatter.VerboseLog("✓ %s (%s)", res.Job.ID, res.Elapsed.Round(time.Millisecond))
		case runner.StatusCached:
			formatter.VerboseLog("= %s (cached)", res.Job.ID)
		}
	}

	fmt.Fprintf(formatter.Writer, "%s: %d built, %d cached", report.Target, report.Built, report.Cached)
	if report.Failed > 0 || report.Skipped > 0 {
		fmt.Fprintf(formatter.Writer, ", %d failed, %d skipped", report.Failed, report.Skipped)
	}
	fmt.Fprintf(formatter.Writer, " in %s\n", report.Elapsed)
}

func buildSetupError(formatter *OutputFormatter, err error) error {
	_ = formatter.Error("SETUP_FAILED", err.Error(), nil)
	return WrapExitError(ExitCommandError, "build setup failed", err)
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
