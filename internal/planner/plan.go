package planner

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kilnworks/kiln/internal/manifest"
	"github.com/kilnworks/kiln/internal/resolver"
	"github.com/kilnworks/kiln/internal/toolchain"
)

// toolForExt maps source file extensions onto composed tool names.
var toolForExt = map[string]string{
	".c":   "cc",
	".cpp": "cxx",
	".cxx": "cxx",
	".s":   "as",
	".asm": "as",
}

// Options configures planning.
type Options struct {
	// BuildDir is the root for objects, libraries, and binaries:
	// BuildDir/obj/<id>/..., BuildDir/lib/<id>.a, BuildDir/bin/<id>.
	BuildDir string
}

// Plan maps every enabled component of the graph onto concrete jobs:
// one compile job per translation unit, an archive job per library, a
// link job per executable. The returned slice is in dependency order;
// jobs whose DependsOn sets are disjoint may run in parallel.
//
// Plan only reads the filesystem (source discovery); it never executes
// anything.
func Plan(graph *resolver.Graph, opts Options) ([]*Job, error) {
	var jobs []*Job

	for _, node := range graph.Nodes() {
		compiled, err := planCompile(graph, node, opts)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, compiled...)

		objs := make([]string, len(compiled))
		deps := make([]string, len(compiled))
		for i, job := range compiled {
			objs[i] = job.Outputs[0]
			deps[i] = job.ID
		}

		switch node.Manifest.Kind {
		case manifest.KindLib:
			job, err := planArchive(graph, node, objs, deps, opts)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		case manifest.KindExe:
			job, err := planLink(graph, node, objs, deps, opts)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
	}

	slog.Debug("plan ready", "jobs", len(jobs))
	return jobs, nil
}

// planCompile emits one job per translation unit found in the
// component's source directories.
func planCompile(graph *resolver.Graph, node *resolver.Component, opts Options) ([]*Job, error) {
	sources, err := findSources(node.Manifest)
	if err != nil {
		return nil, err
	}

	objDir := filepath.Join(opts.BuildDir, "obj", node.Id())

	var jobs []*Job
	for _, src := range sources {
		tool := toolForExt[strings.ToLower(filepath.Ext(src))]
		inv, ok := node.ComposedTools[tool]
		if !ok {
			return nil, &toolchain.UnknownToolError{
				Component: node.Id(),
				Target:    graph.Target.Id,
				Tool:      tool,
			}
		}

		rel, err := filepath.Rel(node.Manifest.Dirname(), src)
		if err != nil {
			rel = filepath.Base(src)
		}
		obj := filepath.Join(objDir, rel+".o")

		args := append(append([]string{}, inv.Args...), "-c", "-o", obj, src)
		jobs = append(jobs, &Job{
			ID:        node.Id() + ":" + tool + ":" + rel,
			Component: node.Id(),
			Tool:      tool,
			Cmd:       inv.Cmd,
			Args:      args,
			Dir:       node.Manifest.Dirname(),
			Inputs:    append([]string{src}, inv.Files...),
			Outputs:   []string{obj},
		})
	}
	return jobs, nil
}

// planArchive emits the job bundling a library's objects into a static
// archive.
func planArchive(graph *resolver.Graph, node *resolver.Component, objs, deps []string, opts Options) (*Job, error) {
	inv, ok := node.ComposedTools["ar"]
	if !ok {
		return nil, &toolchain.UnknownToolError{Component: node.Id(), Target: graph.Target.Id, Tool: "ar"}
	}

	libfile := LibFile(opts.BuildDir, node.Id())
	args := append(append([]string{}, inv.Args...), libfile)
	args = append(args, objs...)

	return &Job{
		ID:        node.Id() + ":ar",
		Component: node.Id(),
		Tool:      "ar",
		Cmd:       inv.Cmd,
		Args:      args,
		Dir:       node.Manifest.Dirname(),
		Inputs:    append(append([]string{}, objs...), inv.Files...),
		Outputs:   []string{libfile},
		DependsOn: deps,
	}, nil
}

// planLink emits the job linking an executable from its own objects
// plus its transitive dependencies, in resolver link order.
func planLink(graph *resolver.Graph, node *resolver.Component, objs, deps []string, opts Options) (*Job, error) {
	inv, ok := node.ComposedTools["ld"]
	if !ok {
		return nil, &toolchain.UnknownToolError{Component: node.Id(), Target: graph.Target.Id, Tool: "ld"}
	}

	binfile := BinFile(opts.BuildDir, node.Id())
	inputs := append([]string{}, objs...)
	dependsOn := append([]string{}, deps...)

	// The flattened link order already places every library after the
	// components referencing it.
	for _, depId := range graph.LinkOrder(node.Id()) {
		dep, ok := graph.Node(depId)
		if !ok || dep.Manifest.Kind != manifest.KindLib {
			continue
		}
		inputs = append(inputs, LibFile(opts.BuildDir, depId))
		dependsOn = append(dependsOn, depId+":ar")
	}

	args := append(append([]string{}, inv.Args...), "-o", binfile)
	args = append(args, inputs...)

	return &Job{
		ID:        node.Id() + ":ld",
		Component: node.Id(),
		Tool:      "ld",
		Cmd:       inv.Cmd,
		Args:      args,
		Dir:       node.Manifest.Dirname(),
		Inputs:    append(append([]string{}, inputs...), inv.Files...),
		Outputs:   []string{binfile},
		DependsOn: dependsOn,
	}, nil
}

// LibFile returns the archive path for a library component.
func LibFile(buildDir, id string) string {
	return filepath.Join(buildDir, "lib", id+".a")
}

// BinFile returns the binary path for an executable component.
func BinFile(buildDir, id string) string {
	return filepath.Join(buildDir, "bin", id)
}

// findSources scans the component's source directories (its own
// directory plus declared subdirs, non-recursive) for translation
// units, sorted for deterministic plans.
func findSources(m *manifest.Manifest) ([]string, error) {
	var sources []string
	for _, dir := range m.SourceDirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("scanning %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if _, ok := toolForExt[strings.ToLower(filepath.Ext(entry.Name()))]; ok {
				sources = append(sources, filepath.Join(dir, entry.Name()))
			}
		}
	}
	sort.Strings(sources)
	return sources, nil
}
