package cli

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kilnworks/kiln/internal/jexpr"
	"github.com/kilnworks/kiln/internal/manifest"
)

// Workspace is the per-project configuration, read from kiln.yaml at
// the workspace root. Every field is optional; zero values fall back to
// defaults.
type Workspace struct {
	Root string `yaml:"-"`

	// Target is the default target id when --target is not given.
	Target string `yaml:"target"`

	// Workers bounds build concurrency; zero means NumCPU.
	Workers int `yaml:"workers"`

	// KeepGoing keeps building independent branches after a failure.
	KeepGoing bool `yaml:"keepGoing"`

	// Cache toggles the rebuild cache. Defaults to on.
	Cache *bool `yaml:"cache"`
}

// LoadWorkspace reads kiln.yaml from dir when present. A missing file
// is not an error; an unreadable or malformed one is.
func LoadWorkspace(dir string) (*Workspace, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}

	ws := &Workspace{Root: root, Target: "host"}

	data, err := os.ReadFile(filepath.Join(root, "kiln.yaml"))
	if os.IsNotExist(err) {
		return ws, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading kiln.yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, ws); err != nil {
		return nil, fmt.Errorf("parsing kiln.yaml: %w", err)
	}
	if ws.Target == "" {
		ws.Target = "host"
	}
	return ws, nil
}

// CacheEnabled reports whether the rebuild cache should be used.
func (w *Workspace) CacheEnabled() bool {
	return w.Cache == nil || *w.Cache
}

// BuildDir returns the artifact root for one target.
func (w *Workspace) BuildDir(target string) string {
	return filepath.Join(w.Root, ".kiln", "build", target)
}

// CachePath returns the rebuild-cache database path.
func (w *Workspace) CachePath() string {
	return filepath.Join(w.Root, ".kiln", "cache.db")
}

// DiscoverManifests locates every manifest document in the workspace:
// src/**/manifest.json for components, meta/targets/*.json for targets,
// and project.json at the root. Paths are sorted for deterministic
// loads.
func (w *Workspace) DiscoverManifests() ([]string, error) {
	var paths []string

	if project := filepath.Join(w.Root, "project.json"); fileExists(project) {
		paths = append(paths, project)
	}

	srcDir := filepath.Join(w.Root, "src")
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == "manifest.json" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("scanning %s: %w", srcDir, err)
	}

	targets, err := filepath.Glob(filepath.Join(w.Root, "meta", "targets", "*.json"))
	if err != nil {
		return nil, fmt.Errorf("scanning targets: %w", err)
	}
	paths = append(paths, targets...)

	sort.Strings(paths)
	return paths, nil
}

// LoadManifests discovers and loads every manifest, split into
// components (libs and exes, plus the project manifest if any) and
// targets keyed by id.
func (w *Workspace) LoadManifests(loader *manifest.Loader) ([]*manifest.Manifest, map[string]*manifest.Manifest, error) {
	paths, err := w.DiscoverManifests()
	if err != nil {
		return nil, nil, err
	}
	if len(paths) == 0 {
		return nil, nil, fmt.Errorf("no manifests found under %s", w.Root)
	}

	manifests, err := loader.LoadAll(paths)
	if err != nil {
		return nil, nil, err
	}

	var components []*manifest.Manifest
	targets := make(map[string]*manifest.Manifest)
	for _, m := range manifests {
		if m.Kind == manifest.KindTarget {
			if dup, ok := targets[m.Id]; ok {
				return nil, nil, fmt.Errorf("duplicate target id %q (%s and %s)", m.Id, dup.Path, m.Path)
			}
			targets[m.Id] = m
			continue
		}
		components = append(components, m)
	}
	return components, targets, nil
}

// newLoader builds the production manifest loader: real host effects
// behind the macro evaluator.
func newLoader() (*manifest.Loader, error) {
	fx, err := jexpr.NewHostEffects()
	if err != nil {
		return nil, fmt.Errorf("initializing host effects: %w", err)
	}
	return manifest.NewLoader(fx), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
