// Package manifest loads and validates the declarative documents a
// project is described by: one project manifest, any number of
// component (lib/exe) manifests, and target manifests describing build
// environments.
//
// Loading is a pipeline: read JSON -> expand macros through jexpr ->
// validate against the schema -> decode into typed manifests. No
// partial manifests are ever produced; any failure aborts the load of
// that document.
package manifest

import (
	"fmt"
	"path/filepath"

	"github.com/kilnworks/kiln/internal/jexpr"
)

// Kind discriminates manifest variants.
type Kind string

const (
	KindProject Kind = "project"
	KindLib     Kind = "lib"
	KindExe     Kind = "exe"
	KindTarget  Kind = "target"
)

// ParseKind maps the manifest "type" field onto a Kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindProject, KindLib, KindExe, KindTarget:
		return Kind(s), true
	default:
		return "", false
	}
}

// Tool describes one toolchain entry: the command to run and its
// baseline argument vector. Files lists extra inputs the tool depends
// on (linker scripts and the like).
type Tool struct {
	Cmd   string
	Args  []string
	Files []string
}

// Extern names an external dependency fetched by a version-control
// collaborator; kiln only carries the reference.
type Extern struct {
	Git string
	Tag string
}

// Manifest is the typed, fully evaluated form of one document.
// Id is unique within the combined project+extern namespace and
// immutable after load.
type Manifest struct {
	Id          string
	Kind        Kind
	Description string

	// Path is the absolute path of the source document.
	Path string

	// Requires names the components this one depends on, in order.
	// Resolution never mutates this; the resolver produces a separate
	// binding.
	Requires []string

	// Provides lists alias names under which this component can satisfy
	// a requirement.
	Provides []string

	// EnabledIf gates the component on target properties: for every key
	// the target's property value must be a member of the accepted set.
	EnabledIf map[string][]jexpr.Value

	// Tools carries per-tool overrides (components) or the toolchain
	// definition (targets).
	Tools map[string]Tool

	// Props holds target properties (target manifests only).
	Props map[string]jexpr.Value

	// Routing rewrites requirement names before resolution (target
	// manifests only).
	Routing map[string]string

	// Externs maps alias names to external repositories (project
	// manifest only).
	Externs map[string]Extern

	// Subdirs lists extra source directories relative to the manifest's
	// own directory (components only).
	Subdirs []string
}

// Dirname returns the directory containing the manifest document.
func (m *Manifest) Dirname() string {
	return filepath.Dir(m.Path)
}

// IsComponent reports whether the manifest describes a buildable
// component (lib or exe).
func (m *Manifest) IsComponent() bool {
	return m.Kind == KindLib || m.Kind == KindExe
}

// SourceDirs returns every directory the component's sources live in:
// the manifest's own directory plus declared subdirs.
func (m *Manifest) SourceDirs() []string {
	dirs := []string{m.Dirname()}
	for _, sub := range m.Subdirs {
		dirs = append(dirs, filepath.Join(m.Dirname(), sub))
	}
	return dirs
}

// decode converts an evaluated document into a typed Manifest. The
// document has already passed schema validation; decode only converts
// shapes the schema guarantees.
func decode(doc jexpr.Object, path string) (*Manifest, error) {
	m := &Manifest{Path: path}

	m.Id = string(doc["id"].(jexpr.String))
	kind, ok := ParseKind(string(doc["type"].(jexpr.String)))
	if !ok {
		return nil, fmt.Errorf("invalid manifest type %v", doc["type"])
	}
	m.Kind = kind

	if v, ok := doc["description"].(jexpr.String); ok {
		m.Description = string(v)
	}
	m.Requires = stringList(doc["requires"])
	m.Provides = stringList(doc["provides"])
	m.Subdirs = stringList(doc["subdirs"])

	if v, ok := doc["enabledIf"].(jexpr.Object); ok {
		m.EnabledIf = make(map[string][]jexpr.Value, len(v))
		for k, accepted := range v {
			m.EnabledIf[k] = append([]jexpr.Value(nil), accepted.(jexpr.Array)...)
		}
	}
	if v, ok := doc["tools"].(jexpr.Object); ok {
		m.Tools = make(map[string]Tool, len(v))
		for name, raw := range v {
			tool := raw.(jexpr.Object)
			entry := Tool{
				Args:  stringList(tool["args"]),
				Files: stringList(tool["files"]),
			}
			if cmd, ok := tool["cmd"].(jexpr.String); ok {
				entry.Cmd = string(cmd)
			}
			m.Tools[name] = entry
		}
	}
	if v, ok := doc["props"].(jexpr.Object); ok {
		m.Props = make(map[string]jexpr.Value, len(v))
		for k, prop := range v {
			m.Props[k] = prop
		}
	}
	if v, ok := doc["routing"].(jexpr.Object); ok {
		m.Routing = make(map[string]string, len(v))
		for k, to := range v {
			m.Routing[k] = string(to.(jexpr.String))
		}
	}
	if v, ok := doc["externs"].(jexpr.Object); ok {
		m.Externs = make(map[string]Extern, len(v))
		for alias, raw := range v {
			ext := raw.(jexpr.Object)
			m.Externs[alias] = Extern{
				Git: string(ext["git"].(jexpr.String)),
				Tag: string(ext["tag"].(jexpr.String)),
			}
		}
	}
	return m, nil
}

func stringList(v jexpr.Value) []string {
	arr, ok := v.(jexpr.Array)
	if !ok {
		return nil
	}
	out := make([]string, len(arr))
	for i, elem := range arr {
		out[i] = string(elem.(jexpr.String))
	}
	return out
}
