// Package toolchain merges a target manifest's tool definitions with a
// component's own overrides into concrete invocation plans.
package toolchain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kilnworks/kiln/internal/jexpr"
	"github.com/kilnworks/kiln/internal/manifest"
)

// DefinePrefix is prepended to every target property exposed as a
// preprocessor definition on cc/cxx command lines.
const DefinePrefix = "__kiln_"

// Invocation is a fully composed tool: the command to spawn and its
// final argument vector. Files lists extra inputs the tool depends on.
type Invocation struct {
	Cmd   string   `json:"cmd"`
	Args  []string `json:"args"`
	Files []string `json:"files,omitempty"`
}

// UnknownToolError reports a tool referenced by a component that neither
// the component nor the target defines a command for.
type UnknownToolError struct {
	Component string
	Target    string
	Tool      string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("UNKNOWN_TOOL: component %q references tool %q, which neither it nor target %q defines a command for",
		e.Component, e.Tool, e.Target)
}

// Compose produces the final per-tool invocations for one component
// under one target.
//
// For every tool present in either manifest: the command is the
// component's override when given, else the target's; the argument
// vector is the target's args followed by the component's args. The
// target owns baseline ABI and arch flags, which must come first on the
// command line; components can only append.
func Compose(target, component *manifest.Manifest) (map[string]Invocation, error) {
	names := make(map[string]bool)
	for name := range target.Tools {
		names[name] = true
	}
	for name := range component.Tools {
		names[name] = true
	}

	defines := Defines(target.Props)

	composed := make(map[string]Invocation, len(names))
	for name := range names {
		base := target.Tools[name]
		override := component.Tools[name]

		cmd := override.Cmd
		if cmd == "" {
			cmd = base.Cmd
		}
		if cmd == "" {
			return nil, &UnknownToolError{Component: component.Id, Target: target.Id, Tool: name}
		}

		inv := Invocation{
			Cmd:   cmd,
			Args:  append(append([]string{}, base.Args...), override.Args...),
			Files: append(append([]string{}, base.Files...), override.Files...),
		}
		// Target properties become preprocessor-visible definitions on
		// compiler invocations only.
		if name == "cc" || name == "cxx" {
			inv.Args = append(inv.Args, defines...)
		}
		composed[name] = inv
	}
	return composed, nil
}

// Defines renders target properties as preprocessor definitions. A true
// boolean property yields -D__kiln_<name>__; any other value yields
// -D__kiln_<name>_<value>__; false booleans are omitted. Output is
// sorted for deterministic command lines.
func Defines(props map[string]jexpr.Value) []string {
	defines := make([]string, 0, len(props))
	for key, prop := range props {
		name := sanitize(key)
		if b, ok := prop.(jexpr.Bool); ok {
			if b {
				defines = append(defines, fmt.Sprintf("-D%s%s__", DefinePrefix, name))
			}
			continue
		}
		value := sanitize(jexpr.Stringify(prop))
		defines = append(defines, fmt.Sprintf("-D%s%s_%s__", DefinePrefix, name, value))
	}
	sort.Strings(defines)
	return defines
}

// sanitize folds a property name or value into a valid macro-name
// fragment: lowercase, separators to underscores, everything else
// alphanumeric.
func sanitize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == ' ' || r == '-' || r == '.':
			b.WriteRune('_')
		case r == '_' || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9'):
			b.WriteRune(r)
		}
	}
	return b.String()
}
