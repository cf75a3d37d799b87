package resolver

import (
	"slices"
	"sort"
	"strings"

	"github.com/kilnworks/kiln/internal/manifest"
	"github.com/kilnworks/kiln/internal/toolchain"
)

// Component is the resolved, graph-bound form of a lib or exe manifest
// under one active target. Created once per (manifest, target) pair
// during resolution and immutable thereafter.
type Component struct {
	Manifest *manifest.Manifest

	// Enabled is the result of evaluating enabledIf against the active
	// target's props.
	Enabled bool

	// DisabledReason explains why a disabled component was gated out.
	DisabledReason string

	// ResolvedRequires holds the concrete component id bound to each
	// requires entry, in requires order.
	ResolvedRequires []string

	// ComposedTools holds the final per-tool command lines after the
	// merge with the active target.
	ComposedTools map[string]toolchain.Invocation
}

// Id returns the underlying manifest id.
func (c *Component) Id() string {
	return c.Manifest.Id
}

// Graph is the resolved build graph: nodes are enabled components,
// edges run dependent -> dependency. The graph is acyclic and every
// edge target is enabled; both are guaranteed at construction.
type Graph struct {
	Target *manifest.Manifest

	nodes    map[string]*Component
	disabled []*Component
}

// Node returns the enabled component with the given id.
func (g *Graph) Node(id string) (*Component, bool) {
	c, ok := g.nodes[id]
	return c, ok
}

// Nodes returns every enabled component, sorted by id for deterministic
// iteration.
func (g *Graph) Nodes() []*Component {
	nodes := make([]*Component, 0, len(g.nodes))
	for _, c := range g.nodes {
		nodes = append(nodes, c)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Id() < nodes[j].Id() })
	return nodes
}

// Disabled returns the components gated out by enabledIf, sorted by id.
func (g *Graph) Disabled() []*Component {
	disabled := slices.Clone(g.disabled)
	sort.Slice(disabled, func(i, j int) bool { return disabled[i].Id() < disabled[j].Id() })
	return disabled
}

// LinkOrder flattens the transitive dependencies of the component with
// the given id into the order they must appear on a link line.
//
// Static linkers resolve undefined symbols first-definition-wins, so a
// dependency must appear after everything that references it. The
// flatten walks dependents before dependencies, keeping duplicates,
// then de-duplicates keeping the last occurrence of each id.
func (g *Graph) LinkOrder(id string) []string {
	var walk func(id string, out []string) []string
	walk = func(id string, out []string) []string {
		node := g.nodes[id]
		if node == nil {
			return out
		}
		for _, dep := range node.ResolvedRequires {
			out = append(out, dep)
			out = walk(dep, out)
		}
		return out
	}
	flat := walk(id, nil)

	// Keep only the last occurrence of each id.
	seen := make(map[string]bool, len(flat))
	var order []string
	for i := len(flat) - 1; i >= 0; i-- {
		if seen[flat[i]] {
			continue
		}
		seen[flat[i]] = true
		order = append(order, flat[i])
	}
	slices.Reverse(order)
	return order
}

// checkAcyclic runs a depth-first traversal over resolved edges and
// reports the first back-edge as a cycle error. The explicit path makes
// the error name the full cycle.
func checkAcyclic(nodes map[string]*Component) error {
	const (
		white = iota // unvisited
		grey         // on the current path
		black        // fully explored
	)
	color := make(map[string]int, len(nodes))

	var path []string
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		path = append(path, id)
		for _, dep := range nodes[id].ResolvedRequires {
			switch color[dep] {
			case grey:
				start := slices.Index(path, dep)
				cycle := append(slices.Clone(path[start:]), dep)
				return &Error{
					Code:    ErrCodeCycle,
					Message: "requires graph contains a cycle: " + strings.Join(cycle, " -> "),
					Cycle:   cycle,
				}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
