// Package resolver turns loaded component manifests into the build
// graph for one active target: it gates components on target
// properties, resolves requires entries against ids and provides
// aliases, rejects cycles, and computes link ordering.
package resolver

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/kilnworks/kiln/internal/jexpr"
	"github.com/kilnworks/kiln/internal/manifest"
	"github.com/kilnworks/kiln/internal/toolchain"
)

// MissingPropPolicy decides what an enabledIf gate does when the key it
// references is absent from the active target's props.
type MissingPropPolicy int

const (
	// MissingPropDisables gates the component out (fail closed). This
	// is the default: a target that never mentions a property should
	// not accidentally enable components conditioned on it.
	MissingPropDisables MissingPropPolicy = iota

	// MissingPropIgnores treats an absent property as an unconditional
	// pass for that key.
	MissingPropIgnores
)

// Options configures resolution.
type Options struct {
	MissingProp MissingPropPolicy
}

// Resolve builds the component graph for target from the given
// manifests. Non-component manifests (project, target) are ignored;
// disabled components are kept aside for diagnostics but take no part
// in resolution.
func Resolve(components []*manifest.Manifest, target *manifest.Manifest, opts Options) (*Graph, error) {
	graph := &Graph{Target: target, nodes: make(map[string]*Component)}

	// Step 1: enablement.
	for _, m := range components {
		if !m.IsComponent() {
			continue
		}
		if _, dup := graph.nodes[m.Id]; dup {
			return nil, fmt.Errorf("duplicate component id %q", m.Id)
		}
		node := &Component{Manifest: m}
		node.Enabled, node.DisabledReason = enabled(m, target, opts)
		if !node.Enabled {
			slog.Debug("component disabled", "id", m.Id, "reason", node.DisabledReason)
			graph.disabled = append(graph.disabled, node)
			continue
		}
		graph.nodes[m.Id] = node
	}

	// Step 2: alias index over enabled components.
	index := make(map[string][]*Component)
	for _, node := range graph.Nodes() {
		index[node.Id()] = append(index[node.Id()], node)
		for _, alias := range node.Manifest.Provides {
			index[alias] = append(index[alias], node)
		}
	}

	// Step 3: requirement resolution.
	for _, node := range graph.Nodes() {
		for _, req := range node.Manifest.Requires {
			bound, err := resolveRequirement(node, req, target, index)
			if err != nil {
				return nil, err
			}
			node.ResolvedRequires = append(node.ResolvedRequires, bound)
		}
	}

	// Step 4: cycle detection over resolved edges.
	if err := checkAcyclic(graph.nodes); err != nil {
		return nil, err
	}

	// Tool composition; the planner reads command lines off the graph.
	for _, node := range graph.Nodes() {
		composed, err := toolchain.Compose(target, node.Manifest)
		if err != nil {
			return nil, err
		}
		node.ComposedTools = composed
	}

	slog.Debug("graph resolved", "target", target.Id,
		"enabled", len(graph.nodes), "disabled", len(graph.disabled))
	return graph, nil
}

// enabled evaluates a component's enabledIf gate against the target's
// props. Every key must be present (subject to the missing-prop policy)
// with a value inside the accepted set.
func enabled(m *manifest.Manifest, target *manifest.Manifest, opts Options) (bool, string) {
	for _, key := range sortedKeys(m.EnabledIf) {
		accepted := m.EnabledIf[key]
		prop, ok := target.Props[key]
		if !ok {
			if opts.MissingProp == MissingPropIgnores {
				continue
			}
			return false, fmt.Sprintf("target %s does not define prop %q", target.Id, key)
		}
		if !scalarIn(prop, accepted) {
			return false, fmt.Sprintf("prop %q is %s, expected one of %s",
				key, jexpr.Stringify(prop), stringifyAll(accepted))
		}
	}
	return true, ""
}

// resolveRequirement binds one requires entry to a concrete component
// id, applying target routing first.
func resolveRequirement(node *Component, req string, target *manifest.Manifest, index map[string][]*Component) (string, error) {
	if rerouted, ok := target.Routing[req]; ok {
		req = rerouted
	}

	candidates := index[req]
	switch len(candidates) {
	case 1:
		return candidates[0].Id(), nil
	case 0:
		return "", &Error{
			Code:        ErrCodeUnresolved,
			Component:   node.Id(),
			Requirement: req,
			Message:     fmt.Sprintf("no enabled component provides %q", req),
		}
	default:
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.Id()
		}
		sort.Strings(ids)
		return "", &Error{
			Code:        ErrCodeAmbiguous,
			Component:   node.Id(),
			Requirement: req,
			Candidates:  ids,
			Message:     fmt.Sprintf("%d enabled components provide %q", len(ids), req),
		}
	}
}

// scalarIn reports membership of a scalar value in an accepted set.
func scalarIn(v jexpr.Value, accepted []jexpr.Value) bool {
	for _, a := range accepted {
		if scalarEqual(v, a) {
			return true
		}
	}
	return false
}

// scalarEqual compares two scalar values. Composite values never
// compare equal; enabledIf and props are scalar by schema.
func scalarEqual(a, b jexpr.Value) bool {
	switch av := a.(type) {
	case jexpr.Null:
		_, ok := b.(jexpr.Null)
		return ok
	case jexpr.Bool:
		bv, ok := b.(jexpr.Bool)
		return ok && av == bv
	case jexpr.Number:
		bv, ok := b.(jexpr.Number)
		return ok && av == bv
	case jexpr.String:
		bv, ok := b.(jexpr.String)
		return ok && av == bv
	default:
		return false
	}
}

func sortedKeys(m map[string][]jexpr.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringifyAll(values []jexpr.Value) string {
	s := "["
	for i, v := range values {
		if i > 0 {
			s += ", "
		}
		s += jexpr.Stringify(v)
	}
	return s + "]"
}
