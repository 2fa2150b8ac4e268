package corerun

import "sort"

// GraphNode is one entry in a Registry.Describe() snapshot: a definition's
// id, kind, and the ids of everything it depends on. Adapted from the
// teacher's extensions/graph_debug.go, which walked Scope registrations to
// render a dependency tree; generalized here to a flat, sorted listing any
// renderer (text, dot, json) can consume.
type GraphNode struct {
	ID           string
	Kind         string
	Dependencies []string
	Tags         []string
}

// Describe returns every definition in the registry as a sorted,
// dependency-annotated node list.
func (r *Registry) Describe() []GraphNode {
	all := r.all()
	nodes := make([]GraphNode, 0, len(all))
	for _, def := range all {
		var deps []string
		for _, d := range def.Dependencies() {
			deps = append(deps, d.Target().ID())
		}
		sort.Strings(deps)

		var tags []string
		for _, t := range def.Tags() {
			tags = append(tags, t.ID())
		}
		sort.Strings(tags)

		nodes = append(nodes, GraphNode{
			ID:           def.ID(),
			Kind:         def.Kind().String(),
			Dependencies: deps,
			Tags:         tags,
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}
