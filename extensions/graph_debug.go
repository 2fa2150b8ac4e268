package extensions

import (
	"sort"
	"strings"

	"github.com/m1gwings/treedrawer/tree"
	"github.com/rs/zerolog"

	"github.com/pumped-fn/corerun"
)

// GraphDebugExtension renders the registered dependency graph as a tree on
// demand -- attached after Run so a failed boot or a RuntimeError handler
// can dump "what depends on what" without re-deriving it from scratch.
// Grounded on the teacher's extensions/graph_debug.go, which walked
// Scope.ExportDependencyGraph() into a treedrawer.Tree; generalized here
// to walk corerun.Registry.Describe() instead, and logged through zerolog
// rather than slog to match the rest of the ambient stack.
type GraphDebugExtension struct {
	logger zerolog.Logger
}

// NewGraphDebugExtension builds a graph-debug extension writing through
// logger.
func NewGraphDebugExtension(logger zerolog.Logger) *GraphDebugExtension {
	return &GraphDebugExtension{logger: logger}
}

// LogGraph renders the full registered dependency graph and logs it at
// info level. Call it once after corerun.Run, or from an
// WithUnhandledErrorReporter hook when a DefinitionError surfaces.
func (e *GraphDebugExtension) LogGraph(rt *corerun.Runtime) {
	nodes := rt.Registry().Describe()
	e.logger.Info().Str("graph", e.Render(nodes)).Msg("dependency graph")
}

// Render formats nodes as a forest: one tree per root (a node that
// depends on nothing), each child edge pointing from dependency to
// dependent, matching how the teacher's tree read "parent -> dependents".
func (e *GraphDebugExtension) Render(nodes []corerun.GraphNode) string {
	if len(nodes) == 0 {
		return "(empty graph)"
	}

	byID := make(map[string]corerun.GraphNode, len(nodes))
	dependents := make(map[string][]string)
	for _, n := range nodes {
		byID[n.ID] = n
		for _, dep := range n.Dependencies {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	var roots []string
	for _, n := range nodes {
		if len(n.Dependencies) == 0 {
			roots = append(roots, n.ID)
		}
	}
	sort.Strings(roots)
	if len(roots) == 0 {
		roots = []string{nodes[0].ID}
	}

	var sb strings.Builder
	for _, rootID := range roots {
		t := e.buildTree(rootID, byID, dependents, make(map[string]bool))
		if t == nil {
			continue
		}
		sb.WriteString(t.String())
		sb.WriteString("\n")
	}
	return sb.String()
}

func (e *GraphDebugExtension) buildTree(id string, byID map[string]corerun.GraphNode, dependents map[string][]string, visited map[string]bool) *tree.Tree {
	if visited[id] {
		return nil
	}
	visited[id] = true

	n := byID[id]
	label := n.ID + " (" + n.Kind + ")"
	node := tree.NewTree(tree.NodeString(label))

	children := append([]string(nil), dependents[id]...)
	sort.Strings(children)
	for _, childID := range children {
		childTree := e.buildTree(childID, byID, dependents, visited)
		if childTree != nil {
			grafted := node.AddChild(childTree.Val())
			e.graft(grafted, childTree)
		}
	}
	return node
}

// graft copies every descendant of src onto dst, since treedrawer's
// AddChild only attaches a value, not a whole pre-built subtree.
func (e *GraphDebugExtension) graft(dst *tree.Tree, src *tree.Tree) {
	for _, child := range src.Children() {
		grafted := dst.AddChild(child.Val())
		e.graft(grafted, child)
	}
}
