package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DependencyKind tells how an edge between two resources was declared.
type DependencyKind string

const (
	// DependencyExplicit comes from a DependsOn entry.
	DependencyExplicit DependencyKind = "depends_on"

	// DependencyRef comes from a {"Ref": name} in the properties.
	DependencyRef DependencyKind = "ref"

	// DependencyGetAtt comes from a {"Fn::GetAtt": [name, attr]} in the properties.
	DependencyGetAtt DependencyKind = "get_att"
)

// GraphEdge is a dependency between two resources. From must exist before To.
type GraphEdge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Kind DependencyKind `json:"kind"`
}

// DependencyGraph is the resource dependency graph of a template. The
// backend orders resource operations itself; the graph is used to reject
// templates it would refuse and to show the order it will follow.
type DependencyGraph struct {
	// Levels groups resources by creation wave. Resources of one level have
	// no dependencies on each other.
	Levels [][]string `json:"levels"`

	// Edges lists every dependency, sorted.
	Edges []GraphEdge `json:"edges"`
}

// Depth returns the number of creation waves.
func (g *DependencyGraph) Depth() int {
	return len(g.Levels)
}

// graphBuilder builds a DependencyGraph from a template.
type graphBuilder struct {
	order []string

	// dependents maps a resource to the resources that depend on it.
	dependents map[string][]string

	// dependencies maps a resource to what it depends on.
	dependencies map[string][]string

	inDegree map[string]int
	edges    []GraphEdge
}

// BuildDependencyGraph validates the dependencies of t and computes its
// creation levels. DependsOn entries naming a resource missing from the
// template and dependency cycles are validation errors. Refs to names that
// are not resources (parameters, pseudo parameters) are ignored.
func BuildDependencyGraph(t *Template) (*DependencyGraph, error) {
	b := &graphBuilder{
		order:        t.Names(),
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
		inDegree:     make(map[string]int),
	}
	if err := b.initialize(t); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	levels, err := b.computeLevels()
	if err != nil {
		return nil, err
	}

	sort.Slice(b.edges, func(i, j int) bool {
		if b.edges[i].To != b.edges[j].To {
			return b.edges[i].To < b.edges[j].To
		}
		return b.edges[i].From < b.edges[j].From
	})
	return &DependencyGraph{Levels: levels, Edges: b.edges}, nil
}

func (b *graphBuilder) initialize(t *Template) error {
	for _, name := range b.order {
		b.inDegree[name] = 0
	}

	for _, name := range b.order {
		def, _ := t.Get(name)
		seen := make(map[string]bool)

		add := func(target string, kind DependencyKind) {
			if target == name || seen[target] {
				return
			}
			seen[target] = true
			b.dependents[target] = append(b.dependents[target], name)
			b.dependencies[name] = append(b.dependencies[name], target)
			b.inDegree[name]++
			b.edges = append(b.edges, GraphEdge{From: target, To: name, Kind: kind})
		}

		for _, target := range def.DependsOn {
			if _, ok := t.Get(target); !ok {
				return NewPermanentError(
					fmt.Sprintf("resource %s depends on non-existent resource %s", name, target),
					nil,
				).WithCode(ErrCodeValidation).WithResource(name)
			}
			if target == name {
				return NewPermanentError(fmt.Sprintf("resource %s depends on itself", name), nil).
					WithCode(ErrCodeValidation).WithResource(name)
			}
			add(target, DependencyExplicit)
		}

		for _, ref := range collectRefs(def.Properties) {
			if _, ok := t.Get(ref.target); ok {
				add(ref.target, ref.kind)
			}
		}
	}
	return nil
}

// detectCycles uses depth-first search to find a circular dependency.
func (b *graphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	onPath := make(map[string]bool)

	for _, id := range b.order {
		if visited[id] {
			continue
		}
		if cycle := b.visit(id, visited, onPath, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")),
				nil,
			).WithCode(ErrCodeValidation).WithResource(cycle[0])
		}
	}
	return nil
}

func (b *graphBuilder) visit(id string, visited, onPath map[string]bool, path []string) []string {
	visited[id] = true
	onPath[id] = true
	path = append(path, id)

	for _, next := range b.dependents[id] {
		if !visited[next] {
			if cycle := b.visit(next, visited, onPath, path); cycle != nil {
				return cycle
			}
			continue
		}
		if onPath[next] {
			for i, p := range path {
				if p == next {
					cycle := append([]string(nil), path[i:]...)
					return append(cycle, next)
				}
			}
		}
	}

	onPath[id] = false
	return nil
}

// computeLevels runs Kahn's algorithm. Within a level resources keep
// template order.
func (b *graphBuilder) computeLevels() ([][]string, error) {
	remaining := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		remaining[id] = degree
	}

	position := make(map[string]int, len(b.order))
	for i, id := range b.order {
		position[id] = i
	}

	var current []string
	for _, id := range b.order {
		if remaining[id] == 0 {
			current = append(current, id)
		}
	}

	var levels [][]string
	processed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		processed += len(current)

		var next []string
		for _, id := range current {
			for _, dependent := range b.dependents[id] {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return position[next[i]] < position[next[j]] })
		current = next
	}

	if processed != len(b.order) {
		return nil, NewPermanentError("failed to order all resources - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	return levels, nil
}

type propertyRef struct {
	target string
	kind   DependencyKind
}

// collectRefs walks a property bag for Ref and Fn::GetAtt intrinsics.
func collectRefs(v interface{}) []propertyRef {
	var refs []propertyRef
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			if len(val) == 1 {
				if target, ok := val["Ref"].(string); ok {
					refs = append(refs, propertyRef{target: target, kind: DependencyRef})
					return
				}
				if target, ok := getAttTarget(val["Fn::GetAtt"]); ok {
					refs = append(refs, propertyRef{target: target, kind: DependencyGetAtt})
					return
				}
			}
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(val[k])
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(v)
	return refs
}

func getAttTarget(v interface{}) (string, bool) {
	switch val := v.(type) {
	case []interface{}:
		if len(val) > 0 {
			s, ok := val[0].(string)
			return s, ok
		}
	case []string:
		if len(val) > 0 {
			return val[0], true
		}
	case string:
		// Short form "Resource.Attribute".
		if i := strings.IndexByte(val, '.'); i > 0 {
			return val[:i], true
		}
	}
	return "", false
}

// ToDOT renders the graph in Graphviz DOT format, one cluster per level.
func (g *DependencyGraph) ToDOT(stackName string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "digraph %q {\n", stackName)
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			fmt.Fprintf(&sb, "    %q;\n", id)
		}
		sb.WriteString("  }\n\n")
	}

	for _, e := range g.Edges {
		fmt.Fprintf(&sb, "  %q -> %q [%s];\n", e.From, e.To, edgeStyle(e.Kind))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func edgeStyle(kind DependencyKind) string {
	switch kind {
	case DependencyRef:
		return "style=dashed, color=blue"
	case DependencyGetAtt:
		return "style=dotted, color=gray"
	default:
		return "style=solid, color=black"
	}
}
