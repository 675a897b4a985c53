// Package graph derives the directed reference graph between template
// entities, detects cycles, and produces the deterministic topological
// order the rule engine evaluates in.
package graph

import (
	"sort"
	"strings"

	"github.com/stacklint/stacklint/pkg/template"
)

// Node is one entity in the reference graph.
type Node struct {
	// Name is the entity's declared name.
	Name string

	// Kind is the template section that declares the entity.
	Kind template.EntityKind

	// Level is the evaluation level; entities at the same level have no
	// mutual dependency and may be evaluated in parallel. Entities inside
	// or behind a cycle have level -1.
	Level int

	// Dependencies are the names this entity references.
	Dependencies []string

	// Dependents are the names that reference this entity.
	Dependents []string

	order int
}

// Edge records that From's definition references To.
type Edge struct {
	From string
	To   string
}

// Graph is the built reference graph. Cyclic entities are excluded from
// the levels but remain present as nodes so reporting can attribute the
// failure precisely; acyclic entities still evaluate.
type Graph struct {
	Nodes map[string]*Node
	Edges []Edge

	// Levels holds entity names per evaluation level, declaration order
	// within each level.
	Levels [][]string

	// Cycles maps each entity that participates in a reference cycle to
	// the cycle path through it.
	Cycles map[string][]string

	// Blocked maps entities that are acyclic themselves but depend,
	// transitively, on a cyclic entity, to the offending dependency.
	Blocked map[string]string

	// Dangling maps entities to the undeclared names they reference.
	Dangling map[string][]string
}

// Options configures graph construction.
type Options struct {
	// KnownExternal reports names resolved outside the template (pseudo
	// values supplied by the binding environment). References to such
	// names are not edges and not dangling.
	KnownExternal func(name string) bool
}

// Build walks every expression tree in every entity and constructs the
// reference graph. It never fails: cycles and dangling references are data
// in the result, scoped to the entities they affect.
func Build(tpl *template.Template, opts Options) *Graph {
	b := &builder{
		tpl:  tpl,
		opts: opts,
		graph: &Graph{
			Nodes:    make(map[string]*Node),
			Cycles:   make(map[string][]string),
			Blocked:  make(map[string]string),
			Dangling: make(map[string][]string),
		},
		deps: make(map[string]map[string]bool),
	}

	b.addNodes()
	b.addEdges()
	b.detectCycles()
	b.computeLevels()
	return b.graph
}

type builder struct {
	tpl   *template.Template
	opts  Options
	graph *Graph

	// deps de-duplicates edges: deps[from][to].
	deps map[string]map[string]bool

	order []string
}

func (b *builder) addNodes() {
	add := func(name string, kind template.EntityKind) {
		b.graph.Nodes[name] = &Node{
			Name:  name,
			Kind:  kind,
			Level: -1,
			order: len(b.order),
		}
		b.order = append(b.order, name)
		b.deps[name] = make(map[string]bool)
	}
	for _, p := range b.tpl.Parameters {
		add(p.Name, template.KindParameter)
	}
	for _, c := range b.tpl.Conditions {
		add(c.Name, template.KindCondition)
	}
	for _, r := range b.tpl.Resources {
		add(r.Name, template.KindResource)
	}
	for _, o := range b.tpl.Outputs {
		add(o.Name, template.KindOutput)
	}
}

func (b *builder) addEdges() {
	for _, c := range b.tpl.Conditions {
		b.refEdges(c.Name, c.Body)
	}
	for _, r := range b.tpl.Resources {
		b.refEdges(r.Name, r.Properties)
		for _, dep := range r.DependsOn {
			b.edge(r.Name, dep)
		}
		if r.Condition != "" {
			b.edge(r.Name, r.Condition)
		}
	}
	for _, o := range b.tpl.Outputs {
		b.refEdges(o.Name, o.Value)
		b.refEdges(o.Name, o.ExportName)
		if o.Condition != "" {
			b.edge(o.Name, o.Condition)
		}
	}

	// Materialize node dependency lists in deterministic order.
	for from, targets := range b.deps {
		node := b.graph.Nodes[from]
		for to := range targets {
			node.Dependencies = append(node.Dependencies, to)
		}
		sort.Slice(node.Dependencies, func(i, j int) bool {
			return b.graph.Nodes[node.Dependencies[i]].order < b.graph.Nodes[node.Dependencies[j]].order
		})
		for _, to := range node.Dependencies {
			b.graph.Nodes[to].Dependents = append(b.graph.Nodes[to].Dependents, from)
			b.graph.Edges = append(b.graph.Edges, Edge{From: from, To: to})
		}
	}
	sort.Slice(b.graph.Edges, func(i, j int) bool {
		ei, ej := b.graph.Edges[i], b.graph.Edges[j]
		if ei.From != ej.From {
			return b.graph.Nodes[ei.From].order < b.graph.Nodes[ej.From].order
		}
		return b.graph.Nodes[ei.To].order < b.graph.Nodes[ej.To].order
	})
	for _, node := range b.graph.Nodes {
		sort.Slice(node.Dependents, func(i, j int) bool {
			return b.graph.Nodes[node.Dependents[i]].order < b.graph.Nodes[node.Dependents[j]].order
		})
	}
}

func (b *builder) refEdges(from string, e *template.Expr) {
	if e == nil {
		return
	}
	for _, ref := range e.References() {
		b.edge(from, ref.Name)
	}
}

func (b *builder) edge(from, to string) {
	if _, ok := b.graph.Nodes[to]; !ok {
		if b.opts.KnownExternal != nil && b.opts.KnownExternal(to) {
			return
		}
		b.graph.Dangling[from] = appendUnique(b.graph.Dangling[from], to)
		return
	}
	if from == to {
		b.graph.Cycles[from] = []string{from, from}
		return
	}
	b.deps[from][to] = true
}

// detectCycles colors the graph with a depth-first search over dependency
// edges and records the cycle path through every participating entity.
func (b *builder) detectCycles() {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(b.order))
	var path []string

	var visit func(name string)
	visit = func(name string) {
		color[name] = gray
		path = append(path, name)
		for _, dep := range b.graph.Nodes[name].Dependencies {
			switch color[dep] {
			case white:
				visit(dep)
			case gray:
				start := -1
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				if start >= 0 {
					cycle := append(append([]string{}, path[start:]...), dep)
					for _, member := range path[start:] {
						b.graph.Cycles[member] = cycle
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
	}

	for _, name := range b.order {
		if color[name] == white {
			visit(name)
		}
	}
}

// computeLevels runs Kahn's algorithm over the acyclic portion of the
// graph, tie-breaking by declaration order. Entities left unprocessed are
// either cyclic or blocked behind a cycle.
func (b *builder) computeLevels() {
	inDegree := make(map[string]int, len(b.order))
	for _, name := range b.order {
		if _, cyclic := b.graph.Cycles[name]; cyclic {
			continue
		}
		blocked := false
		degree := 0
		for _, dep := range b.graph.Nodes[name].Dependencies {
			if _, cyclic := b.graph.Cycles[dep]; cyclic {
				// A direct cyclic dependency can never be satisfied;
				// the entity stays out of the schedule entirely.
				blocked = true
				continue
			}
			degree++
		}
		if blocked {
			continue
		}
		inDegree[name] = degree
	}

	current := make([]string, 0)
	for _, name := range b.order {
		if _, ok := inDegree[name]; ok && inDegree[name] == 0 {
			current = append(current, name)
		}
	}

	level := 0
	processed := make(map[string]bool)
	for len(current) > 0 {
		sort.Slice(current, func(i, j int) bool {
			return b.graph.Nodes[current[i]].order < b.graph.Nodes[current[j]].order
		})
		b.graph.Levels = append(b.graph.Levels, current)
		next := make([]string, 0)
		for _, name := range current {
			processed[name] = true
			b.graph.Nodes[name].Level = level
			for _, dependent := range b.graph.Nodes[name].Dependents {
				if _, ok := inDegree[dependent]; !ok {
					continue
				}
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
		level++
	}

	// Anything acyclic but unprocessed depends on a cycle.
	for _, name := range b.order {
		if processed[name] {
			continue
		}
		if _, cyclic := b.graph.Cycles[name]; cyclic {
			continue
		}
		b.graph.Blocked[name] = b.blockingDependency(name)
	}
}

// blockingDependency finds the cyclic dependency that keeps an entity from
// being leveled.
func (b *builder) blockingDependency(name string) string {
	seen := map[string]bool{name: true}
	queue := append([]string{}, b.graph.Nodes[name].Dependencies...)
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if seen[dep] {
			continue
		}
		seen[dep] = true
		if _, cyclic := b.graph.Cycles[dep]; cyclic {
			return dep
		}
		queue = append(queue, b.graph.Nodes[dep].Dependencies...)
	}
	return ""
}

// TopologicalOrder flattens the evaluation levels into a single order.
func (g *Graph) TopologicalOrder() []string {
	var out []string
	for _, level := range g.Levels {
		out = append(out, level...)
	}
	return out
}

// FormatCycle renders a cycle path for diagnostics.
func FormatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
