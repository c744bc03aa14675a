package engine

import (
	"sort"

	"github.com/loom-iac/loom/internal/ir"
)

// DAG is the dependency graph over resource addresses. The topological
// order is deterministic: ties are broken by address, so identical inputs
// always produce the identical ordering.
type DAG struct {
	nodes    map[string]*dagNode
	order    []string // creation order
	revOrder []string // destruction order
}

type dagNode struct {
	addr     string
	edges    []string // addresses this node depends on
	revEdges []string // addresses depending on this node
}

// BuildDAG constructs the graph from flattened resources, combining
// explicit dependsOn edges with implicit ref:// property references. An
// edge target that is not part of the graph is an unresolved reference.
func BuildDAG(resources []*ir.Resource) (*DAG, error) {
	dag := &DAG{nodes: make(map[string]*dagNode, len(resources))}

	for _, res := range resources {
		dag.nodes[res.Addr()] = &dagNode{addr: res.Addr()}
	}

	for _, res := range resources {
		addr := res.Addr()
		node := dag.nodes[addr]

		for _, dep := range res.DependsOn {
			if _, ok := dag.nodes[dep]; !ok {
				return nil, &UnresolvedReferenceError{Path: dep, ReferencedBy: addr}
			}
			node.edges = append(node.edges, dep)
		}

		for _, ref := range extractRefs(res.Properties) {
			depAddr := refAddr(ref)
			if depAddr == "" {
				return nil, &UnresolvedReferenceError{Path: ref, ReferencedBy: addr}
			}
			if _, ok := dag.nodes[depAddr]; !ok {
				return nil, &UnresolvedReferenceError{Path: ref, ReferencedBy: addr}
			}
			if depAddr != addr {
				node.edges = append(node.edges, depAddr)
			}
		}

		node.edges = dedupe(node.edges)
	}

	dag.buildReverseEdges()
	return dag, dag.sortTopologically()
}

// BuildDAGFromState constructs a graph from state records, using the
// dependency addresses captured at apply time. Used for destroy plans and
// for ordering deletes of resources no longer declared.
func BuildDAGFromState(resources []*ir.ResourceState) (*DAG, error) {
	dag := &DAG{nodes: make(map[string]*dagNode, len(resources))}

	for _, res := range resources {
		dag.nodes[res.Addr()] = &dagNode{addr: res.Addr()}
	}
	for _, res := range resources {
		node := dag.nodes[res.Addr()]
		for _, dep := range res.Dependencies {
			// A recorded dependency may already be gone from state.
			if _, ok := dag.nodes[dep]; ok {
				node.edges = append(node.edges, dep)
			}
		}
		node.edges = dedupe(node.edges)
	}

	dag.buildReverseEdges()
	return dag, dag.sortTopologically()
}

func (d *DAG) buildReverseEdges() {
	var addrs []string
	for addr := range d.nodes {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		for _, dep := range d.nodes[addr].edges {
			d.nodes[dep].revEdges = append(d.nodes[dep].revEdges, addr)
		}
	}
}

// sortTopologically runs Kahn's algorithm. Nodes left with residual
// in-degree after the queue drains are exactly the cycle participants.
func (d *DAG) sortTopologically() error {
	inDegree := make(map[string]int, len(d.nodes))
	for addr, node := range d.nodes {
		inDegree[addr] = len(node.edges)
	}

	var queue []string
	for addr, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, addr)
		}
	}
	sort.Strings(queue)

	var sorted []string
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		sorted = append(sorted, addr)

		var freed []string
		for _, dependent := range d.nodes[addr].revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				freed = append(freed, dependent)
			}
		}
		sort.Strings(freed)
		queue = append(queue, freed...)
	}

	if len(sorted) != len(d.nodes) {
		var members []string
		for addr, deg := range inDegree {
			if deg > 0 {
				members = append(members, addr)
			}
		}
		sort.Strings(members)
		return &CycleError{Members: members}
	}

	d.order = sorted
	d.revOrder = make([]string, len(sorted))
	for i, addr := range sorted {
		d.revOrder[len(sorted)-1-i] = addr
	}
	return nil
}

// CreationOrder returns addresses in dependency-respecting creation order.
func (d *DAG) CreationOrder() []string {
	return d.order
}

// DestructionOrder returns addresses in reverse dependency order.
func (d *DAG) DestructionOrder() []string {
	return d.revOrder
}

// Dependencies returns the direct dependencies of an address.
func (d *DAG) Dependencies(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.edges
	}
	return nil
}

// Dependents returns the addresses directly depending on addr.
func (d *DAG) Dependents(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.revEdges
	}
	return nil
}

// TransitiveDependents returns every address reachable via reverse edges,
// sorted. Used to propagate replacement and to block on failure.
func (d *DAG) TransitiveDependents(addr string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(a string) {
		node, ok := d.nodes[a]
		if !ok {
			return
		}
		for _, dep := range node.revEdges {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(addr)

	var out []string
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
