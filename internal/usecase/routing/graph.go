// Package routing walks requests through the deployment graph: it fans out
// along edges, waits for every part at fan-in nodes and reduces the results.
package routing

import (
	"fmt"

	"github.com/kailas-cloud/flowgate/internal/domain/graph"
)

// Node is one deployment of a Graph.
type Node struct {
	Name string
	// Rank is the node's position in topological order.
	Rank int
	// Outgoing holds the ranks of successor nodes.
	Outgoing []int
	// NumberOfParts is how many inbound deliveries fire the node. Origins
	// take one part, the request itself.
	NumberOfParts int

	Head          bool
	Metadata      map[string]string
	DisableReduce bool
	When          map[string]any
}

// Terminal reports whether the node has no successors.
func (n *Node) Terminal() bool { return len(n.Outgoing) == 0 }

// Graph is an immutable DAG of nodes stored in topological order.
type Graph struct {
	nodes     []*Node
	byName    map[string]*Node
	origins   []int
	terminals []int
	desc      *graph.Description
}

// NewGraph builds a Graph from a validated description. For every node with
// needs P1..Pk it sets number_of_parts to k and appends the node to each Pi.
func NewGraph(desc *graph.Description) (*Graph, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	order, err := desc.TopoOrder()
	if err != nil {
		return nil, err
	}

	g := &Graph{
		nodes:  make([]*Node, len(order)),
		byName: make(map[string]*Node, len(order)),
		desc:   desc,
	}
	for rank, name := range order {
		d, _ := desc.Lookup(name)
		n := &Node{
			Name:          name,
			Rank:          rank,
			NumberOfParts: max(1, len(d.Needs)),
			Head:          d.UsesHead(),
			Metadata:      d.Metadata,
			DisableReduce: d.DisableReduce,
			When:          d.When,
		}
		g.nodes[rank] = n
		g.byName[name] = n
	}
	for _, n := range g.nodes {
		d, _ := desc.Lookup(n.Name)
		if len(d.Needs) == 0 {
			g.origins = append(g.origins, n.Rank)
		}
		for _, p := range d.Needs {
			pred, ok := g.byName[p]
			if !ok {
				return nil, fmt.Errorf("node %s: predecessor %s missing", n.Name, p)
			}
			pred.Outgoing = append(pred.Outgoing, n.Rank)
		}
	}
	for _, n := range g.nodes {
		if n.Terminal() {
			g.terminals = append(g.terminals, n.Rank)
		}
	}
	return g, nil
}

// Nodes returns nodes in topological order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Node returns the node named name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.byName[name]
	return n, ok
}

// Origins returns nodes without predecessors, in topological order.
func (g *Graph) Origins() []*Node { return g.pick(g.origins) }

// Terminals returns nodes without successors, in topological order.
func (g *Graph) Terminals() []*Node { return g.pick(g.terminals) }

// Description returns the description the graph was built from.
func (g *Graph) Description() *graph.Description { return g.desc }

func (g *Graph) pick(ranks []int) []*Node {
	out := make([]*Node, len(ranks))
	for i, r := range ranks {
		out[i] = g.nodes[r]
	}
	return out
}

// Endpoint is one address the gateway must register in its pool.
type Endpoint struct {
	Deployment string
	Address    string
	Head       bool
}

// Endpoints lists the pool registrations the graph needs: the head of
// sharded or replicated nodes, otherwise each listed replica address or the
// node's host:port.
func (g *Graph) Endpoints() []Endpoint {
	var out []Endpoint
	for _, n := range g.nodes {
		d, _ := g.desc.Lookup(n.Name)
		switch {
		case n.Head:
			out = append(out, Endpoint{Deployment: n.Name, Address: d.Address(), Head: true})
		case len(d.Addresses) > 0:
			for _, a := range d.Addresses {
				out = append(out, Endpoint{Deployment: n.Name, Address: a})
			}
		default:
			out = append(out, Endpoint{Deployment: n.Name, Address: d.Address()})
		}
	}
	return out
}
