package graph

import (
	"bytes"
	"fmt"
	"net"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/kailas-cloud/flowgate/internal/domain"
)

// Node declares one deployment of the routing graph.
type Node struct {
	Name     string   `yaml:"-" json:"-"`
	Needs    []string `yaml:"needs,omitempty" json:"needs,omitempty"`
	Shards   int      `yaml:"shards,omitempty" json:"shards,omitempty"`
	Replicas int      `yaml:"replicas,omitempty" json:"replicas,omitempty"`
	Host     string   `yaml:"host,omitempty" json:"host,omitempty"`
	Port     int      `yaml:"port,omitempty" json:"port,omitempty"`
	// Addresses lists replica endpoints of a single-shard deployment reached without a head.
	Addresses     []string          `yaml:"addresses,omitempty" json:"addresses,omitempty"`
	Metadata      map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	DisableReduce bool              `yaml:"disable_reduce,omitempty" json:"disable_reduce,omitempty"`
	// When keeps only documents whose tags equal every listed value.
	When map[string]any `yaml:"when,omitempty" json:"when,omitempty"`
}

// Address returns the host:port endpoint of the node.
func (n *Node) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// UsesHead reports whether the gateway talks to the node through its head.
func (n *Node) UsesHead() bool {
	return n.Shards > 1 || (n.Replicas > 1 && len(n.Addresses) == 0)
}

// Description is a routing graph as persisted: nodes in declaration order.
type Description struct {
	Nodes []Node
}

// Parse decodes a YAML or JSON mapping of node name to node settings,
// applies defaults and validates the result.
func Parse(data []byte) (*Description, error) {
	var d Description
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidGraph, err)
	}
	d.ApplyDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Marshal encodes the description as YAML preserving node order.
func (d *Description) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("encode graph: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode graph: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalYAML keeps mapping order so declaration order can break topological ties.
func (d *Description) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: graph must be a mapping of node name to settings", value.Line)
	}
	d.Nodes = d.Nodes[:0]
	for i := 0; i+1 < len(value.Content); i += 2 {
		var n Node
		if err := value.Content[i+1].Decode(&n); err != nil {
			return fmt.Errorf("node %q: %w", value.Content[i].Value, err)
		}
		n.Name = value.Content[i].Value
		d.Nodes = append(d.Nodes, n)
	}
	return nil
}

// MarshalYAML emits the nodes as an ordered mapping.
func (d *Description) MarshalYAML() (any, error) {
	m := &yaml.Node{Kind: yaml.MappingNode}
	for i := range d.Nodes {
		var v yaml.Node
		if err := v.Encode(&d.Nodes[i]); err != nil {
			return nil, fmt.Errorf("node %q: %w", d.Nodes[i].Name, err)
		}
		m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: d.Nodes[i].Name}, &v)
	}
	return m, nil
}

// ApplyDefaults sets unset shard and replica counts to one.
func (d *Description) ApplyDefaults() {
	for i := range d.Nodes {
		if d.Nodes[i].Shards == 0 {
			d.Nodes[i].Shards = 1
		}
		if d.Nodes[i].Replicas == 0 {
			d.Nodes[i].Replicas = 1
		}
	}
}

// Lookup returns the node named name.
func (d *Description) Lookup(name string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].Name == name {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Validate checks names, counts, addresses, needs references and acyclicity.
func (d *Description) Validate() error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", domain.ErrInvalidGraph)
	}
	names := make(map[string]struct{}, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.Name == "" {
			return fmt.Errorf("%w: node name is required", domain.ErrInvalidGraph)
		}
		if _, dup := names[n.Name]; dup {
			return fmt.Errorf("%w: duplicate node %q", domain.ErrInvalidGraph, n.Name)
		}
		names[n.Name] = struct{}{}
	}
	for _, n := range d.Nodes {
		if err := n.validate(names); err != nil {
			return err
		}
	}
	_, err := d.TopoOrder()
	return err
}

func (n *Node) validate(names map[string]struct{}) error {
	if n.Shards < 1 {
		return fmt.Errorf("%w: %s.shards must be >= 1, got %d", domain.ErrInvalidGraph, n.Name, n.Shards)
	}
	if n.Replicas < 1 {
		return fmt.Errorf("%w: %s.replicas must be >= 1, got %d", domain.ErrInvalidGraph, n.Name, n.Replicas)
	}
	if n.Shards > 1 && len(n.Addresses) > 0 {
		return fmt.Errorf("%w: %s: addresses are only allowed for single-shard deployments",
			domain.ErrInvalidGraph, n.Name)
	}
	if len(n.Addresses) == 0 && (n.Host == "" || n.Port <= 0 || n.Port > 65535) {
		return fmt.Errorf("%w: %s: host and port (1-65535) are required", domain.ErrInvalidGraph, n.Name)
	}
	seen := make(map[string]struct{}, len(n.Needs))
	for _, p := range n.Needs {
		if _, ok := names[p]; !ok {
			return fmt.Errorf("%w: %s needs %q", domain.ErrUnknownNeed, n.Name, p)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("%w: %s lists %q twice in needs", domain.ErrInvalidGraph, n.Name, p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// TopoOrder returns node names in topological order. Among nodes ready at
// the same time, declaration order wins.
func (d *Description) TopoOrder() ([]string, error) {
	index := make(map[string]int, len(d.Nodes))
	for i, n := range d.Nodes {
		index[n.Name] = i
	}
	indegree := make([]int, len(d.Nodes))
	successors := make([][]int, len(d.Nodes))
	for i, n := range d.Nodes {
		for _, p := range n.Needs {
			pi, ok := index[p]
			if !ok {
				return nil, fmt.Errorf("%w: %s needs %q", domain.ErrUnknownNeed, n.Name, p)
			}
			indegree[i]++
			successors[pi] = append(successors[pi], i)
		}
	}

	done := make([]bool, len(d.Nodes))
	order := make([]string, 0, len(d.Nodes))
	for len(order) < len(d.Nodes) {
		next := -1
		for i := range d.Nodes {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("%w: %d nodes unreachable from an origin", domain.ErrCyclicGraph, len(d.Nodes)-len(order))
		}
		done[next] = true
		order = append(order, d.Nodes[next].Name)
		for _, s := range successors[next] {
			indegree[s]--
		}
	}
	return order, nil
}

// Origins lists nodes with no needs, in declaration order.
func (d *Description) Origins() []string {
	var out []string
	for _, n := range d.Nodes {
		if len(n.Needs) == 0 {
			out = append(out, n.Name)
		}
	}
	return out
}
