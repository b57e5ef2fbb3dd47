package graph

import (
	"errors"
	"slices"
	"testing"

	"github.com/kailas-cloud/flowgate/internal/domain"
)

const diamondYAML = `
B:
  host: b
  port: 2
A:
  host: a
  port: 1
M:
  needs: [B, A]
  host: m
  port: 3
`

func TestParse_PreservesDeclarationOrder(t *testing.T) {
	d, err := Parse([]byte(diamondYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	names := make([]string, len(d.Nodes))
	for i, n := range d.Nodes {
		names[i] = n.Name
	}
	if !slices.Equal(names, []string{"B", "A", "M"}) {
		t.Errorf("unexpected node order %v", names)
	}

	order, err := d.TopoOrder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(order, []string{"B", "A", "M"}) {
		t.Errorf("unexpected topo order %v", order)
	}

	m, _ := d.Lookup("M")
	if m.Shards != 1 || m.Replicas != 1 {
		t.Errorf("expected defaults 1/1, got %d/%d", m.Shards, m.Replicas)
	}
}

func TestParse_JSON(t *testing.T) {
	js := `{"enc": {"host": "localhost", "port": 8081},
	        "idx": {"needs": ["enc"], "host": "localhost", "port": 8082, "shards": 2}}`
	d, err := Parse([]byte(js))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	idx, ok := d.Lookup("idx")
	if !ok {
		t.Fatal("idx not found")
	}
	if !idx.UsesHead() {
		t.Error("sharded node should use a head")
	}
	if got := idx.Address(); got != "localhost:8082" {
		t.Errorf("unexpected address %q", got)
	}
	if origins := d.Origins(); !slices.Equal(origins, []string{"enc"}) {
		t.Errorf("unexpected origins %v", origins)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"cycle", "A: {needs: [B], host: a, port: 1}\nB: {needs: [A], host: b, port: 2}", domain.ErrCyclicGraph},
		{"self loop", "A: {needs: [A], host: a, port: 1}", domain.ErrCyclicGraph},
		{"unknown need", "A: {needs: [Z], host: a, port: 1}", domain.ErrUnknownNeed},
		{"negative shards", "A: {shards: -1, host: a, port: 1}", domain.ErrInvalidGraph},
		{"negative replicas", "A: {replicas: -2, host: a, port: 1}", domain.ErrInvalidGraph},
		{"missing port", "A: {host: a}", domain.ErrInvalidGraph},
		{"duplicate need", "A: {host: a, port: 1}\nB: {needs: [A, A], host: b, port: 2}", domain.ErrInvalidGraph},
		{"sharded with addresses", "A: {shards: 2, addresses: [x:1]}", domain.ErrInvalidGraph},
		{"empty", "{}", domain.ErrInvalidGraph},
		{"not a mapping", "- A", domain.ErrInvalidGraph},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestMarshal_RoundTripKeepsOrder(t *testing.T) {
	d, err := Parse([]byte(diamondYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := d.Marshal()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	back, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, data)
	}
	if back.Nodes[0].Name != "B" || back.Nodes[2].Name != "M" {
		t.Errorf("order lost: %+v", back.Nodes)
	}
	if !slices.Equal(back.Nodes[2].Needs, []string{"B", "A"}) {
		t.Errorf("needs lost: %v", back.Nodes[2].Needs)
	}
}

func TestUsesHead(t *testing.T) {
	tests := []struct {
		node Node
		want bool
	}{
		{Node{Shards: 1, Replicas: 1}, false},
		{Node{Shards: 2, Replicas: 1}, true},
		{Node{Shards: 1, Replicas: 3}, true},
		{Node{Shards: 1, Replicas: 3, Addresses: []string{"a:1", "b:1", "c:1"}}, false},
	}
	for i, tc := range tests {
		if got := tc.node.UsesHead(); got != tc.want {
			t.Errorf("case %d: UsesHead() = %v, want %v", i, got, tc.want)
		}
	}
}
