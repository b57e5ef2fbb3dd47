package request

import (
	"testing"
	"time"

	"github.com/kailas-cloud/flowgate/internal/domain/document"
)

func docs(ids ...string) []*document.Document {
	out := make([]*document.Document, len(ids))
	for i, id := range ids {
		out[i] = document.New(id, "")
	}
	return out
}

func TestNew_AssignsUniqueIDs(t *testing.T) {
	a := New("/index", nil)
	b := New("/index", nil)
	if a.Header.RequestID == "" || a.Header.RequestID == b.Header.RequestID {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a.Header.RequestID, b.Header.RequestID)
	}
}

func TestCopy_HeaderIsolated(t *testing.T) {
	r := New("/index", docs("a"))
	r.AddRoute("A", time.Now(), time.Now())

	c := r.Copy()
	c.AddRoute("B", time.Now(), time.Now())
	c.AddError("B", &Status{Code: StatusError})

	if len(r.Header.Route) != 1 {
		t.Errorf("expected original route length 1, got %d", len(r.Header.Route))
	}
	if r.HasError() {
		t.Error("error leaked into original")
	}
	if c.Docs[0] != r.Docs[0] {
		t.Error("Copy should share documents")
	}
}

func TestValidate_DuplicateIDs(t *testing.T) {
	r := New("/index", docs("a", "a"))
	if err := r.Validate(); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestSetParameter(t *testing.T) {
	r := New("/search", nil)
	if err := r.SetParameter("top_k", 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.SetParameter("bad", []int{1}); err == nil {
		t.Fatal("expected error for slice parameter")
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		size  int
		sizes []int
	}{
		{"exact", 4, 2, []int{2, 2}},
		{"remainder", 5, 2, []int{2, 2, 1}},
		{"zero size keeps one batch", 3, 0, []int{3}},
		{"empty", 0, 10, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ids := make([]string, tc.n)
			for i := range ids {
				ids[i] = string(rune('a' + i))
			}
			got := Split("/index", docs(ids...), tc.size)
			if len(got) != len(tc.sizes) {
				t.Fatalf("expected %d batches, got %d", len(tc.sizes), len(got))
			}
			for i, r := range got {
				if len(r.Docs) != tc.sizes[i] {
					t.Errorf("batch %d: expected %d docs, got %d", i, tc.sizes[i], len(r.Docs))
				}
				if r.Header.ExecEndpoint != "/index" {
					t.Errorf("batch %d: endpoint %q", i, r.Header.ExecEndpoint)
				}
			}
		})
	}
}
