package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kailas-cloud/flowgate/internal/domain"
	"github.com/kailas-cloud/flowgate/internal/domain/registry"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return path
}

func TestRun_Usage(t *testing.T) {
	tests := [][]string{
		nil,
		{"unknown"},
		{"graph"},
		{"graph", "explode"},
		{"graph", "validate"},
		{"registry"},
		{"registry", "add", "-bogus"},
		{"registry", "drop"},
		{"registry", "list", "a", "b"},
		{"post"},
	}
	for _, args := range tests {
		err := run(context.Background(), args, &bytes.Buffer{})
		if !errors.Is(err, errUsage) {
			t.Errorf("%v: expected usage error, got %v", args, err)
		}
	}
}

func TestRun_Help(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"help"}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "graph push") {
		t.Errorf("unexpected help output: %s", out.String())
	}
}

func TestRun_GraphValidate(t *testing.T) {
	path := writeFile(t, "encoder: {host: enc, port: 1}\nindexer: {needs: [encoder], host: idx, port: 2}\n")

	var out bytes.Buffer
	if err := run(context.Background(), []string{"graph", "validate", path}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := out.String(); got != "ok: 2 nodes, order [encoder indexer]\n" {
		t.Errorf("unexpected output %q", got)
	}
}

func TestRun_GraphValidateRejectsCycle(t *testing.T) {
	path := writeFile(t, "a: {needs: [b], host: a, port: 1}\nb: {needs: [a], host: b, port: 1}\n")

	err := run(context.Background(), []string{"graph", "validate", path}, &bytes.Buffer{})
	if !errors.Is(err, domain.ErrCyclicGraph) {
		t.Fatalf("expected ErrCyclicGraph, got %v", err)
	}
}

func TestParseRegistration(t *testing.T) {
	r, err := parseRegistration("add", []string{"-deployment", "indexer", "-address", "idx:51000", "-shard", "2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := registry.Registration{Deployment: "indexer", Address: "idx:51000", Shard: 2}
	if r != want {
		t.Errorf("expected %+v, got %+v", want, r)
	}

	if _, err := parseRegistration("add", []string{"-deployment", "indexer", "-address", "no-port"}); !errors.Is(err, domain.ErrInvalidRegistration) {
		t.Errorf("expected ErrInvalidRegistration, got %v", err)
	}
}

func TestParseParams(t *testing.T) {
	got, err := parseParams("top_k=5,mode=fast,exact=true")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["top_k"] != 5.0 || got["mode"] != "fast" || got["exact"] != true {
		t.Errorf("unexpected params %v", got)
	}

	if p, err := parseParams(""); err != nil || p != nil {
		t.Errorf("expected nil params, got %v, %v", p, err)
	}
	if _, err := parseParams("novalue"); !errors.Is(err, errUsage) {
		t.Errorf("expected usage error, got %v", err)
	}
}

func TestPrintRegistrations(t *testing.T) {
	var out bytes.Buffer
	err := printRegistrations(&out, []registry.Registration{
		{Deployment: "indexer", Address: "head:1", Head: true},
		{Deployment: "indexer", Address: "r1:1", Shard: 1},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", out.String())
	}
	if !strings.Contains(lines[1], "head") || !strings.Contains(lines[2], "shard 1") {
		t.Errorf("unexpected rows: %q", lines[1:])
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"version"}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "flowctl dev") {
		t.Errorf("unexpected output %q", out.String())
	}
}
