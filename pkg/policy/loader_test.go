package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		description string
		severity    Severity
	}{
		{
			name:        "description and severity",
			content:     "# Blocks public buckets.\n# Applies to every stack.\n# severity: Critical\npackage x\n",
			description: "Blocks public buckets. Applies to every stack.",
			severity:    SeverityCritical,
		},
		{
			name:        "after package clause",
			content:     "package x\n\n# Only warns.\n\nimport rego.v1\n",
			description: "Only warns.",
		},
		{
			name:    "no comments",
			content: "package x\n\nimport rego.v1\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			description, severity := parseHeader(tt.content)
			if description != tt.description {
				t.Errorf("Expected description %q, got %q", tt.description, description)
			}
			if severity != tt.severity {
				t.Errorf("Expected severity %q, got %q", tt.severity, severity)
			}
		})
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	writePolicy(t, dir, "b.rego", "package b\n")
	writePolicy(t, sub, "a.rego", "package a\n")
	writePolicy(t, dir, "b_test.rego", "package b_test\n")
	writePolicy(t, dir, "README.md", "not a policy")
	writePolicy(t, dir, "c.json", `{"name": "from-json", "rego": "package c\n", "severity": "warning"}`)

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	names := make([]string, 0, len(policies))
	for _, p := range policies {
		names = append(names, p.Name)
	}
	want := []string{"a", "b", "from-json"}
	if len(names) != len(want) {
		t.Fatalf("Expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, names)
			break
		}
	}

	for _, p := range policies {
		if !p.Enabled || p.Builtin || p.Source == "" {
			t.Errorf("Unexpected loaded policy: %+v", p)
		}
		if p.Name == "from-json" && p.Severity != SeverityWarning {
			t.Errorf("JSON severity not kept: %s", p.Severity)
		}
		if p.Name == "a" && p.Severity != SeverityError {
			t.Errorf("Rego default severity should be error, got %s", p.Severity)
		}
	}
}

func TestLoadFromPaths_Errors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}

	dir := t.TempDir()
	writePolicy(t, dir, "bad.json", `{"rego": "package x"}`)
	if _, err := loader.LoadFromPaths(context.Background(), []string{dir}); err == nil {
		t.Error("Expected error for unnamed JSON policy")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "first.rego", "package first\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	loader := NewLoader(zerolog.Nop())
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		reloaded <- policies
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to start watching: %v", err)
	}

	writePolicy(t, dir, "second.rego", "package second\n")

	select {
	case policies := <-reloaded:
		if len(policies) != 2 {
			t.Errorf("Expected 2 policies after reload, got %d", len(policies))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}

	cancel()
	if err := loader.StopWatching(); err != nil {
		t.Errorf("StopWatching failed: %v", err)
	}
}
