package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadFromFileRego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	path := filepath.Join(t.TempDir(), "network.rego")
	writeFile(t, path, "# Clusters need a network.\n# Checked on create.\n\n"+networkPolicy)

	p, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("loadFromFile failed: %v", err)
	}
	if p.Name != "network" {
		t.Errorf("Expected name network, got %s", p.Name)
	}
	if p.Description != "Clusters need a network. Checked on create." {
		t.Errorf("Unexpected description: %q", p.Description)
	}
	if !p.Enabled || p.Severity != SeverityError || p.Source != path {
		t.Errorf("Unexpected policy: %+v", p)
	}
}

func TestLoadFromFileJSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	raw, _ := json.Marshal(map[string]any{
		"description": "network check",
		"rego":        networkPolicy,
		"severity":    "warning",
	})
	path := filepath.Join(dir, "net-policy.json")
	writeFile(t, path, string(raw))

	p, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("loadFromFile failed: %v", err)
	}
	if p.Name != "net-policy" {
		t.Errorf("Expected name from file, got %s", p.Name)
	}
	if !p.Enabled {
		t.Error("Expected JSON policy enabled by default")
	}
	if p.Severity != SeverityWarning {
		t.Errorf("Expected warning severity, got %s", p.Severity)
	}

	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, "{not json")
	if _, err := loader.loadFromFile(bad); err == nil {
		t.Error("Expected parse error")
	}
}

func TestLoadFromPathsDirectory(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(dir, "a.rego"), networkPolicy)
	writeFile(t, filepath.Join(sub, "b.rego"), networkPolicy)
	writeFile(t, filepath.Join(dir, "broken.json"), "{")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestEngineLoadPaths(t *testing.T) {
	eng := newTestEngine(t, defaultLimits())
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "network.rego"), networkPolicy)

	if err := eng.LoadPaths(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPaths failed: %v", err)
	}
	p, err := eng.Get("network")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if p.Source == "" {
		t.Error("Expected loaded policy to carry its source")
	}
}

func TestLeadingComment(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"# one\n# two\npackage x", "one two"},
		{"\n\n# spaced\n\npackage x", "spaced"},
		{"package x\n# late", ""},
		{"#\n# after blank\npackage x", "after blank"},
	}
	for _, tt := range tests {
		if got := leadingComment(tt.in); got != tt.want {
			t.Errorf("leadingComment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWatchReloadsPolicies(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	loader.Debounce = 20 * time.Millisecond
	dir := t.TempDir()

	var (
		mu     sync.Mutex
		loaded []Policy
	)
	apply := func(_ context.Context, policies []Policy) error {
		mu.Lock()
		defer mu.Unlock()
		loaded = policies
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loader.Watch(ctx, []string{dir}, apply) }()

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "network.rego"), networkPolicy)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(loaded)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for reload")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop")
	}
}

func TestWatchMissingPath(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	err := loader.Watch(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}, func(context.Context, []Policy) error { return nil })
	if err == nil {
		t.Error("Expected error for missing path")
	}
}
