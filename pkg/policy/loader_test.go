package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testRego = `# Flags urgent notifications.
# Second line.
package careflow.custom.urgent

import rego.v1

deny contains "urgent notifications need a recipient" if {
	input.inputs.priority == "urgent"
	not input.inputs.recipient
}
`

func writePolicyFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func testLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func TestLoadFromFile_Rego(t *testing.T) {
	path := writePolicyFile(t, t.TempDir(), "urgent-recipient.rego", testRego)

	policies, err := testLoader().loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}

	p := policies[0]
	if p.Name != "urgent-recipient" {
		t.Errorf("Name = %s", p.Name)
	}
	if p.Description != "Flags urgent notifications. Second line." {
		t.Errorf("Description = %q", p.Description)
	}
	if p.Severity != SeverityWarning || !p.Enabled || p.Source != path {
		t.Errorf("Unexpected defaults: %+v", p)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	dir := t.TempDir()

	single := writePolicyFile(t, dir, "single.json", `{
		"name": "single",
		"severity": "error",
		"enabled": true,
		"rego": "package single\n\nimport rego.v1\n\ndeny contains \"x\" if false\n"
	}`)
	policies, err := testLoader().loadFromFile(context.Background(), single)
	if err != nil {
		t.Fatalf("Failed to load single policy: %v", err)
	}
	if len(policies) != 1 || policies[0].Severity != SeverityError {
		t.Errorf("Unexpected policies: %+v", policies)
	}

	bundle := writePolicyFile(t, dir, "bundle.json", `{
		"name": "clinic",
		"version": "1",
		"policies": [
			{"name": "a", "enabled": true, "rego": "package a\n"},
			{"name": "b", "enabled": false, "rego": "package b\n"}
		]
	}`)
	policies, err = testLoader().loadFromFile(context.Background(), bundle)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
	if policies[1].Severity != SeverityWarning {
		t.Errorf("Expected default severity, got %s", policies[1].Severity)
	}

	tests := []struct {
		name    string
		content string
	}{
		{"invalid json", `{not json`},
		{"missing name", `{"rego": "package x\n"}`},
		{"missing rego", `{"name": "x"}`},
		{"unknown field", `{"name": "x", "rego": "package x\n", "regoo": ""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePolicyFile(t, t.TempDir(), "bad.json", tt.content)
			if _, err := testLoader().loadFromFile(context.Background(), path); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "b.rego", testRego)
	writePolicyFile(t, dir, "nested/a.rego", testRego)
	writePolicyFile(t, dir, "bad.json", `{oops`)
	writePolicyFile(t, dir, "README.md", "ignored")

	policies, err := testLoader().LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
	if policies[0].Name != "b" || policies[1].Name != "a" {
		t.Errorf("Expected files in path order, got %s, %s", policies[0].Name, policies[1].Name)
	}
}

func TestLoadFromPath_Errors(t *testing.T) {
	loader := testLoader()

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/non/existent"}); err == nil {
		t.Error("Expected error for missing path")
	}

	path := writePolicyFile(t, t.TempDir(), "policy.yaml", "x: 1")
	if _, err := loader.loadFromFile(context.Background(), path); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{"# one\npackage x", "one"},
		{"#\n# two\n#   three  \npackage x\n# later", "two three"},
		{"package x\n# after", ""},
	}
	for _, tt := range tests {
		if got := extractDescription(tt.content); got != tt.want {
			t.Errorf("extractDescription(%q) = %q, want %q", tt.content, got, tt.want)
		}
	}
}

func TestEngineWatch_ReloadsPolicies(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "urgent-recipient.rego", testRego)

	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Watch(ctx, dir); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if _, err := eng.GetPolicy("urgent-recipient"); err != nil {
		t.Fatalf("Expected initial policy to be loaded: %v", err)
	}

	writePolicyFile(t, dir, "second.rego", "package careflow.custom.second\n")

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := eng.GetPolicy("second"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for policy reload")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
