package config

import (
	"strings"
	"testing"
	"time"
)

func TestConfigParsing(t *testing.T) {
	configContent := `# Global options
scripts.root /srv/scrippets
scripts.run-at-launch yes

[run]
verbose true`

	config, err := LoadFromReader(strings.NewReader(configContent))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if value, ok := config.GetGlobalOption("scripts.root"); !ok || value != "/srv/scrippets" {
		t.Errorf("Expected scripts.root=/srv/scrippets, got %s (exists: %v)", value, ok)
	}

	if value, ok := config.GetCommandOption("run", "verbose"); !ok || value != "true" {
		t.Errorf("Expected run.verbose=true, got %s (exists: %v)", value, ok)
	}

	// Command options fall back to global options
	if value, ok := config.GetCommandOption("run", "scripts.root"); !ok || value != "/srv/scrippets" {
		t.Errorf("Expected fallback to global scripts.root, got %s (exists: %v)", value, ok)
	}
}

func TestEmptyConfig(t *testing.T) {
	config, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Failed to load empty config: %v", err)
	}
	if len(config.Global) != 0 {
		t.Errorf("Expected empty global options, got %v", config.Global)
	}
}

func TestUnknownOptionWarns(t *testing.T) {
	config, err := LoadFromReader(strings.NewReader("scripts.rooot typo\n"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if len(config.GetWarnings()) == 0 {
		t.Error("Expected a warning for an unknown option")
	}
}

func TestTypeMismatchWarns(t *testing.T) {
	config, err := LoadFromReader(strings.NewReader("scripts.run-at-launch maybe\n"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if len(config.GetWarnings()) == 0 {
		t.Error("Expected a warning for a boolean type mismatch")
	}
}

func TestResolveSettingsDefaults(t *testing.T) {
	config := NewConfig()
	s := config.ResolveSettings()

	if s.StartupFolder != "startup" {
		t.Errorf("Expected startup folder 'startup', got %q", s.StartupFolder)
	}
	if len(s.AllowedExtensions) != 1 || s.AllowedExtensions[0] != ".js" {
		t.Errorf("Expected default extensions [.js], got %v", s.AllowedExtensions)
	}
	if !s.RequireConfirmation {
		t.Error("Confirmation must default to required")
	}
	if s.RunAtLaunch {
		t.Error("Run-at-launch must default to off")
	}
	if s.DebounceBase != 300*time.Millisecond || s.DebounceMax != 2*time.Second {
		t.Errorf("Unexpected debounce defaults: base=%v max=%v", s.DebounceBase, s.DebounceMax)
	}
}

func TestResolveSettingsOverrides(t *testing.T) {
	configContent := `scripts.root /tmp/scripts
scripts.extensions js, mjs
scripts.run-at-launch on
scripts.require-confirmation off
scripts.trusted-folders vendor/, shared
scripts.sort modified
scripts.sort-desc true
scripts.debounce-base-ms 100
scripts.debounce-max-ms 50`

	config, err := LoadFromReader(strings.NewReader(configContent))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	s := config.ResolveSettings()

	if s.ScriptsRoot != "/tmp/scripts" {
		t.Errorf("Expected root /tmp/scripts, got %q", s.ScriptsRoot)
	}
	if len(s.AllowedExtensions) != 2 || s.AllowedExtensions[0] != ".js" || s.AllowedExtensions[1] != ".mjs" {
		t.Errorf("Unexpected extensions: %v", s.AllowedExtensions)
	}
	if !s.RunAtLaunch || s.RequireConfirmation {
		t.Errorf("Policy flags not applied: launch=%v confirm=%v", s.RunAtLaunch, s.RequireConfirmation)
	}
	if len(s.TrustedFolders) != 2 || s.TrustedFolders[0] != "vendor" || s.TrustedFolders[1] != "shared" {
		t.Errorf("Unexpected trusted folders: %v", s.TrustedFolders)
	}
	if s.SortField != "modified" || !s.SortDescending {
		t.Errorf("Unexpected sort: field=%q desc=%v", s.SortField, s.SortDescending)
	}
	// Max below base is clamped up to base.
	if s.DebounceBase != 100*time.Millisecond || s.DebounceMax != 100*time.Millisecond {
		t.Errorf("Unexpected debounce: base=%v max=%v", s.DebounceBase, s.DebounceMax)
	}
}
