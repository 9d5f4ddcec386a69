// Package config loads the process-wide configuration controlling the
// managed script tree: where it lives, which files are eligible, and the
// trust/startup policies applied when scripts run.
package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents the application configuration.
type Config struct {
	// Global options that apply to all commands
	Global map[string]string
	// Command-specific options
	Commands map[string]map[string]string
	// Warnings contains any warnings generated during config loading
	Warnings []string
}

// NewConfig creates a new empty configuration.
func NewConfig() *Config {
	return &Config{
		Global:   make(map[string]string),
		Commands: make(map[string]map[string]string),
		Warnings: make([]string, 0),
	}
}

// Load loads configuration from the default config file path.
func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get config path: %w", err)
	}

	return LoadFromPath(configPath)
}

// LoadFromPath loads configuration from the specified file path.
// The file uses dnsmasq-style format: optionName remainingLineIsTheValue
//
// SECURITY: This function rejects symlinks to prevent symlink attacks
// that could read sensitive files through symlink traversal.
func LoadFromPath(path string) (*Config, error) {
	// Lstat checks the final path component for symlinks. Intermediate
	// directory symlinks are NOT checked; the threat model targets direct
	// file symlink substitution.
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty config if file doesn't exist
			return NewConfig(), nil
		}
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("symlink not allowed in config path: %s", path)
	}

	file, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return LoadFromReader(file)
}

// LoadFromReader loads configuration from an io.Reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	config := NewConfig()
	scanner := bufio.NewScanner(r)

	var currentCommand string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Check for section header [section_name]
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			currentCommand = strings.Trim(line, "[]")
			if config.Commands[currentCommand] == nil {
				config.Commands[currentCommand] = make(map[string]string)
			}
			continue
		}

		// Parse option line: optionName remainingLineIsTheValue
		parts := strings.SplitN(line, " ", 2)
		if len(parts) < 1 {
			continue
		}

		optionName := parts[0]
		var value string
		if len(parts) > 1 {
			value = parts[1]
		}

		if currentCommand == "" {
			config.Global[optionName] = value
		} else {
			config.Commands[currentCommand][optionName] = value
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}

	// Validate config against schema: detect unknown options and type mismatches.
	for _, issue := range ValidateConfig(config, DefaultSchema()) {
		config.addWarning("%s", issue)
	}

	return config, nil
}

// addWarning adds a warning to the config's warnings list.
func (c *Config) addWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.Warnings = append(c.Warnings, msg)
	slog.Warn("[Config] " + msg)
}

// GetGlobalOption returns a global configuration option.
func (c *Config) GetGlobalOption(name string) (string, bool) {
	value, exists := c.Global[name]
	return value, exists
}

// GetCommandOption returns a command-specific configuration option.
// It first checks command-specific options, then falls back to global options.
func (c *Config) GetCommandOption(command, name string) (string, bool) {
	if cmdOptions, exists := c.Commands[command]; exists {
		if value, exists := cmdOptions[name]; exists {
			return value, true
		}
	}

	return c.GetGlobalOption(name)
}

// SetGlobalOption sets a global configuration option.
func (c *Config) SetGlobalOption(name, value string) {
	c.Global[name] = value
}

// GetWarnings returns any warnings generated during config loading.
func (c *Config) GetWarnings() []string {
	return c.Warnings
}

// Settings is the resolved, typed view of the script-manager options.
type Settings struct {
	// ScriptsRoot is the absolute filesystem path of the managed tree.
	ScriptsRoot string
	// StartupFolder is the store-relative name of the startup subtree.
	StartupFolder string
	// AllowedExtensions are the file extensions eligible for discovery,
	// lowercase, with leading dot.
	AllowedExtensions []string
	// PreferencesPath is the absolute path of the persisted preference
	// document.
	PreferencesPath string
	// RunAtLaunch enables execution of startup-kind scripts at launch.
	RunAtLaunch bool
	// RequireConfirmation gates first-run execution behind a prompt.
	RequireConfirmation bool
	// TrustedFolders are store-relative folders exempt from first-run
	// confirmation.
	TrustedFolders []string
	// SortField orders listings: "name" or "modified".
	SortField string
	// SortDescending reverses the listing order.
	SortDescending bool
	// DebounceBase and DebounceMax bound the change-coalescing delay.
	DebounceBase time.Duration
	DebounceMax  time.Duration
}

// DefaultSettings returns the built-in defaults, anchored under the user's
// config directory.
func DefaultSettings() Settings {
	s := Settings{
		StartupFolder:       "startup",
		AllowedExtensions:   []string{".js"},
		RunAtLaunch:         false,
		RequireConfirmation: true,
		SortField:           "name",
		DebounceBase:        300 * time.Millisecond,
		DebounceMax:         2 * time.Second,
	}
	if configPath, err := GetConfigPath(); err == nil {
		configDir := filepath.Dir(configPath)
		s.ScriptsRoot = filepath.Join(configDir, "scripts")
		s.PreferencesPath = filepath.Join(configDir, "preferences.json")
	}
	return s
}

// ResolveSettings builds Settings from the loaded configuration, falling back
// to defaults for anything unset or invalid.
func (c *Config) ResolveSettings() Settings {
	s := DefaultSettings()

	if val, ok := c.GetGlobalOption("scripts.root"); ok && strings.TrimSpace(val) != "" {
		s.ScriptsRoot = expandPath(val)
	}
	if val, ok := c.GetGlobalOption("scripts.preferences"); ok && strings.TrimSpace(val) != "" {
		s.PreferencesPath = expandPath(val)
	}
	if val, ok := c.GetGlobalOption("scripts.extensions"); ok {
		if exts := parseExtensionList(val); len(exts) > 0 {
			s.AllowedExtensions = exts
		}
	}
	if val, ok := c.GetGlobalOption("scripts.run-at-launch"); ok {
		if parsed, err := ParseBool(val); err == nil {
			s.RunAtLaunch = parsed
		}
	}
	if val, ok := c.GetGlobalOption("scripts.require-confirmation"); ok {
		if parsed, err := ParseBool(val); err == nil {
			s.RequireConfirmation = parsed
		}
	}
	if val, ok := c.GetGlobalOption("scripts.trusted-folders"); ok {
		s.TrustedFolders = parsePathList(val)
	}
	if val, ok := c.GetGlobalOption("scripts.sort"); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "name", "modified":
			s.SortField = strings.ToLower(strings.TrimSpace(val))
		}
	}
	if val, ok := c.GetGlobalOption("scripts.sort-desc"); ok {
		if parsed, err := ParseBool(val); err == nil {
			s.SortDescending = parsed
		}
	}
	if val, ok := c.GetGlobalOption("scripts.debounce-base-ms"); ok {
		if ms, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && ms > 0 {
			s.DebounceBase = time.Duration(ms) * time.Millisecond
		}
	}
	if val, ok := c.GetGlobalOption("scripts.debounce-max-ms"); ok {
		if ms, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && ms > 0 {
			s.DebounceMax = time.Duration(ms) * time.Millisecond
		}
	}
	if s.DebounceMax < s.DebounceBase {
		s.DebounceMax = s.DebounceBase
	}

	return s
}

// ParseBool parses a boolean value from string.
// Accepts: true, false, 1, 0, yes, no, on, off (case-insensitive)
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s", s)
	}
}

// parseExtensionList parses a comma-separated extension list, normalizing
// each entry to lowercase with a leading dot.
func parseExtensionList(s string) []string {
	var exts []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, ".") {
			part = "." + part
		}
		exts = append(exts, part)
	}
	return exts
}

// parsePathList parses a comma-separated list of store-relative folders.
func parsePathList(s string) []string {
	var paths []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			paths = append(paths, strings.Trim(trimmed, "/"))
		}
	}
	return paths
}

// expandPath expands a leading tilde and environment variables in paths.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}
