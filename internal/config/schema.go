package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// OptionType represents the expected type of a configuration option value.
type OptionType string

const (
	// TypeString is a plain string value (the default for all config values).
	TypeString OptionType = "string"
	// TypeBool is a boolean value (true/false/yes/no/1/0/on/off).
	TypeBool OptionType = "bool"
	// TypeInt is an integer value.
	TypeInt OptionType = "int"
	// TypeList is a comma-separated list value.
	TypeList OptionType = "list"
)

// Option declares a single configuration option with its type, default, and
// documentation.
type Option struct {
	// Key is the option name as it appears in the config file (kebab-case).
	Key string
	// Type is the expected value type for validation.
	Type OptionType
	// Default is the default value as a string, or "" for no default.
	Default string
	// Description is a human-readable description of the option.
	Description string
}

// Schema declares the expected configuration options for the application.
type Schema struct {
	options []Option
	byKey   map[string]Option
}

// NewSchema creates a schema from the given options.
func NewSchema(opts ...Option) *Schema {
	s := &Schema{byKey: make(map[string]Option)}
	for _, opt := range opts {
		s.options = append(s.options, opt)
		s.byKey[opt.Key] = opt
	}
	return s
}

// Options returns all registered options in registration order.
func (s *Schema) Options() []Option {
	return s.options
}

// DefaultSchema returns the schema of known global options.
func DefaultSchema() *Schema {
	return NewSchema(
		Option{Key: "scripts.root", Type: TypeString, Description: "Managed script tree root directory"},
		Option{Key: "scripts.preferences", Type: TypeString, Description: "Path of the persisted preference document"},
		Option{Key: "scripts.extensions", Type: TypeList, Default: ".js", Description: "Allowed script file extensions"},
		Option{Key: "scripts.run-at-launch", Type: TypeBool, Default: "false", Description: "Run startup-kind scripts at launch"},
		Option{Key: "scripts.require-confirmation", Type: TypeBool, Default: "true", Description: "Require confirmation before a script's first run"},
		Option{Key: "scripts.trusted-folders", Type: TypeList, Description: "Folders exempt from first-run confirmation"},
		Option{Key: "scripts.sort", Type: TypeString, Default: "name", Description: "Listing sort field: name or modified"},
		Option{Key: "scripts.sort-desc", Type: TypeBool, Default: "false", Description: "Reverse the listing order"},
		Option{Key: "scripts.debounce-base-ms", Type: TypeInt, Default: "300", Description: "Base change-coalescing delay in milliseconds"},
		Option{Key: "scripts.debounce-max-ms", Type: TypeInt, Default: "2000", Description: "Maximum change-coalescing delay in milliseconds"},
	)
}

// Resolve returns the effective value for key: the configured value when
// present, otherwise the schema default.
func (s *Schema) Resolve(c *Config, key string) string {
	if value, ok := c.GetGlobalOption(key); ok {
		return value
	}
	if opt, known := s.byKey[key]; known {
		return opt.Default
	}
	return ""
}

// FormatHelp renders the schema as help text, one line per option.
func (s *Schema) FormatHelp() string {
	var b strings.Builder
	b.WriteString("Known global options:\n")
	for _, opt := range s.options {
		b.WriteString(fmt.Sprintf("  %-32s %s", opt.Key, opt.Description))
		if opt.Default != "" {
			b.WriteString(fmt.Sprintf(" (default: %s)", opt.Default))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ValidateConfig checks a loaded Config against the schema and returns a list
// of human-readable issues (empty if the config is valid): unknown global
// options and type mismatches. Command-section options are not schema-bound;
// commands interpret their own sections.
func ValidateConfig(c *Config, s *Schema) []string {
	var issues []string

	for key, value := range c.Global {
		opt, known := s.byKey[key]
		if !known {
			issues = append(issues, fmt.Sprintf("unknown global option: %q (value: %q)", key, value))
			continue
		}
		if err := validateType(opt.Type, value); err != nil {
			issues = append(issues, fmt.Sprintf("global option %q: %v", key, err))
		}
	}

	sort.Strings(issues)
	return issues
}

// validateType checks that a string value matches the expected OptionType.
func validateType(t OptionType, value string) error {
	switch t {
	case TypeString, TypeList, "":
		return nil
	case TypeBool:
		if _, err := ParseBool(value); err != nil {
			return fmt.Errorf("expected bool, got %q", value)
		}
	case TypeInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("expected int, got %q", value)
		}
	default:
		return fmt.Errorf("unknown option type %q", t)
	}
	return nil
}
