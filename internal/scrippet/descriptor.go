package scrippet

import (
	"fmt"
	"time"
)

// Kind distinguishes how a discovered script is executed.
type Kind int

const (
	// KindCommand scripts run on explicit user invocation.
	KindCommand Kind = iota
	// KindStartup scripts are eligible for automatic execution at launch.
	KindStartup
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindStartup:
		return "startup"
	default:
		return "unknown"
	}
}

// headerSnippetLines is how many leading source lines are rendered into a
// descriptor's display snippet.
const headerSnippetLines = 8

// Descriptor represents one discovered script file. Descriptors are owned
// exclusively by the Registry; they are replaced, never mutated, when file
// content changes.
type Descriptor struct {
	// ID is the stable identifier, unique within the registry.
	ID string
	// Name is the display name.
	Name string
	// Description is optional, from metadata.
	Description string
	// Path is the normalized storage-relative path; exactly one descriptor
	// exists per path at any time.
	Path string
	// Kind is determined solely by which subtree the path falls under.
	Kind Kind
	// Metadata is the raw parsed header record; unknown keys preserved.
	Metadata map[string]string
	// Enabled mirrors the preference record for this ID.
	Enabled bool
	// HeaderSnippet is a rendered preview of the leading source lines,
	// for display only.
	HeaderSnippet string
	// Modified is the last-known modification timestamp, used for sort
	// ordering.
	Modified time.Time
}

// Duplicate records a file whose ID collided with an already-claimed one.
// Duplicates are recomputed on every scan and never persisted.
type Duplicate struct {
	// Path of the rejected file.
	Path string
	// ConflictingID is the ID both files resolved to.
	ConflictingID string
	// SuggestedID is a collision-free alternative at the time of the scan.
	SuggestedID string
}

// DiscoveryError records a per-path failure (unreadable file, unresolvable
// ID) captured during a scan without aborting it.
type DiscoveryError struct {
	Path string
	Err  error
}

func (e DiscoveryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e DiscoveryError) Unwrap() error { return e.Err }

// LoadError indicates that a script's source was found but could not be
// turned into a usable instance: it failed to compile, or the resolved
// export had no callable invoke.
type LoadError struct {
	ID  string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load script %q: %v", e.ID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
