// Package storage abstracts the managed file tree that script files live in.
// All paths crossing this boundary are store-relative and slash-separated,
// regardless of the host platform.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

// ErrNotExist is returned by Read and Stat when the path has no entry.
var ErrNotExist = errors.New("storage: path does not exist")

// FileInfo describes a single file in the store.
type FileInfo struct {
	// Path is the normalized store-relative path.
	Path string
	// ModTime is the last-known modification time.
	ModTime time.Time
}

// EventKind classifies a change notification.
type EventKind int

const (
	EventCreate EventKind = iota
	EventModify
	EventDelete
	EventRename
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	case EventRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is a single change notification from the store.
//
// For EventRename, OldPath carries the path before the rename and Path the
// path after it. IsDir marks notifications for non-file entities (folder
// creation, folder moves); consumers typically escalate those.
type Event struct {
	Kind    EventKind
	Path    string
	OldPath string
	IsDir   bool
}

// Store is the storage layer consumed by the script manager. Implementations
// must accept and return normalized slash-separated relative paths.
type Store interface {
	// List returns the files (not directories) directly under folder.
	List(ctx context.Context, folder string) ([]FileInfo, error)
	// Read returns the full content of the file at path.
	Read(ctx context.Context, path string) (string, error)
	// Write replaces the content of the file at path, creating it if needed.
	Write(ctx context.Context, path, text string) error
	// Exists reports whether a file or folder exists at path.
	Exists(ctx context.Context, path string) (bool, error)
	// MkDir creates the folder at path, including missing parents.
	MkDir(ctx context.Context, path string) error
	// Stat returns file information for path.
	Stat(ctx context.Context, path string) (FileInfo, error)
}

// NormalizePath converts p to the canonical store-relative form used for all
// map lookups and prefix comparisons: slash-separated, cleaned, no leading
// "./" or "/".
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// WithinFolder reports whether p is folder itself or a descendant of it.
// Both arguments must already be normalized. An empty folder matches
// everything (the store root contains all paths).
func WithinFolder(p, folder string) bool {
	if folder == "" {
		return true
	}
	return p == folder || strings.HasPrefix(p, folder+"/")
}

// ParentFolder returns the normalized folder containing p, or "" when p sits
// directly in the store root.
func ParentFolder(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}
