package scrippet

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/patchwork-tools/scrippets/internal/storage"
)

// Preference is the persisted per-ID user state. It survives reloads and
// renames as long as the stable ID does; records orphaned by a permanently
// removed script are kept rather than garbage-collected.
type Preference struct {
	// Enabled is whether the script may run, independent of discovery.
	Enabled bool `json:"enabled"`
	// HasRun is whether first-run confirmation has been satisfied at least
	// once.
	HasRun bool `json:"hasRun"`
}

// PrefStore persists preferences as a flat JSON document keyed by stable
// script ID. Legacy documents keyed by storage path are migrated in place the
// first time each such key is consulted.
//
// PrefStore is not goroutine-safe; the Manager owns it and serializes access.
type PrefStore struct {
	path    string
	records map[string]Preference
	dirty   bool
}

// LoadPrefStore reads the preference document at path. A missing document
// yields an empty store.
func LoadPrefStore(path string) (*PrefStore, error) {
	store := &PrefStore{
		path:    path,
		records: make(map[string]Preference),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}

	if err := json.Unmarshal(data, &store.records); err != nil {
		return nil, fmt.Errorf("failed to parse preferences: %w", err)
	}
	return store, nil
}

// Resolve returns the preference record for id, creating it lazily with
// defaults (enabled, not yet run). When no record exists under id but one
// exists under the script's storage path, the legacy entry is re-keyed to id.
func (s *PrefStore) Resolve(id, path string) Preference {
	if rec, ok := s.records[id]; ok {
		return rec
	}
	if path != "" && path != id {
		if rec, ok := s.records[path]; ok {
			delete(s.records, path)
			s.records[id] = rec
			s.dirty = true
			slog.Info("[Prefs] migrated legacy path-keyed preference", "path", path, "id", id)
			return rec
		}
	}
	rec := Preference{Enabled: true}
	s.records[id] = rec
	s.dirty = true
	return rec
}

// Get returns the record for id without creating one.
func (s *PrefStore) Get(id string) (Preference, bool) {
	rec, ok := s.records[id]
	return rec, ok
}

// SetEnabled updates the enabled flag for id.
func (s *PrefStore) SetEnabled(id string, enabled bool) {
	rec, ok := s.records[id]
	if ok && rec.Enabled == enabled {
		return
	}
	rec.Enabled = enabled
	s.records[id] = rec
	s.dirty = true
}

// MarkRun records that id has completed a confirmed run. It reports whether
// the flag actually transitioned, so the caller can persist exactly once.
func (s *PrefStore) MarkRun(id string) bool {
	rec, ok := s.records[id]
	if ok && rec.HasRun {
		return false
	}
	rec.HasRun = true
	if !ok {
		rec.Enabled = true
	}
	s.records[id] = rec
	s.dirty = true
	return true
}

// Save writes the document if anything changed since the last save. Write
// failures are best-effort by policy: the caller logs and carries on rather
// than retrying within the session.
func (s *PrefStore) Save() error {
	if !s.dirty {
		return nil
	}
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}
	if err := storage.AtomicWriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	s.dirty = false
	return nil
}
