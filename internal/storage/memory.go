package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation used by tests and by
// callers that need a scratch tree without touching the filesystem. It can
// also emit synthetic change notifications, making it a stand-in for the
// watcher in orchestrator tests.
type MemoryStore struct {
	mu      sync.Mutex
	files   map[string]memoryFile
	folders map[string]bool
	clock   time.Time
	subs    []chan Event
}

type memoryFile struct {
	content string
	modTime time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:   make(map[string]memoryFile),
		folders: map[string]bool{"": true},
		clock:   time.Unix(1000, 0),
	}
}

func (s *MemoryStore) List(ctx context.Context, folder string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	folder = NormalizePath(folder)
	var files []FileInfo
	for p, f := range s.files {
		if ParentFolder(p) != folder {
			continue
		}
		files = append(files, FileInfo{Path: p, ModTime: f.modTime})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (s *MemoryStore) Read(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[NormalizePath(p)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotExist, p)
	}
	return f.content, nil
}

func (s *MemoryStore) Write(ctx context.Context, p, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p = NormalizePath(p)
	s.clock = s.clock.Add(time.Second)
	s.files[p] = memoryFile{content: text, modTime: s.clock}
	for dir := ParentFolder(p); dir != ""; dir = ParentFolder(dir) {
		s.folders[dir] = true
	}
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p = NormalizePath(p)
	if _, ok := s.files[p]; ok {
		return true, nil
	}
	return s.folders[p], nil
}

func (s *MemoryStore) MkDir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for dir := NormalizePath(p); dir != ""; dir = ParentFolder(dir) {
		s.folders[dir] = true
	}
	return nil
}

func (s *MemoryStore) Stat(ctx context.Context, p string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return FileInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p = NormalizePath(p)
	f, ok := s.files[p]
	if !ok {
		return FileInfo{}, fmt.Errorf("%w: %s", ErrNotExist, p)
	}
	return FileInfo{Path: p, ModTime: f.modTime}, nil
}

// Remove deletes a file without emitting an event; tests emit explicitly via
// Emit so they control ordering.
func (s *MemoryStore) Remove(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, NormalizePath(p))
}

// Rename moves a file from one path to another.
func (s *MemoryStore) Rename(oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldPath, newPath = NormalizePath(oldPath), NormalizePath(newPath)
	f, ok := s.files[oldPath]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotExist, oldPath)
	}
	delete(s.files, oldPath)
	s.clock = s.clock.Add(time.Second)
	f.modTime = s.clock
	s.files[newPath] = f
	return nil
}

// Subscribe returns a channel receiving events passed to Emit.
func (s *MemoryStore) Subscribe() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Event, 64)
	s.subs = append(s.subs, ch)
	return ch
}

// Emit delivers a synthetic change notification to all subscribers.
func (s *MemoryStore) Emit(ev Event) {
	s.mu.Lock()
	subs := make([]chan Event, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, ch := range subs {
		ch <- ev
	}
}

// Dump returns all paths currently in the store, for test assertions.
func (s *MemoryStore) Dump() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

var _ Store = (*MemoryStore)(nil)
