package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher turns raw fsnotify events on a FileSystemStore into storage Events
// with normalized store-relative paths.
//
// fsnotify is not recursive, so every managed folder must be added
// explicitly. It also reports a rename as a Rename on the old name followed
// by a Create on the new name; the watcher therefore degrades renames to a
// delete of the old path and lets the trailing Create cover the new one,
// which is exactly the decomposition consumers apply anyway.
type Watcher struct {
	store   *FileSystemStore
	watcher *fsnotify.Watcher
	events  chan Event
	done    chan struct{}
}

// NewWatcher starts watching the given folders under the store root.
// Folders that do not exist yet are skipped; they can be added later with
// AddFolder once created.
func NewWatcher(store *FileSystemStore, folders ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		store:   store,
		watcher: fsw,
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}

	for _, folder := range folders {
		if err := w.AddFolder(folder); err != nil {
			slog.Warn("[Watcher] skipping folder", "folder", folder, "error", err)
		}
	}

	go w.run()
	return w, nil
}

// Events returns the stream of normalized change notifications. The channel
// is closed when the watcher shuts down.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// AddFolder registers an additional store-relative folder with the watcher.
func (w *Watcher) AddFolder(folder string) error {
	abs := w.store.Abs(folder)
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		if err != nil {
			return fmt.Errorf("folder unavailable: %w", err)
		}
		return fmt.Errorf("not a folder: %s", folder)
	}
	return w.watcher.Add(abs)
}

// Close stops the watcher and closes the event stream.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	defer close(w.events)

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if out, ok := w.translate(ev); ok {
				w.events <- out
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("[Watcher] watch error", "error", err)
		}
	}
}

func (w *Watcher) translate(ev fsnotify.Event) (Event, bool) {
	rel, ok := w.store.Rel(filepath.Clean(ev.Name))
	if !ok {
		return Event{}, false
	}

	isDir := false
	if info, err := os.Stat(ev.Name); err == nil {
		isDir = info.IsDir()
	} else if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		// The entry is gone; treat paths without an extension as folders so
		// folder moves still escalate to a full rescan downstream.
		isDir = filepath.Ext(rel) == ""
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		if isDir {
			// New subfolder under a managed tree; start watching it so files
			// pasted in with the folder are picked up.
			if err := w.watcher.Add(ev.Name); err != nil {
				slog.Warn("[Watcher] failed to watch new folder", "folder", rel, "error", err)
			}
		}
		return Event{Kind: EventCreate, Path: rel, IsDir: isDir}, true
	case ev.Op.Has(fsnotify.Write):
		return Event{Kind: EventModify, Path: rel, IsDir: isDir}, true
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		return Event{Kind: EventDelete, Path: rel, IsDir: isDir}, true
	default:
		// Chmod and other noise.
		return Event{}, false
	}
}
