package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// awaitEvent drains the stream until an event matching the predicate arrives
// or the timeout expires.
func awaitEvent(t *testing.T, events <-chan Event, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("Event stream closed before the expected event")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("Timed out waiting for event")
		}
	}
}

func TestWatcherFileLifecycle(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileSystemStore(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.MkDir(context.Background(), "startup"); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(store, "", "startup")
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer func() { _ = w.Close() }()

	path := filepath.Join(root, "watched.js")
	if err := os.WriteFile(path, []byte("one"), 0644); err != nil {
		t.Fatal(err)
	}
	ev := awaitEvent(t, w.Events(), func(ev Event) bool {
		return ev.Path == "watched.js" && ev.Kind == EventCreate
	})
	if ev.IsDir {
		t.Error("A file create must not be flagged as a folder")
	}

	if err := os.WriteFile(path, []byte("two"), 0644); err != nil {
		t.Fatal(err)
	}
	awaitEvent(t, w.Events(), func(ev Event) bool {
		return ev.Path == "watched.js" && ev.Kind == EventModify
	})

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	awaitEvent(t, w.Events(), func(ev Event) bool {
		return ev.Path == "watched.js" && ev.Kind == EventDelete
	})
}

func TestWatcherStartupFolderCovered(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileSystemStore(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.MkDir(context.Background(), "startup"); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(store, "", "startup")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Close() }()

	if err := os.WriteFile(filepath.Join(root, "startup", "boot.js"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	awaitEvent(t, w.Events(), func(ev Event) bool {
		return ev.Path == "startup/boot.js" && ev.Kind == EventCreate
	})
}

func TestWatcherMissingFolderSkipped(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileSystemStore(root)
	if err != nil {
		t.Fatal(err)
	}

	// The startup folder does not exist yet; construction must still work.
	w, err := NewWatcher(store, "", "startup")
	if err != nil {
		t.Fatalf("NewWatcher must tolerate missing folders, got %v", err)
	}
	_ = w.Close()
}
