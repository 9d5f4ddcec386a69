package scrippet

import (
	"sync"
	"testing"
	"time"

	"github.com/patchwork-tools/scrippets/internal/storage"
)

func TestNextDelay(t *testing.T) {
	t.Parallel()
	base := 300 * time.Millisecond
	max := 2 * time.Second

	cases := []struct {
		name      string
		sinceLast time.Duration
		burst     int
		want      time.Duration
	}{
		{"sparse events reset to base", time.Second, 5, base},
		{"first event uses base", burstWindow, 0, base},
		{"zero burst uses base", 100 * time.Millisecond, 0, base},
		{"burst grows linearly", 100 * time.Millisecond, 2, base + base},
		{"burst capped at max", 100 * time.Millisecond, 100, max},
	}
	for _, c := range cases {
		if got := nextDelay(c.sinceLast, c.burst, base, max); got != c.want {
			t.Errorf("%s: nextDelay(%v, %d) = %v, want %v", c.name, c.sinceLast, c.burst, got, c.want)
		}
	}
}

// batchRecorder captures flushed batches for assertions.
type batchRecorder struct {
	mu      sync.Mutex
	batches []PendingChanges
}

func (r *batchRecorder) flush(batch PendingChanges) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
}

func (r *batchRecorder) all() []PendingChanges {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PendingChanges(nil), r.batches...)
}

func newTestCoalescer(rec *batchRecorder) *Coalescer {
	inScope := func(p string) bool { return storage.ParentFolder(p) == "" || storage.ParentFolder(p) == "startup" }
	isTree := func(p string) bool { return p == "" || p == "startup" }
	// Long delays so nothing fires on its own; tests drive flushes manually.
	return NewCoalescer(time.Hour, time.Hour, inScope, isTree, rec.flush)
}

func TestCoalescerBatchesEvents(t *testing.T) {
	t.Parallel()
	rec := &batchRecorder{}
	c := newTestCoalescer(rec)
	defer c.Stop()

	c.Note(storage.Event{Kind: storage.EventCreate, Path: "a.js"})
	c.Note(storage.Event{Kind: storage.EventModify, Path: "a.js"})
	c.Note(storage.Event{Kind: storage.EventModify, Path: "startup/b.js"})

	if got := rec.all(); len(got) != 0 {
		t.Fatalf("Nothing may flush before the timer, got %d batches", len(got))
	}

	c.FlushNow()
	batches := rec.all()
	if len(batches) != 1 {
		t.Fatalf("Expected one batch, got %d", len(batches))
	}
	batch := batches[0]
	if len(batch.Changed) != 2 {
		t.Errorf("Repeat events for one path must collapse, got %v", batch.Changed)
	}
	if _, ok := batch.Changed["a.js"]; !ok {
		t.Error("a.js missing from batch")
	}
	if _, ok := batch.Changed["startup/b.js"]; !ok {
		t.Error("startup/b.js missing from batch")
	}
}

func TestCoalescerDeleteEvictsChanged(t *testing.T) {
	t.Parallel()
	rec := &batchRecorder{}
	c := newTestCoalescer(rec)
	defer c.Stop()

	c.Note(storage.Event{Kind: storage.EventModify, Path: "a.js"})
	c.Note(storage.Event{Kind: storage.EventDelete, Path: "a.js"})
	c.FlushNow()

	batch := rec.all()[0]
	if _, ok := batch.Changed["a.js"]; ok {
		t.Error("Deletion must evict the pending changed entry")
	}
	if _, ok := batch.Deleted["a.js"]; !ok {
		t.Error("Deletion must be recorded")
	}
}

func TestCoalescerRenameDecomposes(t *testing.T) {
	t.Parallel()
	rec := &batchRecorder{}
	c := newTestCoalescer(rec)
	defer c.Stop()

	c.Note(storage.Event{Kind: storage.EventRename, Path: "new.js", OldPath: "old.js"})
	c.FlushNow()

	batch := rec.all()[0]
	if _, ok := batch.Deleted["old.js"]; !ok {
		t.Error("Rename must delete the old path")
	}
	if _, ok := batch.Changed["new.js"]; !ok {
		t.Error("Rename must re-examine the new path")
	}
}

func TestCoalescerOutOfScopeDropped(t *testing.T) {
	t.Parallel()
	rec := &batchRecorder{}
	c := newTestCoalescer(rec)
	defer c.Stop()

	c.Note(storage.Event{Kind: storage.EventModify, Path: "deep/nested/x.js"})
	c.FlushNow()

	if got := rec.all(); len(got) != 0 {
		t.Fatalf("Out-of-scope events must never produce a batch, got %v", got)
	}
}

func TestCoalescerFolderEventEscalates(t *testing.T) {
	t.Parallel()
	rec := &batchRecorder{}
	c := newTestCoalescer(rec)
	defer c.Stop()

	c.Note(storage.Event{Kind: storage.EventDelete, Path: "startup", IsDir: true})
	c.FlushNow()

	batches := rec.all()
	if len(batches) != 1 || !batches[0].Full {
		t.Fatalf("Folder change must escalate to a full rescan, got %+v", batches)
	}
}

func TestCoalescerSwapStartsFreshCycle(t *testing.T) {
	t.Parallel()
	rec := &batchRecorder{}
	c := newTestCoalescer(rec)
	defer c.Stop()

	c.Note(storage.Event{Kind: storage.EventModify, Path: "a.js"})
	c.FlushNow()
	c.Note(storage.Event{Kind: storage.EventModify, Path: "b.js"})
	c.FlushNow()

	batches := rec.all()
	if len(batches) != 2 {
		t.Fatalf("Expected two independent batches, got %d", len(batches))
	}
	if _, ok := batches[1].Changed["a.js"]; ok {
		t.Error("A flushed path must not reappear in the next batch")
	}
	if _, ok := batches[1].Changed["b.js"]; !ok {
		t.Error("b.js missing from the second batch")
	}
}

func TestCoalescerFlushNowEmptyIsNoop(t *testing.T) {
	t.Parallel()
	rec := &batchRecorder{}
	c := newTestCoalescer(rec)
	defer c.Stop()

	c.FlushNow()
	if got := rec.all(); len(got) != 0 {
		t.Fatalf("Empty flush must not call the target, got %d batches", len(got))
	}
}

func TestCoalescerBurstGrowsDelay(t *testing.T) {
	t.Parallel()
	rec := &batchRecorder{}
	c := NewCoalescer(300*time.Millisecond, 2*time.Second,
		func(string) bool { return true },
		func(string) bool { return false },
		rec.flush)
	defer c.Stop()

	// Drive the clock manually; each event lands 100ms after the previous.
	now := time.Unix(5000, 0)
	c.now = func() time.Time { return now }

	c.Note(storage.Event{Kind: storage.EventModify, Path: "a.js"})
	for i := 0; i < 3; i++ {
		now = now.Add(100 * time.Millisecond)
		c.Note(storage.Event{Kind: storage.EventModify, Path: "a.js"})
	}

	c.mu.Lock()
	burst := c.burst
	c.mu.Unlock()
	if burst != 3 {
		t.Errorf("Expected burst of 3 after four rapid events, got %d", burst)
	}
	if got := nextDelay(100*time.Millisecond, burst, 300*time.Millisecond, 2*time.Second); got != 750*time.Millisecond {
		t.Errorf("Expected grown delay 750ms, got %v", got)
	}
}
