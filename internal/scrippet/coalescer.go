package scrippet

import (
	"sync"
	"time"

	"github.com/patchwork-tools/scrippets/internal/storage"
)

// PendingChanges is the transient batch of storage changes awaiting one
// atomic apply cycle. A path is never in both sets at once; whichever event
// arrived last wins the slot.
type PendingChanges struct {
	// Changed holds paths to re-examine.
	Changed map[string]struct{}
	// Deleted holds paths to remove.
	Deleted map[string]struct{}
	// Full forces a total re-scan, superseding the per-path sets.
	Full bool
}

func newPendingChanges() PendingChanges {
	return PendingChanges{
		Changed: make(map[string]struct{}),
		Deleted: make(map[string]struct{}),
	}
}

// Empty reports whether the batch carries no work.
func (p PendingChanges) Empty() bool {
	return !p.Full && len(p.Changed) == 0 && len(p.Deleted) == 0
}

// burstWindow is the inter-event gap under which consecutive events count as
// one burst, growing the flush delay.
const burstWindow = 500 * time.Millisecond

// nextDelay computes the adaptive debounce delay as a pure function of the
// time since the previous event and the current burst size, so it can be
// unit-tested without real timers. Sparse events reset to the base delay;
// events inside the burst window grow it linearly up to the cap.
func nextDelay(sinceLast time.Duration, burst int, base, max time.Duration) time.Duration {
	if sinceLast >= burstWindow || burst <= 0 {
		return base
	}
	delay := base + base*time.Duration(burst)/2
	if delay > max {
		return max
	}
	return delay
}

// Coalescer converts a live stream of raw storage notifications into
// infrequent batched apply cycles. Notifications outside the managed
// subtrees are dropped at the source; renames decompose into a deletion plus
// a creation; non-file entities escalate straight to a full rescan.
type Coalescer struct {
	base    time.Duration
	max     time.Duration
	inScope func(path string) bool
	isTree  func(path string) bool
	flush   func(PendingChanges)

	mu        sync.Mutex
	pending   PendingChanges
	timer     *time.Timer
	lastEvent time.Time
	burst     int
	now       func() time.Time
}

// NewCoalescer creates a coalescer. inScope recognizes managed script
// paths, isTree recognizes folders whose change can affect the managed
// subtrees, and flush receives each swapped-out batch when the debounce
// timer fires.
func NewCoalescer(base, max time.Duration, inScope, isTree func(string) bool, flush func(PendingChanges)) *Coalescer {
	if max < base {
		max = base
	}
	return &Coalescer{
		base:    base,
		max:     max,
		inScope: inScope,
		isTree:  isTree,
		flush:   flush,
		pending: newPendingChanges(),
		now:     time.Now,
	}
}

// Note queues a single change notification and (re)schedules the flush
// timer. Canceling the previous pending timer here is the system's only
// cancellation primitive.
func (c *Coalescer) Note(ev storage.Event) {
	path := storage.NormalizePath(ev.Path)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.IsDir {
		// A folder created, moved, or removed inside the managed tree can
		// carry any number of files with no per-file notifications.
		if c.isTree(path) || (ev.OldPath != "" && c.isTree(storage.NormalizePath(ev.OldPath))) {
			c.pending.Full = true
			c.scheduleLocked()
		}
		return
	}

	queued := false
	switch ev.Kind {
	case storage.EventCreate, storage.EventModify:
		queued = c.markChangedLocked(path)
	case storage.EventDelete:
		queued = c.markDeletedLocked(path)
	case storage.EventRename:
		queued = c.markDeletedLocked(storage.NormalizePath(ev.OldPath))
		if c.markChangedLocked(path) {
			queued = true
		}
	}

	if queued {
		c.scheduleLocked()
	}
}

// RequestFull escalates the pending batch to a full rescan, absorbing and
// discarding all per-path entries when it flushes.
func (c *Coalescer) RequestFull() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending.Full = true
	c.scheduleLocked()
}

func (c *Coalescer) markChangedLocked(path string) bool {
	if !c.inScope(path) {
		return false
	}
	delete(c.pending.Deleted, path)
	c.pending.Changed[path] = struct{}{}
	return true
}

func (c *Coalescer) markDeletedLocked(path string) bool {
	if !c.inScope(path) {
		return false
	}
	// A deletion always evicts any pending changed entry for the same path.
	delete(c.pending.Changed, path)
	c.pending.Deleted[path] = struct{}{}
	return true
}

func (c *Coalescer) scheduleLocked() {
	now := c.now()
	sinceLast := burstWindow
	if !c.lastEvent.IsZero() {
		sinceLast = now.Sub(c.lastEvent)
	}
	if sinceLast < burstWindow {
		c.burst++
	} else {
		c.burst = 0
	}
	c.lastEvent = now

	delay := nextDelay(sinceLast, c.burst, c.base, c.max)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, c.fire)
}

func (c *Coalescer) fire() {
	batch := c.swap()
	if batch.Empty() {
		return
	}
	c.flush(batch)
}

// swap exchanges the pending set for an empty one, so events arriving while
// a flush is processing start a fresh cycle instead of being lost or
// double-processed.
func (c *Coalescer) swap() PendingChanges {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := c.pending
	c.pending = newPendingChanges()
	c.timer = nil
	c.burst = 0
	return batch
}

// FlushNow cancels any scheduled timer and applies the pending batch
// immediately. Used at shutdown and by tests to drive cycles synchronously.
func (c *Coalescer) FlushNow() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.fire()
}

// Stop cancels any scheduled flush without applying it.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
