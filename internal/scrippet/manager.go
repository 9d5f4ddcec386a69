package scrippet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/patchwork-tools/scrippets/internal/config"
	"github.com/patchwork-tools/scrippets/internal/storage"
)

// Host is the action surface the orchestrator registers invocables on, one
// per enabled command-kind descriptor.
type Host interface {
	RegisterInvocable(id, displayName string, run func(ctx context.Context) error)
	UnregisterInvocable(id string)
}

// Confirmer is the asynchronous first-run confirmation surface. The
// implementation presents the decision however it likes and resolves it;
// the orchestrator treats rejection, cancellation, and dismissal identically
// to an explicit "no".
type Confirmer interface {
	Confirm(ctx context.Context, decision *PendingDecision)
}

// PendingDecision is the suspend-point token of the two-phase confirmation
// protocol: the orchestrator yields it to the Confirmer and resumes when
// Resolve is called. Resolve is idempotent; only the first outcome counts.
type PendingDecision struct {
	// Token uniquely identifies this decision.
	Token string
	// Descriptor is the script awaiting confirmation.
	Descriptor *Descriptor

	once sync.Once
	c    chan bool
}

// NewPendingDecision creates a decision token for the descriptor.
func NewPendingDecision(desc *Descriptor) *PendingDecision {
	return &PendingDecision{
		Token:      uuid.NewString(),
		Descriptor: desc,
		c:          make(chan bool, 1),
	}
}

// Resolve supplies the outcome. Subsequent calls are ignored.
func (d *PendingDecision) Resolve(approved bool) {
	d.once.Do(func() { d.c <- approved })
}

// wait blocks until the decision resolves or the context ends; an ended
// context counts as "no".
func (d *PendingDecision) wait(ctx context.Context) bool {
	select {
	case approved := <-d.c:
		return approved
	case <-ctx.Done():
		return false
	}
}

// InvokeResult reports how an invocation concluded.
type InvokeResult int

const (
	// InvokeOK: the script ran to completion.
	InvokeOK InvokeResult = iota
	// InvokeDisabled: the descriptor is disabled; nothing ran.
	InvokeDisabled
	// InvokeDeclined: first-run confirmation was not granted; nothing ran.
	InvokeDeclined
	// InvokeFailed: loading or the script's own invoke failed.
	InvokeFailed
)

func (r InvokeResult) String() string {
	switch r {
	case InvokeOK:
		return "ok"
	case InvokeDisabled:
		return "disabled"
	case InvokeDeclined:
		return "declined"
	case InvokeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// invocablePrefix namespaces host-side invocable identifiers so bindings
// stay stable per stable script ID across reloads.
const invocablePrefix = "scrippet."

// Manager is the execution orchestrator: the public control surface for
// reloads, change application, trust policy, startup sequencing, and
// invocation. It is the single writer of the registry, the preference
// store, and the invocable bindings.
type Manager struct {
	store     storage.Store
	settings  config.Settings
	host      Host
	notifier  Notifier
	confirmer Confirmer

	mu           sync.Mutex
	prefs        *PrefStore
	registry     *Registry
	loader       *Loader
	coalescer    *Coalescer
	invocables   map[string]string // script ID → registered display name
	loadFailures map[string]string // script ID → last load error, this session
}

// NewManager assembles the orchestrator over the given store and settings.
func NewManager(store storage.Store, settings config.Settings, host Host, notifier Notifier, confirmer Confirmer, info HostInfo) (*Manager, error) {
	prefs, err := LoadPrefStore(settings.PreferencesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}

	m := &Manager{
		store:        store,
		settings:     settings,
		host:         host,
		notifier:     notifier,
		confirmer:    confirmer,
		prefs:        prefs,
		loader:       NewLoader(notifier, info),
		invocables:   make(map[string]string),
		loadFailures: make(map[string]string),
	}
	m.registry = NewRegistry(store, prefs, RegistryOptions{
		StartupFolder:     settings.StartupFolder,
		AllowedExtensions: settings.AllowedExtensions,
	})
	m.coalescer = NewCoalescer(
		settings.DebounceBase,
		settings.DebounceMax,
		m.registry.Managed,
		m.affectsTree,
		m.applyBatch,
	)
	return m, nil
}

// affectsTree recognizes folders whose change can move managed files without
// per-file notifications: the root itself, its direct children, and anything
// under the startup subtree.
func (m *Manager) affectsTree(p string) bool {
	if p == "" || p == m.settings.StartupFolder {
		return true
	}
	return storage.ParentFolder(p) == "" || storage.WithinFolder(p, m.settings.StartupFolder)
}

// Reload performs a full re-scan and republishes invocable bindings.
// Discovery and duplicate errors are aggregated on the scan result, never
// returned here.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloadLocked(ctx)
}

func (m *Manager) reloadLocked(ctx context.Context) error {
	prev := m.snapshotLocked()
	if err := m.registry.Scan(ctx); err != nil {
		return err
	}
	m.reconcileInstancesLocked(prev)
	// Load-failure flags are session diagnostics, recomputed on demand; a
	// full scan starts them fresh.
	m.loadFailures = make(map[string]string)
	m.syncInvocablesLocked()
	m.savePrefsLocked()
	return nil
}

// snapshotLocked captures path+modtime per ID so instance caches survive a
// re-scan when the underlying file is provably unchanged.
func (m *Manager) snapshotLocked() map[string]*Descriptor {
	prev := make(map[string]*Descriptor)
	for _, desc := range m.registry.Descriptors("name", false) {
		prev[desc.ID] = desc
	}
	return prev
}

// reconcileInstancesLocked keeps cached instances only for IDs whose file is
// the same path with the same modification time as before the scan;
// everything else may have changed content and is recompiled on demand.
func (m *Manager) reconcileInstancesLocked(prev map[string]*Descriptor) {
	m.loader.Retain(func(id string) bool {
		old, hadOld := prev[id]
		cur, hasCur := m.registry.Lookup(id)
		return hadOld && hasCur && old.Path == cur.Path && old.Modified.Equal(cur.Modified)
	})
}

// HandleEvent feeds one raw storage notification into the change coalescer.
// Out-of-scope paths are dropped at the source.
func (m *Manager) HandleEvent(ev storage.Event) {
	m.coalescer.Note(ev)
}

// FlushPending applies any queued changes immediately instead of waiting for
// the debounce timer.
func (m *Manager) FlushPending() {
	m.coalescer.FlushNow()
}

// applyBatch is the coalescer's flush target: one atomic apply cycle.
func (m *Manager) applyBatch(batch PendingChanges) {
	ctx := context.Background()

	m.mu.Lock()
	defer m.mu.Unlock()

	if batch.Full {
		// A full rescan supersedes the targeted updates.
		if err := m.reloadLocked(ctx); err != nil {
			slog.Error("[Manager] full rescan failed", "error", err)
		}
		return
	}

	for p := range batch.Deleted {
		m.registry.InvalidateRead(p)
		if oldID, existed := m.registry.RemovePath(p); existed {
			m.loader.Invalidate(oldID)
			delete(m.loadFailures, oldID)
		}
	}
	for p := range batch.Changed {
		m.registry.InvalidateRead(p)
		up, err := m.registry.UpdatePath(ctx, p)
		if err != nil {
			slog.Error("[Manager] incremental update failed", "path", p, "error", err)
			continue
		}
		// Any change notification touching the path invalidates the cached
		// instance; an ID change retires the old entry with it.
		if up.OldID != "" {
			m.loader.Invalidate(up.OldID)
			delete(m.loadFailures, up.OldID)
		}
		if up.Desc != nil && up.Desc.ID != up.OldID {
			m.loader.Invalidate(up.Desc.ID)
			delete(m.loadFailures, up.Desc.ID)
		}
	}
	m.registry.ClearReadCache()

	m.syncInvocablesLocked()
	m.savePrefsLocked()
}

// syncInvocablesLocked diffs the desired binding set (one per enabled
// command-kind descriptor) against what is currently registered. Binding
// identifiers derive from the stable ID, so host-side shortcuts survive
// ID-preserving reloads.
func (m *Manager) syncInvocablesLocked() {
	desired := make(map[string]string)
	for _, desc := range m.registry.OfKind(KindCommand, "name", false) {
		if desc.Enabled {
			desired[desc.ID] = desc.Name
		}
	}

	for id := range m.invocables {
		if _, keep := desired[id]; !keep {
			m.host.UnregisterInvocable(invocablePrefix + id)
			delete(m.invocables, id)
		}
	}
	for id, name := range desired {
		if registeredName, ok := m.invocables[id]; ok && registeredName == name {
			continue
		}
		if _, ok := m.invocables[id]; ok {
			// Display name changed; re-register under the same binding ID.
			m.host.UnregisterInvocable(invocablePrefix + id)
		}
		scriptID := id
		m.host.RegisterInvocable(invocablePrefix+id, name, func(ctx context.Context) error {
			_, err := m.Invoke(ctx, scriptID)
			return err
		})
		m.invocables[id] = name
	}
}

// savePrefsLocked persists preference changes best-effort: failures are
// logged, not retried within the session.
func (m *Manager) savePrefsLocked() {
	if err := m.prefs.Save(); err != nil {
		slog.Error("[Manager] failed to persist preferences", "error", err)
	}
}

// Invoke runs the script registered under id, honoring the per-descriptor
// state machine: disabled descriptors are a status-only no-op, enabled but
// unconfirmed ones suspend on the confirmation protocol, and failures are
// contained to this one call.
func (m *Manager) Invoke(ctx context.Context, id string) (InvokeResult, error) {
	m.mu.Lock()
	desc, ok := m.registry.Lookup(id)
	if !ok {
		m.mu.Unlock()
		return InvokeFailed, fmt.Errorf("unknown script: %s", id)
	}
	pref := m.prefs.Resolve(id, desc.Path)
	if !pref.Enabled {
		m.mu.Unlock()
		return InvokeDisabled, nil
	}
	needsConfirmation := m.settings.RequireConfirmation && !pref.HasRun && !m.trustedLocked(desc.Path)
	m.mu.Unlock()

	if needsConfirmation {
		decision := NewPendingDecision(desc)
		m.confirmer.Confirm(ctx, decision)
		if !decision.wait(ctx) {
			// Declined: no side effects, hasRun untouched.
			return InvokeDeclined, nil
		}
	}

	return m.runScript(ctx, desc)
}

// runScript loads (compiling on first use) and invokes one script, marking
// hasRun exactly once on success. Every failure produces one notification
// naming the script and is returned to the immediate caller only.
func (m *Manager) runScript(ctx context.Context, desc *Descriptor) (InvokeResult, error) {
	source, err := m.store.Read(ctx, desc.Path)
	if err != nil {
		m.notifier.Notify(fmt.Sprintf("Failed to read script %q: %v", desc.Name, err))
		return InvokeFailed, err
	}

	inst, err := m.loader.Load(desc.ID, source)
	if err != nil {
		// The descriptor stays registered; the flag records why it cannot run.
		m.mu.Lock()
		m.loadFailures[desc.ID] = err.Error()
		m.mu.Unlock()
		m.notifier.Notify(fmt.Sprintf("Failed to load script %q: %v", desc.Name, err))
		return InvokeFailed, err
	}
	m.mu.Lock()
	delete(m.loadFailures, desc.ID)
	m.mu.Unlock()

	if err := inst.Invoke(ctx); err != nil {
		m.notifier.Notify(fmt.Sprintf("Script %q failed: %v", desc.Name, err))
		return InvokeFailed, err
	}

	m.mu.Lock()
	if m.prefs.MarkRun(desc.ID) {
		m.savePrefsLocked()
	}
	m.mu.Unlock()
	return InvokeOK, nil
}

// trustedLocked reports whether the path falls under a trusted folder,
// exempting it from first-run confirmation.
func (m *Manager) trustedLocked(p string) bool {
	for _, folder := range m.settings.TrustedFolders {
		if storage.WithinFolder(p, storage.NormalizePath(folder)) {
			return true
		}
	}
	return false
}

// RunStartup executes the startup-kind scripts in display-name order, if and
// only if the launch policy is enabled. Per-script enablement still applies;
// first-run confirmation does not (trust is implied by opting in to the
// launch-time feature). Failures are isolated per script.
func (m *Manager) RunStartup(ctx context.Context) {
	if !m.settings.RunAtLaunch {
		return
	}

	m.mu.Lock()
	descs := m.registry.OfKind(KindStartup, "name", false)
	m.mu.Unlock()

	for _, desc := range descs {
		if !desc.Enabled {
			continue
		}
		if _, err := m.runScript(ctx, desc); err != nil {
			// Already notified; keep going with the remaining scripts.
			slog.Warn("[Manager] startup script failed", "id", desc.ID, "error", err)
		}
	}
}

// SetEnabled flips the run permission for id. The preference applies even
// when no descriptor is currently discovered for the ID.
func (m *Manager) SetEnabled(id string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prefs.SetEnabled(id, enabled)
	m.registry.SetEnabled(id, enabled)
	m.syncInvocablesLocked()
	m.savePrefsLocked()
}

// ResolveDuplicate rewrites the colliding file's ID in place using the
// recorded suggestion, then re-derives its descriptor.
func (m *Manager) ResolveDuplicate(ctx context.Context, path string) (string, error) {
	path = storage.NormalizePath(path)

	m.mu.Lock()
	var dup *Duplicate
	for _, d := range m.registry.Duplicates() {
		if d.Path == path {
			dup = &d
			break
		}
	}
	m.mu.Unlock()
	if dup == nil {
		return "", fmt.Errorf("no duplicate recorded for %s", path)
	}

	source, err := m.store.Read(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	rewritten, err := RewriteID(source, dup.SuggestedID)
	if err != nil {
		return "", err
	}
	if err := m.store.Write(ctx, path, rewritten); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry.InvalidateRead(path)
	if _, err := m.registry.UpdatePath(ctx, path); err != nil {
		return "", err
	}
	m.registry.ClearReadCache()
	m.syncInvocablesLocked()
	m.savePrefsLocked()
	return dup.SuggestedID, nil
}

// Descriptors returns the registry's contents in the configured
// presentation order.
func (m *Manager) Descriptors() []*Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Descriptors(m.settings.SortField, m.settings.SortDescending)
}

// Lookup returns the descriptor for id.
func (m *Manager) Lookup(id string) (*Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Lookup(id)
}

// Duplicates returns the duplicate records retained from the latest scan
// activity.
func (m *Manager) Duplicates() []Duplicate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Duplicates()
}

// DiscoveryErrors returns the per-path failures retained from the latest
// scan activity.
func (m *Manager) DiscoveryErrors() []DiscoveryError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Errors()
}

// LoadFailure reports the recorded load error for id, if its most recent
// load attempt this session failed.
func (m *Manager) LoadFailure(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.loadFailures[id]
	return msg, ok
}

// LoadFailures returns every script currently flagged with a load error,
// keyed by ID.
func (m *Manager) LoadFailures() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.loadFailures))
	for id, msg := range m.loadFailures {
		out[id] = msg
	}
	return out
}

// Preference exposes the persisted record for id, if any.
func (m *Manager) Preference(id string) (Preference, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs.Get(id)
}

// Close cancels any scheduled flush and persists outstanding preference
// changes.
func (m *Manager) Close() {
	m.coalescer.Stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savePrefsLocked()
}
