package scrippet

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/patchwork-tools/scrippets/internal/storage"
)

// RegistryOptions configures which files the registry considers managed.
type RegistryOptions struct {
	// StartupFolder is the store-relative child folder holding startup-kind
	// scripts.
	StartupFolder string
	// AllowedExtensions are the eligible file extensions (lowercase, with
	// leading dot).
	AllowedExtensions []string
	// ScanConcurrency caps the number of in-flight file reads during a full
	// scan. Zero means a sensible default.
	ScanConcurrency int
}

// Registry maintains the authoritative path→descriptor and id→descriptor
// maps for the managed tree, plus the duplicate and discovery-error records
// from the most recent scan activity.
//
// The registry is a single-writer state object: all mutation funnels through
// Scan, UpdatePath, and RemovePath, which the Manager serializes.
type Registry struct {
	store storage.Store
	prefs *PrefStore
	opts  RegistryOptions

	byPath     map[string]*Descriptor
	byID       map[string]*Descriptor
	duplicates map[string]Duplicate      // keyed by path
	errs       map[string]DiscoveryError // keyed by path

	// readCache holds file contents for the duration of one scan or
	// incremental-update cycle so each file is read at most once per cycle.
	readCache map[string]string

	collator *collate.Collator
}

// NewRegistry creates an empty registry over the given store.
func NewRegistry(store storage.Store, prefs *PrefStore, opts RegistryOptions) *Registry {
	if opts.StartupFolder == "" {
		opts.StartupFolder = "startup"
	}
	if len(opts.AllowedExtensions) == 0 {
		opts.AllowedExtensions = []string{".js"}
	}
	if opts.ScanConcurrency <= 0 {
		opts.ScanConcurrency = 8
	}
	return &Registry{
		store:      store,
		prefs:      prefs,
		opts:       opts,
		byPath:     make(map[string]*Descriptor),
		byID:       make(map[string]*Descriptor),
		duplicates: make(map[string]Duplicate),
		errs:       make(map[string]DiscoveryError),
		readCache:  make(map[string]string),
		collator:   collate.New(language.Und),
	}
}

// KindForPath determines a path's kind from the subtree it falls under.
// It reports false for paths outside both managed subtrees.
func (r *Registry) KindForPath(p string) (Kind, bool) {
	p = storage.NormalizePath(p)
	switch storage.ParentFolder(p) {
	case r.opts.StartupFolder:
		return KindStartup, true
	case "":
		if p == "" {
			return 0, false
		}
		return KindCommand, true
	default:
		return 0, false
	}
}

// extensionAllowed reports whether the path carries an eligible extension.
func (r *Registry) extensionAllowed(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	for _, allowed := range r.opts.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// Managed reports whether a path is a managed script file: inside one of the
// two subtrees and carrying an allowed extension.
func (r *Registry) Managed(p string) bool {
	if _, ok := r.KindForPath(p); !ok {
		return false
	}
	return r.extensionAllowed(p)
}

// fileResult carries one file's read outcome from the concurrent phase of a
// scan into the sequential claim phase.
type fileResult struct {
	info    storage.FileInfo
	kind    Kind
	content string
	err     error
}

// Scan rebuilds the registry from the current storage state. Per-file
// failures are recorded and do not abort the scan. The new maps are only
// published after every read has resolved, so observers never see a
// partially-populated registry.
func (r *Registry) Scan(ctx context.Context) error {
	// The read cache is scoped to this cycle regardless of outcome.
	defer r.clearReadCache()

	commandFiles, err := r.store.List(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list command scripts: %w", err)
	}
	startupFiles, err := r.store.List(ctx, r.opts.StartupFolder)
	if err != nil {
		return fmt.Errorf("failed to list startup scripts: %w", err)
	}

	type task struct {
		info storage.FileInfo
		kind Kind
	}
	var tasks []task
	for _, f := range commandFiles {
		if r.extensionAllowed(f.Path) {
			tasks = append(tasks, task{info: f, kind: KindCommand})
		}
	}
	for _, f := range startupFiles {
		if r.extensionAllowed(f.Path) {
			tasks = append(tasks, task{info: f, kind: KindStartup})
		}
	}

	// Fire-and-await-all: reads are independent and complete in any order.
	// Claims below happen in completion order, which is the intentionally
	// weak first-seen tie-break for duplicate IDs.
	results := make(chan fileResult, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.ScanConcurrency)
	for _, t := range tasks {
		g.Go(func() error {
			// Direct store read; the cycle cache is not goroutine-safe and
			// a full scan touches each file exactly once anyway.
			content, err := r.store.Read(gctx, t.info.Path)
			results <- fileResult{info: t.info, kind: t.kind, content: content, err: err}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	byPath := make(map[string]*Descriptor)
	byID := make(map[string]*Descriptor)
	duplicates := make(map[string]Duplicate)
	errs := make(map[string]DiscoveryError)

	for res := range results {
		p := res.info.Path
		if res.err != nil {
			errs[p] = DiscoveryError{Path: p, Err: res.err}
			continue
		}
		md, err := ExtractMetadata(res.content, p)
		if err != nil {
			errs[p] = DiscoveryError{Path: p, Err: err}
			continue
		}
		if _, taken := byID[md.ID]; taken {
			// First claim wins; the later file is rejected, never a silent
			// overwrite.
			duplicates[p] = Duplicate{
				Path:          p,
				ConflictingID: md.ID,
				SuggestedID:   suggestID(md.ID, byID),
			}
			continue
		}
		desc := r.buildDescriptor(md, p, res.kind, res.info, res.content)
		byPath[p] = desc
		byID[md.ID] = desc
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// Publish atomically with respect to observers.
	r.byPath = byPath
	r.byID = byID
	r.duplicates = duplicates
	r.errs = errs
	return nil
}

// PathUpdate describes the outcome of one incremental re-derivation.
type PathUpdate struct {
	Path string
	// OldID is the previously registered ID at this path, "" if none.
	OldID string
	// Removed is true when the path no longer has a descriptor.
	Removed bool
	// Desc is the newly registered descriptor, nil when Removed or rejected.
	Desc *Descriptor
	// Conflict is set when the update was rejected due to an ID collision.
	Conflict *Duplicate
}

// UpdatePath re-derives the descriptor for a single path. A path whose kind
// can no longer be determined, or whose extension is no longer allowed, is
// treated as deleted. An update whose new ID collides with a different
// path's descriptor is rejected: the old descriptor for this path is removed
// and the conflict recorded, never a partial state.
func (r *Registry) UpdatePath(ctx context.Context, p string) (*PathUpdate, error) {
	p = storage.NormalizePath(p)
	up := &PathUpdate{Path: p}
	if old := r.byPath[p]; old != nil {
		up.OldID = old.ID
	}

	kind, ok := r.KindForPath(p)
	if !ok || !r.extensionAllowed(p) {
		r.dropPath(p)
		up.Removed = true
		return up, nil
	}

	content, err := r.readCached(ctx, p)
	if err != nil {
		r.dropPath(p)
		up.Removed = true
		r.errs[p] = DiscoveryError{Path: p, Err: err}
		return up, nil
	}
	info, err := r.store.Stat(ctx, p)
	if err != nil {
		r.dropPath(p)
		up.Removed = true
		r.errs[p] = DiscoveryError{Path: p, Err: err}
		return up, nil
	}

	md, err := ExtractMetadata(content, p)
	if err != nil {
		r.dropPath(p)
		up.Removed = true
		r.errs[p] = DiscoveryError{Path: p, Err: err}
		return up, nil
	}

	if existing := r.byID[md.ID]; existing != nil && existing.Path != p {
		// Reject rather than apply a partial state: this path loses its
		// registration and the conflict is reported.
		r.dropPath(p)
		dup := Duplicate{Path: p, ConflictingID: md.ID, SuggestedID: suggestID(md.ID, r.byID)}
		r.duplicates[p] = dup
		up.Removed = true
		up.Conflict = &dup
		return up, nil
	}

	// Retire the old ID's entry together with the new registration; the
	// caller retires the cached instance and invocable from OldID.
	r.dropPath(p)
	desc := r.buildDescriptor(md, p, kind, info, content)
	r.byPath[p] = desc
	r.byID[md.ID] = desc
	up.Desc = desc
	return up, nil
}

// RemovePath removes any descriptor, duplicate record, or discovery error
// held for the path, returning the retired ID if a descriptor existed.
func (r *Registry) RemovePath(p string) (oldID string, existed bool) {
	p = storage.NormalizePath(p)
	if old := r.byPath[p]; old != nil {
		oldID, existed = old.ID, true
	}
	r.dropPath(p)
	r.InvalidateRead(p)
	return oldID, existed
}

// dropPath unregisters the path from every record map. The byID entry is
// removed only when this path owns it.
func (r *Registry) dropPath(p string) {
	if old := r.byPath[p]; old != nil {
		delete(r.byPath, p)
		if cur := r.byID[old.ID]; cur != nil && cur.Path == p {
			delete(r.byID, old.ID)
		}
	}
	delete(r.duplicates, p)
	delete(r.errs, p)
}

// buildDescriptor assembles a descriptor, mirroring the enabled flag from
// the preference store (migrating legacy path-keyed records as a side
// effect).
func (r *Registry) buildDescriptor(md *Metadata, p string, kind Kind, info storage.FileInfo, content string) *Descriptor {
	pref := r.prefs.Resolve(md.ID, p)
	return &Descriptor{
		ID:            md.ID,
		Name:          md.Name,
		Description:   md.Description,
		Path:          p,
		Kind:          kind,
		Metadata:      md.Fields,
		Enabled:       pref.Enabled,
		HeaderSnippet: HeaderSnippet(content, headerSnippetLines),
		Modified:      info.ModTime,
	}
}

// readCached reads a path through the cycle-scoped cache.
func (r *Registry) readCached(ctx context.Context, p string) (string, error) {
	if content, ok := r.readCache[p]; ok {
		return content, nil
	}
	content, err := r.store.Read(ctx, p)
	if err != nil {
		return "", err
	}
	r.readCache[p] = content
	return content, nil
}

// InvalidateRead drops a specific path from the read cache; used when the
// path is known to have changed outside of a cycle.
func (r *Registry) InvalidateRead(p string) {
	delete(r.readCache, storage.NormalizePath(p))
}

// ClearReadCache is called at the end of every incremental cycle so stale
// reads never leak into the next one.
func (r *Registry) ClearReadCache() {
	r.clearReadCache()
}

func (r *Registry) clearReadCache() {
	r.readCache = make(map[string]string)
}

// Lookup returns the descriptor registered under id.
func (r *Registry) Lookup(id string) (*Descriptor, bool) {
	desc, ok := r.byID[id]
	return desc, ok
}

// LookupPath returns the descriptor registered at the path.
func (r *Registry) LookupPath(p string) (*Descriptor, bool) {
	desc, ok := r.byPath[storage.NormalizePath(p)]
	return desc, ok
}

// SetEnabled mirrors an updated preference onto the descriptor for id.
// Descriptors are replaced, not mutated, so observers holding the old
// pointer keep a consistent snapshot.
func (r *Registry) SetEnabled(id string, enabled bool) (*Descriptor, bool) {
	old, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	if old.Enabled == enabled {
		return old, true
	}
	desc := *old
	desc.Enabled = enabled
	r.byID[id] = &desc
	r.byPath[desc.Path] = &desc
	return &desc, true
}

// Descriptors returns all registered descriptors sorted for presentation:
// by display name under locale-aware, case-sensitive collation (ties keep
// registration order stable), or by modification time when field is
// "modified".
func (r *Registry) Descriptors(field string, descending bool) []*Descriptor {
	out := make([]*Descriptor, 0, len(r.byPath))
	for _, desc := range r.byPath {
		out = append(out, desc)
	}
	// Deterministic pre-order so the stable sort has a defined tie-break.
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	switch field {
	case "modified":
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Modified.Before(out[j].Modified)
		})
	default:
		sort.SliceStable(out, func(i, j int) bool {
			return r.collator.CompareString(out[i].Name, out[j].Name) < 0
		})
	}

	if descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// OfKind filters sorted descriptors down to one kind.
func (r *Registry) OfKind(kind Kind, field string, descending bool) []*Descriptor {
	all := r.Descriptors(field, descending)
	out := all[:0]
	for _, desc := range all {
		if desc.Kind == kind {
			out = append(out, desc)
		}
	}
	return out
}

// Duplicates returns the duplicate records from the latest scan activity,
// ordered by path.
func (r *Registry) Duplicates() []Duplicate {
	out := make([]Duplicate, 0, len(r.duplicates))
	for _, d := range r.duplicates {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Errors returns the discovery errors from the latest scan activity, ordered
// by path.
func (r *Registry) Errors() []DiscoveryError {
	out := make([]DiscoveryError, 0, len(r.errs))
	for _, e := range r.errs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// StartupFolder returns the configured startup subtree name.
func (r *Registry) StartupFolder() string {
	return r.opts.StartupFolder
}

// suggestID returns a collision-free alternative for a conflicting ID by
// appending an incrementing numeric suffix.
func suggestID(base string, taken map[string]*Descriptor) string {
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if _, exists := taken[candidate]; !exists {
			return candidate
		}
	}
}
