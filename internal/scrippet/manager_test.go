package scrippet

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/patchwork-tools/scrippets/internal/config"
	"github.com/patchwork-tools/scrippets/internal/storage"
)

// fakeHost records invocable registrations.
type fakeHost struct {
	mu         sync.Mutex
	registered map[string]string
	callbacks  map[string]func(ctx context.Context) error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		registered: make(map[string]string),
		callbacks:  make(map[string]func(ctx context.Context) error),
	}
}

func (h *fakeHost) RegisterInvocable(id, displayName string, run func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registered[id] = displayName
	h.callbacks[id] = run
}

func (h *fakeHost) UnregisterInvocable(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.registered, id)
	delete(h.callbacks, id)
}

func (h *fakeHost) names() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.registered))
	for k, v := range h.registered {
		out[k] = v
	}
	return out
}

// scriptedConfirmer resolves every decision with a fixed answer and counts
// how often it was consulted.
type scriptedConfirmer struct {
	mu      sync.Mutex
	approve bool
	asked   int
}

func (c *scriptedConfirmer) Confirm(ctx context.Context, decision *PendingDecision) {
	c.mu.Lock()
	c.asked++
	approve := c.approve
	c.mu.Unlock()
	decision.Resolve(approve)
}

func (c *scriptedConfirmer) timesAsked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asked
}

type managerFixture struct {
	mgr       *Manager
	store     *storage.MemoryStore
	host      *fakeHost
	notifier  *recordingNotifier
	confirmer *scriptedConfirmer
}

func newManagerFixture(t *testing.T, mutate func(*config.Settings)) *managerFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	settings := config.Settings{
		StartupFolder:       "startup",
		AllowedExtensions:   []string{".js"},
		PreferencesPath:     filepath.Join(t.TempDir(), "prefs.json"),
		RunAtLaunch:         true,
		RequireConfirmation: true,
		SortField:           "name",
		DebounceBase:        time.Hour,
		DebounceMax:         time.Hour,
	}
	if mutate != nil {
		mutate(&settings)
	}

	host := newFakeHost()
	notifier := &recordingNotifier{}
	confirmer := &scriptedConfirmer{approve: true}
	mgr, err := NewManager(store, settings, host, notifier, confirmer, HostInfo{Name: "scrippets-test", Version: "0.0.0"})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(mgr.Close)
	return &managerFixture{mgr: mgr, store: store, host: host, notifier: notifier, confirmer: confirmer}
}

func (f *managerFixture) write(t *testing.T, path, content string) {
	t.Helper()
	if err := f.store.Write(context.Background(), path, content); err != nil {
		t.Fatal(err)
	}
}

func (f *managerFixture) reload(t *testing.T) {
	t.Helper()
	if err := f.mgr.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
}

func TestManagerReloadRegistersCommandInvocables(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, nil)
	f.write(t, "hello.js", "/*\n@id: hello\n@name: Say Hello\n*/\nfunction invoke(host) { host.notify('hi'); }\n")
	f.write(t, "startup/boot.js", "/*\n@id: boot\n*/\nfunction invoke(host) {}\n")
	f.reload(t)

	names := f.host.names()
	if names["scrippet.hello"] != "Say Hello" {
		t.Errorf("Expected hello registered, got %v", names)
	}
	if _, ok := names["scrippet.boot"]; ok {
		t.Error("Startup scripts must not become invocables")
	}
}

func TestManagerInvokeDisabledIsNoop(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, nil)
	f.write(t, "quiet.js", "/*\n@id: quiet\n*/\nfunction invoke(host) { host.notify('ran'); }\n")
	f.reload(t)

	f.mgr.SetEnabled("quiet", false)

	res, err := f.mgr.Invoke(context.Background(), "quiet")
	if err != nil {
		t.Fatalf("Disabled invoke must not error, got %v", err)
	}
	if res != InvokeDisabled {
		t.Errorf("Expected InvokeDisabled, got %v", res)
	}
	if len(f.notifier.all()) != 0 {
		t.Errorf("Nothing may run or notify, got %v", f.notifier.all())
	}
	if f.confirmer.timesAsked() != 0 {
		t.Error("Disabled scripts must not reach confirmation")
	}
	if _, ok := f.host.names()["scrippet.quiet"]; ok {
		t.Error("Disabling must retire the invocable")
	}
}

func TestManagerFirstRunConfirmation(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, nil)
	f.write(t, "guarded.js", "/*\n@id: guarded\n*/\nfunction invoke(host) { host.notify('ran'); }\n")
	f.reload(t)

	res, err := f.mgr.Invoke(context.Background(), "guarded")
	if err != nil || res != InvokeOK {
		t.Fatalf("Invoke = (%v, %v)", res, err)
	}
	if f.confirmer.timesAsked() != 1 {
		t.Fatalf("Expected one confirmation, got %d", f.confirmer.timesAsked())
	}

	// A confirmed script never asks again.
	if _, err := f.mgr.Invoke(context.Background(), "guarded"); err != nil {
		t.Fatal(err)
	}
	if f.confirmer.timesAsked() != 1 {
		t.Errorf("Second invoke must skip confirmation, asked %d times", f.confirmer.timesAsked())
	}

	pref, ok := f.mgr.Preference("guarded")
	if !ok || !pref.HasRun {
		t.Errorf("hasRun must persist after a confirmed run, got %+v", pref)
	}
}

func TestManagerDeclineLeavesNoTrace(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, nil)
	f.confirmer.approve = false
	f.write(t, "denied.js", "/*\n@id: denied\n*/\nfunction invoke(host) { host.notify('ran'); }\n")
	f.reload(t)

	res, err := f.mgr.Invoke(context.Background(), "denied")
	if err != nil {
		t.Fatalf("Decline must not error, got %v", err)
	}
	if res != InvokeDeclined {
		t.Errorf("Expected InvokeDeclined, got %v", res)
	}
	if len(f.notifier.all()) != 0 {
		t.Errorf("Declined scripts must not run, got %v", f.notifier.all())
	}
	pref, _ := f.mgr.Preference("denied")
	if pref.HasRun {
		t.Error("Decline must not mark hasRun; the next invoke asks again")
	}

	// And indeed it asks again.
	if _, err := f.mgr.Invoke(context.Background(), "denied"); err != nil {
		t.Fatal(err)
	}
	if f.confirmer.timesAsked() != 2 {
		t.Errorf("Expected a second confirmation, got %d", f.confirmer.timesAsked())
	}
}

func TestManagerTrustedFolderSkipsConfirmation(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, func(s *config.Settings) {
		s.TrustedFolders = []string{""}
	})
	f.write(t, "trusted.js", "/*\n@id: trusted\n*/\nfunction invoke(host) { host.notify('ran'); }\n")
	f.reload(t)

	res, err := f.mgr.Invoke(context.Background(), "trusted")
	if err != nil || res != InvokeOK {
		t.Fatalf("Invoke = (%v, %v)", res, err)
	}
	if f.confirmer.timesAsked() != 0 {
		t.Errorf("Trusted scripts must skip confirmation, asked %d times", f.confirmer.timesAsked())
	}
}

func TestManagerNoConfirmationWhenPolicyOff(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, func(s *config.Settings) {
		s.RequireConfirmation = false
	})
	f.write(t, "free.js", "/*\n@id: free\n*/\nfunction invoke(host) { host.notify('ran'); }\n")
	f.reload(t)

	if res, err := f.mgr.Invoke(context.Background(), "free"); err != nil || res != InvokeOK {
		t.Fatalf("Invoke = (%v, %v)", res, err)
	}
	if f.confirmer.timesAsked() != 0 {
		t.Error("Confirmation must be skipped when the policy is off")
	}
}

func TestManagerInvokeFailureNotifiesOnce(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, func(s *config.Settings) {
		s.RequireConfirmation = false
	})
	f.write(t, "bad.js", "/*\n@id: bad\n@name: Bad Script\n*/\nfunction invoke(host) { throw new Error('boom'); }\n")
	f.reload(t)

	res, err := f.mgr.Invoke(context.Background(), "bad")
	if err == nil || res != InvokeFailed {
		t.Fatalf("Expected failure, got (%v, %v)", res, err)
	}
	messages := f.notifier.all()
	if len(messages) != 1 || !strings.Contains(messages[0], "Bad Script") {
		t.Errorf("Expected one notification naming the script, got %v", messages)
	}
	pref, _ := f.mgr.Preference("bad")
	if pref.HasRun {
		t.Error("A failed run must not mark hasRun")
	}
}

func TestManagerLoadFailureNotifies(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, func(s *config.Settings) {
		s.RequireConfirmation = false
	})
	f.write(t, "mangled.js", "/*\n@id: mangled\n*/\nfunction invoke( {\n")
	f.reload(t)

	res, err := f.mgr.Invoke(context.Background(), "mangled")
	if err == nil || res != InvokeFailed {
		t.Fatalf("Expected load failure, got (%v, %v)", res, err)
	}
	if len(f.notifier.all()) != 1 {
		t.Errorf("Expected one notification, got %v", f.notifier.all())
	}
}

func TestManagerLoadFailureFlagsAndClears(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, func(s *config.Settings) {
		s.RequireConfirmation = false
	})
	f.write(t, "flaky.js", "/*\n@id: flaky\n*/\nthis is not javascript\n")
	f.reload(t)

	if _, err := f.mgr.Invoke(context.Background(), "flaky"); err == nil {
		t.Fatal("Expected a load error")
	}
	if desc, ok := f.mgr.Lookup("flaky"); !ok || desc == nil {
		t.Fatal("A load failure must not evict the descriptor")
	}
	if _, flagged := f.mgr.LoadFailure("flaky"); !flagged {
		t.Error("Failed load must flag the script")
	}

	f.write(t, "flaky.js", "/*\n@id: flaky\n*/\nfunction invoke(host) {}\n")
	f.mgr.HandleEvent(storage.Event{Kind: storage.EventModify, Path: "flaky.js"})
	f.mgr.FlushPending()

	if _, flagged := f.mgr.LoadFailure("flaky"); flagged {
		t.Error("Touching the path must clear the flag")
	}
	if _, err := f.mgr.Invoke(context.Background(), "flaky"); err != nil {
		t.Errorf("Repaired script must run: %v", err)
	}
}

func TestManagerRunStartup(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, nil)
	f.write(t, "startup/b.js", "/*\n@id: b\n@name: Beta\n*/\nfunction invoke(host) { host.notify('beta'); }\n")
	f.write(t, "startup/a.js", "/*\n@id: a\n@name: Alpha\n*/\nfunction invoke(host) { host.notify('alpha'); }\n")
	f.write(t, "startup/broken.js", "/*\n@id: broken\n@name: Broken\n*/\nfunction invoke(host) { throw new Error('x'); }\n")
	f.write(t, "cmd.js", "/*\n@id: cmd\n*/\nfunction invoke(host) { host.notify('cmd'); }\n")
	f.reload(t)

	f.mgr.SetEnabled("broken", true)
	f.mgr.RunStartup(context.Background())

	messages := f.notifier.all()
	// Display-name order, failure isolated, command-kind untouched.
	var ran []string
	for _, m := range messages {
		if m == "alpha" || m == "beta" {
			ran = append(ran, m)
		}
	}
	if len(ran) != 2 || ran[0] != "alpha" || ran[1] != "beta" {
		t.Errorf("Expected alpha then beta, got %v", messages)
	}
	for _, m := range messages {
		if m == "cmd" {
			t.Error("Command-kind scripts must not run at startup")
		}
	}
	if f.confirmer.timesAsked() != 0 {
		t.Error("Startup runs must not prompt for confirmation")
	}
}

func TestManagerRunStartupDisabledByPolicy(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, func(s *config.Settings) {
		s.RunAtLaunch = false
	})
	f.write(t, "startup/a.js", "/*\n@id: a\n*/\nfunction invoke(host) { host.notify('ran'); }\n")
	f.reload(t)

	f.mgr.RunStartup(context.Background())
	if len(f.notifier.all()) != 0 {
		t.Errorf("Launch policy off must run nothing, got %v", f.notifier.all())
	}
}

func TestManagerRunStartupSkipsDisabledScripts(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, nil)
	f.write(t, "startup/a.js", "/*\n@id: a\n*/\nfunction invoke(host) { host.notify('ran'); }\n")
	f.reload(t)

	f.mgr.SetEnabled("a", false)
	f.mgr.RunStartup(context.Background())
	if len(f.notifier.all()) != 0 {
		t.Errorf("Disabled startup scripts must be skipped, got %v", f.notifier.all())
	}
}

func TestManagerEventDrivenUpdate(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, func(s *config.Settings) {
		s.RequireConfirmation = false
	})
	f.write(t, "live.js", "/*\n@id: live\n@name: First\n*/\nfunction invoke(host) { host.notify('v1'); }\n")
	f.reload(t)

	if _, err := f.mgr.Invoke(context.Background(), "live"); err != nil {
		t.Fatal(err)
	}

	f.write(t, "live.js", "/*\n@id: live\n@name: Second\n*/\nfunction invoke(host) { host.notify('v2'); }\n")
	f.mgr.HandleEvent(storage.Event{Kind: storage.EventModify, Path: "live.js"})
	f.mgr.FlushPending()

	desc, ok := f.mgr.Lookup("live")
	if !ok || desc.Name != "Second" {
		t.Fatalf("Expected updated descriptor, got %+v (exists: %v)", desc, ok)
	}
	if _, err := f.mgr.Invoke(context.Background(), "live"); err != nil {
		t.Fatal(err)
	}

	messages := f.notifier.all()
	if len(messages) != 2 || messages[0] != "v1" || messages[1] != "v2" {
		t.Errorf("Expected v1 then v2 (instance recompiled), got %v", messages)
	}
}

func TestManagerEventDrivenDelete(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, nil)
	f.write(t, "gone.js", "/*\n@id: gone\n@name: Gone\n*/\nfunction invoke(host) {}\n")
	f.reload(t)

	if _, ok := f.host.names()["scrippet.gone"]; !ok {
		t.Fatal("Precondition: invocable registered")
	}

	f.store.Remove("gone.js")
	f.mgr.HandleEvent(storage.Event{Kind: storage.EventDelete, Path: "gone.js"})
	f.mgr.FlushPending()

	if _, ok := f.mgr.Lookup("gone"); ok {
		t.Error("Deleted script must leave the registry")
	}
	if _, ok := f.host.names()["scrippet.gone"]; ok {
		t.Error("Deleted script must retire its invocable")
	}
}

func TestManagerRenamePreservesPreferences(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, nil)
	f.write(t, "old.js", "/*\n@id: keeper\n*/\nfunction invoke(host) {}\n")
	f.reload(t)
	f.mgr.SetEnabled("keeper", false)

	if err := f.store.Rename("old.js", "new.js"); err != nil {
		t.Fatal(err)
	}
	f.mgr.HandleEvent(storage.Event{Kind: storage.EventRename, Path: "new.js", OldPath: "old.js"})
	f.mgr.FlushPending()

	desc, ok := f.mgr.Lookup("keeper")
	if !ok || desc.Path != "new.js" {
		t.Fatalf("ID must follow the file, got %+v (exists: %v)", desc, ok)
	}
	if desc.Enabled {
		t.Error("The disable must survive the rename via the stable ID")
	}
}

func TestManagerRenameWithDerivedIDSwapsInvocable(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, nil)
	// No explicit @id: the identifier is derived from the filename and
	// changes with it.
	f.write(t, "old.js", "function invoke(host) {}\n")
	f.reload(t)

	if _, ok := f.host.names()["scrippet.old"]; !ok {
		t.Fatal("Precondition: invocable registered for the derived ID")
	}
	if _, ok := f.mgr.Preference("old"); !ok {
		t.Fatal("Precondition: preference record created for the derived ID")
	}

	if err := f.store.Rename("old.js", "new.js"); err != nil {
		t.Fatal(err)
	}
	f.mgr.HandleEvent(storage.Event{Kind: storage.EventRename, Path: "new.js", OldPath: "old.js"})
	f.mgr.FlushPending()

	if _, ok := f.mgr.Lookup("old"); ok {
		t.Error("The filename-derived ID must change with the file")
	}
	if _, ok := f.mgr.Lookup("new"); !ok {
		t.Error("Expected a descriptor under the new derived ID")
	}
	names := f.host.names()
	if _, ok := names["scrippet.old"]; ok {
		t.Error("The old invocable must be unregistered")
	}
	if _, ok := names["scrippet.new"]; !ok {
		t.Error("A new invocable must be registered for the new ID")
	}
	// The orphaned preference record is kept, never garbage-collected.
	if _, ok := f.mgr.Preference("old"); !ok {
		t.Error("The old ID's preference record must remain")
	}
}

func TestManagerResolveDuplicate(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, nil)
	f.write(t, "a.js", "/*\n@id: twin\n*/\nfunction invoke(host) {}\n")
	f.write(t, "b.js", "/*\n@id: twin\n*/\nfunction invoke(host) {}\n")
	f.reload(t)

	dups := f.mgr.Duplicates()
	if len(dups) != 1 {
		t.Fatalf("Expected one duplicate, got %d", len(dups))
	}

	newID, err := f.mgr.ResolveDuplicate(context.Background(), dups[0].Path)
	if err != nil {
		t.Fatalf("ResolveDuplicate failed: %v", err)
	}
	if newID != "twin-2" {
		t.Errorf("Expected twin-2, got %q", newID)
	}

	if _, ok := f.mgr.Lookup("twin"); !ok {
		t.Error("Original claimant must keep its ID")
	}
	if desc, ok := f.mgr.Lookup("twin-2"); !ok || desc.Path != dups[0].Path {
		t.Errorf("Rewritten script must register under the suggestion, got %+v", desc)
	}
	if len(f.mgr.Duplicates()) != 0 {
		t.Errorf("Duplicate record must clear, got %v", f.mgr.Duplicates())
	}
}

func TestManagerDiscoveryErrorsSurface(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, nil)
	f.write(t, "---.js", "cannot derive an identity\n")
	f.reload(t)

	errs := f.mgr.DiscoveryErrors()
	if len(errs) != 1 || errs[0].Path != "---.js" {
		t.Fatalf("Expected one discovery error for ---.js, got %v", errs)
	}
}

func TestManagerInvocableCallbackRuns(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t, func(s *config.Settings) {
		s.RequireConfirmation = false
	})
	f.write(t, "cb.js", "/*\n@id: cb\n*/\nfunction invoke(host) { host.notify('via callback'); }\n")
	f.reload(t)

	f.host.mu.Lock()
	run := f.host.callbacks["scrippet.cb"]
	f.host.mu.Unlock()
	if run == nil {
		t.Fatal("Callback not registered")
	}
	if err := run(context.Background()); err != nil {
		t.Fatalf("Callback failed: %v", err)
	}
	expectMessages(t, f.notifier, "via callback")
}
