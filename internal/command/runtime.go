package command

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/patchwork-tools/scrippets/internal/config"
	"github.com/patchwork-tools/scrippets/internal/scrippet"
	"github.com/patchwork-tools/scrippets/internal/storage"
)

// Runtime lazily assembles the script manager for the commands that need it,
// so commands like help and version never touch the managed tree.
type Runtime struct {
	settings config.Settings
	registry *Registry
	version  string

	once  sync.Once
	mgr   *scrippet.Manager
	store *storage.FileSystemStore
	err   error
}

// NewRuntime creates a runtime over resolved settings. The command registry
// doubles as the manager's invocable host.
func NewRuntime(settings config.Settings, registry *Registry, version string) *Runtime {
	return &Runtime{settings: settings, registry: registry, version: version}
}

// Manager returns the shared script manager, building it and performing the
// initial scan on first use.
func (rt *Runtime) Manager(ctx context.Context) (*scrippet.Manager, error) {
	rt.once.Do(func() {
		rt.store, rt.err = rt.openStore(ctx)
		if rt.err != nil {
			return
		}
		rt.mgr, rt.err = scrippet.NewManager(
			rt.store,
			rt.settings,
			rt.registry,
			&terminalNotifier{out: os.Stderr},
			&terminalConfirmer{in: os.Stdin, out: os.Stderr},
			scrippet.HostInfo{Name: "scrippets", Version: rt.version},
		)
		if rt.err != nil {
			return
		}
		rt.err = rt.mgr.Reload(ctx)
	})
	if rt.err != nil {
		return nil, rt.err
	}
	return rt.mgr, nil
}

// Store returns the filesystem store backing the manager.
func (rt *Runtime) Store(ctx context.Context) (*storage.FileSystemStore, error) {
	if _, err := rt.Manager(ctx); err != nil {
		return nil, err
	}
	return rt.store, nil
}

// Settings returns the resolved settings the runtime was built with.
func (rt *Runtime) Settings() config.Settings {
	return rt.settings
}

// Close releases the manager if one was built.
func (rt *Runtime) Close() {
	if rt.mgr != nil {
		rt.mgr.Close()
	}
}

// openStore opens the managed tree, creating the root and the startup
// subtree when missing.
func (rt *Runtime) openStore(ctx context.Context) (*storage.FileSystemStore, error) {
	if err := os.MkdirAll(rt.settings.ScriptsRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scripts root: %w", err)
	}
	store, err := storage.NewFileSystemStore(rt.settings.ScriptsRoot)
	if err != nil {
		return nil, err
	}
	if err := store.MkDir(ctx, rt.settings.StartupFolder); err != nil {
		return nil, fmt.Errorf("failed to create startup folder: %w", err)
	}
	return store, nil
}

// terminalNotifier prints script notifications to the terminal.
type terminalNotifier struct {
	mu  sync.Mutex
	out io.Writer
}

func (n *terminalNotifier) Notify(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, _ = fmt.Fprintf(n.out, "• %s\n", message)
}

// terminalConfirmer resolves first-run confirmations with an interactive
// yes/no prompt. Anything but an explicit yes declines.
type terminalConfirmer struct {
	mu  sync.Mutex
	in  io.Reader
	out io.Writer
}

func (c *terminalConfirmer) Confirm(ctx context.Context, decision *scrippet.PendingDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	desc := decision.Descriptor
	_, _ = fmt.Fprintf(c.out, "About to run %q (%s) for the first time.\n", desc.Name, desc.Path)
	if desc.HeaderSnippet != "" {
		_, _ = fmt.Fprintf(c.out, "%s\n", desc.HeaderSnippet)
	}
	_, _ = fmt.Fprint(c.out, "Run it? [y/N] ")

	line, err := bufio.NewReader(c.in).ReadString('\n')
	if err != nil {
		decision.Resolve(false)
		return
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	decision.Resolve(answer == "y" || answer == "yes")
}
