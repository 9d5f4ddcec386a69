package command

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/patchwork-tools/scrippets/internal/scrippet"
	"github.com/patchwork-tools/scrippets/internal/storage"
)

// ListCommand prints the registered scripts.
type ListCommand struct {
	*BaseCommand
	runtime *Runtime
	kind    string
	long    bool
}

// NewListCommand creates a new list command.
func NewListCommand(runtime *Runtime) *ListCommand {
	return &ListCommand{
		BaseCommand: NewBaseCommand(
			"list",
			"List registered scripts",
			"list [options]",
		),
		runtime: runtime,
	}
}

// SetupFlags configures the flags for the list command.
func (c *ListCommand) SetupFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.kind, "kind", "", "Filter by kind: command or startup")
	fs.BoolVar(&c.long, "long", false, "Include paths and descriptions")
}

// Execute lists scripts.
func (c *ListCommand) Execute(args []string, stdout, stderr io.Writer) error {
	mgr, err := c.runtime.Manager(context.Background())
	if err != nil {
		return err
	}

	descs := mgr.Descriptors()
	w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	for _, desc := range descs {
		if c.kind != "" && desc.Kind.String() != c.kind {
			continue
		}
		state := "enabled"
		if !desc.Enabled {
			state = "disabled"
		}
		if c.long {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				desc.ID, desc.Name, desc.Kind, state, desc.Path, desc.Description)
		} else {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", desc.ID, desc.Name, desc.Kind, state)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if dups := mgr.Duplicates(); len(dups) > 0 {
		_, _ = fmt.Fprintf(stdout, "\n%d duplicate(s); see 'scrippets duplicates'.\n", len(dups))
	}
	if errs := mgr.DiscoveryErrors(); len(errs) > 0 {
		_, _ = fmt.Fprintf(stdout, "%d discovery error(s); see 'scrippets errors'.\n", len(errs))
	}
	return nil
}

// RunCommand invokes a single script by its stable ID.
type RunCommand struct {
	*BaseCommand
	runtime *Runtime
}

// NewRunCommand creates a new run command.
func NewRunCommand(runtime *Runtime) *RunCommand {
	return &RunCommand{
		BaseCommand: NewBaseCommand(
			"run",
			"Run a script by its stable ID",
			"run <id>",
		),
		runtime: runtime,
	}
}

// Execute runs the script.
func (c *RunCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: run <id>")
		return fmt.Errorf("expected exactly one script ID")
	}

	mgr, err := c.runtime.Manager(context.Background())
	if err != nil {
		return err
	}

	res, err := mgr.Invoke(context.Background(), args[0])
	switch res {
	case scrippet.InvokeDisabled:
		_, _ = fmt.Fprintf(stdout, "Script %s is disabled; enable it first.\n", args[0])
	case scrippet.InvokeDeclined:
		_, _ = fmt.Fprintln(stdout, "Not confirmed; nothing ran.")
	}
	return err
}

// EnableCommand flips a script's run permission on.
type EnableCommand struct {
	*BaseCommand
	runtime *Runtime
	enable  bool
}

// NewEnableCommand creates the enable command; with enable false it becomes
// the disable command.
func NewEnableCommand(runtime *Runtime, enable bool) *EnableCommand {
	name, desc := "enable", "Allow a script to run"
	if !enable {
		name, desc = "disable", "Prevent a script from running"
	}
	return &EnableCommand{
		BaseCommand: NewBaseCommand(name, desc, name+" <id>"),
		runtime:     runtime,
		enable:      enable,
	}
}

// Execute updates the preference.
func (c *EnableCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if len(args) != 1 {
		_, _ = fmt.Fprintf(stderr, "Usage: %s <id>\n", c.Name())
		return fmt.Errorf("expected exactly one script ID")
	}

	mgr, err := c.runtime.Manager(context.Background())
	if err != nil {
		return err
	}

	id := args[0]
	if _, ok := mgr.Lookup(id); !ok {
		_, _ = fmt.Fprintf(stderr, "Warning: no script registered under %q; the preference is stored anyway.\n", id)
	}
	mgr.SetEnabled(id, c.enable)
	_, _ = fmt.Fprintf(stdout, "%s: %s\n", c.Name(), id)
	return nil
}

// StartupCommand runs the startup-kind scripts.
type StartupCommand struct {
	*BaseCommand
	runtime *Runtime
}

// NewStartupCommand creates a new startup command.
func NewStartupCommand(runtime *Runtime) *StartupCommand {
	return &StartupCommand{
		BaseCommand: NewBaseCommand(
			"startup",
			"Run the startup scripts now",
			"startup",
		),
		runtime: runtime,
	}
}

// Execute runs the startup sequence.
func (c *StartupCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 {
		_, _ = fmt.Fprintf(stderr, "unexpected arguments: %v\n", args)
		return fmt.Errorf("unexpected arguments")
	}
	mgr, err := c.runtime.Manager(context.Background())
	if err != nil {
		return err
	}
	if !c.runtime.Settings().RunAtLaunch {
		_, _ = fmt.Fprintln(stdout, "scripts.run-at-launch is off; nothing to run.")
		return nil
	}
	mgr.RunStartup(context.Background())
	return nil
}

// WatchCommand follows the managed tree and applies changes live until
// interrupted.
type WatchCommand struct {
	*BaseCommand
	runtime *Runtime
}

// NewWatchCommand creates a new watch command.
func NewWatchCommand(runtime *Runtime) *WatchCommand {
	return &WatchCommand{
		BaseCommand: NewBaseCommand(
			"watch",
			"Watch the script tree and apply changes live",
			"watch",
		),
		runtime: runtime,
	}
}

// Execute watches until SIGINT or SIGTERM.
func (c *WatchCommand) Execute(args []string, stdout, stderr io.Writer) error {
	ctx := context.Background()
	mgr, err := c.runtime.Manager(ctx)
	if err != nil {
		return err
	}
	store, err := c.runtime.Store(ctx)
	if err != nil {
		return err
	}

	watcher, err := storage.NewWatcher(store, "", c.runtime.Settings().StartupFolder)
	if err != nil {
		return fmt.Errorf("failed to watch script tree: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	_, _ = fmt.Fprintf(stdout, "Watching %s (Ctrl-C to stop)\n", store.Root())
	for {
		select {
		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			mgr.HandleEvent(ev)
		case <-sigs:
			mgr.FlushPending()
			return nil
		}
	}
}

// DuplicatesCommand reports scripts rejected over ID collisions.
type DuplicatesCommand struct {
	*BaseCommand
	runtime *Runtime
}

// NewDuplicatesCommand creates a new duplicates command.
func NewDuplicatesCommand(runtime *Runtime) *DuplicatesCommand {
	return &DuplicatesCommand{
		BaseCommand: NewBaseCommand(
			"duplicates",
			"Show scripts rejected over duplicate IDs",
			"duplicates",
		),
		runtime: runtime,
	}
}

// Execute lists duplicates.
func (c *DuplicatesCommand) Execute(args []string, stdout, stderr io.Writer) error {
	mgr, err := c.runtime.Manager(context.Background())
	if err != nil {
		return err
	}

	dups := mgr.Duplicates()
	if len(dups) == 0 {
		_, _ = fmt.Fprintln(stdout, "No duplicate IDs.")
		return nil
	}
	w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	for _, d := range dups {
		_, _ = fmt.Fprintf(w, "%s\tclaims %s\tsuggestion: %s\n", d.Path, d.ConflictingID, d.SuggestedID)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, "\nUse 'scrippets rewrite-id <path>' to apply a suggestion.")
	return nil
}

// ErrorsCommand reports per-file discovery failures.
type ErrorsCommand struct {
	*BaseCommand
	runtime *Runtime
}

// NewErrorsCommand creates a new errors command.
func NewErrorsCommand(runtime *Runtime) *ErrorsCommand {
	return &ErrorsCommand{
		BaseCommand: NewBaseCommand(
			"errors",
			"Show scripts that failed discovery",
			"errors",
		),
		runtime: runtime,
	}
}

// Execute lists discovery errors.
func (c *ErrorsCommand) Execute(args []string, stdout, stderr io.Writer) error {
	mgr, err := c.runtime.Manager(context.Background())
	if err != nil {
		return err
	}

	errs := mgr.DiscoveryErrors()
	loadErrs := mgr.LoadFailures()
	if len(errs) == 0 && len(loadErrs) == 0 {
		_, _ = fmt.Fprintln(stdout, "No discovery errors.")
		return nil
	}
	for _, e := range errs {
		_, _ = fmt.Fprintf(stdout, "%s: %v\n", e.Path, e.Err)
	}
	ids := make([]string, 0, len(loadErrs))
	for id := range loadErrs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		_, _ = fmt.Fprintf(stdout, "%s: load failed: %s\n", id, loadErrs[id])
	}
	return nil
}

// RewriteIDCommand resolves one duplicate by rewriting the file's ID to the
// recorded suggestion.
type RewriteIDCommand struct {
	*BaseCommand
	runtime *Runtime
}

// NewRewriteIDCommand creates a new rewrite-id command.
func NewRewriteIDCommand(runtime *Runtime) *RewriteIDCommand {
	return &RewriteIDCommand{
		BaseCommand: NewBaseCommand(
			"rewrite-id",
			"Resolve a duplicate by rewriting the file's ID in place",
			"rewrite-id <path>",
		),
		runtime: runtime,
	}
}

// Execute rewrites the ID.
func (c *RewriteIDCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: rewrite-id <path>")
		return fmt.Errorf("expected exactly one path")
	}

	ctx := context.Background()
	mgr, err := c.runtime.Manager(ctx)
	if err != nil {
		return err
	}

	newID, err := mgr.ResolveDuplicate(ctx, args[0])
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(stdout, "Rewrote %s to id %s\n", args[0], newID)
	return nil
}
