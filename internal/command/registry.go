package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry manages the collection of available commands: the built-ins plus
// the dynamic per-script invocables the manager registers and retires as the
// managed tree changes.
//
// Registry implements scrippet.Host. Dynamic registrations arrive namespaced
// ("scrippet.<id>"); the command name strips the namespace so scripts are
// runnable directly by their stable ID.
type Registry struct {
	commands map[string]Command

	mu      sync.Mutex
	dynamic map[string]Command // keyed by command name
	byToken map[string]string  // host-side token → command name
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]Command),
		dynamic:  make(map[string]Command),
		byToken:  make(map[string]string),
	}
}

// Register adds a built-in command to the registry.
func (r *Registry) Register(cmd Command) {
	r.commands[cmd.Name()] = cmd
}

// RegisterInvocable adds or replaces a dynamic script command. Built-in
// names always win; a script whose ID collides with a built-in is reachable
// only through "run <id>".
func (r *Registry) RegisterInvocable(token, displayName string, run func(ctx context.Context) error) {
	name := commandName(token)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.dynamic[name] = NewInvocableCommand(name, displayName, run)
	r.byToken[token] = name
}

// UnregisterInvocable retires a dynamic script command.
func (r *Registry) UnregisterInvocable(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.byToken[token]; ok {
		delete(r.dynamic, name)
		delete(r.byToken, token)
	}
}

// commandName strips the host-side namespace from a registration token.
func commandName(token string) string {
	if i := strings.IndexByte(token, '.'); i >= 0 {
		return token[i+1:]
	}
	return token
}

// Get returns a command by name, checking built-in commands first, then the
// dynamic script commands.
func (r *Registry) Get(name string) (Command, error) {
	if cmd, exists := r.commands[name]; exists {
		return cmd, nil
	}

	r.mu.Lock()
	cmd, exists := r.dynamic[name]
	r.mu.Unlock()
	if exists {
		return cmd, nil
	}

	return nil, fmt.Errorf("command not found: %s", name)
}

// List returns all available command names, built-in and dynamic, sorted and
// deduplicated.
func (r *Registry) List() []string {
	names := r.ListBuiltin()
	names = append(names, r.ListScript()...)
	sort.Strings(names)
	return removeDuplicates(names)
}

// ListBuiltin returns only built-in command names.
func (r *Registry) ListBuiltin() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListScript returns only dynamic script command names.
func (r *Registry) ListScript() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.dynamic))
	for name := range r.dynamic {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// removeDuplicates removes duplicate strings from a sorted slice.
func removeDuplicates(sorted []string) []string {
	if len(sorted) <= 1 {
		return sorted
	}
	result := sorted[:1]
	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1] {
			result = append(result, sorted[i])
		}
	}
	return result
}
