// Package command implements the terminal-facing action surface: built-in
// commands plus one dynamically registered command per enabled script.
package command

import (
	"context"
	"flag"
	"io"
)

// Command is a single executable action.
type Command interface {
	// Name returns the command name.
	Name() string

	// Description returns a short description of the command.
	Description() string

	// Usage returns the usage string for the command.
	Usage() string

	// SetupFlags configures the flag.FlagSet for this command.
	SetupFlags(fs *flag.FlagSet)

	// Execute runs the command. args contains the arguments remaining after
	// flag parsing.
	Execute(args []string, stdout, stderr io.Writer) error
}

// BaseCommand carries the descriptive parts of a Command; concrete commands
// embed it and add Execute.
type BaseCommand struct {
	name        string
	description string
	usage       string
}

// NewBaseCommand creates a new BaseCommand.
func NewBaseCommand(name, description, usage string) *BaseCommand {
	return &BaseCommand{
		name:        name,
		description: description,
		usage:       usage,
	}
}

func (c *BaseCommand) Name() string        { return c.name }
func (c *BaseCommand) Description() string { return c.description }
func (c *BaseCommand) Usage() string       { return c.usage }

// SetupFlags is a no-op; commands with flags override it.
func (c *BaseCommand) SetupFlags(fs *flag.FlagSet) {}

// InvocableCommand is a command backed by a registered script: executing it
// invokes the script through the manager.
type InvocableCommand struct {
	*BaseCommand
	run func(ctx context.Context) error
}

// NewInvocableCommand wraps a script invocation callback as a Command.
func NewInvocableCommand(name, displayName string, run func(ctx context.Context) error) *InvocableCommand {
	return &InvocableCommand{
		BaseCommand: NewBaseCommand(name, "Script: "+displayName, name),
		run:         run,
	}
}

// Execute invokes the underlying script.
func (c *InvocableCommand) Execute(args []string, stdout, stderr io.Writer) error {
	return c.run(context.Background())
}
