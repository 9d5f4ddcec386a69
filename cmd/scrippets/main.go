package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/patchwork-tools/scrippets/internal/command"
	"github.com/patchwork-tools/scrippets/internal/config"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		// A missing config is not an error; defaults apply.
		cfg = config.NewConfig()
	}
	for _, warning := range cfg.GetWarnings() {
		_, _ = fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
	}
	settings := cfg.ResolveSettings()

	registry := command.NewRegistry()
	runtime := command.NewRuntime(settings, registry, version)
	defer runtime.Close()

	helpCmd := command.NewHelpCommand(registry)
	registry.Register(helpCmd)
	registry.Register(command.NewVersionCommand(version))
	registry.Register(command.NewConfigCommand(cfg, ""))
	registry.Register(command.NewInitCommand())
	registry.Register(command.NewListCommand(runtime))
	registry.Register(command.NewRunCommand(runtime))
	registry.Register(command.NewEnableCommand(runtime, true))
	registry.Register(command.NewEnableCommand(runtime, false))
	registry.Register(command.NewStartupCommand(runtime))
	registry.Register(command.NewWatchCommand(runtime))
	registry.Register(command.NewDuplicatesCommand(runtime))
	registry.Register(command.NewErrorsCommand(runtime))
	registry.Register(command.NewRewriteIDCommand(runtime))

	if len(os.Args) < 2 {
		return helpCmd.Execute([]string{}, os.Stdout, os.Stderr)
	}

	cmdName := os.Args[1]
	if cmdName == "-h" || cmdName == "--help" {
		return helpCmd.Execute([]string{}, os.Stdout, os.Stderr)
	}

	cmd, err := registry.Get(cmdName)
	if err != nil {
		// Script commands register when the manager first scans the tree;
		// build it and retry before giving up.
		if _, mgrErr := runtime.Manager(context.Background()); mgrErr == nil {
			cmd, err = registry.Get(cmdName)
		}
	}
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmdName)
		_, _ = fmt.Fprintln(os.Stderr, "Use 'scrippets help' to see available commands.")
		return err
	}

	fs := flag.NewFlagSet(cmd.Name(), flag.ExitOnError)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s\n", cmd.Usage())
		_, _ = fmt.Fprintf(os.Stderr, "\n%s\n\n", cmd.Description())
		_, _ = fmt.Fprintln(os.Stderr, "Options:")
		fs.PrintDefaults()
	}
	cmd.SetupFlags(fs)
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	return cmd.Execute(fs.Args(), os.Stdout, os.Stderr)
}
