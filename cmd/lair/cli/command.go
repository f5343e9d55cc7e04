// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"text/template"

	"github.com/spf13/pflag"
)

// ErrUsage marks errors caused by how the command was invoked. The
// binary exits with status 2 for them.
var ErrUsage = errors.New("usage error")

// Usagef returns an error wrapping ErrUsage.
func Usagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

// Command is one node of the command tree. A node with Subcommands
// and no Run only routes; a leaf has Run.
type Command struct {
	Name    string
	Summary string

	// Description is the long help text. Summary is used when empty.
	Description string

	// Usage overrides the generated usage line.
	Usage string

	Examples []Example

	// Flags builds the command's flag set. It is called afresh each
	// time the flags are needed, so closures may bind flags to
	// variables they own.
	Flags func() *pflag.FlagSet

	Subcommands []*Command
	Run         func(args []string) error

	// HelpOutput receives help text. Nil inherits the parent's, and
	// stderr at the root.
	HelpOutput io.Writer

	parent *Command
}

// Example is one example invocation shown in help.
type Example struct {
	Description string
	Command     string
}

// Execute walks args down the tree to a command, parses that
// command's flags, and runs it.
func (c *Command) Execute(args []string) error {
	command, rest, err := c.resolve(args)
	if err != nil {
		return err
	}
	return command.invoke(rest)
}

// resolve consumes leading subcommand names. It stops at the first
// argument that is a flag or a command with no subcommands.
func (c *Command) resolve(args []string) (*Command, []string, error) {
	command := c
	for len(args) > 0 && len(command.Subcommands) > 0 && !strings.HasPrefix(args[0], "-") {
		if isHelpFlag(args[0]) {
			break
		}
		sub := command.lookup(args[0])
		if sub == nil {
			return nil, nil, command.unknownCommand(args[0])
		}
		sub.parent = command
		command, args = sub, args[1:]
	}
	return command, args, nil
}

func (c *Command) lookup(name string) *Command {
	for _, sub := range c.Subcommands {
		if sub.Name == name {
			return sub
		}
	}
	return nil
}

func (c *Command) unknownCommand(name string) error {
	hint := ""
	if suggestion := suggestCommand(name, c.Subcommands); suggestion != "" {
		hint = fmt.Sprintf(" (did you mean %q?)", suggestion)
	}
	return Usagef("unknown command %q%s\n\nRun '%s --help' for usage.", name, hint, c.path())
}

func (c *Command) invoke(args []string) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.PrintHelp(c.helpOutput())
		return nil
	}
	if c.Run == nil {
		c.PrintHelp(c.helpOutput())
		if len(c.Subcommands) > 0 {
			return Usagef("%s: subcommand required", c.path())
		}
		return fmt.Errorf("%s: nothing to run", c.path())
	}

	if c.Flags != nil {
		parsed, err := c.parseFlags(args)
		if errors.Is(err, pflag.ErrHelp) {
			c.PrintHelp(c.helpOutput())
			return nil
		}
		if err != nil {
			return err
		}
		args = parsed
	}
	return c.Run(args)
}

// parseFlags parses args with a fresh flag set and returns the
// positional arguments. Unknown flags get a suggestion.
func (c *Command) parseFlags(args []string) ([]string, error) {
	flagSet := c.Flags()
	flagSet.SetOutput(io.Discard)
	err := flagSet.Parse(args)
	if err == nil {
		return flagSet.Args(), nil
	}
	if errors.Is(err, pflag.ErrHelp) {
		return nil, err
	}

	hint := ""
	if strings.Contains(err.Error(), "unknown") {
		if suggestion := suggestFlag(args, c.Flags()); suggestion != "" {
			hint = fmt.Sprintf(" (did you mean %s?)", suggestion)
		}
	}
	return nil, Usagef("%v%s\n\nRun '%s --help' for usage.", err, hint, c.path())
}

var helpTemplate = template.Must(template.New("help").Parse(`{{.Text}}

Usage:
  {{.Usage}}
{{if .Commands}}
Commands:
{{.Commands}}{{end}}
{{- if .Flags}}
Flags:
{{.Flags}}{{end}}
{{- if .Examples}}
Examples:
{{range .Examples}}{{if .Description}}  # {{.Description}}
{{end}}  {{.Command}}

{{end}}{{end}}
{{- if .Commands}}
Run '{{.Path}} <command> --help' for more information on a command.
{{end}}`))

// PrintHelp writes the command's help to w.
func (c *Command) PrintHelp(w io.Writer) {
	data := struct {
		Text, Usage, Commands, Flags, Path string
		Examples                           []Example
	}{
		Text:     c.Description,
		Usage:    c.Usage,
		Path:     c.path(),
		Examples: c.Examples,
	}
	if data.Text == "" {
		data.Text = c.Summary
	}
	if data.Usage == "" {
		data.Usage = c.path() + " [flags]"
		if len(c.Subcommands) > 0 {
			data.Usage = c.path() + " <command> [flags]"
		}
	}

	if len(c.Subcommands) > 0 {
		var listing strings.Builder
		table := tabwriter.NewWriter(&listing, 2, 0, 3, ' ', 0)
		for _, sub := range c.Subcommands {
			fmt.Fprintf(table, "  %s\t%s\n", sub.Name, sub.Summary)
		}
		table.Flush()
		data.Commands = listing.String()
	}
	if c.Flags != nil {
		data.Flags = c.Flags().FlagUsages()
	}

	if err := helpTemplate.Execute(w, data); err != nil {
		fmt.Fprintf(w, "rendering help: %v\n", err)
	}
}

// path is the command's full invocation, "lair key list".
func (c *Command) path() string {
	names := []string{c.Name}
	for parent := c.parent; parent != nil; parent = parent.parent {
		names = append([]string{parent.Name}, names...)
	}
	return strings.Join(names, " ")
}

func (c *Command) helpOutput() io.Writer {
	for command := c; command != nil; command = command.parent {
		if command.HelpOutput != nil {
			return command.HelpOutput
		}
	}
	return os.Stderr
}

func isHelpFlag(arg string) bool {
	switch arg {
	case "-h", "--help", "help":
		return true
	}
	return false
}
