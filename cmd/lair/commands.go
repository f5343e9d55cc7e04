// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/Br1ght0ne/lair/cmd/lair/cli"
	"github.com/Br1ght0ne/lair/lib/client"
	"github.com/Br1ght0ne/lair/lib/keyring"
	"github.com/Br1ght0ne/lair/lib/protocol"
	"github.com/Br1ght0ne/lair/lib/version"
)

func root(env *environment) *cli.Command {
	return &cli.Command{
		Name:       "lair",
		Summary:    "Command-line client for lair-keystore.",
		HelpOutput: env.stderr,
		Subcommands: []*cli.Command{
			infoCommand(env),
			listCommand(env),
			generateCommand(env),
			deriveCommand(env),
			importSeedCommand(env),
			exportCommand(env),
			signCommand(env),
			verifyCommand(env),
			encryptCommand(env),
			decryptCommand(env),
			unlockCommand(env),
			lockCommand(env),
			rotateCommand(env),
			tlsCertCommand(env),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func([]string) error {
					env.printf("lair %s\n", version.Full())
					return nil
				},
			},
		},
	}
}

// requireArgs fails unless exactly the named positional arguments were
// given.
func requireArgs(args []string, names ...string) error {
	if len(args) != len(names) {
		return cli.Usagef("expected %d argument(s) %v, got %d", len(names), names, len(args))
	}
	return nil
}

func infoCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:    "info",
		Summary: "Show keystore version and lock state",
		Flags:   func() *pflag.FlagSet { return env.connectionFlags("info") },
		Run: func(args []string) error {
			if err := requireArgs(args); err != nil {
				return err
			}
			return env.session(func(ctx context.Context, conn *client.Conn) error {
				info, err := conn.Info(ctx)
				if err != nil {
					return err
				}
				if done, err := env.emitJSON(info); done {
					return err
				}
				state := "unlocked"
				if info.Locked {
					state = "locked"
				}
				env.printf("%s %s (protocol %d)\n%s, %d entries\n",
					info.Server, info.Version, info.ProtocolVersion, state, info.Entries)
				return nil
			})
		},
	}
}

func listCommand(env *environment) *cli.Command {
	var kind string
	return &cli.Command{
		Name:    "list",
		Summary: "List key entries",
		Flags: func() *pflag.FlagSet {
			flagSet := env.connectionFlags("list")
			flagSet.StringVar(&kind, "kind", "", "only entries of this kind (signing, encryption, derivation)")
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args); err != nil {
				return err
			}
			return env.session(func(ctx context.Context, conn *client.Conn) error {
				entries, err := conn.List(ctx, kind)
				if err != nil {
					return err
				}
				if done, err := env.emitJSON(entries); done {
					return err
				}
				table := tabwriter.NewWriter(env.stdout, 2, 0, 2, ' ', 0)
				fmt.Fprintln(table, "ID\tKIND\tALGORITHM\tDERIVED FROM\tCREATED")
				for _, entry := range entries {
					origin := "-"
					if entry.SeedID != "" {
						origin = entry.SeedID + " " + keyring.Path(entry.Path).String()
					}
					fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%s\n",
						entry.ID, entry.Kind, entry.Algorithm, origin, entry.CreatedAt.Format(time.RFC3339))
				}
				return table.Flush()
			})
		},
	}
}

// printEntry reports a created or found entry: its ID alone, or the
// whole entry with --json.
func printEntry(env *environment, entry protocol.Entry, created bool) error {
	if done, err := env.emitJSON(struct {
		protocol.Entry
		Created bool
	}{entry, created}); done {
		return err
	}
	env.printf("%s\n", entry.ID)
	if !created {
		fmt.Fprintln(env.stderr, "entry already existed")
	}
	return nil
}

func generateCommand(env *environment) *cli.Command {
	var kind, algorithm string
	return &cli.Command{
		Name:    "generate",
		Summary: "Create a key from fresh entropy",
		Flags: func() *pflag.FlagSet {
			flagSet := env.connectionFlags("generate")
			flagSet.StringVar(&kind, "kind", "signing", "signing, encryption, derivation, or tls")
			flagSet.StringVar(&algorithm, "algorithm", "", "algorithm (default for the kind when empty)")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Create a post-quantum signing key", Command: "lair generate --kind signing --algorithm dilithium3"},
		},
		Run: func(args []string) error {
			if err := requireArgs(args); err != nil {
				return err
			}
			return env.session(func(ctx context.Context, conn *client.Conn) error {
				entry, err := conn.Generate(ctx, kind, algorithm)
				if err != nil {
					return err
				}
				return printEntry(env, entry, true)
			})
		},
	}
}

func deriveCommand(env *environment) *cli.Command {
	var kind, algorithm string
	return &cli.Command{
		Name:    "derive",
		Summary: "Derive a key below a derivation key",
		Usage:   "lair derive <seed-id> <path> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := env.connectionFlags("derive")
			flagSet.StringVar(&kind, "kind", "signing", "signing, encryption, or derivation")
			flagSet.StringVar(&algorithm, "algorithm", "", "algorithm (default for the kind when empty)")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Derive the first signing key", Command: "lair derive 4Vd1... m/0"},
		},
		Run: func(args []string) error {
			if err := requireArgs(args, "seed-id", "path"); err != nil {
				return err
			}
			path, err := keyring.ParsePath(args[1])
			if err != nil {
				return err
			}
			return env.session(func(ctx context.Context, conn *client.Conn) error {
				entry, created, err := conn.Derive(ctx, args[0], path, kind, algorithm)
				if err != nil {
					return err
				}
				return printEntry(env, entry, created)
			})
		},
	}
}

func importSeedCommand(env *environment) *cli.Command {
	var mnemonicFile string
	return &cli.Command{
		Name:    "import-seed",
		Summary: "Store a derivation key from a BIP-39 mnemonic",
		Flags: func() *pflag.FlagSet {
			flagSet := env.connectionFlags("import-seed")
			flagSet.StringVar(&mnemonicFile, "mnemonic-file", "", `file holding the mnemonic ("-" for stdin; prompts when empty)`)
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args); err != nil {
				return err
			}
			mnemonic, err := env.readSecret(mnemonicFile, "mnemonic: ")
			if err != nil {
				return err
			}
			defer mnemonic.Close()
			return env.session(func(ctx context.Context, conn *client.Conn) error {
				entry, created, err := conn.ImportSeed(ctx, mnemonic.String())
				if err != nil {
					return err
				}
				return printEntry(env, entry, created)
			})
		},
	}
}

func exportCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:    "export",
		Summary: "Print the public key of a signing or encryption key",
		Usage:   "lair export <key-id> [flags]",
		Flags:   func() *pflag.FlagSet { return env.connectionFlags("export") },
		Run: func(args []string) error {
			if err := requireArgs(args, "key-id"); err != nil {
				return err
			}
			return env.session(func(ctx context.Context, conn *client.Conn) error {
				public, err := conn.ExportPublic(ctx, args[0])
				if err != nil {
					return err
				}
				if done, err := env.emitJSON(public); done {
					return err
				}
				env.printf("%s %s\n", public.Algorithm, encodeBinary(public.PublicKey))
				return nil
			})
		},
	}
}
