// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"

	"github.com/spf13/pflag"

	"github.com/Br1ght0ne/lair/cmd/lair/cli"
	"github.com/Br1ght0ne/lair/lib/client"
)

func unlockCommand(env *environment) *cli.Command {
	var passphraseFile string
	return &cli.Command{
		Name:    "unlock",
		Summary: "Unlock the keystore, creating the store on first use",
		Flags: func() *pflag.FlagSet {
			flagSet := env.connectionFlags("unlock")
			flagSet.StringVar(&passphraseFile, "passphrase-file", "", `file holding the passphrase ("-" for stdin; prompts when empty)`)
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args); err != nil {
				return err
			}
			passphrase, err := env.readSecret(passphraseFile, "keystore passphrase: ")
			if err != nil {
				return err
			}
			defer passphrase.Close()
			return env.session(func(ctx context.Context, conn *client.Conn) error {
				if err := conn.Unlock(ctx, passphrase.Bytes()); err != nil {
					return err
				}
				env.printf("keystore unlocked\n")
				return nil
			})
		},
	}
}

func lockCommand(env *environment) *cli.Command {
	return &cli.Command{
		Name:    "lock",
		Summary: "Lock the keystore, discarding unlocked keys",
		Flags:   func() *pflag.FlagSet { return env.connectionFlags("lock") },
		Run: func(args []string) error {
			if err := requireArgs(args); err != nil {
				return err
			}
			return env.session(func(ctx context.Context, conn *client.Conn) error {
				if err := conn.Lock(ctx); err != nil {
					return err
				}
				env.printf("keystore locked\n")
				return nil
			})
		},
	}
}

func rotateCommand(env *environment) *cli.Command {
	var currentFile, nextFile string
	return &cli.Command{
		Name:    "rotate",
		Summary: "Change the keystore passphrase",
		Description: `Change the keystore passphrase.

The store is re-encrypted under a new content key wrapped with the new
passphrase. The keystore must be unlocked. When prompting, the new
passphrase is asked for twice.`,
		Flags: func() *pflag.FlagSet {
			flagSet := env.connectionFlags("rotate")
			flagSet.StringVar(&currentFile, "current-file", "", "file holding the current passphrase")
			flagSet.StringVar(&nextFile, "next-file", "", "file holding the new passphrase")
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args); err != nil {
				return err
			}
			current, err := env.readSecret(currentFile, "current passphrase: ")
			if err != nil {
				return err
			}
			defer current.Close()
			next, err := env.readSecret(nextFile, "new passphrase: ")
			if err != nil {
				return err
			}
			defer next.Close()
			if nextFile == "" {
				confirm, err := env.readSecret("", "repeat new passphrase: ")
				if err != nil {
					return err
				}
				defer confirm.Close()
				if !next.Equal(confirm) {
					return errors.New("new passphrases do not match")
				}
			}

			return env.session(func(ctx context.Context, conn *client.Conn) error {
				if err := conn.Rotate(ctx, current.Bytes(), next.Bytes()); err != nil {
					return err
				}
				env.printf("passphrase changed\n")
				return nil
			})
		},
	}
}
