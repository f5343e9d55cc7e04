// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/Br1ght0ne/lair/cmd/lair/cli"
	"github.com/Br1ght0ne/lair/lib/client"
)

func signCommand(env *environment) *cli.Command {
	var input, publicKey string
	return &cli.Command{
		Name:    "sign",
		Summary: "Sign data with a signing key",
		Usage:   "lair sign <key-id> [flags]\n  lair sign --public-key <base64> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := env.connectionFlags("sign")
			flagSet.StringVar(&input, "in", "", "file to sign (default stdin)")
			flagSet.StringVar(&publicKey, "public-key", "", "select the signing key by its base64 public key instead of an ID")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Sign a release tarball", Command: "lair sign 4Vd1... --in release.tar.gz > release.sig"},
		},
		Run: func(args []string) error {
			var (
				public []byte
				err    error
			)
			if publicKey != "" {
				if err := requireArgs(args); err != nil {
					return err
				}
				if public, err = decodeBinary(publicKey, "public key"); err != nil {
					return cli.Usagef("%v", err)
				}
			} else if err := requireArgs(args, "key-id"); err != nil {
				return err
			}
			message, err := env.readInput(input)
			if err != nil {
				return err
			}
			return env.session(func(ctx context.Context, conn *client.Conn) error {
				var signature []byte
				if public != nil {
					signature, err = conn.SignByPublicKey(ctx, public, message)
				} else {
					signature, err = conn.Sign(ctx, args[0], message)
				}
				if err != nil {
					return err
				}
				env.printf("%s\n", encodeBinary(signature))
				return nil
			})
		},
	}
}

func verifyCommand(env *environment) *cli.Command {
	var input string
	return &cli.Command{
		Name:    "verify",
		Summary: "Check a signature made by a signing key",
		Usage:   "lair verify <key-id> <signature> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := env.connectionFlags("verify")
			flagSet.StringVar(&input, "in", "", "signed file (default stdin)")
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args, "key-id", "signature"); err != nil {
				return err
			}
			signature, err := decodeBinary(args[1], "signature")
			if err != nil {
				return err
			}
			message, err := env.readInput(input)
			if err != nil {
				return err
			}
			return env.session(func(ctx context.Context, conn *client.Conn) error {
				if err := conn.Verify(ctx, args[0], message, signature); err != nil {
					return err
				}
				env.printf("signature valid\n")
				return nil
			})
		},
	}
}

func encryptCommand(env *environment) *cli.Command {
	var input, recipient string
	return &cli.Command{
		Name:    "encrypt",
		Summary: "Encrypt data with an encryption key",
		Description: `Encrypt data with an encryption key.

Without --to the output is a sealed box only the key itself can open.
With --to (a base64 X25519 public key) it is an authenticated box from
the key to that recipient.`,
		Usage: "lair encrypt <key-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := env.connectionFlags("encrypt")
			flagSet.StringVar(&input, "in", "", "file to encrypt (default stdin)")
			flagSet.StringVar(&recipient, "to", "", "recipient public key (base64)")
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args, "key-id"); err != nil {
				return err
			}
			var to []byte
			if recipient != "" {
				decoded, err := decodeBinary(recipient, "recipient")
				if err != nil {
					return err
				}
				to = decoded
			}
			plaintext, err := env.readInput(input)
			if err != nil {
				return err
			}
			return env.session(func(ctx context.Context, conn *client.Conn) error {
				ciphertext, err := conn.EncryptTo(ctx, args[0], to, plaintext)
				if err != nil {
					return err
				}
				env.printf("%s\n", encodeBinary(ciphertext))
				return nil
			})
		},
	}
}

func decryptCommand(env *environment) *cli.Command {
	var input, sender string
	return &cli.Command{
		Name:    "decrypt",
		Summary: "Decrypt data for an encryption key",
		Usage:   "lair decrypt <key-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := env.connectionFlags("decrypt")
			flagSet.StringVar(&input, "in", "", "file holding base64 ciphertext (default stdin)")
			flagSet.StringVar(&sender, "from", "", "sender public key (base64) for authenticated boxes")
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args, "key-id"); err != nil {
				return err
			}
			var from []byte
			if sender != "" {
				decoded, err := decodeBinary(sender, "sender")
				if err != nil {
					return err
				}
				from = decoded
			}
			encoded, err := env.readInput(input)
			if err != nil {
				return err
			}
			ciphertext, err := decodeBinary(string(encoded), "ciphertext")
			if err != nil {
				return err
			}
			return env.session(func(ctx context.Context, conn *client.Conn) error {
				plaintext, err := conn.DecryptFrom(ctx, args[0], from, ciphertext)
				if err != nil {
					return err
				}
				_, err = env.stdout.Write(plaintext)
				return err
			})
		},
	}
}
