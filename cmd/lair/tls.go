// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/pem"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/Br1ght0ne/lair/cmd/lair/cli"
	"github.com/Br1ght0ne/lair/lib/client"
	"github.com/Br1ght0ne/lair/lib/protocol"
)

func tlsCertCommand(env *environment) *cli.Command {
	var digest, sni string
	return &cli.Command{
		Name:    "tls-cert",
		Summary: "Print the self-signed certificate of a tls entry",
		Description: `Print the certificate of a tls entry as PEM. Select the entry by ID,
by the base64 BLAKE2b-256 digest of the certificate, or by the SNI the
certificate names. Create tls entries with "lair generate --kind tls".
The certificate's private key never leaves the keystore.`,
		Usage: "lair tls-cert <key-id> [flags]\n  lair tls-cert (--digest <base64> | --sni <name>) [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := env.connectionFlags("tls-cert")
			flagSet.StringVar(&digest, "digest", "", "select by certificate digest (base64)")
			flagSet.StringVar(&sni, "sni", "", "select by certificate SNI")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Issue a certificate and save it", Command: "lair generate --kind tls --algorithm ecdsa-p256-sha256 --json"},
			{Command: "lair tls-cert --sni k3f0....keystore.lair > peer.pem"},
		},
		Run: func(args []string) error {
			selectors := len(args)
			if digest != "" {
				selectors++
			}
			if sni != "" {
				selectors++
			}
			if selectors != 1 || len(args) > 1 {
				return cli.Usagef("give exactly one of <key-id>, --digest, or --sni")
			}
			var digestBytes []byte
			if digest != "" {
				decoded, err := decodeBinary(digest, "digest")
				if err != nil {
					return cli.Usagef("%v", err)
				}
				digestBytes = decoded
			}

			return env.session(func(ctx context.Context, conn *client.Conn) error {
				var (
					certificate *protocol.Certificate
					err         error
				)
				switch {
				case digestBytes != nil:
					certificate, err = conn.TLSCertificateByDigest(ctx, digestBytes)
				case sni != "":
					certificate, err = conn.TLSCertificateBySNI(ctx, sni)
				default:
					certificate, err = conn.TLSCertificate(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if done, err := env.emitJSON(certificate); done {
					return err
				}
				if err := pem.Encode(env.stdout, &pem.Block{Type: "CERTIFICATE", Bytes: certificate.Certificate}); err != nil {
					return fmt.Errorf("writing certificate: %w", err)
				}
				return nil
			})
		},
	}
}
