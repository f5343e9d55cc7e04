// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/Br1ght0ne/lair/lib/config"
	"github.com/Br1ght0ne/lair/lib/keeper"
	"github.com/Br1ght0ne/lair/lib/secret"
)

// startupPassphrase returns the passphrase to unlock with at startup,
// or nil when the daemon should start locked.
func startupPassphrase(cfg *config.Config) (*secret.Buffer, error) {
	if path := cfg.Unlock.PassphraseFile; path != "" {
		passphrase, err := secret.ReadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("reading passphrase file: %w", err)
		}
		return passphrase, nil
	}

	stdin := int(os.Stdin.Fd())
	if !term.IsTerminal(stdin) {
		return nil, nil
	}
	passphrase, err := secret.ReadPassphrase(stdin, os.Stderr, "lair keystore passphrase: ")
	if err != nil {
		return nil, err
	}
	return passphrase, nil
}

// unlockAtStartup unlocks owner if a passphrase is available. A wrong
// passphrase from a file is fatal: retrying the same file cannot help.
func unlockAtStartup(ctx context.Context, owner *keeper.Keeper, cfg *config.Config, logger *slog.Logger) error {
	passphrase, err := startupPassphrase(cfg)
	if err != nil {
		return err
	}
	if passphrase == nil {
		logger.Info("no passphrase at startup, waiting for an unlock request")
		return nil
	}
	defer passphrase.Close()

	if err := owner.Unlock(ctx, passphrase); err != nil {
		return fmt.Errorf("unlocking store: %w", err)
	}
	return nil
}
