// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package keeper

import (
	"context"

	"github.com/Br1ght0ne/lair/lib/errkind"
	"github.com/Br1ght0ne/lair/lib/keyring"
	"github.com/Br1ght0ne/lair/lib/sealed"
)

// Generate creates and persists a key from fresh entropy.
func (k *Keeper) Generate(ctx context.Context, kind keyring.Kind, algorithm keyring.Algorithm) (keyring.Entry, error) {
	entry, _, err := k.mutate(ctx, func(registry *keyring.Registry) (*keyring.Pending, error) {
		return registry.Generate(kind, algorithm, k.clock.Now())
	})
	return entry, err
}

// Derive creates and persists the entry at path below seedID. Deriving
// an existing entry returns it with created false. Concurrent derives
// of the same entry are serialized on the writer, so the second
// observes the first.
func (k *Keeper) Derive(ctx context.Context, seedID string, path keyring.Path, kind keyring.Kind, algorithm keyring.Algorithm) (keyring.Entry, bool, error) {
	return k.mutate(ctx, func(registry *keyring.Registry) (*keyring.Pending, error) {
		return registry.Derive(seedID, path, kind, algorithm, k.clock.Now())
	})
}

// ImportMnemonic creates and persists a derivation entry from a BIP-39
// phrase. Importing the same phrase again returns the existing entry
// with created false.
func (k *Keeper) ImportMnemonic(ctx context.Context, mnemonic string) (keyring.Entry, bool, error) {
	return k.mutate(ctx, func(registry *keyring.Registry) (*keyring.Pending, error) {
		return registry.FromMnemonic(mnemonic, k.clock.Now())
	})
}

type computeFunc func(*keyring.Registry) (*keyring.Pending, error)

func (k *Keeper) mutate(ctx context.Context, compute computeFunc) (keyring.Entry, bool, error) {
	var (
		entry   keyring.Entry
		created bool
		result  error
	)
	err := k.submit(ctx, func() { entry, created, result = k.insert(compute) })
	if err != nil {
		return keyring.Entry{}, false, err
	}
	return entry, created, result
}

// insert runs on the writer goroutine. The registry is only modified
// by this goroutine, so reading it here without the lock is safe.
func (k *Keeper) insert(compute computeFunc) (keyring.Entry, bool, error) {
	registry := k.registry
	if registry == nil {
		return keyring.Entry{}, false, errkind.New(errkind.KindStoreLocked, "keystore is locked")
	}

	pending, err := compute(registry)
	if err != nil {
		return keyring.Entry{}, false, err
	}
	defer pending.Close()

	if existing, ok := registry.Lookup(pending); ok {
		return existing, false, nil
	}

	contents := registry.Export(pending)
	data, err := sealed.Seal(contents, k.contentKey)
	contents.Zero()
	if err != nil {
		return keyring.Entry{}, false, err
	}
	if err := k.store.Persist(data); err != nil {
		return keyring.Entry{}, false, err
	}

	k.mu.Lock()
	entry, err := registry.Insert(pending)
	k.mu.Unlock()
	if err != nil {
		return keyring.Entry{}, false, err
	}

	k.logger.Info("key entry created",
		"id", entry.ID,
		"kind", entry.Kind,
		"algorithm", entry.Algorithm,
		"entries", registry.Len(),
	)
	return entry, true, nil
}
