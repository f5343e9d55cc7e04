// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

// Package keeper owns the keystore's unlocked state: the sealed store
// handle, the key registry, and the content key.
//
// A Keeper is the single writer. Every state transition (unlock, lock,
// creating an entry, rotating the passphrase) is handed to one
// goroutine over a channel and runs there one at a time. A mutation
// computes the new entry and persists the complete new sealed store
// while holding no lock, so readers keep working during the scrypt and
// fsync. Only after the file is safely replaced does the writer take
// the write lock, for the moment it takes to insert the entry in
// memory. If persisting fails the in-memory registry is untouched.
//
// Readers call [Keeper.Read], which holds the read lock for the
// duration of the callback and fails fast with store_locked when
// there is no registry.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Br1ght0ne/lair/lib/clock"
	"github.com/Br1ght0ne/lair/lib/errkind"
	"github.com/Br1ght0ne/lair/lib/keyring"
	"github.com/Br1ght0ne/lair/lib/sealed"
	"github.com/Br1ght0ne/lair/lib/secret"
)

// Config configures a Keeper.
type Config struct {
	// Store is the opened store file. The Keeper takes ownership and
	// closes it in Close.
	Store *sealed.Store

	// WorkFactor is the scrypt log2(N) for new content keys. Zero
	// selects sealed.DefaultWorkFactor.
	WorkFactor int

	// Clock stamps entries and drives unlock backoff. Nil selects
	// clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// Keeper serializes state transitions and guards the registry.
type Keeper struct {
	store      *sealed.Store
	workFactor int
	clock      clock.Clock
	logger     *slog.Logger

	mu         sync.RWMutex
	registry   *keyring.Registry
	contentKey *sealed.ContentKey

	jobs      chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// Owned by the writer goroutine.
	failedAttempts int
	retryAfter     time.Time
}

// New starts a locked Keeper.
func New(config Config) (*Keeper, error) {
	if config.Store == nil {
		return nil, errors.New("keeper: store is required")
	}
	if config.WorkFactor == 0 {
		config.WorkFactor = sealed.DefaultWorkFactor
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	keeper := &Keeper{
		store:      config.Store,
		workFactor: config.WorkFactor,
		clock:      config.Clock,
		logger:     config.Logger,
		jobs:       make(chan func()),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go keeper.run()
	return keeper, nil
}

func (k *Keeper) run() {
	defer close(k.stopped)
	for {
		select {
		case job := <-k.jobs:
			job()
		case <-k.done:
			return
		}
	}
}

// submit runs job on the writer goroutine and waits for it. ctx only
// bounds the wait for the writer to accept the job. Once accepted the
// job runs to completion and submit returns after it, so inputs the
// caller borrowed to the job stay valid for the job's whole run.
func (k *Keeper) submit(ctx context.Context, job func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		job()
	}
	select {
	case k.jobs <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-k.done:
		return errkind.New(errkind.KindStoreLocked, "keystore is shutting down")
	}
	<-finished
	return nil
}

// Close stops the writer, zeroes the registry and content key, and
// releases the store lock. In-flight submissions finish first.
func (k *Keeper) Close() error {
	var err error
	k.closeOnce.Do(func() {
		close(k.done)
		<-k.stopped
		k.mu.Lock()
		k.dropLocked()
		k.mu.Unlock()
		err = k.store.Close()
	})
	return err
}

// dropLocked discards the unlocked state. Caller holds mu for writing.
func (k *Keeper) dropLocked() {
	if k.registry != nil {
		k.registry.Close()
		k.registry = nil
	}
	if k.contentKey != nil {
		k.contentKey.Close()
		k.contentKey = nil
	}
}

// Locked reports whether the store is locked.
func (k *Keeper) Locked() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.registry == nil
}

// Read runs fn with the registry under the read lock. It fails with
// store_locked while the store is locked. Handles obtained inside fn
// must not escape it.
func (k *Keeper) Read(fn func(*keyring.Registry) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.registry == nil {
		return errkind.New(errkind.KindStoreLocked, "keystore is locked")
	}
	return fn(k.registry)
}

// Unlock opens the store with passphrase. If the store file does not
// exist yet, an empty store is created and sealed under passphrase.
// Unlocking an unlocked store succeeds without checking the passphrase.
// The passphrase is borrowed.
//
// After a wrong passphrase, further attempts are refused with
// invalid_passphrase until a backoff (1s doubling to 32s) has passed.
func (k *Keeper) Unlock(ctx context.Context, passphrase *secret.Buffer) error {
	var result error
	if err := k.submit(ctx, func() { result = k.unlock(passphrase) }); err != nil {
		return err
	}
	return result
}

func (k *Keeper) unlock(passphrase *secret.Buffer) error {
	if k.registry != nil {
		return nil
	}
	if err := k.checkThrottle(); err != nil {
		return err
	}

	exists, err := k.store.Exists()
	if err != nil {
		return err
	}
	if !exists {
		return k.create(passphrase)
	}

	contents, contentKey, err := k.store.Unlock(passphrase)
	if err != nil {
		if errors.Is(err, errkind.InvalidPassphrase) {
			k.recordFailure()
		}
		return err
	}
	registry := keyring.NewRegistry()
	if err := registry.Load(contents); err != nil {
		registry.Close()
		contentKey.Close()
		return err
	}

	k.mu.Lock()
	k.registry = registry
	k.contentKey = contentKey
	k.mu.Unlock()
	k.failedAttempts = 0
	k.retryAfter = time.Time{}

	k.logger.Info("keystore unlocked", "path", k.store.Path(), "entries", registry.Len())
	return nil
}

func (k *Keeper) create(passphrase *secret.Buffer) error {
	contentKey, err := sealed.NewContentKey(passphrase, k.workFactor)
	if err != nil {
		return err
	}
	data, err := sealed.Seal(&sealed.Contents{}, contentKey)
	if err != nil {
		contentKey.Close()
		return err
	}
	if err := k.store.Persist(data); err != nil {
		contentKey.Close()
		return err
	}

	k.mu.Lock()
	k.registry = keyring.NewRegistry()
	k.contentKey = contentKey
	k.mu.Unlock()

	k.logger.Info("created new keystore", "path", k.store.Path(), "work_factor", k.workFactor)
	return nil
}

func (k *Keeper) checkThrottle() error {
	if k.retryAfter.IsZero() {
		return nil
	}
	now := k.clock.Now()
	if now.Before(k.retryAfter) {
		return errkind.New(errkind.KindInvalidPassphrase,
			"too many failed unlock attempts, retry in %s", k.retryAfter.Sub(now).Round(time.Second))
	}
	return nil
}

func (k *Keeper) recordFailure() {
	k.failedAttempts++
	k.retryAfter = k.clock.Now().Add(unlockBackoff(k.failedAttempts))
	k.logger.Warn("unlock failed", "attempts", k.failedAttempts, "retry_after", k.retryAfter)
}

// unlockBackoff returns 1s, 2s, 4s, ... capped at 32s.
func unlockBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	shift := min(attempt-1, 5)
	return time.Second << shift
}

// Lock seals the current registry, discards the unlocked state, and
// returns the sealed bytes. The store file already holds the same
// entries (every mutation persists), so nothing is written. Locking a
// locked store returns nil bytes and no error.
func (k *Keeper) Lock(ctx context.Context) ([]byte, error) {
	var (
		data   []byte
		result error
	)
	err := k.submit(ctx, func() { data, result = k.lock() })
	if err != nil {
		return nil, err
	}
	return data, result
}

func (k *Keeper) lock() ([]byte, error) {
	if k.registry == nil {
		return nil, nil
	}
	contents := k.registry.Export()
	data, err := sealed.Seal(contents, k.contentKey)
	contents.Zero()
	if err != nil {
		return nil, fmt.Errorf("sealing registry: %w", err)
	}

	k.mu.Lock()
	k.dropLocked()
	k.mu.Unlock()

	k.logger.Info("keystore locked", "path", k.store.Path())
	return data, nil
}

// Rotate re-encrypts the store under a fresh content key wrapped with
// next. current must unlock the store file; a wrong current passphrase
// counts toward the unlock backoff. Both passphrases are borrowed.
func (k *Keeper) Rotate(ctx context.Context, current, next *secret.Buffer) error {
	var result error
	if err := k.submit(ctx, func() { result = k.rotate(current, next) }); err != nil {
		return err
	}
	return result
}

func (k *Keeper) rotate(current, next *secret.Buffer) error {
	if k.registry == nil {
		return errkind.New(errkind.KindStoreLocked, "keystore is locked")
	}
	if err := k.checkThrottle(); err != nil {
		return err
	}
	verified, verifiedKey, err := k.store.Unlock(current)
	if err != nil {
		if errors.Is(err, errkind.InvalidPassphrase) {
			k.recordFailure()
		}
		return err
	}
	verified.Zero()
	verifiedKey.Close()

	contentKey, err := sealed.NewContentKey(next, k.workFactor)
	if err != nil {
		return err
	}
	contents := k.registry.Export()
	data, err := sealed.Seal(contents, contentKey)
	contents.Zero()
	if err != nil {
		contentKey.Close()
		return err
	}
	if err := k.store.Persist(data); err != nil {
		contentKey.Close()
		return err
	}

	k.mu.Lock()
	previous := k.contentKey
	k.contentKey = contentKey
	k.mu.Unlock()
	previous.Close()

	k.logger.Info("keystore passphrase rotated", "path", k.store.Path())
	return nil
}
