// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package keeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Br1ght0ne/lair/lib/clock"
	"github.com/Br1ght0ne/lair/lib/errkind"
	"github.com/Br1ght0ne/lair/lib/keyring"
	"github.com/Br1ght0ne/lair/lib/sealed"
	"github.com/Br1ght0ne/lair/lib/secret"
)

const (
	testWorkFactor = 10
	testMnemonic   = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	path       string
	workFactor int
	clock      *clock.FakeClock
	keeper     *Keeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithWorkFactor(t, testWorkFactor)
}

func newFixtureWithWorkFactor(t *testing.T, workFactor int) *fixture {
	t.Helper()
	fixture := &fixture{
		path:       filepath.Join(t.TempDir(), "store.lair"),
		workFactor: workFactor,
		clock:      clock.Fake(epoch),
	}
	fixture.open(t)
	return fixture
}

func (f *fixture) open(t *testing.T) {
	t.Helper()
	store, err := sealed.Open(f.path)
	if err != nil {
		t.Fatalf("sealed.Open: %v", err)
	}
	keeper, err := New(Config{
		Store:      store,
		WorkFactor: f.workFactor,
		Clock:      f.clock,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.keeper = keeper
	t.Cleanup(func() { keeper.Close() })
}

func passphrase(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromBytes([]byte(value))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func (f *fixture) unlock(t *testing.T, value string) {
	t.Helper()
	if err := f.keeper.Unlock(context.Background(), passphrase(t, value)); err != nil {
		t.Fatalf("Unlock(%q): %v", value, err)
	}
}

func (f *fixture) entryCount(t *testing.T) int {
	t.Helper()
	var count int
	if err := f.keeper.Read(func(registry *keyring.Registry) error {
		count = registry.Len()
		return nil
	}); err != nil {
		t.Fatalf("Read: %v", err)
	}
	return count
}

func TestUnlockCreatesStore(t *testing.T) {
	fixture := newFixture(t)
	if !fixture.keeper.Locked() {
		t.Fatal("new keeper is not locked")
	}

	fixture.unlock(t, "first")
	if fixture.keeper.Locked() {
		t.Fatal("keeper still locked after Unlock")
	}
	if _, err := os.Stat(fixture.path); err != nil {
		t.Fatalf("store file not created: %v", err)
	}
	if count := fixture.entryCount(t); count != 0 {
		t.Errorf("new store has %d entries", count)
	}

	// Unlock while unlocked is a no-op, whatever the passphrase.
	fixture.unlock(t, "anything")
}

func TestReadWhileLocked(t *testing.T) {
	fixture := newFixture(t)
	called := false
	err := fixture.keeper.Read(func(*keyring.Registry) error {
		called = true
		return nil
	})
	if !errors.Is(err, errkind.StoreLocked) {
		t.Fatalf("Read while locked = %v, want store_locked", err)
	}
	if called {
		t.Error("Read ran its callback while locked")
	}

	_, err = fixture.keeper.Generate(context.Background(), keyring.KindSigning, "")
	if !errors.Is(err, errkind.StoreLocked) {
		t.Errorf("Generate while locked = %v, want store_locked", err)
	}
}

func TestLockUnlockPreservesEntries(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()
	fixture.unlock(t, "pass")

	root, created, err := fixture.keeper.ImportMnemonic(ctx, testMnemonic)
	if err != nil || !created {
		t.Fatalf("ImportMnemonic = %v, %v", created, err)
	}
	derived, _, err := fixture.keeper.Derive(ctx, root.ID, keyring.Path{0, 1}, keyring.KindSigning, "")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if _, err := fixture.keeper.Generate(ctx, keyring.KindEncryption, ""); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	sealedBytes, err := fixture.keeper.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if len(sealedBytes) == 0 {
		t.Fatal("Lock returned no sealed bytes")
	}
	if !fixture.keeper.Locked() {
		t.Fatal("keeper not locked after Lock")
	}

	// The returned bytes are a complete store under the same passphrase.
	contents, contentKey, err := sealed.Unseal(sealedBytes, passphrase(t, "pass"))
	if err != nil {
		t.Fatalf("Unseal(Lock result): %v", err)
	}
	if len(contents.Entries) != 3 {
		t.Errorf("sealed bytes hold %d entries, want 3", len(contents.Entries))
	}
	contents.Zero()
	contentKey.Close()

	again, err := fixture.keeper.Lock(ctx)
	if err != nil || again != nil {
		t.Errorf("Lock while locked = %d bytes, %v; want nil, nil", len(again), err)
	}

	fixture.unlock(t, "pass")
	if count := fixture.entryCount(t); count != 3 {
		t.Fatalf("after relock %d entries, want 3", count)
	}
	err = fixture.keeper.Read(func(registry *keyring.Registry) error {
		handle, err := registry.Get(derived.ID)
		if err != nil {
			return err
		}
		if handle.Entry().Path.String() != "m/0/1" {
			t.Errorf("derived path = %s", handle.Entry().Path)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestEntriesSurviveRestart(t *testing.T) {
	fixture := newFixture(t)
	fixture.unlock(t, "pass")
	entry, err := fixture.keeper.Generate(context.Background(), keyring.KindSigning, keyring.AlgorithmDilithium3)
	if err != nil {
		t.Fatal(err)
	}
	if err := fixture.keeper.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fixture.open(t)
	fixture.unlock(t, "pass")
	err = fixture.keeper.Read(func(registry *keyring.Registry) error {
		_, err := registry.Get(entry.ID)
		return err
	})
	if err != nil {
		t.Fatalf("entry missing after restart: %v", err)
	}
}

func TestUnlockWrongPassphraseBacksOff(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()
	fixture.unlock(t, "right")
	if _, err := fixture.keeper.Lock(ctx); err != nil {
		t.Fatal(err)
	}

	err := fixture.keeper.Unlock(ctx, passphrase(t, "wrong"))
	if !errors.Is(err, errkind.InvalidPassphrase) {
		t.Fatalf("Unlock(wrong) = %v, want invalid_passphrase", err)
	}
	if !fixture.keeper.Locked() {
		t.Fatal("wrong passphrase unlocked the store")
	}

	// Within the backoff even the right passphrase is refused.
	err = fixture.keeper.Unlock(ctx, passphrase(t, "right"))
	if !errors.Is(err, errkind.InvalidPassphrase) {
		t.Fatalf("Unlock during backoff = %v, want invalid_passphrase", err)
	}

	fixture.clock.Advance(time.Second)
	fixture.unlock(t, "right")
}

func TestUnlockBackoffSchedule(t *testing.T) {
	want := []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 32 * time.Second}
	for attempt, expected := range want {
		if got := unlockBackoff(attempt); got != expected {
			t.Errorf("unlockBackoff(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestConcurrentDeriveIsIdempotent(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()
	fixture.unlock(t, "pass")
	root, _, err := fixture.keeper.ImportMnemonic(ctx, testMnemonic)
	if err != nil {
		t.Fatal(err)
	}

	const callers = 8
	type outcome struct {
		entry   keyring.Entry
		created bool
		err     error
	}
	outcomes := make([]outcome, callers)
	var group sync.WaitGroup
	for index := range callers {
		group.Add(1)
		go func() {
			defer group.Done()
			entry, created, err := fixture.keeper.Derive(ctx, root.ID, keyring.Path{3, 3}, keyring.KindEncryption, "")
			outcomes[index] = outcome{entry, created, err}
		}()
	}
	group.Wait()

	createdCount := 0
	for index, result := range outcomes {
		if result.err != nil {
			t.Fatalf("caller %d: %v", index, result.err)
		}
		if result.entry.ID != outcomes[0].entry.ID {
			t.Errorf("caller %d got %s, caller 0 got %s", index, result.entry.ID, outcomes[0].entry.ID)
		}
		if result.created {
			createdCount++
		}
	}
	if createdCount != 1 {
		t.Errorf("%d callers created the entry, want exactly 1", createdCount)
	}
	if count := fixture.entryCount(t); count != 2 {
		t.Errorf("registry has %d entries, want 2", count)
	}
}

func TestPersistFailureLeavesRegistryUnchanged(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()
	fixture.unlock(t, "pass")

	// A directory where the temporary file goes makes the write fail.
	blocker := fixture.path + ".tmp"
	if err := os.Mkdir(blocker, 0o700); err != nil {
		t.Fatal(err)
	}
	_, err := fixture.keeper.Generate(ctx, keyring.KindSigning, "")
	if !errors.Is(err, errkind.IOFailure) {
		t.Fatalf("Generate with failing persist = %v, want io_failure", err)
	}
	if count := fixture.entryCount(t); count != 0 {
		t.Fatalf("failed persist left %d entries in memory", count)
	}

	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	if _, err := fixture.keeper.Generate(ctx, keyring.KindSigning, ""); err != nil {
		t.Fatalf("Generate after recovery: %v", err)
	}
	if count := fixture.entryCount(t); count != 1 {
		t.Errorf("registry has %d entries, want 1", count)
	}
}

func TestRotate(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()
	fixture.unlock(t, "old")
	if _, err := fixture.keeper.Generate(ctx, keyring.KindSigning, ""); err != nil {
		t.Fatal(err)
	}

	err := fixture.keeper.Rotate(ctx, passphrase(t, "not it"), passphrase(t, "new"))
	if !errors.Is(err, errkind.InvalidPassphrase) {
		t.Fatalf("Rotate with wrong current = %v, want invalid_passphrase", err)
	}
	fixture.clock.Advance(time.Minute)

	if err := fixture.keeper.Rotate(ctx, passphrase(t, "old"), passphrase(t, "new")); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	// Still unlocked, and new entries are sealed under the new key.
	if _, err := fixture.keeper.Generate(ctx, keyring.KindSigning, ""); err != nil {
		t.Fatalf("Generate after rotate: %v", err)
	}
	if _, err := fixture.keeper.Lock(ctx); err != nil {
		t.Fatal(err)
	}

	err = fixture.keeper.Unlock(ctx, passphrase(t, "old"))
	if !errors.Is(err, errkind.InvalidPassphrase) {
		t.Fatalf("Unlock with old passphrase = %v, want invalid_passphrase", err)
	}
	fixture.clock.Advance(time.Minute)
	fixture.unlock(t, "new")
	if count := fixture.entryCount(t); count != 2 {
		t.Errorf("after rotate %d entries, want 2", count)
	}
}

func TestRotateWhileLocked(t *testing.T) {
	fixture := newFixture(t)
	err := fixture.keeper.Rotate(context.Background(), passphrase(t, "a"), passphrase(t, "b"))
	if !errors.Is(err, errkind.StoreLocked) {
		t.Fatalf("Rotate while locked = %v, want store_locked", err)
	}
}

func TestCancelledContext(t *testing.T) {
	fixture := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The writer may or may not win the race against the cancelled
	// context, so both outcomes are acceptable; it must not hang.
	data, err := fixture.keeper.Lock(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Lock with cancelled context = %v", err)
	}
	if data != nil {
		t.Errorf("Lock of a locked store returned %d bytes", len(data))
	}
}

// A caller whose context ends while scrypt is running gets control back
// only after the job is done with the passphrases, so closing them on
// return (as the dispatcher does) is safe.
func TestRotateCancelledMidScrypt(t *testing.T) {
	fixture := newFixtureWithWorkFactor(t, 15)
	fixture.unlock(t, "old")
	if _, err := fixture.keeper.Generate(context.Background(), keyring.KindSigning, ""); err != nil {
		t.Fatal(err)
	}

	current, err := secret.NewFromBytes([]byte("old"))
	if err != nil {
		t.Fatal(err)
	}
	next, err := secret.NewFromBytes([]byte("new"))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err = fixture.keeper.Rotate(ctx, current, next)
	current.Close()
	next.Close()

	// Rotate either never started (cancelled before the writer took
	// it) or ran to completion.
	want := "new"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		want = "old"
	default:
		t.Fatalf("Rotate = %v", err)
	}

	if _, err := fixture.keeper.Lock(context.Background()); err != nil {
		t.Fatalf("Lock after cancelled rotate: %v", err)
	}
	fixture.unlock(t, want)
	if count := fixture.entryCount(t); count != 1 {
		t.Errorf("after cancelled rotate %d entries, want 1", count)
	}
}

func TestCancelledWaitStillFinishesJob(t *testing.T) {
	fixture := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	finished := false

	result := make(chan error, 1)
	go func() {
		result <- fixture.keeper.submit(ctx, func() {
			close(started)
			<-release
			finished = true
		})
	}()
	<-started
	cancel()
	select {
	case err := <-result:
		t.Fatalf("submit returned %v while its job was still running", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	if err := <-result; err != nil {
		t.Fatalf("submit = %v, want nil for an accepted job", err)
	}
	if !finished {
		t.Error("submit returned before the job finished")
	}
}

func TestClosedKeeperRefusesWork(t *testing.T) {
	fixture := newFixture(t)
	if err := fixture.keeper.Close(); err != nil {
		t.Fatal(err)
	}
	if err := fixture.keeper.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	err := fixture.keeper.Unlock(context.Background(), passphrase(t, "pass"))
	if !errors.Is(err, errkind.StoreLocked) {
		t.Fatalf("Unlock after Close = %v, want store_locked", err)
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New without a store succeeded")
	}
}
