// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Br1ght0ne/lair/lib/codec"
	"github.com/Br1ght0ne/lair/lib/errkind"
	"github.com/Br1ght0ne/lair/lib/secret"
)

// testWorkFactor keeps scrypt fast in tests.
const testWorkFactor = 10

func passphrase(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromBytes([]byte(value))
	if err != nil {
		t.Fatalf("creating passphrase buffer: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func newKey(t *testing.T, value string) *ContentKey {
	t.Helper()
	key, err := NewContentKey(passphrase(t, value), testWorkFactor)
	if err != nil {
		t.Fatalf("NewContentKey: %v", err)
	}
	t.Cleanup(func() { key.Close() })
	return key
}

func sampleContents() *Contents {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Contents{Entries: []Record{
		{
			ID:        "root",
			Kind:      "derivation",
			Algorithm: "hkdf-sha256",
			Seed:      bytes.Repeat([]byte{0x11}, SeedSize),
			CreatedAt: created,
		},
		{
			ID:        "signer",
			Kind:      "signing",
			Algorithm: "ed25519",
			SeedID:    "root",
			Path:      []uint32{0, 7},
			PublicKey: bytes.Repeat([]byte{0xab}, 32),
			Seed:      bytes.Repeat([]byte{0x22}, SeedSize),
			CreatedAt: created,
		},
	}}
}

func requireKind(t *testing.T, err error, kind errkind.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := errkind.KindOf(err); got != kind {
		t.Fatalf("error kind = %s, want %s (err: %v)", got, kind, err)
	}
}

func TestSealUnsealRoundtrip(t *testing.T) {
	key := newKey(t, "correct horse")
	original := sampleContents()

	data, err := Seal(original, key)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(data, original.Entries[0].Seed) {
		t.Fatal("sealed output contains a plaintext seed")
	}

	contents, unwrapped, err := Unseal(data, passphrase(t, "correct horse"))
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	defer unwrapped.Close()
	defer contents.Zero()

	if contents.Version != ContentsVersion {
		t.Errorf("Version = %d, want %d", contents.Version, ContentsVersion)
	}
	if len(contents.Entries) != len(original.Entries) {
		t.Fatalf("got %d entries, want %d", len(contents.Entries), len(original.Entries))
	}
	for index, want := range original.Entries {
		got := contents.Entries[index]
		if got.ID != want.ID || got.Kind != want.Kind || got.Algorithm != want.Algorithm || got.SeedID != want.SeedID {
			t.Errorf("entry %d = %+v, want %+v", index, got, want)
		}
		if !bytes.Equal(got.Seed, want.Seed) || !bytes.Equal(got.PublicKey, want.PublicKey) {
			t.Errorf("entry %d key material mismatch", index)
		}
		if len(got.Path) != len(want.Path) {
			t.Errorf("entry %d path = %v, want %v", index, got.Path, want.Path)
		}
		if !got.CreatedAt.Equal(want.CreatedAt) {
			t.Errorf("entry %d CreatedAt = %v, want %v", index, got.CreatedAt, want.CreatedAt)
		}
	}

	// The unwrapped key seals a body the original passphrase still opens.
	resealed, err := Seal(contents, unwrapped)
	if err != nil {
		t.Fatalf("Seal with unwrapped key: %v", err)
	}
	again, againKey, err := Unseal(resealed, passphrase(t, "correct horse"))
	if err != nil {
		t.Fatalf("Unseal resealed: %v", err)
	}
	againKey.Close()
	again.Zero()
}

func TestUnsealWrongPassphrase(t *testing.T) {
	data, err := Seal(sampleContents(), newKey(t, "right"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	contents, key, err := Unseal(data, passphrase(t, "wrong"))
	requireKind(t, err, errkind.KindInvalidPassphrase)
	if contents != nil || key != nil {
		t.Error("failed unseal returned partial material")
	}
	if !errors.Is(err, errkind.InvalidPassphrase) {
		t.Error("errors.Is(err, InvalidPassphrase) = false")
	}
}

func TestUnsealTamperedBody(t *testing.T) {
	data, err := Seal(sampleContents(), newKey(t, "pass"))
	if err != nil {
		t.Fatal(err)
	}
	var outer envelope
	if err := codec.Unmarshal(data, &outer); err != nil {
		t.Fatal(err)
	}
	outer.Ciphertext[len(outer.Ciphertext)/2] ^= 0x01
	tampered, err := codec.Marshal(outer)
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = Unseal(tampered, passphrase(t, "pass"))
	requireKind(t, err, errkind.KindCorruptStore)
}

func TestUnsealSwappedHeader(t *testing.T) {
	first, err := Seal(sampleContents(), newKey(t, "pass"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := Seal(sampleContents(), newKey(t, "pass"))
	if err != nil {
		t.Fatal(err)
	}

	var firstEnvelope, secondEnvelope envelope
	if err := codec.Unmarshal(first, &firstEnvelope); err != nil {
		t.Fatal(err)
	}
	if err := codec.Unmarshal(second, &secondEnvelope); err != nil {
		t.Fatal(err)
	}
	// Body of the first store under the header (and key) of the second.
	firstEnvelope.Header = secondEnvelope.Header
	swapped, err := codec.Marshal(firstEnvelope)
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = Unseal(swapped, passphrase(t, "pass"))
	requireKind(t, err, errkind.KindCorruptStore)
}

func TestUnsealStructuralFailures(t *testing.T) {
	key := newKey(t, "pass")
	valid, err := Seal(sampleContents(), key)
	if err != nil {
		t.Fatal(err)
	}
	var outer envelope
	if err := codec.Unmarshal(valid, &outer); err != nil {
		t.Fatal(err)
	}

	rewrite := func(mutate func(*header)) []byte {
		var head header
		if err := codec.Unmarshal(outer.Header, &head); err != nil {
			t.Fatal(err)
		}
		mutate(&head)
		headerBytes, err := codec.Marshal(head)
		if err != nil {
			t.Fatal(err)
		}
		data, err := codec.Marshal(envelope{Header: headerBytes, Nonce: outer.Nonce, Ciphertext: outer.Ciphertext})
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte("definitely not cbor")},
		{"empty", nil},
		{"truncated", valid[:len(valid)/2]},
		{"wrong magic", rewrite(func(h *header) { h.Magic = "someone-elses-store" })},
		{"future format", rewrite(func(h *header) { h.Version = FormatVersion + 1 })},
		{"mangled wrapped key", rewrite(func(h *header) { h.WrappedKey = []byte("age-encryption.org/v1\n") })},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			contents, key, err := Unseal(test.data, passphrase(t, "pass"))
			requireKind(t, err, errkind.KindCorruptStore)
			if contents != nil || key != nil {
				t.Error("failed unseal returned partial material")
			}
		})
	}
}

func TestUnsealNewerContentsVersion(t *testing.T) {
	key := newKey(t, "pass")
	plaintext, err := codec.Marshal(Contents{Version: ContentsVersion + 1})
	if err != nil {
		t.Fatal(err)
	}
	data, err := sealPlaintext(plaintext, key)
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = Unseal(data, passphrase(t, "pass"))
	requireKind(t, err, errkind.KindCorruptStore)
}

func TestUnsealRejectsBadSeedLength(t *testing.T) {
	key := newKey(t, "pass")
	contents := sampleContents()
	contents.Entries[1].Seed = []byte{1, 2, 3}

	data, err := Seal(contents, key)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = Unseal(data, passphrase(t, "pass"))
	requireKind(t, err, errkind.KindCorruptStore)
}

func TestNewContentKeyValidation(t *testing.T) {
	for _, workFactor := range []int{0, 31} {
		_, err := NewContentKey(passphrase(t, "pass"), workFactor)
		requireKind(t, err, errkind.KindInvalidArgument)
	}
}

func TestContentsZero(t *testing.T) {
	contents := sampleContents()
	contents.Zero()
	for _, record := range contents.Entries {
		if !bytes.Equal(record.Seed, make([]byte, SeedSize)) {
			t.Errorf("seed of %s not zeroed", record.ID)
		}
	}
	var empty *Contents
	empty.Zero()
}

func TestStorePersistAndUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.lair")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	exists, err := store.Exists()
	if err != nil || exists {
		t.Fatalf("Exists() = %v, %v before first persist", exists, err)
	}

	_, _, err = store.Unlock(passphrase(t, "pass"))
	requireKind(t, err, errkind.KindIOFailure)

	data, err := Seal(sampleContents(), newKey(t, "pass"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Persist(data); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat store: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("store mode = %o, want 600", mode)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temporary file left behind: %v", err)
	}

	contents, key, err := store.Unlock(passphrase(t, "pass"))
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	defer key.Close()
	defer contents.Zero()
	if len(contents.Entries) != 2 {
		t.Errorf("got %d entries, want 2", len(contents.Entries))
	}
}

func TestStorePersistReplacesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lair")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	key := newKey(t, "pass")
	first, err := Seal(&Contents{}, key)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Seal(sampleContents(), key)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Persist(first); err != nil {
		t.Fatal(err)
	}

	// A stale temporary file from an interrupted write does not affect
	// the next persist.
	if err := os.WriteFile(path+".tmp", []byte("partial"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := store.Persist(second); err != nil {
		t.Fatal(err)
	}
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(onDisk, second) {
		t.Error("store file does not hold the latest sealed bytes")
	}
}

func TestOpenIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.lair")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, err = Open(path)
	requireKind(t, err, errkind.KindIOFailure)

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	second.Close()
}
