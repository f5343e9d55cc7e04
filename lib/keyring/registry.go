// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tyler-smith/go-bip39"

	"github.com/Br1ght0ne/lair/lib/errkind"
	"github.com/Br1ght0ne/lair/lib/sealed"
	"github.com/Br1ght0ne/lair/lib/secret"
)

// initialSlots is the arena capacity of a new registry, in seeds.
const initialSlots = 16

// Entry is the public description of a key. It never carries private
// material and is safe to encode into responses.
type Entry struct {
	ID        string
	Kind      Kind
	Algorithm Algorithm
	SeedID    string
	Path      Path
	PublicKey []byte
	CreatedAt time.Time

	// Set for KindTLS entries.
	Certificate []byte
	SNI         string
	CertDigest  []byte
}

type slot struct {
	entry Entry
	index int
}

// Registry maps entry IDs to entries. Seeds live in one secret.Buffer
// arena of SeedSize slots so that a large store costs one mlock'd
// mapping instead of one per key.
type Registry struct {
	arena   *secret.Buffer
	used    int
	entries map[string]*slot
	closed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*slot)}
}

// Load inserts every record of contents and zeroes the record seeds.
// Each record's ID is recomputed from its seed; a mismatch means the
// store was tampered with or written by something else, and the whole
// load fails as corrupt_store.
func (r *Registry) Load(contents *sealed.Contents) error {
	defer contents.Zero()

	for _, record := range contents.Entries {
		kind, err := ParseKind(record.Kind)
		if err != nil {
			return errkind.Wrap(errkind.KindCorruptStore, err, "entry %s", record.ID)
		}
		algorithm, err := ResolveAlgorithm(kind, Algorithm(record.Algorithm))
		if err != nil || algorithm != Algorithm(record.Algorithm) {
			return errkind.New(errkind.KindCorruptStore, "entry %s has invalid algorithm %q", record.ID, record.Algorithm)
		}
		computed, err := entryID(record.Seed, kind, algorithm)
		if err != nil {
			return err
		}
		if computed != record.ID {
			return errkind.New(errkind.KindCorruptStore, "entry %s does not match its key material", record.ID)
		}
		entry := Entry{
			ID:        record.ID,
			Kind:      kind,
			Algorithm: algorithm,
			SeedID:    record.SeedID,
			Path:      Path(record.Path),
			PublicKey: record.PublicKey,
			CreatedAt: record.CreatedAt,
		}
		switch {
		case kind == KindTLS:
			public, err := publicKey(record.Seed, algorithm)
			if err != nil {
				return err
			}
			entry.PublicKey = public
			if err := attachCertificate(&entry, record.Certificate); err != nil {
				return errkind.Wrap(errkind.KindCorruptStore, err, "entry %s", record.ID)
			}
		case record.Certificate != nil:
			return errkind.New(errkind.KindCorruptStore, "%s entry %s carries a certificate", kind, record.ID)
		}
		if err := r.insert(entry, record.Seed); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of entries.
func (r *Registry) Len() int { return len(r.entries) }

// Get returns a handle on the entry with the given ID.
func (r *Registry) Get(id string) (Handle, error) {
	entry, ok := r.entries[id]
	if !ok || r.closed {
		return Handle{}, errkind.New(errkind.KindNotFound, "no key entry %q", id)
	}
	return Handle{registry: r, slot: entry}, nil
}

// Entries returns every entry ordered by creation time, then ID.
func (r *Registry) Entries() []Entry {
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry.entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}

// Pending is a computed entry that has not been inserted yet. The
// keeper persists the store with the pending entry included before it
// commits it with Insert. A Pending must be closed.
type Pending struct {
	Entry Entry
	seed  *secret.Buffer
}

// Close releases the pending seed. Idempotent.
func (p *Pending) Close() error {
	if p == nil || p.seed == nil {
		return nil
	}
	return p.seed.Close()
}

// Derive computes the entry at path below the derivation entry seedID.
// It does not modify the registry. Deriving the same (seed, path, kind,
// algorithm) always yields the same entry ID and key.
func (r *Registry) Derive(seedID string, path Path, kind Kind, algorithm Algorithm, now time.Time) (*Pending, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	algorithm, err := ResolveAlgorithm(kind, algorithm)
	if err != nil {
		return nil, err
	}
	if kind == KindTLS {
		return nil, errkind.New(errkind.KindInvalidArgument, "tls entries are generated from entropy, not derived")
	}
	parent, err := r.Get(seedID)
	if err != nil {
		return nil, err
	}
	if parent.slot.entry.Kind != KindDerivation {
		return nil, errkind.New(errkind.KindWrongKeyKind, "key %s is a %s key, derive needs a derivation key", seedID, parent.slot.entry.Kind)
	}

	seed, err := secret.New(SeedSize)
	if err != nil {
		return nil, fmt.Errorf("allocating derived seed: %w", err)
	}
	if err := deriveSeed(seed.Bytes(), r.seed(parent.slot.index), path, kind, algorithm); err != nil {
		seed.Close()
		return nil, err
	}
	pending, err := newPending(seed, kind, algorithm, now)
	if err != nil {
		return nil, err
	}
	pending.Entry.SeedID = seedID
	pending.Entry.Path = append(Path(nil), path...)
	return pending, nil
}

// Generate computes a new entry from fresh random entropy. A KindTLS
// entry also gets a self-signed certificate.
func (r *Registry) Generate(kind Kind, algorithm Algorithm, now time.Time) (*Pending, error) {
	algorithm, err := ResolveAlgorithm(kind, algorithm)
	if err != nil {
		return nil, err
	}
	seed, err := secret.NewRandom(SeedSize)
	if err != nil {
		return nil, fmt.Errorf("generating seed: %w", err)
	}
	return newPending(seed, kind, algorithm, now)
}

// FromMnemonic computes a derivation entry from a BIP-39 mnemonic. The
// 64-byte BIP-39 seed is compressed to SeedSize with one HKDF step, so
// importing the same mnemonic twice yields the same entry.
func (r *Registry) FromMnemonic(mnemonic string, now time.Time) (*Pending, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errkind.New(errkind.KindInvalidArgument, "mnemonic is not a valid BIP-39 phrase")
	}

	bipSeed := bip39.NewSeed(mnemonic, "")
	defer secret.Zero(bipSeed)

	seed, err := secret.New(SeedSize)
	if err != nil {
		return nil, fmt.Errorf("allocating imported seed: %w", err)
	}
	if err := hkdfStep(seed.Bytes(), bipSeed, hkdfInfoMnemonic); err != nil {
		seed.Close()
		return nil, err
	}
	return newPending(seed, KindDerivation, AlgorithmHKDFSHA256, now)
}

// newPending takes ownership of seed.
func newPending(seed *secret.Buffer, kind Kind, algorithm Algorithm, now time.Time) (*Pending, error) {
	id, err := entryID(seed.Bytes(), kind, algorithm)
	if err != nil {
		seed.Close()
		return nil, err
	}
	public, err := publicKey(seed.Bytes(), algorithm)
	if err != nil {
		seed.Close()
		return nil, err
	}
	pending := &Pending{
		Entry: Entry{
			ID:        id,
			Kind:      kind,
			Algorithm: algorithm,
			PublicKey: public,
			CreatedAt: now.UTC().Truncate(time.Second),
		},
		seed: seed,
	}
	if kind == KindTLS {
		certificate, err := newCertificate(seed.Bytes(), algorithm, now)
		if err == nil {
			err = attachCertificate(&pending.Entry, certificate)
		}
		if err != nil {
			seed.Close()
			return nil, err
		}
	}
	return pending, nil
}

// Lookup returns the existing entry with the pending entry's ID, if
// any. Callers use it to short-circuit idempotent derivations.
func (r *Registry) Lookup(pending *Pending) (Entry, bool) {
	existing, ok := r.entries[pending.Entry.ID]
	if !ok {
		return Entry{}, false
	}
	return existing.entry, true
}

// Insert commits a pending entry. Inserting an ID that already exists
// is a no-op that returns the existing entry. The pending seed is
// copied into the arena; the caller still closes pending.
func (r *Registry) Insert(pending *Pending) (Entry, error) {
	if existing, ok := r.Lookup(pending); ok {
		return existing, nil
	}
	if err := r.insert(pending.Entry, pending.seed.Bytes()); err != nil {
		return Entry{}, err
	}
	return pending.Entry, nil
}

func (r *Registry) insert(entry Entry, seed []byte) error {
	if r.closed {
		return errkind.New(errkind.KindStoreLocked, "registry is closed")
	}
	if len(seed) != SeedSize {
		return errkind.New(errkind.KindCorruptStore, "entry %s has a %d-byte seed", entry.ID, len(seed))
	}
	if _, exists := r.entries[entry.ID]; exists {
		return errkind.New(errkind.KindCorruptStore, "duplicate entry %s", entry.ID)
	}
	if err := r.reserve(r.used + 1); err != nil {
		return err
	}
	index := r.used
	copy(r.seed(index), seed)
	r.used++
	r.entries[entry.ID] = &slot{entry: entry, index: index}
	return nil
}

// reserve grows the arena to hold at least slots seeds. Growth maps a
// new region, copies, and closes (zeroes) the old one.
func (r *Registry) reserve(slots int) error {
	capacity := 0
	if r.arena != nil {
		capacity = r.arena.Len() / SeedSize
	}
	if slots <= capacity {
		return nil
	}
	newCapacity := max(initialSlots, capacity*2)
	for newCapacity < slots {
		newCapacity *= 2
	}
	arena, err := secret.New(newCapacity * SeedSize)
	if err != nil {
		return fmt.Errorf("growing seed arena to %d slots: %w", newCapacity, err)
	}
	if r.arena != nil {
		copy(arena.Bytes(), r.arena.Bytes()[:r.used*SeedSize])
		r.arena.Close()
	}
	r.arena = arena
	return nil
}

func (r *Registry) seed(index int) []byte {
	start := index * SeedSize
	return r.arena.Bytes()[start : start+SeedSize]
}

// Export returns every entry as a sealed.Record, seeds included, plus
// the pending entries given (skipping any already present). The
// returned contents hold heap copies of seeds; call Zero once sealed.
func (r *Registry) Export(pending ...*Pending) *sealed.Contents {
	contents := &sealed.Contents{Version: sealed.ContentsVersion}
	for _, entry := range r.Entries() {
		contents.Entries = append(contents.Entries, record(entry, r.seed(r.entries[entry.ID].index)))
	}
	for _, extra := range pending {
		if _, exists := r.entries[extra.Entry.ID]; exists {
			continue
		}
		contents.Entries = append(contents.Entries, record(extra.Entry, extra.seed.Bytes()))
	}
	return contents
}

func record(entry Entry, seed []byte) sealed.Record {
	return sealed.Record{
		ID:        entry.ID,
		Kind:      string(entry.Kind),
		Algorithm: string(entry.Algorithm),
		SeedID:    entry.SeedID,
		Path:      []uint32(entry.Path),
		PublicKey: entry.PublicKey,
		Seed:      append([]byte(nil), seed...),
		CreatedAt: entry.CreatedAt,

		Certificate: entry.Certificate,
	}
}

// Close zeroes and unmaps the seed arena. Handles obtained earlier
// become unusable. Idempotent.
func (r *Registry) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.entries = make(map[string]*slot)
	r.used = 0
	if r.arena == nil {
		return nil
	}
	err := r.arena.Close()
	r.arena = nil
	return err
}
