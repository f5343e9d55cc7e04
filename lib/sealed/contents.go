// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"time"

	"github.com/Br1ght0ne/lair/lib/errkind"
	"github.com/Br1ght0ne/lair/lib/secret"
)

// ContentsVersion is the version of the decrypted body layout written
// by this build.
const ContentsVersion = 1

// Contents is the decrypted body of the store.
type Contents struct {
	Version uint     `cbor:"version"`
	Entries []Record `cbor:"entries"`
}

// Record is the persisted form of one key entry, including its seed.
// Records only exist transiently while loading or sealing; the live
// copy of a seed is in the key registry's protected arena.
type Record struct {
	ID        string    `cbor:"id"`
	Kind      string    `cbor:"kind"`
	Algorithm string    `cbor:"algorithm"`
	SeedID    string    `cbor:"seed_id,omitempty"`
	Path      []uint32  `cbor:"path,omitempty"`
	PublicKey []byte    `cbor:"public_key,omitempty"`
	Seed      []byte    `cbor:"seed"`
	CreatedAt time.Time `cbor:"created_at"`

	// Certificate is the DER self-signed certificate of a tls entry.
	Certificate []byte `cbor:"certificate,omitempty"`
}

// Zero overwrites every seed held by the contents.
func (c *Contents) Zero() {
	if c == nil {
		return
	}
	for index := range c.Entries {
		secret.Zero(c.Entries[index].Seed)
	}
}

// migrations upgrades a body from version N to N+1, keyed by N. Version
// 1 is the first layout, so the table is empty; a future layout change
// adds its step here instead of breaking older stores.
var migrations = map[uint]func(*Contents) error{}

func migrate(contents *Contents) error {
	if contents.Version == 0 {
		return errkind.New(errkind.KindCorruptStore, "store contents carry no version")
	}
	if contents.Version > ContentsVersion {
		return errkind.New(errkind.KindCorruptStore,
			"store contents version %d was written by a newer keystore (this build reads up to %d)",
			contents.Version, ContentsVersion)
	}
	for contents.Version < ContentsVersion {
		step, ok := migrations[contents.Version]
		if !ok {
			return errkind.New(errkind.KindCorruptStore, "no migration from contents version %d", contents.Version)
		}
		if err := step(contents); err != nil {
			return errkind.Wrap(errkind.KindCorruptStore, err, "migrating contents from version %d", contents.Version)
		}
		contents.Version++
	}
	return nil
}

func validate(contents *Contents) error {
	seen := make(map[string]bool, len(contents.Entries))
	for index, record := range contents.Entries {
		if record.ID == "" {
			return errkind.New(errkind.KindCorruptStore, "entry %d has no id", index)
		}
		if seen[record.ID] {
			return errkind.New(errkind.KindCorruptStore, "duplicate entry id %s", record.ID)
		}
		seen[record.ID] = true
		if len(record.Seed) != SeedSize {
			return errkind.New(errkind.KindCorruptStore,
				"entry %s has a %d-byte seed, want %d", record.ID, len(record.Seed), SeedSize)
		}
	}
	return nil
}

// SeedSize is the size of every entry's private seed.
const SeedSize = 32
