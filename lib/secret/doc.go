// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds passphrases, content keys, and key seeds in
// memory the Go runtime never sees.
//
// A [Buffer] is an anonymous mmap region locked into RAM (mlock) and
// excluded from core dumps (MADV_DONTDUMP). Close zeroes the region
// before unmapping it, so a locked keystore leaves no copy of its seeds
// behind in process memory.
//
// Constructors:
//
//   - [New] -- zero-filled region of a given size
//   - [NewFromBytes] -- moves a heap slice in and zeroes the source
//   - [NewRandom] -- fills the region from crypto/rand without a heap copy
//   - [ReadFromPath] -- passphrase from a file or stdin ("-")
//   - [ReadPassphrase] -- passphrase from a terminal prompt
//
// After Close, Bytes and String panic. Close is idempotent.
package secret
