// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyring is the decrypted, in-memory view of the keystore: a
// map from entry ID to key entry, with every entry's private seed held
// in one protected arena.
//
// Every entry, whatever its kind, is backed by a 32-byte seed:
//
//   - signing/ed25519: the seed is the RFC 8032 private seed
//   - signing/dilithium3: the seed feeds mode3.NewKeyFromSeed
//   - encryption/x25519: the seed is the curve25519 scalar
//   - derivation/hkdf-sha256: the seed is a root for [Registry.Derive]
//
// Signing and encryption keys are expanded from their seed on each use
// and the expanded form is discarded afterwards. Seeds never leave the
// arena except through [Registry.Export], which exists only to feed
// sealed.Seal.
//
// # Derivation
//
// A derived entry is computed from a derivation seed and a [Path]. Each
// path index is one HKDF-SHA256 step with info "lair.derive.v1" followed
// by the big-endian index. Kinds other than derivation then take one
// more HKDF step with info "lair.key.v1:" followed by the algorithm name,
// so a signing key and an encryption key at the same path share no
// material.
//
// # Identifiers
//
// An entry ID is the base58 encoding of the first 16 bytes of
// BLAKE3-keyed(seed, "lair.entry.id.v1" ‖ kind ‖ algorithm). IDs reveal
// nothing about the seed, and because they are a function of the
// material, deriving or importing the same thing twice yields the same
// ID. That is what makes Derive idempotent.
//
// Registry has no internal locking. The keeper serializes writers and
// lets readers share it.
package keyring
