// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed owns the keystore's encrypted-at-rest file.
//
// The file is a single CBOR map:
//
//	{
//	  header:     {magic: "lair-sealed-store", version: 1, wrapped_key: <age>},
//	  nonce:      <24 bytes>,
//	  ciphertext: <XChaCha20-Poly1305(contents)>,
//	}
//
// A random 32-byte content key encrypts the serialized [Contents]. The
// content key itself is wrapped with age's scrypt passphrase recipient,
// so unlocking costs one memory-hard key derivation regardless of how
// many entries the store holds. The encoded header bytes are the AEAD
// associated data: changing the format version or swapping the wrapped
// key breaks authentication of the body.
//
// Failure classification on [Unseal]:
//   - the passphrase does not unwrap the content key: invalid_passphrase
//   - anything structurally wrong, an unknown version, or a body that
//     fails authentication under a correctly unwrapped key: corrupt_store
//
// Corruption is always reported, never repaired.
//
// Every write goes through [Store.Persist], which writes a temporary
// file, fsyncs it, renames it over the store, and fsyncs the parent
// directory. A crash at any point leaves either the previous file or
// the new one.
//
// The content key and the decrypted body never touch the heap for
// longer than a single call: the key lives in a [secret.Buffer], and
// plaintext bodies are zeroed as soon as they are decoded.
package sealed
