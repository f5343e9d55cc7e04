// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds lair's single CBOR configuration.
//
// Both persisted state (the sealed store file and its decrypted
// contents) and the socket protocol payloads are CBOR. Encoding uses
// Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items. The sealed
// store relies on this: the encoded header is the AEAD associated data,
// so the same header must always produce the same bytes.
//
// Decoding is tuned for untrusted input arriving on the socket:
// duplicate map keys and indefinite-length items are rejected, and
// unknown fields are ignored so older readers tolerate newer writers.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Types serialized only as CBOR use `cbor` struct tags.
package codec
