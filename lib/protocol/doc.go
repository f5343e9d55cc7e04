// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the keystore wire protocol: framing,
// message envelopes, and the closed set of operations.
//
// Each message is a frame: a 4-byte big-endian payload length followed
// by a CBOR map (Core Deterministic Encoding):
//
//	v     protocol version (uint)
//	k     message kind: "hello", "request", "response", "error"
//	id    correlation ID (uint64, nonzero for requests)
//	op    operation name (requests and responses)
//	key   key ID the operation targets (requests, when the op needs one)
//	body  operation or result fields, CBOR map typed per op
//	err   {kind, message} (error messages)
//
// A connection starts with a hello exchange. The client sends its
// version; the service answers with its own hello, or with an error of
// kind unsupported_version and closes. After that the client sends
// requests and the service answers each with exactly one response or
// error carrying the same correlation ID, in completion order.
//
// Decoding fails closed. A zero-length frame, an unknown message kind,
// an unknown operation, or a body that does not decode is malformed; a
// frame longer than the configured maximum is frame_too_large and the
// reader never allocates for it; a non-hello frame whose version is
// not [Version] is unsupported_version.
package protocol
