// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

// Package errkind defines the failure taxonomy shared by the keystore,
// its wire protocol, and its clients.
//
// Every failure that crosses a package boundary carries exactly one
// [Kind]. The kind is what the Error frame transmits and what clients
// branch on; the message is for humans. Use [New] or [Wrap] to attach a
// kind and errors.Is against the sentinels ([NotFound], [StoreLocked],
// and so on) to test for one:
//
//	if errors.Is(err, errkind.StoreLocked) {
//	    // wait for unlock and retry
//	}
package errkind

import (
	"errors"
	"fmt"
)

// Kind names a failure category. The string value is the wire form.
type Kind string

const (
	KindInvalidPassphrase    Kind = "invalid_passphrase"
	KindCorruptStore         Kind = "corrupt_store"
	KindStoreLocked          Kind = "store_locked"
	KindNotFound             Kind = "not_found"
	KindWrongKeyKind         Kind = "wrong_key_kind"
	KindAuthenticationFailed Kind = "authentication_failed"
	KindFrameTooLarge        Kind = "frame_too_large"
	KindMalformed            Kind = "malformed"
	KindUnsupportedVersion   Kind = "unsupported_version"
	KindConnectionLost       Kind = "connection_lost"
	KindIOFailure            Kind = "io_failure"
	KindInvalidArgument      Kind = "invalid_argument"
	KindConnectFailed        Kind = "connect_failed"
)

var knownKinds = map[Kind]bool{
	KindInvalidPassphrase:    true,
	KindCorruptStore:         true,
	KindStoreLocked:          true,
	KindNotFound:             true,
	KindWrongKeyKind:         true,
	KindAuthenticationFailed: true,
	KindFrameTooLarge:        true,
	KindMalformed:            true,
	KindUnsupportedVersion:   true,
	KindConnectionLost:       true,
	KindIOFailure:            true,
	KindInvalidArgument:      true,
	KindConnectFailed:        true,
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool { return knownKinds[k] }

// Error is the sentinel form of a kind, so errors.Is(err, k) works.
func (k Kind) Error() string { return string(k) }

// Sentinels for errors.Is.
var (
	InvalidPassphrase    error = KindInvalidPassphrase
	CorruptStore         error = KindCorruptStore
	StoreLocked          error = KindStoreLocked
	NotFound             error = KindNotFound
	WrongKeyKind         error = KindWrongKeyKind
	AuthenticationFailed error = KindAuthenticationFailed
	FrameTooLarge        error = KindFrameTooLarge
	Malformed            error = KindMalformed
	UnsupportedVersion   error = KindUnsupportedVersion
	ConnectionLost       error = KindConnectionLost
	IOFailure            error = KindIOFailure
	InvalidArgument      error = KindInvalidArgument
	ConnectFailed        error = KindConnectFailed
)

// Error is a classified failure. Message is safe to send to a client;
// Err, when set, is the underlying cause and stays local.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel, so errors.Is(err, errkind.NotFound)
// holds for any *Error of kind not_found anywhere in the chain.
func (e *Error) Is(target error) bool {
	kind, ok := target.(Kind)
	return ok && kind == e.Kind
}

// New returns an *Error with a formatted message and no cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and message to cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors are io_failure: they come from the filesystem or
// the operating system. KindOf(nil) is the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	var kind Kind
	if errors.As(err, &kind) {
		return kind
	}
	return KindIOFailure
}

// MessageOf returns the client-facing message for err. For a classified
// error this is its Message (or the kind name when empty); the causes
// of unclassified errors are summarized by their Error string.
func MessageOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		if classified.Message != "" {
			return classified.Message
		}
		return string(classified.Kind)
	}
	return err.Error()
}
