// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch executes protocol operations against the keystore.
//
// Read-only operations (sign, verify, encrypt, decrypt, export_public,
// tls_cert, list, info) run under the keeper's read lock and may run concurrently
// with each other. Operations that change the store (derive, generate,
// import_seed, unlock, lock, rotate) go through the keeper's single
// writer. Every failure carries an errkind kind; the dispatcher never
// returns private key material.
package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Br1ght0ne/lair/lib/errkind"
	"github.com/Br1ght0ne/lair/lib/keeper"
	"github.com/Br1ght0ne/lair/lib/keyring"
	"github.com/Br1ght0ne/lair/lib/protocol"
	"github.com/Br1ght0ne/lair/lib/secret"
	"github.com/Br1ght0ne/lair/lib/version"
)

// ServerName is reported by the info operation.
const ServerName = "lair-keystore"

// Dispatcher maps operations onto a Keeper.
type Dispatcher struct {
	keeper *keeper.Keeper
	logger *slog.Logger
}

// New returns a Dispatcher over owner. A nil logger discards.
func New(owner *keeper.Keeper, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{keeper: owner, logger: logger}
}

// Execute performs operation on the entry keyID (empty for operations
// that take no key).
func (d *Dispatcher) Execute(ctx context.Context, keyID string, operation protocol.Operation) (protocol.Result, error) {
	if operation == nil {
		return nil, errkind.New(errkind.KindMalformed, "no operation")
	}
	if protocol.NeedsKey(operation.Name()) && keyID == "" {
		return nil, errkind.New(errkind.KindInvalidArgument, "%s needs a key ID", operation.Name())
	}

	switch operation := operation.(type) {
	case *protocol.Sign:
		lookup := byID(keyID)
		switch {
		case keyID != "" && operation.PublicKey != nil:
			return nil, errkind.New(errkind.KindInvalidArgument, "sign takes a key ID or a public key, not both")
		case keyID == "" && operation.PublicKey == nil:
			return nil, errkind.New(errkind.KindInvalidArgument, "sign needs a key ID or a public key")
		case keyID == "":
			lookup = func(registry *keyring.Registry) (keyring.Handle, error) {
				return registry.SigningKey(operation.PublicKey)
			}
		}
		return withHandle(d, lookup, func(handle keyring.Handle) (protocol.Result, error) {
			signature, err := handle.Sign(operation.Message)
			if err != nil {
				return nil, err
			}
			return &protocol.Signature{Signature: signature}, nil
		})

	case *protocol.TLSCert:
		return d.certificate(keyID, operation)

	case *protocol.Verify:
		return withKey(d, keyID, func(handle keyring.Handle) (protocol.Result, error) {
			if err := handle.Verify(operation.Message, operation.Signature); err != nil {
				return nil, err
			}
			return &protocol.Verified{Valid: true}, nil
		})

	case *protocol.Encrypt:
		return withKey(d, keyID, func(handle keyring.Handle) (protocol.Result, error) {
			var (
				ciphertext []byte
				err        error
			)
			if operation.Recipient == nil {
				ciphertext, err = handle.SealAnonymous(operation.Plaintext)
			} else {
				ciphertext, err = handle.SealTo(operation.Recipient, operation.Plaintext)
			}
			if err != nil {
				return nil, err
			}
			return &protocol.Ciphertext{Ciphertext: ciphertext}, nil
		})

	case *protocol.Decrypt:
		return withKey(d, keyID, func(handle keyring.Handle) (protocol.Result, error) {
			var (
				plaintext []byte
				err       error
			)
			if operation.Sender == nil {
				plaintext, err = handle.OpenAnonymous(operation.Ciphertext)
			} else {
				plaintext, err = handle.OpenFrom(operation.Sender, operation.Ciphertext)
			}
			if err != nil {
				return nil, err
			}
			return &protocol.Plaintext{Plaintext: plaintext}, nil
		})

	case *protocol.ExportPublic:
		return withKey(d, keyID, func(handle keyring.Handle) (protocol.Result, error) {
			entry := handle.Entry()
			if entry.Kind == keyring.KindDerivation {
				return nil, errkind.New(errkind.KindWrongKeyKind,
					"export_public needs a key with a public half, %s is a derivation key", entry.ID)
			}
			return &protocol.PublicKey{
				Algorithm: string(entry.Algorithm),
				PublicKey: append([]byte(nil), entry.PublicKey...),
			}, nil
		})

	case *protocol.Derive:
		kind, err := keyring.ParseKind(operation.Kind)
		if err != nil {
			return nil, err
		}
		entry, created, err := d.keeper.Derive(ctx, keyID, keyring.Path(operation.Path), kind, keyring.Algorithm(operation.Algorithm))
		if err != nil {
			return nil, err
		}
		return &protocol.Derived{Entry: wireEntry(entry), Created: created}, nil

	case *protocol.Generate:
		kind, err := keyring.ParseKind(operation.Kind)
		if err != nil {
			return nil, err
		}
		entry, err := d.keeper.Generate(ctx, kind, keyring.Algorithm(operation.Algorithm))
		if err != nil {
			return nil, err
		}
		return &protocol.Generated{Entry: wireEntry(entry)}, nil

	case *protocol.ImportSeed:
		entry, created, err := d.keeper.ImportMnemonic(ctx, operation.Mnemonic)
		if err != nil {
			return nil, err
		}
		return &protocol.Imported{Entry: wireEntry(entry), Created: created}, nil

	case *protocol.List:
		return d.list(operation)

	case *protocol.Info:
		return d.info(), nil

	case *protocol.Unlock:
		passphrase, err := passphraseBuffer(operation.Passphrase, "passphrase")
		if err != nil {
			return nil, err
		}
		defer passphrase.Close()
		if err := d.keeper.Unlock(ctx, passphrase); err != nil {
			return nil, err
		}
		return &protocol.Unlocked{}, nil

	case *protocol.Lock:
		if _, err := d.keeper.Lock(ctx); err != nil {
			return nil, err
		}
		return &protocol.Locked{}, nil

	case *protocol.Rotate:
		current, err := passphraseBuffer(operation.Current, "current passphrase")
		if err != nil {
			return nil, err
		}
		defer current.Close()
		next, err := passphraseBuffer(operation.Next, "new passphrase")
		if err != nil {
			return nil, err
		}
		defer next.Close()
		if err := d.keeper.Rotate(ctx, current, next); err != nil {
			return nil, err
		}
		return &protocol.Rotated{}, nil

	default:
		return nil, errkind.New(errkind.KindMalformed, "unsupported operation %s", operation.Name())
	}
}

type lookupFunc func(*keyring.Registry) (keyring.Handle, error)

func byID(keyID string) lookupFunc {
	return func(registry *keyring.Registry) (keyring.Handle, error) {
		return registry.Get(keyID)
	}
}

// withKey runs fn with the handle for keyID under the read lock.
func withKey(d *Dispatcher, keyID string, fn func(keyring.Handle) (protocol.Result, error)) (protocol.Result, error) {
	return withHandle(d, byID(keyID), fn)
}

// withHandle runs fn with the handle lookup selects, under the read
// lock.
func withHandle(d *Dispatcher, lookup lookupFunc, fn func(keyring.Handle) (protocol.Result, error)) (protocol.Result, error) {
	var result protocol.Result
	err := d.keeper.Read(func(registry *keyring.Registry) error {
		handle, err := lookup(registry)
		if err != nil {
			return err
		}
		result, err = fn(handle)
		return err
	})
	return result, err
}

// certificate serves tls_cert. Exactly one selector may be set.
func (d *Dispatcher) certificate(keyID string, operation *protocol.TLSCert) (protocol.Result, error) {
	var (
		lookup    lookupFunc
		selectors int
	)
	if keyID != "" {
		lookup = byID(keyID)
		selectors++
	}
	if operation.Digest != nil {
		lookup = func(registry *keyring.Registry) (keyring.Handle, error) {
			return registry.CertificateByDigest(operation.Digest)
		}
		selectors++
	}
	if operation.SNI != "" {
		lookup = func(registry *keyring.Registry) (keyring.Handle, error) {
			return registry.CertificateBySNI(operation.SNI)
		}
		selectors++
	}
	if selectors != 1 {
		return nil, errkind.New(errkind.KindInvalidArgument,
			"tls_cert needs exactly one of key ID, digest, or SNI, got %d", selectors)
	}
	return withHandle(d, lookup, func(handle keyring.Handle) (protocol.Result, error) {
		der, err := handle.Certificate()
		if err != nil {
			return nil, err
		}
		return &protocol.Certificate{Entry: wireEntry(handle.Entry()), Certificate: der}, nil
	})
}

func (d *Dispatcher) list(operation *protocol.List) (protocol.Result, error) {
	var filter keyring.Kind
	if operation.Kind != "" {
		kind, err := keyring.ParseKind(operation.Kind)
		if err != nil {
			return nil, err
		}
		filter = kind
	}
	listing := &protocol.Listing{Entries: []protocol.Entry{}}
	err := d.keeper.Read(func(registry *keyring.Registry) error {
		for _, entry := range registry.Entries() {
			if filter != "" && entry.Kind != filter {
				continue
			}
			listing.Entries = append(listing.Entries, wireEntry(entry))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// info never fails: a locked store reports zero entries.
func (d *Dispatcher) info() *protocol.ServerInfo {
	info := &protocol.ServerInfo{
		Server:          ServerName,
		Version:         version.Short(),
		ProtocolVersion: protocol.Version,
		Locked:          true,
	}
	err := d.keeper.Read(func(registry *keyring.Registry) error {
		info.Locked = false
		info.Entries = registry.Len()
		return nil
	})
	if err != nil && !errors.Is(err, errkind.StoreLocked) {
		d.logger.Warn("reading registry for info", "error", err)
	}
	return info
}

// passphraseBuffer moves raw into protected memory. raw is zeroed.
func passphraseBuffer(raw []byte, role string) (*secret.Buffer, error) {
	if len(raw) == 0 {
		return nil, errkind.New(errkind.KindInvalidArgument, "%s is empty", role)
	}
	buffer, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindIOFailure, err, "protecting %s", role)
	}
	return buffer, nil
}

func wireEntry(entry keyring.Entry) protocol.Entry {
	return protocol.Entry{
		ID:        entry.ID,
		Kind:      string(entry.Kind),
		Algorithm: string(entry.Algorithm),
		SeedID:    entry.SeedID,
		Path:      append([]uint32(nil), entry.Path...),
		PublicKey: append([]byte(nil), entry.PublicKey...),
		CreatedAt: entry.CreatedAt,

		SNI:        entry.SNI,
		CertDigest: append([]byte(nil), entry.CertDigest...),
	}
}
