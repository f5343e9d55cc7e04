// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"

	"github.com/Br1ght0ne/lair/lib/errkind"
	"github.com/Br1ght0ne/lair/lib/protocol"
)

// call runs operation and asserts the result type the operation
// promises.
func call[R protocol.Result](ctx context.Context, c *Conn, keyID string, operation protocol.Operation) (R, error) {
	var zero R
	result, err := c.Call(ctx, keyID, operation)
	if err != nil {
		return zero, err
	}
	typed, ok := result.(R)
	if !ok {
		return zero, errkind.New(errkind.KindMalformed,
			"keystore answered %s with %T", operation.Name(), result)
	}
	return typed, nil
}

// Sign signs message with the signing key keyID.
func (c *Conn) Sign(ctx context.Context, keyID string, message []byte) ([]byte, error) {
	result, err := call[*protocol.Signature](ctx, c, keyID, &protocol.Sign{Message: message})
	if err != nil {
		return nil, err
	}
	return result.Signature, nil
}

// SignByPublicKey signs message with the signing key whose public key
// is public.
func (c *Conn) SignByPublicKey(ctx context.Context, public, message []byte) ([]byte, error) {
	result, err := call[*protocol.Signature](ctx, c, "", &protocol.Sign{Message: message, PublicKey: public})
	if err != nil {
		return nil, err
	}
	return result.Signature, nil
}

// Verify returns nil when signature is valid for message under keyID.
// An invalid signature is authentication_failed.
func (c *Conn) Verify(ctx context.Context, keyID string, message, signature []byte) error {
	_, err := call[*protocol.Verified](ctx, c, keyID, &protocol.Verify{Message: message, Signature: signature})
	return err
}

// Encrypt seals plaintext to the encryption key keyID itself.
func (c *Conn) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	return c.EncryptTo(ctx, keyID, nil, plaintext)
}

// EncryptTo encrypts plaintext from keyID to the X25519 public key
// recipient. A nil recipient is the same as Encrypt.
func (c *Conn) EncryptTo(ctx context.Context, keyID string, recipient, plaintext []byte) ([]byte, error) {
	result, err := call[*protocol.Ciphertext](ctx, c, keyID, &protocol.Encrypt{Plaintext: plaintext, Recipient: recipient})
	if err != nil {
		return nil, err
	}
	return result.Ciphertext, nil
}

// Decrypt opens a sealed box addressed to keyID.
func (c *Conn) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	return c.DecryptFrom(ctx, keyID, nil, ciphertext)
}

// DecryptFrom opens a box sent by sender to keyID.
func (c *Conn) DecryptFrom(ctx context.Context, keyID string, sender, ciphertext []byte) ([]byte, error) {
	result, err := call[*protocol.Plaintext](ctx, c, keyID, &protocol.Decrypt{Ciphertext: ciphertext, Sender: sender})
	if err != nil {
		return nil, err
	}
	return result.Plaintext, nil
}

func (c *Conn) ExportPublic(ctx context.Context, keyID string) (*protocol.PublicKey, error) {
	return call[*protocol.PublicKey](ctx, c, keyID, &protocol.ExportPublic{})
}

// Derive derives the entry at path below the derivation key seedID.
// created is false when the entry already existed.
func (c *Conn) Derive(ctx context.Context, seedID string, path []uint32, kind, algorithm string) (entry protocol.Entry, created bool, err error) {
	result, err := call[*protocol.Derived](ctx, c, seedID, &protocol.Derive{Path: path, Kind: kind, Algorithm: algorithm})
	if err != nil {
		return protocol.Entry{}, false, err
	}
	return result.Entry, result.Created, nil
}

func (c *Conn) Generate(ctx context.Context, kind, algorithm string) (protocol.Entry, error) {
	result, err := call[*protocol.Generated](ctx, c, "", &protocol.Generate{Kind: kind, Algorithm: algorithm})
	if err != nil {
		return protocol.Entry{}, err
	}
	return result.Entry, nil
}

// ImportSeed stores the derivation seed for a BIP-39 mnemonic.
func (c *Conn) ImportSeed(ctx context.Context, mnemonic string) (entry protocol.Entry, created bool, err error) {
	result, err := call[*protocol.Imported](ctx, c, "", &protocol.ImportSeed{Mnemonic: mnemonic})
	if err != nil {
		return protocol.Entry{}, false, err
	}
	return result.Entry, result.Created, nil
}

// List returns entry metadata, all kinds when kind is empty.
func (c *Conn) List(ctx context.Context, kind string) ([]protocol.Entry, error) {
	result, err := call[*protocol.Listing](ctx, c, "", &protocol.List{Kind: kind})
	if err != nil {
		return nil, err
	}
	return result.Entries, nil
}

func (c *Conn) Info(ctx context.Context) (*protocol.ServerInfo, error) {
	return call[*protocol.ServerInfo](ctx, c, "", &protocol.Info{})
}

func (c *Conn) Unlock(ctx context.Context, passphrase []byte) error {
	_, err := call[*protocol.Unlocked](ctx, c, "", &protocol.Unlock{Passphrase: passphrase})
	return err
}

func (c *Conn) Lock(ctx context.Context) error {
	_, err := call[*protocol.Locked](ctx, c, "", &protocol.Lock{})
	return err
}

// Rotate re-seals the store under next.
func (c *Conn) Rotate(ctx context.Context, current, next []byte) error {
	_, err := call[*protocol.Rotated](ctx, c, "", &protocol.Rotate{Current: current, Next: next})
	return err
}

// TLSCertificate returns the certificate of the tls entry keyID.
func (c *Conn) TLSCertificate(ctx context.Context, keyID string) (*protocol.Certificate, error) {
	return call[*protocol.Certificate](ctx, c, keyID, &protocol.TLSCert{})
}

// TLSCertificateByDigest looks a certificate up by its BLAKE2b-256
// digest.
func (c *Conn) TLSCertificateByDigest(ctx context.Context, digest []byte) (*protocol.Certificate, error) {
	return call[*protocol.Certificate](ctx, c, "", &protocol.TLSCert{Digest: digest})
}

func (c *Conn) TLSCertificateBySNI(ctx context.Context, sni string) (*protocol.Certificate, error) {
	return call[*protocol.Certificate](ctx, c, "", &protocol.TLSCert{SNI: sni})
}
