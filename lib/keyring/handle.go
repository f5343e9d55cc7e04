// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/nacl/box"

	"github.com/Br1ght0ne/lair/lib/errkind"
	"github.com/Br1ght0ne/lair/lib/secret"
)

// Handle grants use of one entry's private key without exposing it. A
// Handle is only valid while the registry that issued it is open and
// must not be retained past the read lock it was obtained under.
type Handle struct {
	registry *Registry
	slot     *slot
}

// Entry returns the public description of the key.
func (h Handle) Entry() Entry { return h.slot.entry }

func (h Handle) require(kind Kind, operation string) error {
	if h.registry == nil || h.registry.closed {
		return errkind.New(errkind.KindStoreLocked, "key registry is closed")
	}
	if h.slot.entry.Kind != kind {
		return errkind.New(errkind.KindWrongKeyKind, "%s needs a %s key, %s is a %s key",
			operation, kind, h.slot.entry.ID, h.slot.entry.Kind)
	}
	return nil
}

func (h Handle) seed() []byte { return h.registry.seed(h.slot.index) }

// Sign signs message with a signing key.
func (h Handle) Sign(message []byte) ([]byte, error) {
	if err := h.require(KindSigning, "sign"); err != nil {
		return nil, err
	}
	switch h.slot.entry.Algorithm {
	case AlgorithmEd25519:
		private := ed25519.NewKeyFromSeed(h.seed())
		defer secret.Zero(private)
		return ed25519.Sign(private, message), nil
	case AlgorithmDilithium3:
		var seed [mode3.SeedSize]byte
		copy(seed[:], h.seed())
		defer secret.Zero(seed[:])
		_, private := mode3.NewKeyFromSeed(&seed)
		signature := make([]byte, mode3.SignatureSize)
		mode3.SignTo(private, message, signature)
		return signature, nil
	default:
		return nil, fmt.Errorf("signing algorithm %q not implemented", h.slot.entry.Algorithm)
	}
}

// Verify checks signature over message against this key's public key.
// A bad signature is authentication_failed.
func (h Handle) Verify(message, signature []byte) error {
	if err := h.require(KindSigning, "verify"); err != nil {
		return err
	}
	return VerifySignature(h.slot.entry.Algorithm, h.slot.entry.PublicKey, message, signature)
}

// VerifySignature checks a signature against a bare public key. It
// needs no private material and works while the store is locked.
func VerifySignature(algorithm Algorithm, public, message, signature []byte) error {
	switch algorithm {
	case AlgorithmEd25519:
		if len(public) != ed25519.PublicKeySize {
			return errkind.New(errkind.KindInvalidArgument, "ed25519 public key is %d bytes", len(public))
		}
		if !ed25519.Verify(ed25519.PublicKey(public), message, signature) {
			return errkind.New(errkind.KindAuthenticationFailed, "ed25519 signature does not verify")
		}
		return nil
	case AlgorithmDilithium3:
		var key mode3.PublicKey
		if err := key.UnmarshalBinary(public); err != nil {
			return errkind.Wrap(errkind.KindInvalidArgument, err, "dilithium3 public key")
		}
		if len(signature) != mode3.SignatureSize || !mode3.Verify(&key, message, signature) {
			return errkind.New(errkind.KindAuthenticationFailed, "dilithium3 signature does not verify")
		}
		return nil
	default:
		return errkind.New(errkind.KindInvalidArgument, "%q is not a signing algorithm", algorithm)
	}
}

func (h Handle) boxKeys() (public, private *[32]byte) {
	public = new([32]byte)
	private = new([32]byte)
	copy(public[:], h.slot.entry.PublicKey)
	copy(private[:], h.seed())
	return public, private
}

func recipientKey(raw []byte, role string) (*[32]byte, error) {
	if len(raw) != 32 {
		return nil, errkind.New(errkind.KindInvalidArgument, "%s public key is %d bytes, want 32", role, len(raw))
	}
	key := new([32]byte)
	copy(key[:], raw)
	return key, nil
}

// SealAnonymous encrypts plaintext to this key's own public key as a
// NaCl sealed box. Only this keystore can open the result.
func (h Handle) SealAnonymous(plaintext []byte) ([]byte, error) {
	if err := h.require(KindEncryption, "encrypt"); err != nil {
		return nil, err
	}
	public, _ := h.boxKeys()
	return box.SealAnonymous(nil, plaintext, public, rand.Reader)
}

// OpenAnonymous opens a sealed box addressed to this key.
func (h Handle) OpenAnonymous(ciphertext []byte) ([]byte, error) {
	if err := h.require(KindEncryption, "decrypt"); err != nil {
		return nil, err
	}
	public, private := h.boxKeys()
	defer secret.Zero(private[:])
	plaintext, ok := box.OpenAnonymous(nil, ciphertext, public, private)
	if !ok {
		return nil, errkind.New(errkind.KindAuthenticationFailed, "sealed box failed authentication")
	}
	return plaintext, nil
}

// SealTo encrypts plaintext from this key to recipient with an
// authenticated box. The output is the 24-byte random nonce followed by
// the box.
func (h Handle) SealTo(recipient, plaintext []byte) ([]byte, error) {
	if err := h.require(KindEncryption, "encrypt"); err != nil {
		return nil, err
	}
	peer, err := recipientKey(recipient, "recipient")
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	_, private := h.boxKeys()
	defer secret.Zero(private[:])
	return box.Seal(nonce[:], plaintext, &nonce, peer, private), nil
}

// OpenFrom opens an authenticated box that sender addressed to this key.
func (h Handle) OpenFrom(sender, ciphertext []byte) ([]byte, error) {
	if err := h.require(KindEncryption, "decrypt"); err != nil {
		return nil, err
	}
	peer, err := recipientKey(sender, "sender")
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < 24+box.Overhead {
		return nil, errkind.New(errkind.KindAuthenticationFailed, "box is too short")
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	_, private := h.boxKeys()
	defer secret.Zero(private[:])
	plaintext, ok := box.Open(nil, ciphertext[24:], &nonce, peer, private)
	if !ok {
		return nil, errkind.New(errkind.KindAuthenticationFailed, "box failed authentication")
	}
	return plaintext, nil
}
