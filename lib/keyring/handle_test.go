// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"golang.org/x/crypto/nacl/box"

	"github.com/Br1ght0ne/lair/lib/errkind"
)

func generated(t *testing.T, registry *Registry, kind Kind, algorithm Algorithm) Handle {
	t.Helper()
	pending, err := registry.Generate(kind, algorithm, epoch)
	entry := commit(t, registry, pending, err)
	handle, err := registry.Get(entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	return handle
}

func TestSignVerify(t *testing.T) {
	for _, algorithm := range []Algorithm{AlgorithmEd25519, AlgorithmDilithium3} {
		t.Run(string(algorithm), func(t *testing.T) {
			handle := generated(t, newRegistry(t), KindSigning, algorithm)
			message := []byte("the quick brown fox")

			signature, err := handle.Sign(message)
			if err != nil {
				t.Fatalf("Sign: %v", err)
			}
			if err := handle.Verify(message, signature); err != nil {
				t.Fatalf("Verify: %v", err)
			}

			// Any single-bit change to the message or the signature fails.
			for _, bit := range []int{0, 7, len(message)*8 - 1} {
				mutated := bytes.Clone(message)
				mutated[bit/8] ^= 1 << (bit % 8)
				if err := handle.Verify(mutated, signature); !errors.Is(err, errkind.AuthenticationFailed) {
					t.Errorf("Verify(message bit %d flipped) = %v, want authentication_failed", bit, err)
				}
			}
			for _, bit := range []int{0, 100, len(signature)*8 - 1} {
				mutated := bytes.Clone(signature)
				mutated[bit/8] ^= 1 << (bit % 8)
				if err := handle.Verify(message, mutated); !errors.Is(err, errkind.AuthenticationFailed) {
					t.Errorf("Verify(signature bit %d flipped) = %v, want authentication_failed", bit, err)
				}
			}
		})
	}
}

func TestVerifySignatureRejectsBadInput(t *testing.T) {
	if err := VerifySignature(AlgorithmEd25519, []byte{1, 2}, []byte("m"), []byte("s")); !errors.Is(err, errkind.InvalidArgument) {
		t.Errorf("short ed25519 key = %v, want invalid_argument", err)
	}
	if err := VerifySignature(AlgorithmX25519, make([]byte, 32), nil, nil); !errors.Is(err, errkind.InvalidArgument) {
		t.Errorf("x25519 verify = %v, want invalid_argument", err)
	}
}

func TestWrongKeyKind(t *testing.T) {
	registry := newRegistry(t)
	encryption := generated(t, registry, KindEncryption, "")
	signing := generated(t, registry, KindSigning, "")

	if _, err := encryption.Sign([]byte("m")); !errors.Is(err, errkind.WrongKeyKind) {
		t.Errorf("Sign with encryption key = %v, want wrong_key_kind", err)
	}
	if err := encryption.Verify([]byte("m"), []byte("s")); !errors.Is(err, errkind.WrongKeyKind) {
		t.Errorf("Verify with encryption key = %v, want wrong_key_kind", err)
	}
	if _, err := signing.SealAnonymous([]byte("m")); !errors.Is(err, errkind.WrongKeyKind) {
		t.Errorf("SealAnonymous with signing key = %v, want wrong_key_kind", err)
	}
	if _, err := signing.OpenFrom(make([]byte, 32), []byte("c")); !errors.Is(err, errkind.WrongKeyKind) {
		t.Errorf("OpenFrom with signing key = %v, want wrong_key_kind", err)
	}
}

func TestSealedBoxRoundtrip(t *testing.T) {
	handle := generated(t, newRegistry(t), KindEncryption, "")
	plaintext := []byte("for my eyes only")

	ciphertext, err := handle.SealAnonymous(plaintext)
	if err != nil {
		t.Fatalf("SealAnonymous: %v", err)
	}
	opened, err := handle.OpenAnonymous(ciphertext)
	if err != nil {
		t.Fatalf("OpenAnonymous: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("opened %q, want %q", opened, plaintext)
	}

	ciphertext[len(ciphertext)-1] ^= 0x01
	if _, err := handle.OpenAnonymous(ciphertext); !errors.Is(err, errkind.AuthenticationFailed) {
		t.Errorf("OpenAnonymous(tampered) = %v, want authentication_failed", err)
	}
	if _, err := handle.OpenAnonymous([]byte("short")); !errors.Is(err, errkind.AuthenticationFailed) {
		t.Errorf("OpenAnonymous(short) = %v, want authentication_failed", err)
	}
}

func TestAuthenticatedBoxBetweenKeys(t *testing.T) {
	registry := newRegistry(t)
	alice := generated(t, registry, KindEncryption, "")
	bob := generated(t, registry, KindEncryption, "")
	mallory := generated(t, registry, KindEncryption, "")
	plaintext := []byte("meet at noon")

	ciphertext, err := alice.SealTo(bob.Entry().PublicKey, plaintext)
	if err != nil {
		t.Fatalf("SealTo: %v", err)
	}
	opened, err := bob.OpenFrom(alice.Entry().PublicKey, ciphertext)
	if err != nil {
		t.Fatalf("OpenFrom: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("opened %q, want %q", opened, plaintext)
	}

	// The wrong sender or the wrong recipient cannot open it.
	if _, err := bob.OpenFrom(mallory.Entry().PublicKey, ciphertext); !errors.Is(err, errkind.AuthenticationFailed) {
		t.Errorf("OpenFrom(wrong sender) = %v, want authentication_failed", err)
	}
	if _, err := mallory.OpenFrom(alice.Entry().PublicKey, ciphertext); !errors.Is(err, errkind.AuthenticationFailed) {
		t.Errorf("OpenFrom(wrong recipient) = %v, want authentication_failed", err)
	}
	if _, err := alice.SealTo([]byte{1}, plaintext); !errors.Is(err, errkind.InvalidArgument) {
		t.Errorf("SealTo(short recipient) = %v, want invalid_argument", err)
	}
}

func TestBoxInteroperatesWithNaCl(t *testing.T) {
	handle := generated(t, newRegistry(t), KindEncryption, "")
	peerPublic, peerPrivate, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	ciphertext, err := handle.SealTo(peerPublic[:], []byte("hello peer"))
	if err != nil {
		t.Fatal(err)
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	var ours [32]byte
	copy(ours[:], handle.Entry().PublicKey)
	opened, ok := box.Open(nil, ciphertext[24:], &nonce, &ours, peerPrivate)
	if !ok || string(opened) != "hello peer" {
		t.Fatalf("peer could not open box: ok=%v opened=%q", ok, opened)
	}

	anonymous, err := box.SealAnonymous(nil, []byte("to the keystore"), &ours, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	opened, err = handle.OpenAnonymous(anonymous)
	if err != nil || string(opened) != "to the keystore" {
		t.Fatalf("OpenAnonymous of external box = %q, %v", opened, err)
	}
}
