// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/Br1ght0ne/lair/lib/sealed"
	"github.com/Br1ght0ne/lair/lib/secret"
)

// SeedSize is the size of every entry's private seed. The store
// validates records against the same constant.
const SeedSize = sealed.SeedSize

// idSize is the number of BLAKE3 output bytes encoded into an entry ID.
const idSize = 16

var (
	hkdfInfoDerive   = []byte("lair.derive.v1")
	hkdfInfoKey      = []byte("lair.key.v1:")
	hkdfInfoMnemonic = []byte("lair.mnemonic.v1")
	idDomain         = []byte("lair.entry.id.v1")
)

// hkdfStep expands one 32-byte child from parent into out.
func hkdfStep(out, parent, info []byte) error {
	reader := hkdf.New(sha256.New, parent, nil, info)
	if _, err := io.ReadFull(reader, out); err != nil {
		return fmt.Errorf("expanding HKDF: %w", err)
	}
	return nil
}

// deriveSeed walks path from root and, for non-derivation kinds, takes
// the final per-algorithm step. The result is written into out, which
// must be SeedSize bytes (normally a secret.Buffer region).
func deriveSeed(out, root []byte, path Path, kind Kind, algorithm Algorithm) error {
	var current, next [SeedSize]byte
	defer secret.Zero(current[:])
	defer secret.Zero(next[:])

	copy(current[:], root)
	info := make([]byte, len(hkdfInfoDerive)+4)
	copy(info, hkdfInfoDerive)
	for _, index := range path {
		binary.BigEndian.PutUint32(info[len(hkdfInfoDerive):], index)
		if err := hkdfStep(next[:], current[:], info); err != nil {
			return err
		}
		current = next
	}

	if kind == KindDerivation {
		copy(out, current[:])
		return nil
	}
	keyInfo := append(append([]byte(nil), hkdfInfoKey...), algorithm...)
	return hkdfStep(out, current[:], keyInfo)
}

// entryID computes the identifier for seed used as kind/algorithm.
func entryID(seed []byte, kind Kind, algorithm Algorithm) (string, error) {
	hasher, err := blake3.NewKeyed(seed)
	if err != nil {
		return "", fmt.Errorf("creating keyed BLAKE3 hasher: %w", err)
	}
	hasher.Write(idDomain)
	hasher.Write([]byte(kind))
	hasher.Write([]byte{0})
	hasher.Write([]byte(algorithm))
	sum := hasher.Sum(nil)
	return base58.Encode(sum[:idSize]), nil
}

// publicKey computes the public half for seed. Derivation seeds have
// no public key.
func publicKey(seed []byte, algorithm Algorithm) ([]byte, error) {
	switch algorithm {
	case AlgorithmEd25519:
		private := ed25519.NewKeyFromSeed(seed)
		defer secret.Zero(private)
		return append([]byte(nil), private[ed25519.SeedSize:]...), nil
	case AlgorithmDilithium3:
		var dilithiumSeed [mode3.SeedSize]byte
		copy(dilithiumSeed[:], seed)
		defer secret.Zero(dilithiumSeed[:])
		public, _ := mode3.NewKeyFromSeed(&dilithiumSeed)
		return public.Bytes(), nil
	case AlgorithmX25519:
		return curve25519.X25519(seed, curve25519.Basepoint)
	case AlgorithmHKDFSHA256:
		return nil, nil
	case AlgorithmECDSAP256, AlgorithmECDSAP384:
		signer, err := tlsSigner(seed, algorithm)
		if err != nil {
			return nil, err
		}
		return rawPublicKey(signer.Public())
	default:
		return nil, fmt.Errorf("no public key derivation for algorithm %q", algorithm)
	}
}
