// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Br1ght0ne/lair/lib/codec"
	"github.com/Br1ght0ne/lair/lib/errkind"
	"github.com/Br1ght0ne/lair/lib/secret"
)

const (
	// Magic identifies a lair store file.
	Magic = "lair-sealed-store"

	// FormatVersion is the outer file format version.
	FormatVersion = 1

	// DefaultWorkFactor is the scrypt log2(N) used when wrapping a new
	// content key. Roughly one second on a current laptop.
	DefaultWorkFactor = 18

	// maxUnwrapWorkFactor caps the scrypt cost an unlock will pay,
	// whatever the file claims.
	maxUnwrapWorkFactor = 22

	contentKeySize = chacha20poly1305.KeySize
)

type header struct {
	Magic      string `cbor:"magic"`
	Version    uint   `cbor:"version"`
	WrappedKey []byte `cbor:"wrapped_key"`
}

// envelope keeps the header as raw bytes so the exact encoded form is
// what gets authenticated.
type envelope struct {
	Header     codec.RawMessage `cbor:"header"`
	Nonce      []byte           `cbor:"nonce"`
	Ciphertext []byte           `cbor:"ciphertext"`
}

// ContentKey is the symmetric key that encrypts the store body,
// together with its passphrase-wrapped form.
type ContentKey struct {
	key     *secret.Buffer
	wrapped []byte
}

// NewContentKey creates a random content key and wraps it under
// passphrase with scrypt cost 2^workFactor. The passphrase is borrowed.
func NewContentKey(passphrase *secret.Buffer, workFactor int) (*ContentKey, error) {
	if workFactor < 1 || workFactor > 30 {
		return nil, errkind.New(errkind.KindInvalidArgument, "scrypt work factor %d out of range 1..30", workFactor)
	}

	key, err := secret.NewRandom(contentKeySize)
	if err != nil {
		return nil, fmt.Errorf("allocating content key: %w", err)
	}

	recipient, err := age.NewScryptRecipient(passphrase.String())
	if err != nil {
		key.Close()
		return nil, errkind.Wrap(errkind.KindInvalidArgument, err, "passphrase")
	}
	recipient.SetWorkFactor(workFactor)

	var wrapped bytes.Buffer
	writer, err := age.Encrypt(&wrapped, recipient)
	if err != nil {
		key.Close()
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(key.Bytes()); err != nil {
		key.Close()
		return nil, fmt.Errorf("wrapping content key: %w", err)
	}
	if err := writer.Close(); err != nil {
		key.Close()
		return nil, fmt.Errorf("finalizing content key wrap: %w", err)
	}

	return &ContentKey{key: key, wrapped: wrapped.Bytes()}, nil
}

// Close releases the protected key memory. Idempotent.
func (k *ContentKey) Close() error {
	if k == nil || k.key == nil {
		return nil
	}
	return k.key.Close()
}

func unwrapContentKey(wrapped []byte, passphrase *secret.Buffer) (*ContentKey, error) {
	identity, err := age.NewScryptIdentity(passphrase.String())
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInvalidPassphrase, err, "passphrase")
	}
	identity.SetMaxWorkFactor(maxUnwrapWorkFactor)

	reader, err := age.Decrypt(bytes.NewReader(wrapped), identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return nil, errkind.New(errkind.KindInvalidPassphrase, "passphrase does not unlock this store")
		}
		return nil, errkind.Wrap(errkind.KindCorruptStore, err, "unwrapping content key")
	}

	raw, err := io.ReadAll(io.LimitReader(reader, contentKeySize+1))
	if err != nil {
		secret.Zero(raw)
		return nil, errkind.Wrap(errkind.KindCorruptStore, err, "reading content key")
	}
	if len(raw) != contentKeySize {
		secret.Zero(raw)
		return nil, errkind.New(errkind.KindCorruptStore, "wrapped content key is %d bytes, want %d", len(raw), contentKeySize)
	}
	key, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("protecting content key: %w", err)
	}
	return &ContentKey{key: key, wrapped: bytes.Clone(wrapped)}, nil
}

// Seal encrypts contents under key and returns the complete store
// file. contents.Version is always written as ContentsVersion.
func Seal(contents *Contents, key *ContentKey) ([]byte, error) {
	body := Contents{Version: ContentsVersion, Entries: contents.Entries}
	plaintext, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding store contents: %w", err)
	}
	defer secret.Zero(plaintext)
	return sealPlaintext(plaintext, key)
}

func sealPlaintext(plaintext []byte, key *ContentKey) ([]byte, error) {
	headerBytes, err := codec.Marshal(header{Magic: Magic, Version: FormatVersion, WrappedKey: key.wrapped})
	if err != nil {
		return nil, fmt.Errorf("encoding store header: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key.key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed, err := codec.Marshal(envelope{
		Header:     headerBytes,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, headerBytes),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding store envelope: %w", err)
	}
	return sealed, nil
}

// Unseal decrypts a store file. On success the caller owns both the
// contents (call Zero when done) and the content key (call Close).
// On failure nothing is returned.
func Unseal(data []byte, passphrase *secret.Buffer) (*Contents, *ContentKey, error) {
	var outer envelope
	if err := codec.Unmarshal(data, &outer); err != nil {
		return nil, nil, errkind.Wrap(errkind.KindCorruptStore, err, "decoding store envelope")
	}
	var head header
	if err := codec.Unmarshal(outer.Header, &head); err != nil {
		return nil, nil, errkind.Wrap(errkind.KindCorruptStore, err, "decoding store header")
	}
	if head.Magic != Magic {
		return nil, nil, errkind.New(errkind.KindCorruptStore, "not a lair store (magic %q)", head.Magic)
	}
	if head.Version != FormatVersion {
		return nil, nil, errkind.New(errkind.KindCorruptStore,
			"store format version %d is not supported (expected %d)", head.Version, FormatVersion)
	}
	if len(outer.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, nil, errkind.New(errkind.KindCorruptStore, "store nonce is %d bytes", len(outer.Nonce))
	}

	key, err := unwrapContentKey(head.WrappedKey, passphrase)
	if err != nil {
		return nil, nil, err
	}

	aead, err := chacha20poly1305.NewX(key.key.Bytes())
	if err != nil {
		key.Close()
		return nil, nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, outer.Nonce, outer.Ciphertext, outer.Header)
	if err != nil {
		key.Close()
		return nil, nil, errkind.New(errkind.KindCorruptStore, "store body failed authentication")
	}
	defer secret.Zero(plaintext)

	contents := &Contents{}
	if err := codec.Unmarshal(plaintext, contents); err != nil {
		contents.Zero()
		key.Close()
		return nil, nil, errkind.Wrap(errkind.KindCorruptStore, err, "decoding store contents")
	}
	if err := migrate(contents); err != nil {
		contents.Zero()
		key.Close()
		return nil, nil, err
	}
	if err := validate(contents); err != nil {
		contents.Zero()
		key.Close()
		return nil, nil, err
	}
	return contents, key, nil
}
