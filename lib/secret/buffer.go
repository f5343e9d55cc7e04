// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer is a fixed-size region of protected memory. The backing pages
// are allocated with mmap outside the Go heap, so the garbage collector
// never copies them.
//
// A Buffer must not be copied after creation.
type Buffer struct {
	mu     sync.Mutex
	region []byte
	closed bool
}

// mapProtected maps size bytes of anonymous memory, pins them, and
// keeps them out of core dumps. On failure nothing stays mapped.
func mapProtected(size int) ([]byte, error) {
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mapping %d bytes: %w", size, err)
	}
	if err := unix.Mlock(region); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: locking %d bytes into memory (check RLIMIT_MEMLOCK): %w", size, err)
	}
	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		releaseProtected(region)
		return nil, fmt.Errorf("secret: excluding region from core dumps: %w", err)
	}
	return region, nil
}

// releaseProtected zeroes, unpins, and unmaps region.
func releaseProtected(region []byte) error {
	Zero(region)
	return errors.Join(unix.Munlock(region), unix.Munmap(region))
}

// New maps a zero-filled protected region of size bytes.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}
	region, err := mapProtected(size)
	if err != nil {
		return nil, err
	}
	return &Buffer{region: region}, nil
}

// NewFromBytes moves source into a new Buffer. source is zeroed whether
// or not the call succeeds.
func NewFromBytes(source []byte) (*Buffer, error) {
	defer Zero(source)
	if len(source) == 0 {
		return nil, errors.New("secret: refusing to protect an empty value")
	}
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.region, source)
	return buffer, nil
}

// NewRandom returns a Buffer of size bytes filled from crypto/rand.
// The random bytes are read straight into the protected region.
func NewRandom(size int) (*Buffer, error) {
	buffer, err := New(size)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rand.Reader, buffer.region); err != nil {
		buffer.Close()
		return nil, fmt.Errorf("secret: reading random bytes: %w", err)
	}
	return buffer, nil
}

// open returns the region, panicking once the buffer is closed. Using
// a closed buffer is a lifetime bug in the caller.
func (b *Buffer) open() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: use of closed buffer")
	}
	return b.region
}

// Bytes returns the protected region itself, valid until Close.
func (b *Buffer) Bytes() []byte { return b.open() }

// String returns a heap copy of the contents. Only use it where an API
// insists on a string (age passphrase identities, BIP-39 mnemonics).
func (b *Buffer) String() string { return string(b.open()) }

// Len returns the size of the region, or zero after Close.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.region)
}

// Equal compares the contents of two buffers in constant time.
func (b *Buffer) Equal(other *Buffer) bool {
	return subtle.ConstantTimeCompare(b.open(), other.open()) == 1
}

// Close zeroes the region and returns it to the kernel. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	region := b.region
	b.region = nil
	if err := releaseProtected(region); err != nil {
		return fmt.Errorf("secret: releasing buffer: %w", err)
	}
	return nil
}

// Zero overwrites data with zeros. Used on heap slices that briefly
// held secret material (decoded store contents, derived key bytes).
func Zero(data []byte) {
	clear(data)
}
