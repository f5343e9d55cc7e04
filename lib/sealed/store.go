// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/Br1ght0ne/lair/lib/errkind"
	"github.com/Br1ght0ne/lair/lib/secret"
)

// Store is an open handle on a store file. The process holding a Store
// has exclusive use of the file until Close.
type Store struct {
	path string
	lock *os.File
}

// Open takes an exclusive advisory lock on path+".lock" and returns a
// handle on the store at path. The file itself does not need to exist
// yet. The parent directory is created with mode 0700 if missing.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errkind.New(errkind.KindInvalidArgument, "store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errkind.Wrap(errkind.KindIOFailure, err, "creating store directory")
	}

	lockPath := path + ".lock"
	lock, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindIOFailure, err, "opening %s", lockPath)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lock.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errkind.New(errkind.KindIOFailure, "store %s is in use by another keystore", path)
		}
		return nil, errkind.Wrap(errkind.KindIOFailure, err, "locking %s", lockPath)
	}
	return &Store{path: path, lock: lock}, nil
}

// Path returns the store file path.
func (s *Store) Path() string { return s.path }

// Exists reports whether the store file has been written.
func (s *Store) Exists() (bool, error) {
	_, err := os.Stat(s.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, errkind.Wrap(errkind.KindIOFailure, err, "checking store file")
}

// Unlock reads the store file and decrypts it with passphrase. See
// Unseal for the returned values and error kinds.
func (s *Store) Unlock(passphrase *secret.Buffer) (*Contents, *ContentKey, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.KindIOFailure, err, "reading store file")
	}
	return Unseal(data, passphrase)
}

// Persist atomically replaces the store file with sealed: write a
// temporary file, fsync, rename over the store, fsync the directory.
func (s *Store) Persist(sealed []byte) error {
	if err := writeAtomic(s.path, sealed); err != nil {
		return errkind.Wrap(errkind.KindIOFailure, err, "persisting store")
	}
	return nil
}

// Close releases the store lock. Idempotent.
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	lock := s.lock
	s.lock = nil
	unix.Flock(int(lock.Fd()), unix.LOCK_UN)
	return lock.Close()
}

func writeAtomic(path string, data []byte) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary store file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary store file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary store file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary store file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming store file into place: %w", err)
	}

	// The rename is only durable once the directory entry is flushed.
	directory, err := os.Open(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("opening store directory: %w", err)
	}
	defer directory.Close()
	if err := directory.Sync(); err != nil {
		return fmt.Errorf("syncing store directory: %w", err)
	}
	return nil
}
