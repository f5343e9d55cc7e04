// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

// Lair-keystore holds key material encrypted at rest and serves
// cryptographic operations over a Unix socket.
//
// At startup the daemon takes the passphrase from unlock.passphrase_file
// (or --passphrase-file, "-" for one line on stdin), or prompts when
// stdin is a terminal. With neither it starts locked and waits for a
// client to send unlock. A store that does not exist yet is created by
// the first successful unlock.
//
// SIGINT and SIGTERM stop accepting connections, let in-flight requests
// finish, zero the unlocked keys, and remove the socket.
package main
