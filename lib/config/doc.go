// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the lair
// daemon and CLI.
//
// Configuration comes from at most one file, named by the LAIR_CONFIG
// environment variable (via [Load]) or a --config flag (via
// [LoadFile]). There is no ~/.config discovery and no search path.
// Without a file, [Load] returns [Default].
//
// After the file is read, two environment variables override it:
// LAIR_SOCKET_PATH and LAIR_STORE_PATH. Path fields then have ${HOME}
// and ${VAR:-default} patterns expanded.
//
// Key exports:
//
//   - [Config] -- socket and store paths, frame limit, scrypt cost,
//     logging, rate limit, metrics export, unlock source
//   - [Default] -- returns a Config with defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.Validate] -- reports every invalid field at once
//
// This package depends on no other lair packages.
package config
