// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command tree behind the lair CLI: nested
// subcommands, per-command pflag sets, generated help, and "did you
// mean" suggestions for mistyped commands and flags.
package cli
