// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

// Lair is the command-line client for lair-keystore.
//
// Every command opens one connection to the keystore socket (--socket,
// else the configured socket_path), runs its operations, and exits.
// Binary values on the command line and in output (signatures,
// ciphertexts, public keys) are standard base64. Passphrases and
// mnemonics are read from files or the terminal, never from arguments.
package main
