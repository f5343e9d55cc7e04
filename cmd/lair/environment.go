// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Br1ght0ne/lair/lib/client"
	"github.com/Br1ght0ne/lair/lib/config"
	"github.com/Br1ght0ne/lair/lib/secret"
	"github.com/Br1ght0ne/lair/lib/version"
)

// environment carries the streams and connection settings shared by
// every command.
type environment struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	socketPath string
	outputJSON bool

	// terminalFD is where passphrases are prompted for. Negative
	// disables prompting.
	terminalFD int
}

// connectionFlags returns a flag set with the flags every command
// accepts.
func (e *environment) connectionFlags(name string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.StringVar(&e.socketPath, "socket", e.socketPath, "keystore socket path (default from configuration)")
	flagSet.BoolVar(&e.outputJSON, "json", false, "output as JSON")
	return flagSet
}

// connect loads the configuration for anything the flags left unset
// and connects to the keystore.
func (e *environment) connect(ctx context.Context) (*client.Conn, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	socketPath := e.socketPath
	if socketPath == "" {
		socketPath = cfg.SocketPath
	}
	return client.Connect(ctx, socketPath,
		client.WithMaxFrameSize(cfg.MaxFrameSize),
		client.WithSoftware("lair/"+version.Short()))
}

// session connects, runs fn, and closes the connection. Interrupts
// cancel the call.
func (e *environment) session(fn func(ctx context.Context, conn *client.Conn) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := e.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, conn)
}

// readInput returns the contents of path, or all of stdin for "" and
// "-".
func (e *environment) readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(e.stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	return data, nil
}

// readSecret reads a passphrase or mnemonic from path ("-" for one line
// of stdin), or prompts on the terminal when path is empty.
func (e *environment) readSecret(path, prompt string) (*secret.Buffer, error) {
	if path != "" {
		return secret.ReadFromPath(path)
	}
	if e.terminalFD < 0 {
		return nil, fmt.Errorf("no terminal to prompt on: pass a file instead")
	}
	return secret.ReadPassphrase(e.terminalFD, e.stderr, prompt)
}

// emitJSON writes value as indented JSON when --json was given and
// reports whether it did.
func (e *environment) emitJSON(value any) (bool, error) {
	if !e.outputJSON {
		return false, nil
	}
	encoder := json.NewEncoder(e.stdout)
	encoder.SetIndent("", "  ")
	return true, encoder.Encode(value)
}

func (e *environment) printf(format string, args ...any) {
	fmt.Fprintf(e.stdout, format, args...)
}

func encodeBinary(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// decodeBinary accepts standard base64 with surrounding whitespace.
func decodeBinary(text, what string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", what, err)
	}
	return data, nil
}
