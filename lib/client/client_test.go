// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Br1ght0ne/lair/lib/clock"
	"github.com/Br1ght0ne/lair/lib/dispatch"
	"github.com/Br1ght0ne/lair/lib/errkind"
	"github.com/Br1ght0ne/lair/lib/keeper"
	"github.com/Br1ght0ne/lair/lib/protocol"
	"github.com/Br1ght0ne/lair/lib/sealed"
	"github.com/Br1ght0ne/lair/lib/server"
	"github.com/Br1ght0ne/lair/lib/testutil"
)

const (
	testTimeout  = 5 * time.Second
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKeystore runs a real keystore with a fresh, locked store and
// returns its socket path.
func startKeystore(t *testing.T, maxFrameSize int) string {
	t.Helper()
	store, err := sealed.Open(filepath.Join(t.TempDir(), "store.lair"))
	if err != nil {
		t.Fatal(err)
	}
	owner, err := keeper.New(keeper.Config{
		Store:      store,
		WorkFactor: 10,
		Clock:      clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	socketPath := filepath.Join(testutil.SocketDir(t), "lair.sock")
	keystore, err := server.New(server.Config{
		SocketPath:   socketPath,
		Executor:     dispatch.New(owner, testLogger()),
		MaxFrameSize: maxFrameSize,
		Software:     "lair-keystore/test",
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		keystore.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, testTimeout, "keystore shutdown")
		owner.Close()
	})
	testutil.RequireClosed(t, keystore.Ready(), testTimeout, "keystore listening")
	return socketPath
}

// fakeKeystore serves each connection with handle, for behaviour a
// real keystore never shows.
func fakeKeystore(t *testing.T, handle func(conn net.Conn, reader *protocol.FrameReader, writer *protocol.FrameWriter)) string {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "fake.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	t.Cleanup(func() {
		listener.Close()
		wg.Wait()
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				handle(conn, protocol.NewFrameReader(conn, 0), protocol.NewFrameWriter(conn, 0))
			}()
		}
	}()
	return socketPath
}

func connect(t *testing.T, socketPath string, options ...Option) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	conn, err := Connect(ctx, socketPath, append(options, WithLogger(testLogger()))...)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectFailed(t *testing.T) {
	_, err := Connect(testContext(t), filepath.Join(t.TempDir(), "missing.sock"))
	if !errors.Is(err, errkind.ConnectFailed) {
		t.Fatalf("Connect to missing socket: %v, want connect_failed", err)
	}
}

func TestConnectReportsServer(t *testing.T) {
	conn := connect(t, startKeystore(t, 0))
	if conn.ServerSoftware() != "lair-keystore/test" {
		t.Errorf("ServerSoftware = %q", conn.ServerSoftware())
	}
}

func TestUnsupportedVersionRefused(t *testing.T) {
	socketPath := fakeKeystore(t, func(_ net.Conn, reader *protocol.FrameReader, writer *protocol.FrameWriter) {
		if _, err := reader.Read(); err != nil {
			return
		}
		writer.Write(protocol.NewError(0, errkind.New(errkind.KindUnsupportedVersion, "version 1 is not supported")))
	})
	_, err := Connect(testContext(t), socketPath)
	if !errors.Is(err, errkind.UnsupportedVersion) {
		t.Fatalf("Connect: %v, want unsupported_version", err)
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	ctx := testContext(t)
	conn := connect(t, startKeystore(t, 0))

	if _, err := conn.Generate(ctx, "signing", ""); !errors.Is(err, errkind.StoreLocked) {
		t.Fatalf("Generate on locked store: %v, want store_locked", err)
	}
	if err := conn.Unlock(ctx, []byte("correct horse")); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	seed, created, err := conn.ImportSeed(ctx, testMnemonic)
	if err != nil || !created {
		t.Fatalf("ImportSeed: created=%v err=%v", created, err)
	}
	signing, _, err := conn.Derive(ctx, seed.ID, []uint32{0}, "signing", "")
	if err != nil {
		t.Fatalf("Derive signing: %v", err)
	}
	again, created, err := conn.Derive(ctx, seed.ID, []uint32{0}, "signing", "")
	if err != nil || created || again.ID != signing.ID {
		t.Fatalf("second Derive: id=%s created=%v err=%v", again.ID, created, err)
	}

	message := []byte("hello, keystore")
	signature, err := conn.Sign(ctx, signing.ID, message)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := conn.Verify(ctx, signing.ID, message, signature); err != nil {
		t.Errorf("Verify: %v", err)
	}
	signature[0] ^= 1
	if err := conn.Verify(ctx, signing.ID, message, signature); !errors.Is(err, errkind.AuthenticationFailed) {
		t.Errorf("Verify with flipped bit: %v, want authentication_failed", err)
	}

	encryption, err := conn.Generate(ctx, "encryption", "")
	if err != nil {
		t.Fatalf("Generate encryption: %v", err)
	}
	ciphertext, err := conn.Encrypt(ctx, encryption.ID, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plaintext, err := conn.Decrypt(ctx, encryption.ID, ciphertext)
	if err != nil || string(plaintext) != "secret" {
		t.Fatalf("Decrypt = %q, %v", plaintext, err)
	}

	public, err := conn.ExportPublic(ctx, signing.ID)
	if err != nil {
		t.Fatalf("ExportPublic: %v", err)
	}
	if !bytes.Equal(public.PublicKey, signing.PublicKey) {
		t.Error("exported public key differs from the derived entry")
	}
	if _, err := conn.ExportPublic(ctx, seed.ID); !errors.Is(err, errkind.WrongKeyKind) {
		t.Errorf("ExportPublic of a derivation key: %v, want wrong_key_kind", err)
	}
	if _, err := conn.Sign(ctx, "no-such-key", message); !errors.Is(err, errkind.NotFound) {
		t.Errorf("Sign with unknown key: %v, want not_found", err)
	}

	entries, err := conn.List(ctx, "")
	if err != nil || len(entries) != 3 {
		t.Fatalf("List = %d entries, %v; want 3", len(entries), err)
	}
	info, err := conn.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Locked || info.Entries != 3 || info.ProtocolVersion != protocol.Version {
		t.Errorf("Info = %+v", info)
	}

	if err := conn.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := conn.Sign(ctx, signing.ID, message); !errors.Is(err, errkind.StoreLocked) {
		t.Errorf("Sign after Lock: %v, want store_locked", err)
	}
	if err := conn.Unlock(ctx, []byte("wrong")); !errors.Is(err, errkind.InvalidPassphrase) {
		t.Errorf("Unlock with wrong passphrase: %v, want invalid_passphrase", err)
	}
}

func TestAuthenticatedBoxBetweenKeys(t *testing.T) {
	ctx := testContext(t)
	conn := connect(t, startKeystore(t, 0))
	if err := conn.Unlock(ctx, []byte("pass")); err != nil {
		t.Fatal(err)
	}
	alice, err := conn.Generate(ctx, "encryption", "")
	if err != nil {
		t.Fatal(err)
	}
	bob, err := conn.Generate(ctx, "encryption", "")
	if err != nil {
		t.Fatal(err)
	}
	ciphertext, err := conn.EncryptTo(ctx, alice.ID, bob.PublicKey, []byte("for bob"))
	if err != nil {
		t.Fatalf("EncryptTo: %v", err)
	}
	plaintext, err := conn.DecryptFrom(ctx, bob.ID, alice.PublicKey, ciphertext)
	if err != nil || string(plaintext) != "for bob" {
		t.Fatalf("DecryptFrom = %q, %v", plaintext, err)
	}
	if _, err := conn.DecryptFrom(ctx, bob.ID, bob.PublicKey, ciphertext); !errors.Is(err, errkind.AuthenticationFailed) {
		t.Errorf("DecryptFrom with wrong sender: %v, want authentication_failed", err)
	}
}

func TestRotate(t *testing.T) {
	ctx := testContext(t)
	conn := connect(t, startKeystore(t, 0))
	if err := conn.Unlock(ctx, []byte("old")); err != nil {
		t.Fatal(err)
	}
	if err := conn.Rotate(ctx, []byte("old"), []byte("new")); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := conn.Lock(ctx); err != nil {
		t.Fatal(err)
	}
	if err := conn.Unlock(ctx, []byte("new")); err != nil {
		t.Fatalf("Unlock with the rotated passphrase: %v", err)
	}
	if err := conn.Lock(ctx); err != nil {
		t.Fatal(err)
	}
	if err := conn.Unlock(ctx, []byte("old")); !errors.Is(err, errkind.InvalidPassphrase) {
		t.Fatalf("Unlock with the old passphrase: %v, want invalid_passphrase", err)
	}
}

func TestConcurrentCalls(t *testing.T) {
	ctx := testContext(t)
	conn := connect(t, startKeystore(t, 0))
	if err := conn.Unlock(ctx, []byte("pass")); err != nil {
		t.Fatal(err)
	}
	entry, err := conn.Generate(ctx, "signing", "")
	if err != nil {
		t.Fatal(err)
	}

	const callers = 16
	errs := make(chan error, callers)
	for i := range callers {
		go func() {
			message := []byte(fmt.Sprintf("message %d", i))
			signature, err := conn.Sign(ctx, entry.ID, message)
			if err == nil {
				err = conn.Verify(ctx, entry.ID, message, signature)
			}
			errs <- err
		}()
	}
	for range callers {
		if err := testutil.RequireReceive(t, errs, testTimeout, "concurrent call"); err != nil {
			t.Errorf("concurrent sign/verify: %v", err)
		}
	}
}

func TestOversizedRequestLosesConnection(t *testing.T) {
	ctx := testContext(t)
	conn := connect(t, startKeystore(t, 4096), WithMaxFrameSize(1<<20))
	if err := conn.Unlock(ctx, []byte("pass")); err != nil {
		t.Fatal(err)
	}
	entry, err := conn.Generate(ctx, "signing", "")
	if err != nil {
		t.Fatal(err)
	}

	_, err = conn.Sign(ctx, entry.ID, make([]byte, 8192))
	if !errors.Is(err, errkind.ConnectionLost) {
		t.Fatalf("Sign with oversized message: %v, want connection_lost", err)
	}
	testutil.RequireClosed(t, conn.Done(), testTimeout, "connection marked lost")
	if _, err := conn.Info(ctx); !errors.Is(err, errkind.ConnectionLost) {
		t.Errorf("call after connection loss: %v, want connection_lost", err)
	}
}

func TestOversizedRequestRefusedLocally(t *testing.T) {
	ctx := testContext(t)
	conn := connect(t, startKeystore(t, 0), WithMaxFrameSize(1024))
	_, err := conn.Sign(ctx, "any", make([]byte, 4096))
	if !errors.Is(err, errkind.FrameTooLarge) {
		t.Fatalf("Sign with oversized message: %v, want frame_too_large", err)
	}
	if _, err := conn.Info(ctx); err != nil {
		t.Errorf("connection unusable after a refused frame: %v", err)
	}
}

// handshake answers the client hello and returns false if the client
// went away.
func handshake(reader *protocol.FrameReader, writer *protocol.FrameWriter) bool {
	if _, err := reader.Read(); err != nil {
		return false
	}
	return writer.Write(&protocol.Hello{Version: protocol.Version, Software: "fake"}) == nil
}

func TestOutOfOrderResponses(t *testing.T) {
	socketPath := fakeKeystore(t, func(_ net.Conn, reader *protocol.FrameReader, writer *protocol.FrameWriter) {
		if !handshake(reader, writer) {
			return
		}
		var requests []*protocol.Request
		for range 2 {
			message, err := reader.Read()
			if err != nil {
				return
			}
			requests = append(requests, message.(*protocol.Request))
		}
		// Answer in reverse, echoing each request's key ID.
		for i := len(requests) - 1; i >= 0; i-- {
			writer.Write(&protocol.Response{
				ID:     requests[i].ID,
				Result: &protocol.Signature{Signature: []byte(requests[i].KeyID)},
			})
		}
		reader.Read()
	})
	conn := connect(t, socketPath)
	ctx := testContext(t)

	results := make(chan string, 2)
	for _, keyID := range []string{"first", "second"} {
		go func() {
			signature, err := conn.Sign(ctx, keyID, nil)
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			results <- keyID + "=" + string(signature)
		}()
	}
	for range 2 {
		result := testutil.RequireReceive(t, results, testTimeout, "response")
		if result != "first=first" && result != "second=second" {
			t.Errorf("mismatched response %q", result)
		}
	}
}

func TestPendingCallsFailOnDisconnect(t *testing.T) {
	socketPath := fakeKeystore(t, func(_ net.Conn, reader *protocol.FrameReader, writer *protocol.FrameWriter) {
		if !handshake(reader, writer) {
			return
		}
		reader.Read()
	})
	conn := connect(t, socketPath)

	_, err := conn.Info(testContext(t))
	if !errors.Is(err, errkind.ConnectionLost) {
		t.Fatalf("pending call: %v, want connection_lost", err)
	}
	if !errors.Is(conn.Err(), errkind.ConnectionLost) {
		t.Errorf("Err() = %v", conn.Err())
	}
}

func TestConnectionLevelErrorFailsConnection(t *testing.T) {
	socketPath := fakeKeystore(t, func(_ net.Conn, reader *protocol.FrameReader, writer *protocol.FrameWriter) {
		if !handshake(reader, writer) {
			return
		}
		reader.Read()
		writer.Write(protocol.NewError(0, errkind.New(errkind.KindMalformed, "bad request")))
	})
	conn := connect(t, socketPath)

	_, err := conn.Info(testContext(t))
	if !errors.Is(err, errkind.ConnectionLost) || !errors.Is(err, errkind.Malformed) {
		t.Fatalf("call: %v, want connection_lost caused by malformed", err)
	}
}

func TestCancelledCallLeavesConnectionOpen(t *testing.T) {
	requests := make(chan *protocol.Request, 2)
	socketPath := fakeKeystore(t, func(_ net.Conn, reader *protocol.FrameReader, writer *protocol.FrameWriter) {
		if !handshake(reader, writer) {
			return
		}
		// Never answer the first request; answer the second.
		for {
			message, err := reader.Read()
			if err != nil {
				return
			}
			request := message.(*protocol.Request)
			requests <- request
			if request.KeyID == "answered" {
				writer.Write(&protocol.Response{ID: request.ID, Result: &protocol.Signature{Signature: []byte("ok")}})
			}
		}
	})
	conn := connect(t, socketPath)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := conn.Sign(ctx, "ignored", nil)
		done <- err
	}()
	testutil.RequireReceive(t, requests, testTimeout, "first request sent")
	cancel()
	if err := testutil.RequireReceive(t, done, testTimeout, "cancelled call returns"); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled call: %v", err)
	}

	signature, err := conn.Sign(testContext(t), "answered", nil)
	if err != nil || string(signature) != "ok" {
		t.Fatalf("call after cancellation = %q, %v", signature, err)
	}
}
