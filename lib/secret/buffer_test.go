// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestNew(t *testing.T) {
	buffer, err := New(64)
	if err != nil {
		t.Fatalf("New(64) failed: %v", err)
	}
	defer buffer.Close()

	if buffer.Len() != 64 {
		t.Errorf("Len() = %d, want 64", buffer.Len())
	}
	for index, value := range buffer.Bytes() {
		if value != 0 {
			t.Fatalf("byte %d = %d, want zero-filled region", index, value)
		}
	}
}

func TestNew_InvalidSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d) succeeded, want error", size)
		}
	}
}

func TestNewFromBytes_ZeroesSource(t *testing.T) {
	source := []byte("correct horse battery staple")
	want := string(source)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if !bytes.Equal(source, make([]byte, len(source))) {
		t.Errorf("source was not zeroed: %q", source)
	}
}

func TestNewFromBytes_Empty(t *testing.T) {
	if _, err := NewFromBytes(nil); err == nil {
		t.Fatal("expected error for empty source")
	}
}

func TestNewRandom(t *testing.T) {
	first, err := NewRandom(32)
	if err != nil {
		t.Fatalf("NewRandom failed: %v", err)
	}
	defer first.Close()
	second, err := NewRandom(32)
	if err != nil {
		t.Fatalf("NewRandom failed: %v", err)
	}
	defer second.Close()

	if first.Equal(second) {
		t.Error("two random buffers have identical contents")
	}
	if bytes.Equal(first.Bytes(), make([]byte, 32)) {
		t.Error("random buffer is all zeros")
	}
}

func TestBuffer_Equal(t *testing.T) {
	left, err := NewFromBytes([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	defer left.Close()
	right, err := NewFromBytes([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	defer right.Close()
	other, err := NewFromBytes([]byte("diff"))
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	if !left.Equal(right) {
		t.Error("Equal() = false for identical contents")
	}
	if left.Equal(other) {
		t.Error("Equal() = true for different contents")
	}
}

func TestBuffer_Close(t *testing.T) {
	buffer, err := New(32)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	copy(buffer.Bytes(), "seed material")

	if err := buffer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if buffer.region != nil {
		t.Error("data still mapped after Close")
	}
	if buffer.Len() != 0 {
		t.Errorf("Len() after Close = %d, want 0", buffer.Len())
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestBuffer_PanicsAfterClose(t *testing.T) {
	accessors := map[string]func(*Buffer){
		"Bytes":  func(buffer *Buffer) { buffer.Bytes() },
		"String": func(buffer *Buffer) { _ = buffer.String() },
	}
	for name, access := range accessors {
		t.Run(name, func(t *testing.T) {
			buffer, err := New(16)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			buffer.Close()

			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic on %s() after Close", name)
				}
			}()
			access(buffer)
		})
	}
}

func TestZero(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	Zero(data)
	if !bytes.Equal(data, []byte{0, 0, 0, 0}) {
		t.Errorf("Zero left %v", data)
	}
}
