// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Br1ght0ne/lair/lib/errkind"
)

// headerSize is the length prefix: a big-endian uint32 payload length.
const headerSize = 4

// DefaultMaxFrameSize bounds a frame's payload. The largest legitimate
// payloads are encrypt/decrypt bodies; 1 MiB leaves plenty of room.
const DefaultMaxFrameSize = 1 << 20

// Encode returns message as a complete frame.
func Encode(message Message) ([]byte, error) {
	payload, err := marshal(message)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame, nil
}

// Decode parses exactly one complete frame. Bytes after the frame are
// malformed.
func Decode(frame []byte) (Message, error) {
	payload, advance, err := SplitFrame(frame, len(frame))
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errkind.New(errkind.KindMalformed, "incomplete frame (%d bytes)", len(frame))
	}
	if advance != len(frame) {
		return nil, errkind.New(errkind.KindMalformed, "%d trailing bytes after frame", len(frame)-advance)
	}
	return unmarshal(payload)
}

// SplitFrame finds the first frame in data. It returns the payload and
// the number of bytes the frame occupies. When data does not yet hold a
// complete frame it returns a nil payload and zero advance with no
// error, so callers accumulating bytes from a stream can keep reading.
// The length check happens as soon as the header is available.
func SplitFrame(data []byte, maxSize int) (payload []byte, advance int, err error) {
	if len(data) < headerSize {
		return nil, 0, nil
	}
	length, err := checkLength(binary.BigEndian.Uint32(data), maxSize)
	if err != nil {
		return nil, 0, err
	}
	end := headerSize + length
	if len(data) < end {
		return nil, 0, nil
	}
	return data[headerSize:end], end, nil
}

func checkLength(length uint32, maxSize int) (int, error) {
	if length == 0 {
		return 0, errkind.New(errkind.KindMalformed, "zero-length frame")
	}
	if uint64(length) > uint64(maxSize) {
		return 0, errkind.New(errkind.KindFrameTooLarge, "frame of %d bytes exceeds maximum %d", length, maxSize)
	}
	return int(length), nil
}

// FrameReader reads messages from a byte stream.
type FrameReader struct {
	reader  io.Reader
	maxSize int
	header  [headerSize]byte
}

// NewFrameReader returns a reader that rejects frames larger than
// maxSize. A maxSize of zero selects DefaultMaxFrameSize.
func NewFrameReader(reader io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{reader: reader, maxSize: maxSize}
}

// Read blocks until a complete frame has arrived and decodes it. A
// stream that ends cleanly between frames returns io.EOF; one that ends
// inside a frame returns an error wrapping io.ErrUnexpectedEOF.
func (r *FrameReader) Read() (Message, error) {
	if _, err := io.ReadFull(r.reader, r.header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	length, err := checkLength(binary.BigEndian.Uint32(r.header[:]), r.maxSize)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.reader, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return unmarshal(payload)
}

// FrameWriter writes messages to a byte stream. It is safe for
// concurrent use; each frame goes out in a single Write so frames from
// different goroutines never interleave.
type FrameWriter struct {
	mu      sync.Mutex
	writer  io.Writer
	maxSize int
}

// NewFrameWriter returns a writer that refuses to send frames larger
// than maxSize. A maxSize of zero selects DefaultMaxFrameSize.
func NewFrameWriter(writer io.Writer, maxSize int) *FrameWriter {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameWriter{writer: writer, maxSize: maxSize}
}

// Write encodes and sends message.
func (w *FrameWriter) Write(message Message) error {
	frame, err := Encode(message)
	if err != nil {
		return err
	}
	if len(frame)-headerSize > w.maxSize {
		return errkind.New(errkind.KindFrameTooLarge,
			"%s frame of %d bytes exceeds maximum %d", message.kind(), len(frame)-headerSize, w.maxSize)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.writer.Write(frame); err != nil {
		return fmt.Errorf("writing %s frame: %w", message.kind(), err)
	}
	return nil
}
