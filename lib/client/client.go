// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

// Package client talks to a keystore over its Unix socket.
//
// A Conn multiplexes concurrent calls over one connection. Each call
// gets a fresh correlation ID and waits for the response carrying it,
// so responses may arrive in any order. When the connection fails,
// every pending call and every later call returns a connection_lost
// error; callers reconnect with a new Conn.
package client

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Br1ght0ne/lair/lib/errkind"
	"github.com/Br1ght0ne/lair/lib/protocol"
	"github.com/Br1ght0ne/lair/lib/version"
)

// dialTimeout bounds the connect and hello exchange when the caller's
// context has no deadline of its own.
const dialTimeout = 5 * time.Second

// Option configures Connect.
type Option func(*Conn)

// WithMaxFrameSize sets the largest frame the client sends or accepts.
// It should match the service's limit.
func WithMaxFrameSize(size int) Option {
	return func(c *Conn) { c.maxFrameSize = size }
}

// WithSoftware sets the software string sent in the hello.
func WithSoftware(software string) Option {
	return func(c *Conn) { c.software = software }
}

// WithLogger sets the logger for connection events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) { c.logger = logger }
}

// Conn is a connection to the keystore. It is safe for concurrent use.
type Conn struct {
	socketPath   string
	maxFrameSize int
	software     string
	logger       *slog.Logger

	conn   net.Conn
	reader *protocol.FrameReader
	writer *protocol.FrameWriter
	server protocol.Hello

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan reply
	err     error
	done    chan struct{}
}

type reply struct {
	result protocol.Result
	err    error
}

// Connect dials the keystore socket and negotiates the protocol
// version. A dial failure is connect_failed; a service that refuses
// the version yields unsupported_version.
func Connect(ctx context.Context, socketPath string, options ...Option) (*Conn, error) {
	c := &Conn{
		socketPath: socketPath,
		software:   "lair-client/" + version.Short(),
		pending:    make(map[uint64]chan reply),
		done:       make(chan struct{}),
	}
	for _, option := range options {
		option(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindConnectFailed, err, "connecting to keystore at %s", socketPath)
	}
	c.conn = conn
	c.reader = protocol.NewFrameReader(conn, c.maxFrameSize)
	c.writer = protocol.NewFrameWriter(conn, c.maxFrameSize)

	if err := c.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(dialTimeout)
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if err := c.writer.Write(&protocol.Hello{Version: protocol.Version, Software: c.software}); err != nil {
		return errkind.Wrap(errkind.KindConnectionLost, err, "sending hello to %s", c.socketPath)
	}
	message, err := c.reader.Read()
	if err != nil {
		return errkind.Wrap(errkind.KindConnectionLost, err, "reading hello from %s", c.socketPath)
	}
	switch message := message.(type) {
	case *protocol.Hello:
		if !protocol.Supported(message.Version) {
			return errkind.New(errkind.KindUnsupportedVersion,
				"keystore speaks protocol version %d, want %d", message.Version, protocol.Version)
		}
		c.server = *message
		c.logger.Debug("connected to keystore", "path", c.socketPath, "server", message.Software)
		return nil
	case *protocol.ErrorMessage:
		return message.Err()
	default:
		return errkind.New(errkind.KindMalformed, "keystore answered hello with %T", message)
	}
}

// ServerSoftware returns the software string from the service's hello.
func (c *Conn) ServerSoftware() string { return c.server.Software }

// Done is closed once the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, or nil while it is
// open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection. Pending calls fail with connection_lost.
func (c *Conn) Close() error {
	c.fail(errkind.New(errkind.KindConnectionLost, "connection closed by client"))
	return nil
}

// Call sends one request and waits for its response. A failure
// reported by the service is returned as an *errkind.Error carrying
// the service's kind. Cancelling ctx abandons the wait; the service
// may still complete the operation.
func (c *Conn) Call(ctx context.Context, keyID string, operation protocol.Operation) (protocol.Result, error) {
	id := c.nextID.Add(1)
	replies := make(chan reply, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = replies
	c.mu.Unlock()

	if err := c.writer.Write(&protocol.Request{ID: id, KeyID: keyID, Operation: operation}); err != nil {
		c.forget(id)
		// Nothing reached the socket for these, so the connection
		// is still usable.
		if kind := errkind.KindOf(err); kind == errkind.KindFrameTooLarge || kind == errkind.KindMalformed {
			return nil, err
		}
		c.fail(errkind.Wrap(errkind.KindConnectionLost, err, "sending %s request", operation.Name()))
		return nil, c.Err()
	}

	select {
	case reply := <-replies:
		return reply.result, reply.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Conn) readLoop() {
	for {
		message, err := c.reader.Read()
		if err != nil {
			c.fail(errkind.Wrap(errkind.KindConnectionLost, err, "connection to keystore lost"))
			return
		}
		switch message := message.(type) {
		case *protocol.Response:
			c.deliver(message.ID, reply{result: message.Result})
		case *protocol.ErrorMessage:
			if message.ID == 0 {
				c.fail(errkind.Wrap(errkind.KindConnectionLost, message.Err(), "keystore closed the connection"))
				return
			}
			c.deliver(message.ID, reply{err: message.Err()})
		default:
			c.fail(errkind.New(errkind.KindConnectionLost, "unexpected %T from keystore", message))
			return
		}
	}
}

// deliver hands a reply to the waiting call. Replies for calls that
// gave up are dropped.
func (c *Conn) deliver(id uint64, r reply) {
	c.mu.Lock()
	replies, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping response for abandoned call", "id", id)
		return
	}
	replies <- r
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// fail records the first connection failure and fails every pending
// call with it.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.conn.Close()
	for _, replies := range pending {
		replies <- reply{err: err}
	}
	close(c.done)

	c.logger.Debug("keystore connection ended", "path", c.socketPath, "error", err)
}
