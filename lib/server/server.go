// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

// Package server accepts keystore connections on a Unix socket and
// runs one session per connection.
//
// A session moves through Accepted, VersionNegotiated, Ready, and
// Closed. The first frame must be a hello; a supported version is
// answered with the server's hello and the session is Ready. In Ready
// every request is dispatched on its own goroutine and its response is
// written as soon as it completes, so responses arrive in completion
// order. Protocol violations (a malformed or oversized frame, a second
// hello, a correlation ID that is still in flight) close only the
// offending connection. Failures inside an operation become error
// frames and the connection stays open.
package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/Br1ght0ne/lair/lib/clock"
	"github.com/Br1ght0ne/lair/lib/metrics"
	"github.com/Br1ght0ne/lair/lib/protocol"
)

// Executor performs one operation. *dispatch.Dispatcher implements it.
type Executor interface {
	Execute(ctx context.Context, keyID string, operation protocol.Operation) (protocol.Result, error)
}

// Config configures a Server.
type Config struct {
	SocketPath string
	Executor   Executor

	// MaxFrameSize bounds incoming and outgoing frames. Zero selects
	// protocol.DefaultMaxFrameSize.
	MaxFrameSize int

	// RequestsPerSecond limits each session with a token bucket of
	// size Burst. Requests over the limit wait. Zero disables it.
	RequestsPerSecond float64
	Burst             int

	// Software is announced in the server hello.
	Software string

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Clock times dispatches for metrics. Nil selects clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// Server serves the keystore protocol.
type Server struct {
	config Config
	logger *slog.Logger
	ready  chan struct{}

	nextSession atomic.Uint64

	mu       sync.Mutex
	sessions map[*session]struct{}
	active   sync.WaitGroup
}

// New validates config and returns a Server.
func New(config Config) (*Server, error) {
	if config.SocketPath == "" {
		return nil, errors.New("server: socket path is required")
	}
	if config.Executor == nil {
		return nil, errors.New("server: executor is required")
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if config.RequestsPerSecond > 0 && config.Burst < 1 {
		config.Burst = 1
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		config:   config,
		logger:   config.Logger,
		ready:    make(chan struct{}),
		sessions: make(map[*session]struct{}),
	}, nil
}

// Ready is closed once the socket is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Serve listens on the socket and serves connections until ctx is
// cancelled. It then stops accepting, stops reading from every open
// connection, waits for their in-flight requests to finish, and
// removes the socket file.
//
// A stale socket at the path is removed first. Any other kind of file
// there is an error: Serve never deletes a regular file.
func (s *Server) Serve(ctx context.Context) error {
	if err := removeStaleSocket(s.config.SocketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.SocketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.config.SocketPath)
	}()
	if err := os.Chmod(s.config.SocketPath, 0o600); err != nil {
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("keystore listening", "path", s.config.SocketPath, "max_frame_size", s.config.MaxFrameSize)
	close(s.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		session := s.newSession(conn)
		s.track(session)
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			defer s.untrack(session)
			session.run(ctx)
		}()
	}

	s.mu.Lock()
	for session := range s.sessions {
		session.stopReading()
	}
	s.mu.Unlock()
	s.active.Wait()

	s.logger.Info("keystore stopped listening", "path", s.config.SocketPath)
	return nil
}

func (s *Server) track(session *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session] = struct{}{}
}

func (s *Server) untrack(session *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, session)
}

func (s *Server) newSession(conn net.Conn) *session {
	id := s.nextSession.Add(1)
	var limiter *rate.Limiter
	if s.config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.config.RequestsPerSecond), s.config.Burst)
	}
	return &session{
		server:   s,
		conn:     conn,
		reader:   protocol.NewFrameReader(conn, s.config.MaxFrameSize),
		writer:   protocol.NewFrameWriter(deadlineWriter{conn}, s.config.MaxFrameSize),
		limiter:  limiter,
		logger:   s.logger.With("session", id),
		inFlight: make(map[uint64]struct{}),
	}
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking socket path %s: %w", path, err)
	}
	if info.Mode().Type() != fs.ModeSocket {
		return fmt.Errorf("socket path %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	return nil
}
