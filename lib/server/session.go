// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Br1ght0ne/lair/lib/errkind"
	"github.com/Br1ght0ne/lair/lib/netutil"
	"github.com/Br1ght0ne/lair/lib/protocol"
)

// writeTimeout bounds one frame write. A client that stops reading
// must not pin a dispatch goroutine forever.
const writeTimeout = 10 * time.Second

type deadlineWriter struct {
	conn net.Conn
}

func (w deadlineWriter) Write(data []byte) (int, error) {
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.Write(data)
}

type session struct {
	server  *Server
	conn    net.Conn
	reader  *protocol.FrameReader
	writer  *protocol.FrameWriter
	limiter *rate.Limiter
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[uint64]struct{}

	dispatches sync.WaitGroup
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.conn.Close()

	metrics := s.server.config.Metrics
	metrics.SessionOpened()
	defer metrics.SessionClosed()

	s.logger.Debug("session accepted")
	if !s.negotiate() {
		return
	}
	s.serve(ctx)

	// Closing the connection cancels in-flight dispatches. Mutations
	// the keeper already accepted still complete.
	cancel()
	s.dispatches.Wait()
	s.logger.Debug("session closed")
}

// negotiate runs the Accepted -> VersionNegotiated transition.
func (s *session) negotiate() bool {
	message, err := s.reader.Read()
	if err != nil {
		s.readFailed(err)
		return false
	}
	hello, ok := message.(*protocol.Hello)
	if !ok {
		s.violation(errkind.New(errkind.KindMalformed, "expected hello, got %T", message))
		return false
	}
	if !protocol.Supported(hello.Version) {
		s.violation(errkind.New(errkind.KindUnsupportedVersion,
			"protocol version %d is not supported (want %d)", hello.Version, protocol.Version))
		return false
	}
	if err := s.writer.Write(&protocol.Hello{Version: protocol.Version, Software: s.server.config.Software}); err != nil {
		s.writeFailed(err)
		return false
	}
	s.logger.Debug("session ready", "client", hello.Software)
	return true
}

// serve reads requests until the connection ends or misbehaves.
func (s *session) serve(ctx context.Context) {
	for {
		message, err := s.reader.Read()
		if err != nil {
			s.readFailed(err)
			return
		}
		request, ok := message.(*protocol.Request)
		if !ok {
			s.violation(errkind.New(errkind.KindMalformed, "expected request, got %T", message))
			return
		}
		if !s.begin(request.ID) {
			s.violation(errkind.New(errkind.KindMalformed, "correlation ID %d is already in flight", request.ID))
			return
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				s.end(request.ID)
				return
			}
		}

		s.dispatches.Add(1)
		go s.dispatch(ctx, request)
	}
}

func (s *session) dispatch(ctx context.Context, request *protocol.Request) {
	defer s.dispatches.Done()

	clock := s.server.config.Clock
	op := request.Operation.Name()
	start := clock.Now()
	result, err := s.server.config.Executor.Execute(ctx, request.KeyID, request.Operation)
	s.server.config.Metrics.ObserveOperation(string(op), err, clock.Now().Sub(start))

	var response protocol.Message
	if err != nil {
		s.logger.Debug("operation failed", "id", request.ID, "op", op, "key", request.KeyID, "error", err)
		response = protocol.NewError(request.ID, err)
	} else {
		response = &protocol.Response{ID: request.ID, Result: result}
	}

	// The ID is free before the response goes out, so a client may
	// reuse it as soon as it sees the answer.
	s.end(request.ID)

	err = s.writer.Write(response)
	if errors.Is(err, errkind.FrameTooLarge) {
		err = s.writer.Write(protocol.NewError(request.ID, err))
	}
	if err != nil {
		s.writeFailed(err)
	}
}

func (s *session) begin(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *session) end(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// readFailed classifies the error that ended the read loop.
func (s *session) readFailed(err error) {
	switch kind := errkind.KindOf(err); {
	case errors.Is(err, io.EOF) || netutil.IsExpectedCloseError(err):
		s.logger.Debug("client disconnected")
	case kind == errkind.KindFrameTooLarge:
		// The rest of the frame is still in the socket, so nothing
		// sensible can follow on this connection. Drop it unanswered.
		s.server.config.Metrics.ProtocolError(kind)
		s.logger.Warn("closing connection", "error", err)
	case kind == errkind.KindMalformed || kind == errkind.KindUnsupportedVersion:
		s.violation(err)
	default:
		s.logger.Warn("reading from client failed", "error", err)
	}
}

// violation answers a protocol error with a connection-level error
// frame. The caller closes the connection.
func (s *session) violation(err error) {
	s.server.config.Metrics.ProtocolError(errkind.KindOf(err))
	s.logger.Warn("protocol violation, closing connection", "error", err)
	if writeErr := s.writer.Write(protocol.NewError(0, err)); writeErr != nil {
		s.writeFailed(writeErr)
	}
}

func (s *session) writeFailed(err error) {
	if netutil.IsExpectedCloseError(err) {
		s.logger.Debug("client went away before a response", "error", err)
		return
	}
	s.logger.Warn("writing to client failed", "error", err)
}

// stopReading ends the read loop without cutting off responses that
// are still being computed.
func (s *session) stopReading() {
	if unixConn, ok := s.conn.(*net.UnixConn); ok {
		unixConn.CloseRead()
		return
	}
	s.conn.Close()
}
