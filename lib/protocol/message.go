// Copyright 2026 The Lair Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/Br1ght0ne/lair/lib/codec"
	"github.com/Br1ght0ne/lair/lib/errkind"
)

// Version is the protocol version this package speaks. It is the only
// supported version.
const Version uint = 1

// Supported reports whether version can be spoken.
func Supported(version uint) bool { return version == Version }

// MessageKind is the "k" field of the envelope.
type MessageKind string

const (
	KindHello    MessageKind = "hello"
	KindRequest  MessageKind = "request"
	KindResponse MessageKind = "response"
	KindError    MessageKind = "error"
)

// Message is one of *Hello, *Request, *Response, or *ErrorMessage.
type Message interface {
	kind() MessageKind
}

// Hello opens a connection in either direction.
type Hello struct {
	Version uint

	// Software identifies the sender, e.g. "lair-keystore 0.1.0".
	// Informational only.
	Software string
}

// Request asks the service to perform Operation. KeyID names the entry
// the operation acts on; it is empty for operations that take no key.
type Request struct {
	ID        uint64
	KeyID     string
	Operation Operation
}

// Response carries the result of the request with the same ID.
type Response struct {
	ID     uint64
	Result Result
}

// ErrorMessage reports a failure. ID is the correlation ID of the
// failed request, or zero for a connection-level error such as a
// refused hello.
type ErrorMessage struct {
	ID      uint64
	Kind    errkind.Kind
	Message string
}

func (*Hello) kind() MessageKind        { return KindHello }
func (*Request) kind() MessageKind      { return KindRequest }
func (*Response) kind() MessageKind     { return KindResponse }
func (*ErrorMessage) kind() MessageKind { return KindError }

// Err returns the failure as an *errkind.Error so callers can test it
// with errors.Is. An unknown kind from a newer peer is kept verbatim.
func (m *ErrorMessage) Err() error {
	return &errkind.Error{Kind: m.Kind, Message: m.Message}
}

// NewError builds the error message for a failed request.
func NewError(id uint64, err error) *ErrorMessage {
	return &ErrorMessage{ID: id, Kind: errkind.KindOf(err), Message: errkind.MessageOf(err)}
}

type envelope struct {
	Version uint             `cbor:"v"`
	Kind    MessageKind      `cbor:"k"`
	ID      uint64           `cbor:"id,omitempty"`
	Op      OpName           `cbor:"op,omitempty"`
	Key     string           `cbor:"key,omitempty"`
	Body    codec.RawMessage `cbor:"body,omitempty"`
	Err     *wireError       `cbor:"err,omitempty"`
}

type wireError struct {
	Kind    errkind.Kind `cbor:"kind"`
	Message string       `cbor:"message,omitempty"`
}

type helloBody struct {
	Software string `cbor:"software,omitempty"`
}

func marshal(message Message) ([]byte, error) {
	wire := envelope{Version: Version, Kind: message.kind()}
	var body any
	switch message := message.(type) {
	case *Hello:
		wire.Version = message.Version
		body = helloBody{Software: message.Software}
	case *Request:
		if message.Operation == nil {
			return nil, errkind.New(errkind.KindInvalidArgument, "request %d has no operation", message.ID)
		}
		wire.ID = message.ID
		wire.Op = message.Operation.Name()
		wire.Key = message.KeyID
		body = message.Operation
	case *Response:
		if message.Result == nil {
			return nil, errkind.New(errkind.KindInvalidArgument, "response %d has no result", message.ID)
		}
		wire.ID = message.ID
		wire.Op = message.Result.Name()
		body = message.Result
	case *ErrorMessage:
		wire.ID = message.ID
		wire.Err = &wireError{Kind: message.Kind, Message: message.Message}
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", message)
	}

	if body != nil {
		encoded, err := codec.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s body: %w", wire.Kind, err)
		}
		wire.Body = encoded
	}
	payload, err := codec.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", wire.Kind, err)
	}
	return payload, nil
}

func unmarshal(payload []byte) (Message, error) {
	var wire envelope
	if err := codec.Unmarshal(payload, &wire); err != nil {
		return nil, errkind.Wrap(errkind.KindMalformed, err, "decoding envelope")
	}

	if wire.Kind == KindHello {
		var body helloBody
		if err := decodeBody(wire.Body, &body); err != nil {
			return nil, err
		}
		return &Hello{Version: wire.Version, Software: body.Software}, nil
	}

	if !Supported(wire.Version) {
		return nil, errkind.New(errkind.KindUnsupportedVersion,
			"protocol version %d is not supported (want %d)", wire.Version, Version)
	}

	switch wire.Kind {
	case KindRequest:
		if wire.ID == 0 {
			return nil, errkind.New(errkind.KindMalformed, "request without correlation ID")
		}
		spec, ok := operations[wire.Op]
		if !ok {
			return nil, errkind.New(errkind.KindMalformed, "unknown operation %q", wire.Op)
		}
		operation := spec.newOperation()
		if err := decodeBody(wire.Body, operation); err != nil {
			return nil, err
		}
		return &Request{ID: wire.ID, KeyID: wire.Key, Operation: operation}, nil

	case KindResponse:
		spec, ok := operations[wire.Op]
		if !ok {
			return nil, errkind.New(errkind.KindMalformed, "unknown operation %q in response", wire.Op)
		}
		result := spec.newResult()
		if err := decodeBody(wire.Body, result); err != nil {
			return nil, err
		}
		return &Response{ID: wire.ID, Result: result}, nil

	case KindError:
		if wire.Err == nil {
			return nil, errkind.New(errkind.KindMalformed, "error message without err field")
		}
		return &ErrorMessage{ID: wire.ID, Kind: wire.Err.Kind, Message: wire.Err.Message}, nil

	default:
		return nil, errkind.New(errkind.KindMalformed, "unknown message kind %q", wire.Kind)
	}
}

// decodeBody decodes an operation or result body. An absent body is an
// empty map.
func decodeBody(body codec.RawMessage, target any) error {
	if len(body) == 0 {
		return nil
	}
	if err := codec.Unmarshal(body, target); err != nil {
		return errkind.Wrap(errkind.KindMalformed, err, "decoding body")
	}
	return nil
}
