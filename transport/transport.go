// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package transport defines how murmur nodes move raw frames between
// processes, and provides TCP, UDP, and in-memory implementations.
//
// A transport does not add framing of its own: every Send corresponds to one
// write, and every physical receive event is delivered as one [Frame]. This
// matches a message-per-datagram model exactly for UDP; for TCP, peers must
// not rely on a single read ever containing more or less than one send.
//
// Failures are reported as [*Error] values. A transport never retries a send;
// that is the caller's decision.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// A Frame is one inbound unit of data.
type Frame struct {
	Data []byte // the frame contents, owned by the receiver
	From string // the address a reply can be sent to, or "" if unknown
}

// A Handler receives inbound frames. Handlers may be invoked concurrently for
// frames arriving on different connections.
type Handler func(Frame)

// A Transport sends and receives frames.
type Transport interface {
	// Kind reports the name of the transport ("tcp", "udp", "memory").
	Kind() string

	// Listen binds addr and begins delivering inbound frames to h.  It does
	// not block. Listen may be called at most once.
	Listen(addr string, h Handler) error

	// Addr reports the bound listen address, or "" before Listen.
	Addr() string

	// Send delivers data to target. It returns when the write is accepted
	// by the underlying transport, not when the receiver has processed it.
	Send(ctx context.Context, target string, data []byte) error

	// Close releases all resources held by the transport. Close is
	// idempotent; after it returns, Send reports an error.
	Close() error
}

// New constructs an unstarted transport of the named kind.
func New(kind string) (Transport, error) {
	switch kind {
	case "", "tcp":
		return NewTCP(TCPOptions{}), nil
	case "udp":
		return NewUDP(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// ErrFrameTooLarge is reported by a transport that cannot send a frame of the
// requested size in a single unit.
var ErrFrameTooLarge = errors.New("frame too large")

// ErrTooManyConns is reported when opening a connection would exceed the
// configured connection limit.
var ErrTooManyConns = errors.New("too many connections")

// Error is the concrete type of errors reported by transport operations.
type Error struct {
	Op     string // "listen", "dial", "send"
	Target string // the address involved
	Err    error  // the underlying error
}

// Error satisfies the error interface.
func (e *Error) Error() string { return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err) }

// Unwrap reports the underlying error of e.
func (e *Error) Unwrap() error { return e.Err }

func opError(op, target string, err error) error {
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Op: op, Target: target, Err: err}
}
