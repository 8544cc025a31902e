// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package wire defines the envelope exchanged between murmur nodes and the
// codecs that translate envelopes to and from transport frames.
//
// An [Envelope] carries a header (id, kind, status, origin, target, creation
// time) and an opaque payload. The core never interprets the payload; a
// [Codec] decides how the envelope is laid out on the wire.
//
// Two codecs are provided: [JSON], whose encoding is a single JSON object, and
// [Binary], a compact pass-through format built on the packet package. Use
// [Sniff] to select the codec for an inbound frame.
package wire

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind describes the role of an envelope.
type Kind string

const (
	KindCall     Kind = "call"     // A request expecting exactly one response
	KindResponse Kind = "response" // The answer to a call
	KindEvent    Kind = "event"    // A fire-and-forget topic message
)

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCall, KindResponse, KindEvent:
		return true
	}
	return false
}

// Status is the result status carried by a response envelope.
type Status int

const (
	StatusOK            Status = 200 // The call succeeded
	StatusBadRequest    Status = 400 // The call envelope was malformed
	StatusNotFound      Status = 404 // The route or peer does not exist
	StatusInternalError Status = 500 // The handler failed or the call timed out
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// Envelope is the unit of exchange between nodes. Envelopes must not be
// modified once sent.
type Envelope struct {
	ID        string // unique per outbound call or event
	Kind      Kind
	Status    Status // responses only
	CreatedAt int64  // milliseconds since the Unix epoch
	Origin    string // name of the sending node
	Target    string // route (call), topic (event), or echoed origin (response)
	Payload   []byte
}

// NewID returns a fresh envelope ID.
func NewID() string { return uuid.NewString() }

// New constructs an envelope of the given kind with a fresh ID and the
// current creation time.
func New(kind Kind, origin, target string, payload []byte) *Envelope {
	return &Envelope{
		ID:        NewID(),
		Kind:      kind,
		CreatedAt: time.Now().UnixMilli(),
		Origin:    origin,
		Target:    target,
		Payload:   payload,
	}
}

// Reply constructs a response to e with the given status and payload. The
// response carries the ID of e, and its target echoes the origin of e.
func (e *Envelope) Reply(origin string, status Status, payload []byte) *Envelope {
	return &Envelope{
		ID:        e.ID,
		Kind:      KindResponse,
		Status:    status,
		CreatedAt: time.Now().UnixMilli(),
		Origin:    origin,
		Target:    e.Origin,
		Payload:   payload,
	}
}

// Check reports an error if e is not structurally valid.
func (e *Envelope) Check() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("envelope has no id")
	case !e.Kind.Valid():
		return fmt.Errorf("invalid envelope kind %q", e.Kind)
	case e.Kind != KindResponse && e.Target == "":
		return fmt.Errorf("%s envelope has no target", e.Kind)
	}
	return nil
}

// String returns a human-friendly rendering of the envelope.
func (e *Envelope) String() string {
	var data string
	if len(e.Payload) > 32 {
		data = fmt.Sprintf("%q ...", e.Payload[:32])
	} else {
		data = fmt.Sprintf("%q", e.Payload)
	}
	if e.Kind == KindResponse {
		return fmt.Sprintf("Envelope(%s, ID=%s, %v, From=%s, %s)", e.Kind, e.ID, e.Status, e.Origin, data)
	}
	return fmt.Sprintf("Envelope(%s, ID=%s, From=%s, To=%s, %s)", e.Kind, e.ID, e.Origin, e.Target, data)
}
