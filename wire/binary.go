// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"errors"
	"fmt"

	"github.com/creachadair/murmur/packet"
)

// Binary is a [Codec] using a compact binary layout. The payload is carried
// as opaque bytes.
//
//	"MR" version:1 kind:1 status:2 createdAt:8 id origin target present:1 [payload]
//
// The string fields are each prefixed by a Vint30 length. The present flag
// is 1 if the envelope has a payload, possibly empty, and 0 if it has none.
var Binary Codec = binaryCodec{}

type binaryCodec struct{}

var binaryMagic = []byte("MR")

const binaryVersion = 0

var kindCodes = map[Kind]byte{KindCall: 1, KindResponse: 2, KindEvent: 3}

var codeKinds = map[byte]Kind{1: KindCall, 2: KindResponse, 3: KindEvent}

func (binaryCodec) Name() string { return "binary" }

func (binaryCodec) Encode(e *Envelope) ([]byte, error) {
	kc, ok := kindCodes[e.Kind]
	if !ok {
		return nil, fmt.Errorf("binary: invalid envelope kind %q", e.Kind)
	}
	if e.Status < 0 || e.Status > 0xffff {
		return nil, fmt.Errorf("binary: status %d out of range", e.Status)
	}
	for _, s := range []string{e.ID, e.Origin, e.Target} {
		if len(s) > packet.MaxVint30 {
			return nil, errors.New("binary: header field too long")
		}
	}
	if len(e.Payload) > packet.MaxVint30 {
		return nil, errors.New("binary: payload too long")
	}

	var b packet.Builder
	b.Grow(len(binaryMagic) + 13 + packet.VLen(len(e.ID)) + packet.VLen(len(e.Origin)) +
		packet.VLen(len(e.Target)) + packet.VLen(len(e.Payload)))
	b.Put(binaryMagic...)
	b.Put(binaryVersion, kc)
	b.Uint16(uint16(e.Status))
	b.Uint64(uint64(e.CreatedAt))
	b.VPutString(e.ID)
	b.VPutString(e.Origin)
	b.VPutString(e.Target)
	b.Bool(e.Payload != nil)
	if e.Payload != nil {
		b.VPut(e.Payload)
	}
	return b.Bytes(), nil
}

func (binaryCodec) Decode(data []byte) (*Envelope, error) {
	s := packet.NewScanner(data)
	magic, err := packet.Get[string](s, len(binaryMagic))
	if err != nil || magic != string(binaryMagic) {
		return nil, fmt.Errorf("binary: invalid magic %q", magic)
	}
	if v, err := s.Byte(); err != nil {
		return nil, fmt.Errorf("binary: %w", err)
	} else if v != binaryVersion {
		return nil, fmt.Errorf("binary: unsupported version %d", v)
	}

	env := new(Envelope)
	fail := func(field string, err error) (*Envelope, error) {
		if env.ID == "" {
			return nil, fmt.Errorf("binary: invalid %s: %w", field, err)
		}
		return env, fmt.Errorf("binary: invalid %s: %w", field, err)
	}

	kc, err := s.Byte()
	if err != nil {
		return fail("kind", err)
	}
	env.Kind = codeKinds[kc] // checked below, once the ID is known
	status, err := s.Uint16()
	if err != nil {
		return fail("status", err)
	}
	env.Status = Status(status)
	created, err := s.Uint64()
	if err != nil {
		return fail("timestamp", err)
	}
	env.CreatedAt = int64(created)
	if env.ID, err = packet.VGet[string](s); err != nil {
		return fail("id", err)
	}
	if env.Origin, err = packet.VGet[string](s); err != nil {
		return fail("origin", err)
	}
	if env.Target, err = packet.VGet[string](s); err != nil {
		return fail("target", err)
	}
	present, err := s.Bool()
	if err != nil {
		return fail("payload", err)
	}
	if present {
		payload, err := packet.VGet[[]byte](s)
		if err != nil {
			return fail("payload", err)
		}
		env.Payload = append([]byte{}, payload...)
	}
	if s.Len() != 0 {
		return fail("envelope", fmt.Errorf("%d bytes of extra data", s.Len()))
	}
	if err := env.Check(); err != nil {
		return fail("envelope", err)
	}
	return env, nil
}
