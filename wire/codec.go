// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"bytes"
	"fmt"
)

// A Codec translates envelopes to and from transport frames.
//
// If Decode fails after recovering part of the header, it returns the partial
// envelope along with the error, so that a receiver can still address a reply
// to a malformed call.
type Codec interface {
	// Name reports the registered name of the codec ("json", "binary").
	Name() string

	// Encode renders e as a single frame.
	Encode(e *Envelope) ([]byte, error)

	// Decode parses a complete frame into an envelope.
	Decode(data []byte) (*Envelope, error)
}

var codecs = map[string]Codec{
	JSON.Name():   JSON,
	Binary.Name(): Binary,
}

// ForName returns the codec with the given name. An empty name selects JSON.
func ForName(name string) (Codec, error) {
	if name == "" {
		return JSON, nil
	}
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown codec %q", name)
	}
	return c, nil
}

// Sniff selects a codec for an inbound frame by inspecting its prefix.
// Frames that do not carry the binary magic are treated as JSON.
func Sniff(data []byte) Codec {
	if bytes.HasPrefix(data, binaryMagic) {
		return Binary
	}
	return JSON
}
