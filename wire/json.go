// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JSON is a [Codec] that renders an envelope as a single JSON object:
//
//	{"id":"...","kind":"call","createdAt":1700000000000,
//	 "originName":"a","target":"greeting","payload":{...}}
//
// The payload must itself be valid JSON; an empty payload is sent as null.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

type jsonEnvelope struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Status    Status          `json:"statusCode,omitempty"`
	CreatedAt int64           `json:"createdAt"`
	Origin    string          `json:"originName"`
	Target    string          `json:"target,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

var jsonNull = []byte("null")

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(e *Envelope) ([]byte, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = jsonNull
	} else if !json.Valid(payload) {
		return nil, errors.New("json: payload is not valid JSON")
	}
	return json.Marshal(jsonEnvelope{
		ID:        e.ID,
		Kind:      e.Kind,
		Status:    e.Status,
		CreatedAt: e.CreatedAt,
		Origin:    e.Origin,
		Target:    e.Target,
		Payload:   payload,
	})
}

func (jsonCodec) Decode(data []byte) (*Envelope, error) {
	var je jsonEnvelope
	if err := json.Unmarshal(data, &je); err != nil {
		// A type error leaves the remaining fields populated.
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) && je.ID != "" {
			return je.envelope(), fmt.Errorf("json: invalid envelope: %w", err)
		}
		return nil, fmt.Errorf("json: invalid envelope: %w", err)
	}
	env := je.envelope()
	if err := env.Check(); err != nil {
		if env.ID == "" {
			return nil, fmt.Errorf("json: %w", err)
		}
		return env, fmt.Errorf("json: %w", err)
	}
	return env, nil
}

func (je *jsonEnvelope) envelope() *Envelope {
	env := &Envelope{
		ID:        je.ID,
		Kind:      je.Kind,
		Status:    je.Status,
		CreatedAt: je.CreatedAt,
		Origin:    je.Origin,
		Target:    je.Target,
	}
	if len(je.Payload) != 0 && string(je.Payload) != "null" {
		env.Payload = []byte(je.Payload)
	}
	return env
}
