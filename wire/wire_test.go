// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package wire_test

import (
	"strings"
	"testing"

	"github.com/creachadair/murmur/wire"
	"github.com/google/go-cmp/cmp"
)

func TestCodecs(t *testing.T) {
	call := &wire.Envelope{
		ID:        "c-1",
		Kind:      wire.KindCall,
		CreatedAt: 1700000000123,
		Origin:    "b",
		Target:    "greeting",
		Payload:   []byte(`{"name":"World"}`),
	}
	tests := []*wire.Envelope{
		call,
		call.Reply("a", wire.StatusOK, []byte(`{"greeting":"Hello, World!"}`)),
		call.Reply("a", wire.StatusNotFound, nil),
		{ID: "e-1", Kind: wire.KindEvent, CreatedAt: 5, Origin: "b", Target: "notifications",
			Payload: []byte(`{"message":"hi"}`)},
	}
	for _, c := range []wire.Codec{wire.JSON, wire.Binary} {
		t.Run(c.Name(), func(t *testing.T) {
			for _, env := range tests {
				data, err := c.Encode(env)
				if err != nil {
					t.Fatalf("Encode %v: %v", env, err)
				}
				if got := wire.Sniff(data); got != c {
					t.Errorf("Sniff: got %s, want %s", got.Name(), c.Name())
				}
				got, err := c.Decode(data)
				if err != nil {
					t.Fatalf("Decode %q: %v", data, err)
				}
				if diff := cmp.Diff(env, got); diff != "" {
					t.Errorf("Decoded envelope (-want, +got):\n%s", diff)
				}
			}
		})
	}
}

func TestJSONShape(t *testing.T) {
	env := &wire.Envelope{
		ID: "x", Kind: wire.KindResponse, Status: wire.StatusOK, CreatedAt: 1,
		Origin: "a", Target: "b", Payload: []byte(`[1,2]`),
	}
	data, err := wire.JSON.Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	const want = `{"id":"x","kind":"response","statusCode":200,"createdAt":1,"originName":"a","target":"b","payload":[1,2]}`
	if got := string(data); got != want {
		t.Errorf("Encode:\n got %s\nwant %s", got, want)
	}

	if _, err := wire.JSON.Encode(&wire.Envelope{ID: "y", Kind: wire.KindEvent, Target: "t",
		Payload: []byte("not json")}); err == nil {
		t.Error("Encode with invalid JSON payload: got nil error")
	}
}

func TestBinaryPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		tail    string // encoding after the target
	}{
		{"None", nil, "\x00"},
		{"Empty", []byte{}, "\x01\x00"},
		{"Bytes", []byte("\x00\xff"), "\x01\x08\x00\xff"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := &wire.Envelope{ID: "p", Kind: wire.KindEvent, Origin: "a", Target: "t", Payload: tc.payload}
			data, err := wire.Binary.Encode(env)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if !strings.HasSuffix(string(data), "\x04t"+tc.tail) {
				t.Errorf("Encode: got %q, want suffix %q", data, tc.tail)
			}
			got, err := wire.Binary.Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			// An empty payload is distinct from no payload.
			if (got.Payload == nil) != (tc.payload == nil) {
				t.Errorf("Decode: got payload %#v, want %#v", got.Payload, tc.payload)
			}
			if diff := cmp.Diff(env, got); diff != "" {
				t.Errorf("Decoded envelope (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name      string
		codec     wire.Codec
		input     string
		partialID string // if non-empty, the ID of the partial envelope
		want      string
	}{
		{"JSONSyntax", wire.JSON, `{"id":`, "", "invalid envelope"},
		{"JSONNoID", wire.JSON, `{"kind":"call","target":"r"}`, "", "no id"},
		{"JSONBadKind", wire.JSON, `{"id":"q","kind":"ask","target":"r"}`, "q", "invalid envelope kind"},
		{"JSONBadType", wire.JSON, `{"id":"q","kind":"call","target":"r","createdAt":"now"}`, "q", "invalid envelope"},
		{"JSONNoTarget", wire.JSON, `{"id":"q","kind":"call"}`, "q", "no target"},
		{"BinaryMagic", wire.Binary, "XX\x00", "", "invalid magic"},
		{"BinaryVersion", wire.Binary, "MR\x07", "", "unsupported version"},
		{"BinaryShort", wire.Binary, "MR\x00\x01\x00", "", "invalid status"},
		{"BinaryTruncated", wire.Binary, "MR\x00\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x04q\x00\x00", "q", "invalid payload"},
		{"BinaryShortPayload", wire.Binary, "MR\x00\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x04q\x00\x00\x01\x28ab", "q", "invalid payload"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, err := tc.codec.Decode([]byte(tc.input))
			if err == nil {
				t.Fatalf("Decode: got %v, want error", env)
			} else if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Decode: got %v, want %q", err, tc.want)
			}
			if tc.partialID == "" {
				if env != nil {
					t.Errorf("Decode: got partial %v, want nil", env)
				}
			} else if env == nil || env.ID != tc.partialID {
				t.Errorf("Decode: got partial %v, want ID %q", env, tc.partialID)
			}
		})
	}
}

func TestForName(t *testing.T) {
	for name, want := range map[string]wire.Codec{"": wire.JSON, "json": wire.JSON, "binary": wire.Binary} {
		if got, err := wire.ForName(name); err != nil || got != want {
			t.Errorf("ForName(%q): got (%v, %v), want %v", name, got, err, want)
		}
	}
	if got, err := wire.ForName("msgpack"); err == nil {
		t.Errorf("ForName(msgpack): got %v, want error", got)
	}
}
