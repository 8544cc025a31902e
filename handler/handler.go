// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the murmur.Handler and
// murmur.EventHandler types for functions with other signatures.
//
// Parameters may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
// Any other parameter type is decoded from the payload as JSON.
//
// Results may be []byte or string, or any type that supports the one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces. Any other
// result type is encoded as JSON.
//
// A payload that cannot be decoded into the parameter type is reported to the
// caller with status BAD_REQUEST.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"encoding/json"

	"github.com/creachadair/murmur"
	"github.com/creachadair/murmur/wire"
)

// envContextKey is a context key for the envelope passed to a handler.
type envContextKey struct{}

// ContextEnvelope returns the original envelope passed to the handler, or nil
// if ctx has no associated envelope. The context passed to a handler returned
// by this package will have this value.
func ContextEnvelope(ctx context.Context) *wire.Envelope {
	if v := ctx.Value(envContextKey{}); v != nil {
		return v.(*wire.Envelope)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a murmur.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) murmur.Handler {
	return func(ctx context.Context, env *wire.Envelope) ([]byte, error) {
		var p P
		if err := unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, envContextKey{}, env)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a murmur.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) murmur.Handler {
	return func(ctx context.Context, env *wire.Envelope) ([]byte, error) {
		var p P
		if err := unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, envContextKey{}, env)
		return marshal(f(hctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a murmur.Handler.
func ParamError[P any](f func(context.Context, P) error) murmur.Handler {
	return func(ctx context.Context, env *wire.Envelope) ([]byte, error) {
		var p P
		if err := unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, envContextKey{}, env)
		return nil, f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a murmur.Handler.
func ResultError[R any](f func(context.Context) (R, error)) murmur.Handler {
	return func(ctx context.Context, env *wire.Envelope) ([]byte, error) {
		hctx := context.WithValue(ctx, envContextKey{}, env)
		r, err := f(hctx)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to a murmur.Handler.
func ResultOnly[R any](f func(context.Context) R) murmur.Handler {
	return func(ctx context.Context, env *wire.Envelope) ([]byte, error) {
		hctx := context.WithValue(ctx, envContextKey{}, env)
		return marshal(f(hctx))
	}
}

// Event adapts a function f that accepts an event payload of type P and
// returns an error, to a murmur.EventHandler.
func Event[P any](f func(context.Context, P) error) murmur.EventHandler {
	return func(ctx context.Context, env *wire.Envelope) error {
		var p P
		if err := unmarshal(env.Payload, &p); err != nil {
			return err
		}
		hctx := context.WithValue(ctx, envContextKey{}, env)
		return f(hctx, p)
	}
}

// unmarshal decodes data into v. If the concrete type of v is a pointer to a
// []byte or string, data is copied; if it implements
// encoding.BinaryUnmarshaler or encoding.TextUnmarshaler, that is used (with
// BinaryUnmarshaler preferred); otherwise data is decoded as JSON.
func unmarshal(data []byte, v any) error {
	var err error
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		err = t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		err = t.UnmarshalText(data)
	default:
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return murmur.Errorf(wire.StatusBadRequest, "invalid parameters: %v", err)
	}
	return nil
}

// marshal encodes v into data. If the concrete type of v is a []byte or
// string (or a pointer to these) it is used as-is; if it implements
// encoding.BinaryMarshaler or encoding.TextMarshaler, that is used (with
// BinaryMarshaler preferred); otherwise v is encoded as JSON.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return json.Marshal(v)
	}
}
