package stream_test

import (
	"context"
	"errors"
	"iter"
	"reflect"
	"strings"
	"testing"

	"github.com/creachadair/murmur"
	"github.com/creachadair/murmur/peers"
	"github.com/creachadair/murmur/stream"
	"github.com/creachadair/murmur/wire"
	"github.com/fortytw2/leaktest"
)

func TestStream(t *testing.T) {
	tests := []struct {
		in      string
		take    int // if positive, stop reading after this many values
		want    []string
		wantErr string
	}{
		{"stream foo bar", 0, vals("foo", "bar"), ""},
		{"stream foo bar, err", 0, vals("foo", "bar"), "INTERNAL_ERROR: test"},
		{"err", 0, vals(), "INTERNAL_ERROR: test"},
		{"req, req, stream foo", 0, vals("req", "req", "foo"), ""},
		{"bad-status", 0, vals(), "NOT_FOUND: nothing here"},
		// client-side abandonment
		{"stream foo bar qux", 1, vals("foo"), ""},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			defer leaktest.Check(t)()

			ps := peers.NewLocal()
			defer ps.Stop()

			stream.Handle(ps.B, "stream", parseScript(t, tc.in))

			var got []string
			var gotErr error
			for resp, err := range stream.Call(context.Background(), ps.A, "b", "stream", []byte(`"req"`)) {
				if err != nil {
					gotErr = err
					break
				}
				got = append(got, unquote(resp))
				if len(got) == tc.take {
					break
				}
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got stream %v, want %v", got, tc.want)
			}
			if gotErr != nil {
				// Errors transit over a network, so we can't compare with
				// errors.Is. Compare strings instead as an approximation.
				if gotErr.Error() != tc.wantErr {
					t.Fatalf("unexpected error %q, want %q", gotErr, tc.wantErr)
				}
			} else if tc.wantErr != "" {
				t.Fatalf("stream didn't yield error, want %q", tc.wantErr)
			}
		})
	}
}

func TestBadRequest(t *testing.T) {
	defer leaktest.Check(t)()

	ps := peers.NewLocal()
	defer ps.Stop()

	stream.Handle(ps.B, "stream", parseScript(t, "stream foo"))
	_, err := ps.A.Call(context.Background(), "b", "stream", []byte(`"plain"`))
	if got := murmur.StatusOf(err); got != wire.StatusBadRequest {
		t.Errorf("Plain call: got %v (%v), want %v", got, err, wire.StatusBadRequest)
	}
}

func parseScript(t *testing.T, s string) stream.HandlerFunc {
	return func(ctx context.Context, env *wire.Envelope) iter.Seq2[[]byte, error] {
		return func(yield func([]byte, error) bool) {
			for _, cmd := range strings.Split(s, ",") {
				fs := strings.Fields(cmd)
				switch fs[0] {
				case "stream":
					for _, v := range fs[1:] {
						if !yield([]byte(`"`+v+`"`), nil) {
							return
						}
					}
				case "req":
					if !yield(env.Payload, nil) {
						return
					}
				case "err":
					yield(nil, testErr)
					return
				case "bad-status":
					yield(nil, murmur.Errorf(wire.StatusNotFound, "nothing here"))
					return
				default:
					t.Errorf("unknown parseScript command %q", fs[0])
				}
			}
		}
	}
}

var testErr = errors.New("test")

func vals(vs ...string) []string {
	return vs
}

func unquote(data []byte) string { return strings.Trim(string(data), `"`) }
