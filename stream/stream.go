// Package stream provides helpers for implementing streaming calls,
// where a single call yields a stream of response payloads.
//
// The caller registers a random capability as a route on its own node, and
// passes it to the peer along with the request. The peer delivers each item
// of the stream by calling the capability route on the caller, and ends the
// stream by responding to the original call.
package stream

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"iter"

	"github.com/creachadair/murmur"
	"github.com/creachadair/murmur/wire"
)

// A 24-byte random value acts as a capability when registered as a
// route. The value is not brute-forceable in reasonable time, and
// has negligible probability of collision.
const capabilityLen = 24

// mkCapability returns a random capability, hex encoded so that it is a
// valid route name under every codec.
func mkCapability() string {
	var ret [capabilityLen]byte
	rand.Read(ret[:])
	return hex.EncodeToString(ret[:])
}

// request is the payload of a streaming call.
type request struct {
	Reply string `json:"reply"` // the capability route on the caller
	Data  []byte `json:"data,omitempty"`
}

// Call calls route on the named peer with data, and yields a stream of
// responses. The response stream ends at the peer's discretion, or when ctx
// is canceled. The whole stream must complete within the timeout of the
// call; use [murmur.WithTimeout] to extend it. The call is never retried.
//
// The returned iterator yields zero or more (bs, nil) values. If the
// call ends unsuccessfully, the iterator ends the stream with a final
// (nil, err) tuple.
func Call(ctx context.Context, n *murmur.Node, peer, route string, data []byte, opts ...murmur.CallOption) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		capability := mkCapability()
		req, err := json.Marshal(request{Reply: capability, Data: data})
		if err != nil {
			yield(nil, err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// The peer streams values back to us by calling the capability,
		// which runs this handler in another goroutine. Values are passed
		// through a channel to be yielded here.
		vals := make(chan []byte)
		n.Handle(capability, func(callbackCtx context.Context, env *wire.Envelope) ([]byte, error) {
			if env.Origin != peer {
				return nil, murmur.Errorf(wire.StatusNotFound, "no handler for route %q", env.Target)
			}
			select {
			case vals <- env.Payload:
				return nil, nil
			case <-ctx.Done():
				// The caller has gone away. The peer will see this error
				// and give up on the stream.
				return nil, ctx.Err()
			case <-callbackCtx.Done():
				return nil, callbackCtx.Err()
			}
		})

		errch := make(chan error, 1)
		go func() {
			// Unregister the capability here rather than in the iterator, so
			// the peer does not see NOT_FOUND while the stream is ending.
			defer n.Handle(capability, nil)
			defer close(errch)
			_, err := n.Call(ctx, peer, route, req, append(opts[:len(opts):len(opts)], murmur.WithMaxRetries(1))...)
			if ctx.Err() != nil {
				// Report a local cancellation as such, however it reached
				// the call.
				errch <- ctx.Err()
			} else {
				errch <- err
			}
		}()

		for {
			select {
			case v := <-vals:
				if !yield(v, nil) {
					// Returning cancels the context of the call and the
					// callback, so they unwind on their own.
					return
				}
			case err := <-errch:
				if err != nil {
					yield(nil, err)
				}
				return
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// HandlerFunc is a variant of murmur.Handler that yields a stream of
// responses, rather than a single value. The returned iterator is
// expected to only yield a non-nil error as its final element,
// following zero or more error-free tuples.
//
// The envelope passed to the function carries the request data of the
// caller as its payload.
type HandlerFunc func(context.Context, *wire.Envelope) iter.Seq2[[]byte, error]

// Handle registers fn as the handler for route on n. The route must be
// invoked with [Call].
func Handle(n *murmur.Node, route string, fn HandlerFunc) {
	n.Handle(route, func(ctx context.Context, env *wire.Envelope) ([]byte, error) {
		var req request
		if err := json.Unmarshal(env.Payload, &req); err != nil || req.Reply == "" {
			return nil, murmur.Errorf(wire.StatusBadRequest, "invalid stream request")
		}
		in := *env
		in.Payload = req.Data

		node := murmur.ContextNode(ctx)
		for resp, err := range fn(ctx, &in) {
			if err != nil {
				return nil, err
			}
			// The iterator should obey cancellation itself, but as a
			// fallback also bail out here.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, err := node.Call(ctx, env.Origin, req.Reply, resp, murmur.WithMaxRetries(1)); err != nil {
				return nil, err
			}
		}

		// The iterator may have ended early because of cancellation without
		// reporting an error.
		return nil, ctx.Err()
	})
}
