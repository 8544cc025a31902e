// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package murmur

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/murmur/wire"
)

// A Handler processes a call envelope and returns the payload of the
// response. A handler can obtain the node from its context argument using
// the [ContextNode] helper.
//
// By default, an error reported by a handler is returned to the caller with
// status INTERNAL_ERROR and the text of the error as its message. A handler
// may return an error from [Errorf] to report a different status.
type Handler func(context.Context, *wire.Envelope) ([]byte, error)

// An EventHandler processes an event envelope delivered to a topic.
type EventHandler func(context.Context, *wire.Envelope) error

// A Subscription is a token for one handler subscribed to a topic. Its
// identity is its pointer: subscribing the same function twice yields two
// distinct subscriptions.
type Subscription struct {
	topic string
	h     EventHandler
}

// Topic reports the topic s is subscribed to.
func (s *Subscription) Topic() string { return s.topic }

// A Dispatcher routes call envelopes to a single handler by route name, and
// event envelopes to every handler subscribed to their topic.
//
// The methods of a Dispatcher are safe for concurrent use. Each dispatch
// works on a snapshot of the tables, so handlers may register and unregister
// routes and subscriptions freely.
type Dispatcher struct {
	policy RoutePolicy
	faults *Notifier[Fault]

	μ      sync.Mutex
	routes map[string]Handler
	topics map[string]mapset.Set[*Subscription]
}

// NewDispatcher constructs an empty dispatcher using the given route policy.
// If faults != nil, failures of event handlers are reported to it.
func NewDispatcher(policy RoutePolicy, faults *Notifier[Fault]) *Dispatcher {
	return &Dispatcher{
		policy: policy,
		faults: faults,
		routes: make(map[string]Handler),
		topics: make(map[string]mapset.Set[*Subscription]),
	}
}

// Register adds h as the handler for route. If route already has a handler,
// the result depends on the route policy: under [RouteReplace] h replaces the
// old handler; under [RouteReject] Register reports [ErrDuplicateRoute].
func (d *Dispatcher) Register(route string, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler for route %q", route)
	}
	d.μ.Lock()
	defer d.μ.Unlock()
	if _, ok := d.routes[route]; ok && d.policy == RouteReject {
		return fmt.Errorf("route %q: %w", route, ErrDuplicateRoute)
	}
	d.routes[route] = h
	return nil
}

// Unregister removes the handler for route, if any.
func (d *Dispatcher) Unregister(route string) {
	d.μ.Lock()
	defer d.μ.Unlock()
	delete(d.routes, route)
}

// Subscribe adds h as a handler for events on topic, and returns a token
// that can be used to remove it.
func (d *Dispatcher) Subscribe(topic string, h EventHandler) *Subscription {
	if h == nil {
		panic("nil event handler")
	}
	sub := &Subscription{topic: topic, h: h}
	d.μ.Lock()
	defer d.μ.Unlock()
	s, ok := d.topics[topic]
	if !ok {
		s = mapset.New[*Subscription]()
		d.topics[topic] = s
	}
	s.Add(sub)
	return sub
}

// Unsubscribe removes the given subscriptions from topic. With no
// subscriptions, it removes every handler for topic. Subscriptions to other
// topics are ignored.
func (d *Dispatcher) Unsubscribe(topic string, subs ...*Subscription) {
	d.μ.Lock()
	defer d.μ.Unlock()
	if len(subs) == 0 {
		delete(d.topics, topic)
		return
	}
	s, ok := d.topics[topic]
	if !ok {
		return
	}
	s.Remove(subs...)
	if s.Len() == 0 {
		delete(d.topics, topic)
	}
}

// Routes returns the names of all registered routes in order.
func (d *Dispatcher) Routes() []string {
	d.μ.Lock()
	defer d.μ.Unlock()
	return slices.Sorted(maps.Keys(d.routes))
}

// Topics returns the names of all topics with subscribers in order.
func (d *Dispatcher) Topics() []string {
	d.μ.Lock()
	defer d.μ.Unlock()
	return slices.Sorted(maps.Keys(d.topics))
}

// Dispatch delivers env to its handlers.
//
// For a call, Dispatch returns the result of the handler for env.Target. If
// there is no such handler, the error has status NOT_FOUND. If the handler
// fails or panics, the error has the status the handler's error carries, or
// INTERNAL_ERROR.
//
// For an event, Dispatch runs every handler subscribed to env.Target and
// returns nil, nil. Handler failures are reported as faults and do not affect
// the other handlers.
func (d *Dispatcher) Dispatch(ctx context.Context, env *wire.Envelope) ([]byte, error) {
	switch env.Kind {
	case wire.KindCall:
		return d.dispatchCall(ctx, env)
	case wire.KindEvent:
		d.dispatchEvent(ctx, env)
		return nil, nil
	default:
		return nil, Errorf(wire.StatusBadRequest, "cannot dispatch %s envelope", env.Kind)
	}
}

func (d *Dispatcher) dispatchCall(ctx context.Context, env *wire.Envelope) (_ []byte, err error) {
	d.μ.Lock()
	h, ok := d.routes[env.Target]
	d.μ.Unlock()
	if !ok {
		return nil, Errorf(wire.StatusNotFound, "no handler for route %q", env.Target)
	}

	// Ensure a panic out of the handler is turned into a graceful response.
	defer func() {
		if x := recover(); x != nil {
			err = Errorf(wire.StatusInternalError, "handler panicked (recovered): %v", x)
		}
	}()
	return h(ctx, env)
}

// dispatchEvent runs the handlers subscribed to env.Target and reports the
// number that failed.
func (d *Dispatcher) dispatchEvent(ctx context.Context, env *wire.Envelope) (nfail int) {
	d.μ.Lock()
	var subs []*Subscription
	for sub := range d.topics[env.Target] {
		subs = append(subs, sub)
	}
	d.μ.Unlock()

	for _, sub := range subs {
		if err := runEvent(ctx, sub.h, env); err != nil {
			nfail++
			if d.faults != nil {
				d.faults.Notify(Fault{
					Op: "event", Peer: env.Origin, Target: env.Target, ID: env.ID, Err: err,
				})
			}
		}
	}
	return nfail
}

func runEvent(ctx context.Context, h EventHandler, env *wire.Envelope) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("event handler panicked (recovered): %v", x)
		}
	}()
	return h(ctx, env)
}
