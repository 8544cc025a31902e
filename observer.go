// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package murmur

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// A Notifier is a registry of observers for values of type T. A zero
// Notifier is ready for use.
type Notifier[T any] struct {
	μ    sync.Mutex
	next int
	obs  map[int]func(T)
}

// Add registers f to be called for each value passed to Notify. It returns a
// function that removes f; calling it more than once is harmless.
func (n *Notifier[T]) Add(f func(T)) (cancel func()) {
	n.μ.Lock()
	defer n.μ.Unlock()
	if n.obs == nil {
		n.obs = make(map[int]func(T))
	}
	id := n.next
	n.next++
	n.obs[id] = f
	return func() {
		n.μ.Lock()
		defer n.μ.Unlock()
		delete(n.obs, id)
	}
}

// Len reports the number of registered observers.
func (n *Notifier[T]) Len() int {
	n.μ.Lock()
	defer n.μ.Unlock()
	return len(n.obs)
}

// Notify calls each registered observer with v, in registration order.
// Observers registered or removed during Notify do not affect the current
// delivery.
func (n *Notifier[T]) Notify(v T) {
	n.μ.Lock()
	snap := make([]func(T), 0, len(n.obs))
	for _, id := range slices.Sorted(maps.Keys(n.obs)) {
		snap = append(snap, n.obs[id])
	}
	n.μ.Unlock()
	for _, f := range snap {
		f(v)
	}
}

// A Fault describes a failure that was handled without an error being
// returned to any caller: a dropped frame, a failed event handler, a failed
// call attempt that was retried, or a failed send during publication.
type Fault struct {
	Op     string // what failed: "decode", "event", "attempt", "publish", "respond"
	Peer   string // the remote peer or address involved, if known
	Target string // the route or topic involved, if known
	ID     string // the envelope ID involved, if known
	Err    error  // the underlying error
}

// Error satisfies the error interface.
func (f Fault) Error() string {
	msg := f.Op
	if f.Target != "" {
		msg += " " + f.Target
	}
	if f.Peer != "" {
		msg += fmt.Sprintf(" (peer %s)", f.Peer)
	}
	return msg + ": " + f.Err.Error()
}

// Unwrap reports the underlying error of f.
func (f Fault) Unwrap() error { return f.Err }
