// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package murmur

import (
	"sync"
	"time"

	"github.com/creachadair/murmur/wire"
)

// A correlator tracks outbound calls awaiting a response, keyed by envelope
// ID. Each entry has a deadline timer; the entry and its timer are always
// removed together, by whichever of response, expiry, or cancellation comes
// first.
type correlator struct {
	limit int // if positive, the most entries allowed at once

	μ      sync.Mutex
	calls  map[string]*pendingCall
	closed bool
}

type pendingCall struct {
	ch    pending
	timer *time.Timer
}

// pending receives the response for a call. It is closed without a value if
// the call expires or the correlator is closed.
type pending chan *wire.Envelope

func (p pending) close() { close(p) }

func (p pending) deliver(env *wire.Envelope) {
	p <- env // buffered, does not block
	close(p)
}

func newCorrelator(limit int) *correlator {
	return &correlator{limit: limit, calls: make(map[string]*pendingCall)}
}

// add registers a pending entry for id that expires after timeout.
func (c *correlator) add(id string, timeout time.Duration) (pending, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return nil, ErrStopped
	} else if c.limit > 0 && len(c.calls) >= c.limit {
		return nil, ErrTooManyPending
	} else if _, ok := c.calls[id]; ok {
		panic("duplicate pending call ID " + id) // IDs are unique
	}
	ch := make(pending, 1)
	c.calls[id] = &pendingCall{
		ch:    ch,
		timer: time.AfterFunc(timeout, func() { c.expire(id, ch) }),
	}
	return ch, nil
}

// expire removes the entry for id, if it is still the entry that owns ch,
// and closes ch to report the timeout.
func (c *correlator) expire(id string, ch pending) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if pc, ok := c.calls[id]; ok && pc.ch == ch {
		delete(c.calls, id)
		ch.close()
	}
}

// remove discards the entry for id and stops its timer. It reports whether
// an entry was present.
func (c *correlator) remove(id string) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	pc, ok := c.calls[id]
	if ok {
		pc.timer.Stop()
		delete(c.calls, id)
	}
	return ok
}

// deliver hands rsp to the entry matching its ID, removing the entry. It
// reports false if no call is waiting for that ID.
func (c *correlator) deliver(rsp *wire.Envelope) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	pc, ok := c.calls[rsp.ID]
	if !ok {
		return false
	}
	pc.timer.Stop()
	delete(c.calls, rsp.ID)
	pc.ch.deliver(rsp)
	return true
}

// has reports whether id has a pending entry.
func (c *correlator) has(id string) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	_, ok := c.calls[id]
	return ok
}

// len reports the number of pending entries.
func (c *correlator) len() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return len(c.calls)
}

// isClosed reports whether c has been closed.
func (c *correlator) isClosed() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.closed
}

// close terminates every pending entry and rejects further additions.
func (c *correlator) close() {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.closed = true
	for id, pc := range c.calls {
		pc.timer.Stop()
		pc.ch.close()
		delete(c.calls, id)
	}
}

// maxBackoffShift bounds the exponent of the retry delay.
const maxBackoffShift = 16

// backoff returns the delay before the retry that follows failed attempt
// number attempt (0-based): base × 2^attempt.
func backoff(base time.Duration, attempt int) time.Duration {
	return base << min(max(attempt, 0), maxBackoffShift)
}
