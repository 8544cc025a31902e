// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/taskgroup"
)

// A Hub connects in-memory transports to one another within a process.
// Frames are passed directly without touching the network.
type Hub struct {
	μ    sync.Mutex
	eps  map[string]*Memory
	next int
}

// NewHub constructs an empty hub.
func NewHub() *Hub { return &Hub{eps: make(map[string]*Memory)} }

// Transport returns a new unstarted transport attached to h.
func (h *Hub) Transport() *Memory {
	return &Memory{hub: h, tasks: taskgroup.New(nil), done: make(chan struct{})}
}

// ErrUnreachable is reported by a memory transport when the target address is
// not bound on its hub.
var ErrUnreachable = errors.New("address unreachable")

func (h *Hub) bind(addr string, m *Memory) (string, error) {
	h.μ.Lock()
	defer h.μ.Unlock()
	if addr == "" || strings.HasSuffix(addr, ":0") {
		h.next++
		addr = fmt.Sprintf("mem:%d", h.next)
	}
	if _, ok := h.eps[addr]; ok {
		return "", fmt.Errorf("address %q in use", addr)
	}
	h.eps[addr] = m
	return addr, nil
}

func (h *Hub) unbind(addr string) {
	h.μ.Lock()
	defer h.μ.Unlock()
	delete(h.eps, addr)
}

func (h *Hub) lookup(addr string) *Memory {
	h.μ.Lock()
	defer h.μ.Unlock()
	return h.eps[addr]
}

// Memory is a [Transport] attached to a [Hub]. Frames sent to a memory
// transport are delivered in order, one at a time, to its handler.
type Memory struct {
	hub   *Hub
	tasks *taskgroup.Group
	done  chan struct{} // closed by Close

	μ      sync.Mutex
	addr   string
	inbox  chan Frame
	closed bool
}

// Kind implements part of the [Transport] interface.
func (*Memory) Kind() string { return "memory" }

// Listen implements part of the [Transport] interface. An empty addr, or one
// with port 0, assigns a unique address of the form "mem:N" on the hub.
func (m *Memory) Listen(addr string, h Handler) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.closed {
		return opError("listen", addr, net.ErrClosed)
	} else if m.inbox != nil {
		return opError("listen", addr, errors.New("already listening"))
	}
	bound, err := m.hub.bind(addr, m)
	if err != nil {
		return opError("listen", addr, err)
	}
	m.addr = bound
	inbox := make(chan Frame, 64)
	m.inbox = inbox
	m.tasks.Go(func() error {
		for {
			select {
			case f := <-inbox:
				h(f)
			case <-m.done:
				return nil
			}
		}
	})
	return nil
}

// Addr implements part of the [Transport] interface.
func (m *Memory) Addr() string {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.addr
}

// Send implements part of the [Transport] interface.
func (m *Memory) Send(ctx context.Context, target string, data []byte) error {
	m.μ.Lock()
	closed, from := m.closed, m.addr
	m.μ.Unlock()
	if closed {
		return opError("send", target, net.ErrClosed)
	}
	dst := m.hub.lookup(target)
	if dst == nil {
		return opError("send", target, ErrUnreachable)
	}
	if err := dst.deliver(ctx, Frame{Data: bytes.Clone(data), From: from}); err != nil {
		return opError("send", target, err)
	}
	return nil
}

// Close implements part of the [Transport] interface.
func (m *Memory) Close() error {
	m.μ.Lock()
	if m.closed {
		m.μ.Unlock()
		return nil
	}
	m.closed = true
	if m.inbox != nil {
		m.hub.unbind(m.addr)
	}
	close(m.done)
	m.μ.Unlock()
	m.tasks.Wait()
	return nil
}

// deliver queues f for the handler of m. A transport closed while the send
// is blocked reports ErrUnreachable.
func (m *Memory) deliver(ctx context.Context, f Frame) error {
	m.μ.Lock()
	inbox, closed := m.inbox, m.closed
	m.μ.Unlock()
	if closed || inbox == nil {
		return ErrUnreachable
	}
	select {
	case inbox <- f:
		return nil
	case <-m.done:
		return ErrUnreachable
	case <-ctx.Done():
		return ctx.Err()
	}
}
