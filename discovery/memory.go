// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package discovery

import (
	"context"
	"sync"
	"time"
)

// Memory is a [Discovery] backed by a local map. A single Memory may be shared
// by several nodes in the same process. The zero value is not ready for use;
// call [NewMemory].
type Memory struct {
	μ      sync.Mutex
	peers  map[string]Descriptor
	closed bool
}

// NewMemory constructs an empty in-memory registry.
func NewMemory() *Memory { return &Memory{peers: make(map[string]Descriptor)} }

// Register implements part of the [Discovery] interface.
func (m *Memory) Register(_ context.Context, d Descriptor) error {
	if err := d.Check(); err != nil {
		return err
	}
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.closed {
		return ErrClosed
	}
	d.LastSeen = time.Now()
	m.peers[d.Name] = d
	return nil
}

// Unregister implements part of the [Discovery] interface.
func (m *Memory) Unregister(_ context.Context, name string) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.peers, name)
	return nil
}

// Resolve implements part of the [Discovery] interface.
func (m *Memory) Resolve(_ context.Context, name string) (Descriptor, bool) {
	m.μ.Lock()
	defer m.μ.Unlock()
	d, ok := m.peers[name]
	return d, ok
}

// List implements part of the [Discovery] interface.
func (m *Memory) List(context.Context) []Descriptor {
	m.μ.Lock()
	defer m.μ.Unlock()
	out := make([]Descriptor, 0, len(m.peers))
	for _, d := range m.peers {
		out = append(out, d)
	}
	return sortByName(out)
}

// Close implements part of the [Discovery] interface. After Close, Register
// reports [ErrClosed]; entries already present remain visible.
func (m *Memory) Close() error {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.closed = true
	return nil
}
