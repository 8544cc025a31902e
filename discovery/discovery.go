// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package discovery maps peer names to the addresses where they can be
// reached. Two implementations are provided: [Memory], a registry shared
// within one process, and [Multicast], which gossips over a UDP multicast
// group.
package discovery

import (
	"cmp"
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"time"
)

// A Descriptor describes how to reach a peer.
type Descriptor struct {
	Name          string `json:"name"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Transport     string `json:"transport,omitempty"`
	Codec         string `json:"codec,omitempty"`
	CallTimeoutMS int    `json:"callTimeoutMs,omitempty"`
	MaxRetries    int    `json:"maxRetries,omitempty"`

	// LastSeen records when the descriptor was last announced. It is set by
	// discovery implementations and is not exchanged between peers.
	LastSeen time.Time `json:"-"`
}

// Addr returns the transport address of d.
func (d Descriptor) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Check reports an error if d is not a valid descriptor.
func (d Descriptor) Check() error {
	if d.Name == "" {
		return errors.New("descriptor has no name")
	} else if d.Port < 0 || d.Port > 65535 {
		return errors.New("descriptor port out of range")
	}
	return nil
}

// ErrClosed is reported by operations on a discovery that has been closed.
var ErrClosed = errors.New("discovery is closed")

// Discovery is the interface to a peer directory.
type Discovery interface {
	// Register adds or replaces the descriptor for d.Name.
	Register(ctx context.Context, d Descriptor) error

	// Unregister removes the descriptor for name, if it was registered
	// through this Discovery. It is not an error if name is not registered.
	Unregister(ctx context.Context, name string) error

	// Resolve reports the descriptor for name, if one is known or can be
	// learned before ctx ends. Failure to find a peer is not an error.
	Resolve(ctx context.Context, name string) (Descriptor, bool)

	// List returns a snapshot of all known descriptors, ordered by name.
	List(ctx context.Context) []Descriptor

	// Close releases any resources held by the discovery.
	Close() error
}

func sortByName(ds []Descriptor) []Descriptor {
	slices.SortFunc(ds, func(a, b Descriptor) int { return cmp.Compare(a.Name, b.Name) })
	return ds
}
