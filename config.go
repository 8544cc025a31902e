// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package murmur

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/creachadair/murmur/discovery"
	"github.com/creachadair/murmur/transport"
	"github.com/creachadair/murmur/wire"
)

// RoutePolicy determines what happens when a handler is registered for a
// route that already has one.
type RoutePolicy int

const (
	// RouteReplace replaces the existing handler (last writer wins).
	RouteReplace RoutePolicy = iota

	// RouteReject rejects the new registration with [ErrDuplicateRoute].
	RouteReject
)

func (p RoutePolicy) String() string {
	switch p {
	case RouteReplace:
		return "replace"
	case RouteReject:
		return "reject"
	}
	return fmt.Sprintf("RoutePolicy(%d)", int(p))
}

// ParseRoutePolicy parses the name of a route policy.
func ParseRoutePolicy(s string) (RoutePolicy, error) {
	switch s {
	case "", "replace":
		return RouteReplace, nil
	case "reject":
		return RouteReject, nil
	}
	return 0, fmt.Errorf("unknown route policy %q", s)
}

// Default settings applied by [Config.Validate].
const (
	DefaultHost         = "127.0.0.1"
	DefaultCallTimeout  = 5 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 100 * time.Millisecond
)

// Config carries the settings for a [Node]. The settings are fixed when the
// node is constructed.
type Config struct {
	// Name is the unique name of the node on the mesh (required).
	Name string

	// Host is the address to listen on and advertise (default 127.0.0.1).
	Host string

	// Port is the port to listen on. If 0, an ephemeral port is chosen and
	// the bound port is advertised.
	Port int

	// Transport names the transport kind to construct ("tcp" or "udp").
	// It is ignored if Network is set. Default: "tcp".
	Transport string

	// Network, if set, is the transport used by the node. The node takes
	// ownership and closes it when stopped.
	Network transport.Transport

	// Codec names the codec used to encode outbound envelopes ("json" or
	// "binary"). Inbound envelopes are decoded with whichever codec they
	// were encoded with. Default: "json".
	Codec string

	// CallTimeout is the default deadline for each call attempt.
	CallTimeout time.Duration

	// MaxRetries is the default total number of attempts for a call,
	// including the first. If zero, DefaultMaxRetries is used; a negative
	// value means a single attempt.
	MaxRetries int

	// RetryBackoff is the base delay before a retry. The delay before
	// attempt k+1 is RetryBackoff × 2^k.
	RetryBackoff time.Duration

	// RoutePolicy determines how duplicate route registrations are handled.
	RoutePolicy RoutePolicy

	// MaxPending, if positive, limits the number of outbound calls that may
	// await a response at once.
	MaxPending int

	// Discovery is used to register the node and locate peers. If nil, the
	// node uses a private in-memory registry.
	Discovery discovery.Discovery

	// Logger, if set, receives diagnostic messages from the node.
	Logger *slog.Logger
}

// Validate checks the settings in c and fills in defaults for unset fields.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("node name is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Network == nil {
		switch c.Transport {
		case "", "tcp", "udp":
		default:
			return fmt.Errorf("unknown transport %q", c.Transport)
		}
	}
	if _, err := wire.ForName(c.Codec); err != nil {
		return err
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	} else if c.MaxRetries < 0 {
		c.MaxRetries = 1
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	switch c.RoutePolicy {
	case RouteReplace, RouteReject:
	default:
		return fmt.Errorf("invalid route policy %v", c.RoutePolicy)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}
