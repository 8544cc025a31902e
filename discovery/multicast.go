// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultGroup is the multicast group address used when none is configured.
const DefaultGroup = "239.255.77.77:41234"

// MulticastOptions are settings for a [Multicast] discovery. A zero value
// provides defaults for all fields.
type MulticastOptions struct {
	// Group is the multicast group address (default [DefaultGroup]).
	Group string

	// AnnounceInterval is the period between heartbeat announcements of
	// registered descriptors (default 5s).
	AnnounceInterval time.Duration

	// DiscoveryTimeout bounds how long Resolve waits for an announcement of
	// an uncached name (default 2s).
	DiscoveryTimeout time.Duration

	// CollectWindow is how long List waits for announcements after sending
	// a query (default 1s).
	CollectWindow time.Duration

	// LeaseIntervals is the number of announce intervals after which a
	// remote descriptor that has not been re-announced is evicted
	// (default 3).
	LeaseIntervals int

	// Conn, if set, is used to send and receive gossip instead of joining
	// the group on a new socket. The Multicast takes ownership of Conn and
	// closes it when the Multicast is closed.
	Conn net.PacketConn

	// Logger, if set, receives diagnostic messages.
	Logger *slog.Logger
}

func (o *MulticastOptions) setDefaults() {
	if o.Group == "" {
		o.Group = DefaultGroup
	}
	if o.AnnounceInterval <= 0 {
		o.AnnounceInterval = 5 * time.Second
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = 2 * time.Second
	}
	if o.CollectWindow <= 0 {
		o.CollectWindow = time.Second
	}
	if o.LeaseIntervals <= 0 {
		o.LeaseIntervals = 3
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// Gossip message types.
const (
	msgQuery    = "discovery"
	msgAnnounce = "service"
)

// message is the JSON shape of a gossip datagram.
type message struct {
	Type    string      `json:"type"`
	Service *Descriptor `json:"service,omitempty"`
}

// Multicast is a [Discovery] that learns about peers by exchanging queries
// and announcements over a UDP multicast group.
//
// Descriptors registered with a Multicast are announced immediately, then
// periodically, and in answer to every query. Descriptors learned from other
// peers are cached, and evicted once they have not been re-announced for
// LeaseIntervals announce periods. Locally registered descriptors are never
// evicted.
type Multicast struct {
	opts  MulticastOptions
	lease time.Duration
	conn  net.PacketConn
	group net.Addr
	log   *slog.Logger

	local   *xsync.MapOf[string, Descriptor]    // registered here
	remote  *xsync.MapOf[string, Descriptor]    // learned from announcements
	waiters *xsync.MapOf[string, *waiter]       // pending lookups by name

	tasks  *taskgroup.Group
	stop   context.CancelFunc
	closed atomic.Bool
}

// NewMulticast constructs a multicast discovery and starts its background
// reader and heartbeat. The caller must call Close when it is no longer
// needed.
func NewMulticast(opts MulticastOptions) (*Multicast, error) {
	opts.setDefaults()
	gaddr, err := net.ResolveUDPAddr("udp4", opts.Group)
	if err != nil {
		return nil, fmt.Errorf("resolve group: %w", err)
	}
	conn := opts.Conn
	if conn == nil {
		uc, err := net.ListenMulticastUDP("udp4", nil, gaddr)
		if err != nil {
			return nil, fmt.Errorf("join group %s: %w", opts.Group, err)
		}
		conn = uc
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Multicast{
		opts:    opts,
		lease:   time.Duration(opts.LeaseIntervals) * opts.AnnounceInterval,
		conn:    conn,
		group:   gaddr,
		log:     opts.Logger,
		local:   xsync.NewMapOf[string, Descriptor](),
		remote:  xsync.NewMapOf[string, Descriptor](),
		waiters: xsync.NewMapOf[string, *waiter](),
		tasks:   taskgroup.New(nil),
		stop:    cancel,
	}
	m.tasks.Go(m.receive)
	m.tasks.Go(func() error { return m.heartbeat(ctx) })
	return m, nil
}

// Register implements part of the [Discovery] interface. The descriptor is
// announced to the group before Register returns.
func (m *Multicast) Register(ctx context.Context, d Descriptor) error {
	if m.closed.Load() {
		return ErrClosed
	} else if err := d.Check(); err != nil {
		return err
	}
	d.LastSeen = time.Now()
	m.local.Store(d.Name, d)
	return m.announce(d)
}

// Unregister implements part of the [Discovery] interface. The descriptor is
// no longer announced; peers that cached it will evict it when its lease
// expires.
func (m *Multicast) Unregister(_ context.Context, name string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.local.Delete(name)
	return nil
}

// Resolve implements part of the [Discovery] interface. If name is not
// cached, Resolve sends a query and waits up to the discovery timeout for an
// announcement of name.
func (m *Multicast) Resolve(ctx context.Context, name string) (Descriptor, bool) {
	if d, ok := m.lookup(name); ok {
		return d, true
	} else if m.closed.Load() {
		return Descriptor{}, false
	}

	w := m.addWaiter(name)
	defer m.dropWaiter(name, w)

	// Check again, in case an announcement arrived before the waiter was
	// installed.
	if d, ok := m.lookup(name); ok {
		return d, true
	}
	if err := m.send(message{Type: msgQuery}); err != nil {
		m.log.Debug("discovery query failed", "error", err)
	}
	timer := time.NewTimer(m.opts.DiscoveryTimeout)
	defer timer.Stop()
	select {
	case <-w.ready:
		return m.lookup(name)
	case <-timer.C:
	case <-ctx.Done():
	}
	return Descriptor{}, false
}

// List implements part of the [Discovery] interface. It sends a query and
// collects announcements until the collection window closes or ctx ends.
func (m *Multicast) List(ctx context.Context) []Descriptor {
	if !m.closed.Load() {
		if err := m.send(message{Type: msgQuery}); err != nil {
			m.log.Debug("discovery query failed", "error", err)
		}
		timer := time.NewTimer(m.opts.CollectWindow)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	now := time.Now()
	var out []Descriptor
	m.local.Range(func(_ string, d Descriptor) bool {
		out = append(out, d)
		return true
	})
	m.remote.Range(func(name string, d Descriptor) bool {
		if _, ok := m.local.Load(name); !ok && m.live(d, now) {
			out = append(out, d)
		}
		return true
	})
	return sortByName(out)
}

// Close implements part of the [Discovery] interface.
func (m *Multicast) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.stop()
	err := m.conn.Close()
	m.tasks.Wait()
	m.waiters.Range(func(name string, _ *waiter) bool {
		m.wake(name)
		return true
	})
	return err
}

// A waiter is shared by the concurrent lookups of one name.
type waiter struct {
	ready chan struct{} // closed when the name is announced
	refs  int           // guarded by the map entry
}

// addWaiter returns the waiter for name, creating it if necessary, and adds
// a reference to it.
func (m *Multicast) addWaiter(name string) *waiter {
	w, _ := m.waiters.Compute(name, func(old *waiter, loaded bool) (*waiter, bool) {
		if !loaded {
			old = &waiter{ready: make(chan struct{})}
		}
		old.refs++
		return old, false
	})
	return w
}

// dropWaiter releases a reference to w, and removes it when the last
// reference is gone if it is still the waiter for name.
func (m *Multicast) dropWaiter(name string, w *waiter) {
	m.waiters.Compute(name, func(old *waiter, loaded bool) (*waiter, bool) {
		if !loaded || old != w {
			return old, !loaded
		}
		old.refs--
		return old, old.refs == 0
	})
}

// wake removes the waiter for name, if any, and releases its lookups.
func (m *Multicast) wake(name string) {
	if w, ok := m.waiters.LoadAndDelete(name); ok {
		close(w.ready)
	}
}

// lookup reports the live descriptor for name, preferring a local one.
func (m *Multicast) lookup(name string) (Descriptor, bool) {
	if d, ok := m.local.Load(name); ok {
		return d, true
	}
	if d, ok := m.remote.Load(name); ok && m.live(d, time.Now()) {
		return d, true
	}
	return Descriptor{}, false
}

// live reports whether the lease on remote descriptor d is current at now.
func (m *Multicast) live(d Descriptor, now time.Time) bool {
	return now.Sub(d.LastSeen) <= m.lease
}

// sweep evicts remote descriptors whose leases have expired.
func (m *Multicast) sweep(now time.Time) {
	m.remote.Range(func(name string, _ Descriptor) bool {
		m.remote.Compute(name, func(old Descriptor, loaded bool) (Descriptor, bool) {
			expired := loaded && !m.live(old, now)
			if expired {
				m.log.Debug("evicted peer", "name", name, "lastSeen", old.LastSeen)
			}
			return old, !loaded || expired
		})
		return true
	})
}

func (m *Multicast) announce(d Descriptor) error {
	return m.send(message{Type: msgAnnounce, Service: &d})
}

func (m *Multicast) announceAll() {
	m.local.Range(func(_ string, d Descriptor) bool {
		if err := m.announce(d); err != nil {
			m.log.Debug("announce failed", "name", d.Name, "error", err)
		}
		return true
	})
}

func (m *Multicast) send(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = m.conn.WriteTo(data, m.group)
	return err
}

// heartbeat announces local descriptors and sweeps expired remote ones once
// per announce interval until ctx ends.
func (m *Multicast) heartbeat(ctx context.Context) error {
	t := time.NewTicker(m.opts.AnnounceInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			m.announceAll()
			m.sweep(now)
		}
	}
}

// receive reads gossip from the group until the connection is closed.
func (m *Multicast) receive() error {
	buf := make([]byte, 64<<10)
	for {
		n, from, err := m.conn.ReadFrom(buf)
		if err != nil {
			if m.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			m.log.Debug("gossip read failed", "error", err)
			continue
		}
		m.handle(buf[:n], from)
	}
}

func (m *Multicast) handle(data []byte, from net.Addr) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		m.log.Debug("dropped invalid gossip", "from", from, "error", err)
		return
	}
	switch msg.Type {
	case msgQuery:
		m.announceAll()

	case msgAnnounce:
		if msg.Service == nil || msg.Service.Check() != nil {
			m.log.Debug("dropped invalid announcement", "from", from)
			return
		}
		d := *msg.Service
		if _, ok := m.local.Load(d.Name); ok {
			return // our own, or a conflicting claim on a local name
		}
		d.LastSeen = time.Now()
		m.remote.Store(d.Name, d)
		m.wake(d.Name)

	default:
		m.log.Debug("dropped unknown gossip", "type", msg.Type, "from", from)
	}
}
