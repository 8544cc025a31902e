// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/puzpuzpuz/xsync/v3"
)

// TCPOptions are settings for a [TCP] transport. A zero value is ready for
// use and provides defaults for all fields.
type TCPOptions struct {
	// DialTimeout bounds how long opening a connection may take.
	// If zero, a default of 5 seconds is used.
	DialTimeout time.Duration

	// MaxConns, if positive, limits the number of cached connections
	// (inbound and outbound together).
	MaxConns int

	// ReadBufferSize is the size of the buffer used for each read, and thus
	// the largest frame that can be received in one piece.
	// If zero, a default of 64KiB is used.
	ReadBufferSize int
}

func (o TCPOptions) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return 5 * time.Second
}

func (o TCPOptions) readBufferSize() int {
	if o.ReadBufferSize > 0 {
		return o.ReadBufferSize
	}
	return 64 << 10
}

// TCP is a [Transport] that keeps one connection per distinct target address
// and reuses it for every send to that target while it remains alive.
//
// Connections accepted by the listener are cached under the remote address
// of the peer, which is reported as the From address of their frames, so that
// replies travel back on the same connection.
type TCP struct {
	opts  TCPOptions
	conns *xsync.MapOf[string, *tcpConn]
	tasks *taskgroup.Group
	ctx   context.Context    // governs dials
	stop  context.CancelFunc // cancels ctx

	μ       sync.Mutex
	lst     net.Listener
	handler Handler
	closed  bool
}

// NewTCP constructs an unstarted TCP transport.
func NewTCP(opts TCPOptions) *TCP {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCP{
		opts:  opts,
		conns: xsync.NewMapOf[string, *tcpConn](),
		tasks: taskgroup.New(nil),
		ctx:   ctx,
		stop:  cancel,
	}
}

// Kind implements part of the [Transport] interface.
func (*TCP) Kind() string { return "tcp" }

// Listen implements part of the [Transport] interface.
func (t *TCP) Listen(addr string, h Handler) error {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.closed {
		return opError("listen", addr, net.ErrClosed)
	} else if t.lst != nil {
		return opError("listen", addr, errors.New("already listening"))
	}
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return opError("listen", addr, err)
	}
	t.lst = lst
	t.handler = h
	t.tasks.Go(func() error {
		for {
			nc, err := lst.Accept()
			if err != nil {
				return nil // listener closed
			}
			t.accept(nc)
		}
	})
	return nil
}

// Addr implements part of the [Transport] interface.
func (t *TCP) Addr() string {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.lst == nil {
		return ""
	}
	return t.lst.Addr().String()
}

// Conns reports the number of connections currently cached by t.
func (t *TCP) Conns() int { return t.conns.Size() }

// Send implements part of the [Transport] interface. If no live connection to
// target is cached, Send opens one and caches it.
func (t *TCP) Send(ctx context.Context, target string, data []byte) error {
	for {
		c, err := t.connFor(target)
		if err != nil {
			return err
		}
		select {
		case <-c.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if c.err != nil {
			return opError("dial", target, c.err)
		}
		err = c.send(ctx, data)
		if errors.Is(err, errStale) {
			continue // the connection closed before our write began; redial
		} else if err != nil {
			return opError("send", target, err)
		}
		return nil
	}
}

// Close implements part of the [Transport] interface.
func (t *TCP) Close() error {
	t.μ.Lock()
	if t.closed {
		t.μ.Unlock()
		return nil
	}
	t.closed = true
	lst := t.lst
	t.μ.Unlock()

	t.stop()
	if lst != nil {
		lst.Close()
	}
	t.conns.Range(func(_ string, c *tcpConn) bool {
		c.shutdown()
		return true
	})
	t.tasks.Wait()
	return nil
}

func (t *TCP) currentHandler() Handler {
	t.μ.Lock()
	defer t.μ.Unlock()
	return t.handler
}

// connFor returns the cached connection for target, creating and dialing a
// new one if necessary.
func (t *TCP) connFor(target string) (*tcpConn, error) {
	if c, ok := t.conns.Load(target); ok && c.usable() {
		return c, nil
	}

	// New entries are added only while t.μ is held, so the limit holds
	// against concurrent dials and accepts.
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.closed {
		return nil, opError("send", target, net.ErrClosed)
	}
	if _, ok := t.conns.Load(target); !ok && t.opts.MaxConns > 0 && t.conns.Size() >= t.opts.MaxConns {
		return nil, opError("dial", target, ErrTooManyConns)
	}
	fresh := false
	c, _ := t.conns.Compute(target, func(old *tcpConn, loaded bool) (*tcpConn, bool) {
		if loaded && old.usable() {
			return old, false
		}
		fresh = true
		return newTCPConn(t, target), false
	})
	if fresh {
		t.tasks.Go(func() error { c.dial(); return nil })
	}
	return c, nil
}

// accept caches and starts an inbound connection.
func (t *TCP) accept(nc net.Conn) {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.closed || (t.opts.MaxConns > 0 && t.conns.Size() >= t.opts.MaxConns) {
		nc.Close()
		return
	}
	c := newTCPConn(t, nc.RemoteAddr().String())
	t.conns.Store(c.key, c)
	c.open(nc)
}

// evict removes c from the cache, if it is still the cached connection for
// its key.
func (t *TCP) evict(c *tcpConn) {
	t.conns.Compute(c.key, func(old *tcpConn, loaded bool) (*tcpConn, bool) {
		return old, loaded && old == c
	})
}

// connState is the lifecycle state of a TCP connection.
//
//	Connecting → Open → Closing → Closed
//	Connecting → Closed   (dial failed)
type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "Connecting"
	case stateOpen:
		return "Open"
	case stateClosing:
		return "Closing"
	case stateClosed:
		return "Closed"
	}
	return "Invalid"
}

// errStale is reported by a send to a connection that closed before the
// write was handed to its writer.
var errStale = errors.New("connection closed")

// A tcpConn is one cached connection. Transitions out of Open happen only in
// the writer routine, in response to messages on sendq and stop.
type tcpConn struct {
	t     *TCP
	key   string
	state atomic.Int32

	ready chan struct{} // closed when the state leaves Connecting
	err   error         // dial error, valid once ready is closed
	nc    net.Conn      // valid once ready is closed, if err == nil

	sendq    chan sendOp
	stop     chan struct{} // closed to request Closing
	stopOnce sync.Once
	done     chan struct{} // closed on reaching Closed
}

type sendOp struct {
	data []byte
	errc chan error // buffered, receives the write result
}

func newTCPConn(t *TCP, key string) *tcpConn {
	return &tcpConn{
		t:     t,
		key:   key,
		ready: make(chan struct{}),
		sendq: make(chan sendOp),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (c *tcpConn) getState() connState { return connState(c.state.Load()) }

// usable reports whether c can still carry a send.
func (c *tcpConn) usable() bool {
	s := c.getState()
	return s == stateConnecting || s == stateOpen
}

// dial opens the outbound socket for c. It runs in its own task.
func (c *tcpConn) dial() {
	d := net.Dialer{Timeout: c.t.opts.dialTimeout()}
	nc, err := d.DialContext(c.t.ctx, "tcp", c.key)
	if err != nil {
		c.err = err
		c.state.Store(int32(stateClosed))
		c.t.evict(c)
		close(c.done)
		close(c.ready)
		return
	}
	c.open(nc)
}

// open moves c to Open and starts its reader and writer.
func (c *tcpConn) open(nc net.Conn) {
	c.nc = nc
	c.state.Store(int32(stateOpen))
	close(c.ready)
	c.t.tasks.Go(c.write)
	c.t.tasks.Go(c.read)
}

// shutdown requests that c move to Closing. It is safe to call more than once.
func (c *tcpConn) shutdown() { c.stopOnce.Do(func() { close(c.stop) }) }

// send hands data to the writer for c and waits for the result.
func (c *tcpConn) send(ctx context.Context, data []byte) error {
	op := sendOp{data: data, errc: make(chan error, 1)}
	select {
	case c.sendq <- op:
	case <-c.done:
		return errStale
	case <-c.stop:
		return errStale
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.errc:
		return err
	case <-ctx.Done():
		// The write is not aborted; its result is discarded.
		return ctx.Err()
	}
}

// write is the writer routine for c. It owns all writes to the socket and
// drives the transition from Open to Closing to Closed.
func (c *tcpConn) write() error {
	defer func() {
		c.state.Store(int32(stateClosing))
		c.nc.Close()
		c.t.evict(c)
		c.state.Store(int32(stateClosed))
		close(c.done)
	}()
	for {
		select {
		case op := <-c.sendq:
			_, err := c.nc.Write(op.data)
			op.errc <- err
			if err != nil {
				return nil
			}
		case <-c.stop:
			return nil
		}
	}
}

// read is the reader routine for c. Each successful read is one frame.
func (c *tcpConn) read() error {
	defer c.shutdown()
	buf := make([]byte, c.t.opts.readBufferSize())
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			if h := c.t.currentHandler(); h != nil {
				h(Frame{Data: bytes.Clone(buf[:n]), From: c.key})
			}
		}
		if err != nil {
			return nil
		}
	}
}
