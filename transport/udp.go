// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
)

// MaxDatagram is the largest payload a UDP frame can carry.
const MaxDatagram = 65507

// UDP is a [Transport] in which each frame is one datagram. A single socket
// serves both directions; if Send is called before Listen, the socket is bound
// to an ephemeral port.
type UDP struct {
	tasks *taskgroup.Group

	μ       sync.Mutex
	pc      net.PacketConn
	handler Handler
	closed  bool
}

// NewUDP constructs an unstarted UDP transport.
func NewUDP() *UDP { return &UDP{tasks: taskgroup.New(nil)} }

// Kind implements part of the [Transport] interface.
func (*UDP) Kind() string { return "udp" }

// Listen implements part of the [Transport] interface.
func (u *UDP) Listen(addr string, h Handler) error {
	u.μ.Lock()
	defer u.μ.Unlock()
	if u.closed {
		return opError("listen", addr, net.ErrClosed)
	} else if u.pc != nil {
		return opError("listen", addr, errors.New("already bound"))
	}
	u.handler = h
	return u.bindLocked(addr)
}

// Addr implements part of the [Transport] interface.
func (u *UDP) Addr() string {
	u.μ.Lock()
	defer u.μ.Unlock()
	if u.pc == nil {
		return ""
	}
	return u.pc.LocalAddr().String()
}

// Send implements part of the [Transport] interface. Frames larger than
// [MaxDatagram] bytes are rejected with [ErrFrameTooLarge].
func (u *UDP) Send(ctx context.Context, target string, data []byte) error {
	if len(data) > MaxDatagram {
		return opError("send", target, ErrFrameTooLarge)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return opError("send", target, err)
	}
	pc, err := u.conn()
	if err != nil {
		return opError("send", target, err)
	}
	if _, err := pc.WriteTo(data, raddr); err != nil {
		return opError("send", target, err)
	}
	return nil
}

// Close implements part of the [Transport] interface.
func (u *UDP) Close() error {
	u.μ.Lock()
	if u.closed {
		u.μ.Unlock()
		return nil
	}
	u.closed = true
	pc := u.pc
	u.μ.Unlock()

	var err error
	if pc != nil {
		err = pc.Close()
	}
	u.tasks.Wait()
	return err
}

// conn returns the socket for u, binding an ephemeral one if necessary.
func (u *UDP) conn() (net.PacketConn, error) {
	u.μ.Lock()
	defer u.μ.Unlock()
	if u.closed {
		return nil, net.ErrClosed
	} else if u.pc == nil {
		if err := u.bindLocked(":0"); err != nil {
			return nil, err
		}
	}
	return u.pc, nil
}

func (u *UDP) bindLocked(addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return opError("listen", addr, err)
	}
	u.pc = pc
	u.tasks.Go(func() error {
		buf := make([]byte, MaxDatagram)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) || u.isClosed() {
					return nil
				}
				continue // e.g., ICMP unreachable on some platforms
			}
			if h := u.currentHandler(); h != nil {
				h(Frame{Data: append([]byte(nil), buf[:n]...), From: from.String()})
			}
		}
	})
	return nil
}

func (u *UDP) isClosed() bool {
	u.μ.Lock()
	defer u.μ.Unlock()
	return u.closed
}

func (u *UDP) currentHandler() Handler {
	u.μ.Lock()
	defer u.μ.Unlock()
	return u.handler
}
