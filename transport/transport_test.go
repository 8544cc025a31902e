// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/murmur/transport"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
)

// collect returns a handler that forwards frames to a channel.
func collect() (transport.Handler, <-chan transport.Frame) {
	ch := make(chan transport.Frame, 16)
	return func(f transport.Frame) { ch <- f }, ch
}

// echo returns a handler that sends each frame back to its sender on t,
// prefixed by "re:".
func echo(t *testing.T, tr transport.Transport) transport.Handler {
	return func(f transport.Frame) {
		if err := tr.Send(context.Background(), f.From, append([]byte("re:"), f.Data...)); err != nil {
			t.Errorf("Reply to %q: %v", f.From, err)
		}
	}
}

func recv(t *testing.T, ch <-chan transport.Frame) transport.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a frame")
	}
	panic("unreachable")
}

func roundTrip(t *testing.T, srv, cli transport.Transport) {
	t.Helper()
	if err := srv.Listen(listenAddr(srv), echo(t, srv)); err != nil {
		t.Fatalf("Server listen: %v", err)
	}
	h, got := collect()
	if err := cli.Listen(listenAddr(cli), h); err != nil {
		t.Fatalf("Client listen: %v", err)
	}
	ctx := context.Background()
	for _, msg := range []string{"ping", "pong", "bing"} {
		if err := cli.Send(ctx, srv.Addr(), []byte(msg)); err != nil {
			t.Fatalf("Send %q: %v", msg, err)
		}
		f := recv(t, got)
		if want := "re:" + msg; string(f.Data) != want {
			t.Errorf("Reply: got %q, want %q", f.Data, want)
		}
	}
}

func listenAddr(tr transport.Transport) string {
	if tr.Kind() == "memory" {
		return ""
	}
	return "127.0.0.1:0"
}

func TestTCP(t *testing.T) {
	defer leaktest.Check(t)()

	srv := transport.NewTCP(transport.TCPOptions{})
	cli := transport.NewTCP(transport.TCPOptions{})
	defer srv.Close()
	defer cli.Close()

	roundTrip(t, srv, cli)

	// All three exchanges should have shared one connection in each direction.
	if n := cli.Conns(); n != 1 {
		t.Errorf("Client connections: got %d, want 1", n)
	}
	if n := srv.Conns(); n != 1 {
		t.Errorf("Server connections: got %d, want 1", n)
	}

	if err := cli.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Errorf("Close again: unexpected error: %v", err)
	}
	err := cli.Send(context.Background(), srv.Addr(), []byte("late"))
	if !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send after close: got %v, want %v", err, net.ErrClosed)
	}
}

func TestTCPDialError(t *testing.T) {
	defer leaktest.Check(t)()

	// Find an address with nothing listening on it.
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := lst.Addr().String()
	lst.Close()

	cli := transport.NewTCP(transport.TCPOptions{DialTimeout: time.Second})
	defer cli.Close()

	err = cli.Send(context.Background(), addr, []byte("hello?"))
	var te *transport.Error
	if !errors.As(err, &te) {
		t.Fatalf("Send: got %v, want *transport.Error", err)
	}
	if te.Op != "dial" || te.Target != addr {
		t.Errorf("Send: got op %q target %q, want dial %q", te.Op, te.Target, addr)
	}

	// The failed connection must not stay in the cache.
	if n := cli.Conns(); n != 0 {
		t.Errorf("Connections after failed dial: got %d, want 0", n)
	}
}

func TestTCPMaxConns(t *testing.T) {
	defer leaktest.Check(t)()

	var srvs []*transport.TCP
	for range 2 {
		s := transport.NewTCP(transport.TCPOptions{})
		defer s.Close()
		h, _ := collect()
		if err := s.Listen("127.0.0.1:0", h); err != nil {
			t.Fatalf("Listen: %v", err)
		}
		srvs = append(srvs, s)
	}

	cli := transport.NewTCP(transport.TCPOptions{MaxConns: 1})
	defer cli.Close()
	ctx := context.Background()
	if err := cli.Send(ctx, srvs[0].Addr(), []byte("a")); err != nil {
		t.Fatalf("Send 1: %v", err)
	}
	if err := cli.Send(ctx, srvs[1].Addr(), []byte("b")); !errors.Is(err, transport.ErrTooManyConns) {
		t.Errorf("Send 2: got %v, want %v", err, transport.ErrTooManyConns)
	}
	// The existing connection is still usable.
	if err := cli.Send(ctx, srvs[0].Addr(), []byte("c")); err != nil {
		t.Errorf("Send 3: %v", err)
	}
}

func TestTCPMaxConnsConcurrent(t *testing.T) {
	defer leaktest.Check(t)()

	const numServers = 6
	var addrs []string
	for range numServers {
		s := transport.NewTCP(transport.TCPOptions{})
		defer s.Close()
		if err := s.Listen("127.0.0.1:0", func(transport.Frame) {}); err != nil {
			t.Fatalf("Listen: %v", err)
		}
		addrs = append(addrs, s.Addr())
	}

	cli := transport.NewTCP(transport.TCPOptions{MaxConns: 2})
	defer cli.Close()

	var μ sync.Mutex
	var ok, refused int
	g := taskgroup.New(nil)
	for _, addr := range addrs {
		g.Go(func() error {
			err := cli.Send(context.Background(), addr, []byte("x"))
			μ.Lock()
			defer μ.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, transport.ErrTooManyConns):
				refused++
			default:
				t.Errorf("Send %q: %v", addr, err)
			}
			return nil
		})
	}
	g.Wait()

	if ok != 2 || refused != numServers-2 {
		t.Errorf("Sends: got %d ok, %d refused; want 2, %d", ok, refused, numServers-2)
	}
	if n := cli.Conns(); n > 2 {
		t.Errorf("Connections: got %d, want at most 2", n)
	}
}

func TestTCPPeerClose(t *testing.T) {
	defer leaktest.Check(t)()

	srv := transport.NewTCP(transport.TCPOptions{})
	h, got := collect()
	if err := srv.Listen("127.0.0.1:0", h); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	cli := transport.NewTCP(transport.TCPOptions{})
	defer cli.Close()

	if err := cli.Send(context.Background(), srv.Addr(), []byte("x")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	recv(t, got)
	srv.Close()

	// When the remote end goes away, the client connection is evicted.
	deadline := time.Now().Add(5 * time.Second)
	for cli.Conns() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Connection was not evicted after the peer closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUDP(t *testing.T) {
	defer leaktest.Check(t)()

	srv := transport.NewUDP()
	cli := transport.NewUDP()
	defer srv.Close()
	defer cli.Close()

	roundTrip(t, srv, cli)

	big := make([]byte, transport.MaxDatagram+1)
	if err := cli.Send(context.Background(), srv.Addr(), big); !errors.Is(err, transport.ErrFrameTooLarge) {
		t.Errorf("Send oversized: got %v, want %v", err, transport.ErrFrameTooLarge)
	}
}

func TestUDPLazyBind(t *testing.T) {
	defer leaktest.Check(t)()

	srv := transport.NewUDP()
	defer srv.Close()
	h, got := collect()
	if err := srv.Listen("127.0.0.1:0", h); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	cli := transport.NewUDP()
	defer cli.Close()
	if a := cli.Addr(); a != "" {
		t.Errorf("Addr before send: got %q, want empty", a)
	}
	if err := cli.Send(context.Background(), srv.Addr(), []byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	f := recv(t, got)
	if string(f.Data) != "hi" {
		t.Errorf("Frame: got %q, want hi", f.Data)
	}
	if cli.Addr() == "" {
		t.Error("Addr after send: got empty, want bound address")
	}
}

func TestMemory(t *testing.T) {
	defer leaktest.Check(t)()

	hub := transport.NewHub()
	srv, cli := hub.Transport(), hub.Transport()
	defer srv.Close()
	defer cli.Close()

	roundTrip(t, srv, cli)

	if err := cli.Send(context.Background(), "mem:nonesuch", nil); !errors.Is(err, transport.ErrUnreachable) {
		t.Errorf("Send to unbound: got %v, want %v", err, transport.ErrUnreachable)
	}

	// After a transport closes, its address is no longer reachable.
	addr := srv.Addr()
	srv.Close()
	if err := cli.Send(context.Background(), addr, []byte("x")); !errors.Is(err, transport.ErrUnreachable) {
		t.Errorf("Send to closed: got %v, want %v", err, transport.ErrUnreachable)
	}
}

func TestMemoryCloseBlocked(t *testing.T) {
	defer leaktest.Check(t)()

	hub := transport.NewHub()
	srv, cli := hub.Transport(), hub.Transport()
	defer cli.Close()

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	if err := srv.Listen("", func(transport.Frame) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := srv.Addr()
	ctx := context.Background()

	// Occupy the handler, then fill the inbox so the next send blocks.
	if err := cli.Send(ctx, addr, []byte("first")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-entered
	for i := 0; ; i++ {
		sctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		err := cli.Send(sctx, addr, []byte("fill"))
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			break
		} else if err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	errc := make(chan error, 1)
	go func() { errc <- cli.Send(ctx, addr, []byte("blocked")) }()

	closed := make(chan struct{})
	go func() { defer close(closed); srv.Close() }()

	if err := <-errc; !errors.Is(err, transport.ErrUnreachable) {
		t.Errorf("Send during close: got %v, want %v", err, transport.ErrUnreachable)
	}
	close(release)
	<-closed
}

func TestNew(t *testing.T) {
	for _, kind := range []string{"", "tcp", "udp"} {
		tr, err := transport.New(kind)
		if err != nil {
			t.Errorf("New(%q): %v", kind, err)
			continue
		}
		tr.Close()
	}
	if tr, err := transport.New("carrier-pigeon"); err == nil {
		t.Errorf("New: got %v, want error", tr)
	}
}
