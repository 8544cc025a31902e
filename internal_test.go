// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package murmur

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/murmur/discovery"
	"github.com/creachadair/murmur/transport"
	"github.com/creachadair/murmur/wire"
)

func TestBackoff(t *testing.T) {
	const base = 100 * time.Millisecond
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, base},
		{0, base},
		{1, 2 * base},
		{2, 4 * base},
		{5, 32 * base},
		{maxBackoffShift, base << maxBackoffShift},
		{maxBackoffShift + 10, base << maxBackoffShift},
	}
	for _, tc := range tests {
		if got := backoff(base, tc.attempt); got != tc.want {
			t.Errorf("backoff(%v, %d): got %v, want %v", base, tc.attempt, got, tc.want)
		}
	}
}

func TestCorrelator(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := newCorrelator(2)

		// A response is delivered to the matching entry and removes it.
		call := wire.New(wire.KindCall, "a", "x", nil)
		ch, err := c.add(call.ID, time.Second)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if !c.deliver(call.Reply("b", wire.StatusOK, []byte("ok"))) {
			t.Error("deliver: got false, want true")
		}
		if rsp, ok := <-ch; !ok || string(rsp.Payload) != "ok" {
			t.Errorf("Response: got (%v, %v), want ok", rsp, ok)
		}
		if c.has(call.ID) {
			t.Errorf("Entry %q remains after delivery", call.ID)
		}

		// A second response for the same ID is dropped.
		if c.deliver(call.Reply("b", wire.StatusOK, nil)) {
			t.Error("deliver duplicate: got true, want false")
		}

		// An entry that is not answered expires at its deadline.
		start := time.Now()
		ch, err = c.add("slow", 50*time.Millisecond)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if _, ok := <-ch; ok {
			t.Error("Expired entry delivered a value")
		}
		if d := time.Since(start); d != 50*time.Millisecond {
			t.Errorf("Expiry after %v, want 50ms", d)
		}
		if c.has("slow") || c.len() != 0 {
			t.Errorf("Expired entry remains (len=%d)", c.len())
		}

		// A late response is dropped.
		late := &wire.Envelope{ID: "slow", Kind: wire.KindResponse}
		if c.deliver(late) {
			t.Error("deliver late: got true, want false")
		}

		// The limit applies to outstanding entries.
		c.add("p", time.Minute)
		c.add("q", time.Minute)
		if _, err := c.add("r", time.Minute); !errors.Is(err, ErrTooManyPending) {
			t.Errorf("add over limit: got %v, want %v", err, ErrTooManyPending)
		}
		if !c.remove("p") || c.remove("p") {
			t.Error("remove: wrong result")
		}
		mtest.MustPanic(t, func() { c.add("q", time.Minute) })

		// Closing ends all the entries, and no more are accepted.
		qch, _ := c.add("s", time.Minute)
		c.close()
		if _, ok := <-qch; ok {
			t.Error("Closed entry delivered a value")
		}
		if !c.isClosed() || c.len() != 0 {
			t.Errorf("After close: closed=%v len=%d", c.isClosed(), c.len())
		}
		if _, err := c.add("t", time.Minute); !errors.Is(err, ErrStopped) {
			t.Errorf("add after close: got %v, want %v", err, ErrStopped)
		}
	})
}

func TestTimeoutClearsPending(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		hub := transport.NewHub()
		disc := discovery.NewMemory()

		// The target accepts frames and never replies.
		mute := hub.Transport()
		if err := mute.Listen("", func(transport.Frame) {}); err != nil {
			t.Fatalf("Listen: %v", err)
		}
		defer mute.Close()
		host, sport, _ := net.SplitHostPort(mute.Addr())
		port, _ := strconv.Atoi(sport)
		disc.Register(context.Background(), discovery.Descriptor{Name: "mute", Host: host, Port: port})

		n, err := NewNode(Config{Name: "caller", Network: hub.Transport(), Discovery: disc})
		if err != nil {
			t.Fatalf("NewNode: %v", err)
		}
		if err := n.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer n.Stop()

		start := time.Now()
		_, err = n.Call(context.Background(), "mute", "x", nil,
			WithTimeout(50*time.Millisecond), WithMaxRetries(1))
		var ce *CallError
		if !errors.As(err, &ce) || !errors.Is(err, ErrTimeout) {
			t.Fatalf("Call: got %v, want timeout", err)
		}
		if d := time.Since(start); d != 50*time.Millisecond {
			t.Errorf("Call took %v, want 50ms", d)
		}
		if n.pending.has(ce.CallID) {
			t.Errorf("Call %q is still pending after timeout", ce.CallID)
		}
		if got := ce.Error(); got != "INTERNAL_ERROR: timed out" {
			t.Errorf("Error: got %q, want timeout", got)
		}
	})
}

func TestMaxPending(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		hub := transport.NewHub()
		disc := discovery.NewMemory()

		n, err := NewNode(Config{Name: "self", Network: hub.Transport(), Discovery: disc, MaxPending: 1})
		if err != nil {
			t.Fatalf("NewNode: %v", err)
		}
		if err := n.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer n.Stop()

		release := make(chan struct{})
		n.Handle("wait", func(context.Context, *wire.Envelope) ([]byte, error) {
			<-release
			return nil, nil
		})

		errc := make(chan error, 1)
		go func() {
			_, err := n.Call(context.Background(), "self", "wait", nil)
			errc <- err
		}()
		synctest.Wait()

		_, err = n.Call(context.Background(), "self", "wait", nil)
		if !errors.Is(err, ErrTooManyPending) {
			t.Errorf("Call over limit: got %v, want %v", err, ErrTooManyPending)
		}
		close(release)
		if err := <-errc; err != nil {
			t.Errorf("First call: %v", err)
		}
	})
}

func TestCallError(t *testing.T) {
	rsp := wire.New(wire.KindCall, "a", "x", nil).Reply("b", wire.StatusNotFound, errorPayload("no way"))
	tests := []struct {
		err  *CallError
		want string
	}{
		{responseError("id", rsp), "NOT_FOUND: no way"},
		{&CallError{Status: wire.StatusInternalError, Err: ErrStopped}, "node stopped"},
		{&CallError{Status: wire.StatusBadRequest}, "BAD_REQUEST"},
		{responseError("id", &wire.Envelope{Status: wire.StatusInternalError, Payload: []byte("raw text")}),
			"INTERNAL_ERROR: raw text"},
	}
	for _, tc := range tests {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error: got %q, want %q", got, tc.want)
		}
	}

	if got := StatusOf(nil); got != wire.StatusOK {
		t.Errorf("StatusOf(nil): got %v, want OK", got)
	}
	if got := StatusOf(errors.New("x")); got != wire.StatusInternalError {
		t.Errorf("StatusOf(plain): got %v, want INTERNAL_ERROR", got)
	}
	if got := StatusOf(responseError("id", rsp)); got != wire.StatusNotFound {
		t.Errorf("StatusOf(CallError): got %v, want NOT_FOUND", got)
	}
}
