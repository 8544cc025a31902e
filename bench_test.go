// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package murmur_test

import (
	"context"
	"testing"

	"github.com/creachadair/murmur"
	"github.com/creachadair/murmur/discovery"
	"github.com/creachadair/murmur/peers"
	"github.com/creachadair/murmur/wire"
)

func noop(context.Context, *wire.Envelope) ([]byte, error) { return nil, nil }

func BenchmarkCall(b *testing.B) {
	var payload = []byte(`"fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?"`)

	b.Run("Memory-noop", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Handle("X", noop)
		runBench(b, loc.B, nil)
	})
	b.Run("Memory-echo", func(b *testing.B) {
		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Handle("X", echo)
		runBench(b, loc.B, payload)
	})
	b.Run("Memory-binary", func(b *testing.B) {
		loc := peers.NewLocalWith(func(cfg *murmur.Config) { cfg.Codec = "binary" })
		defer loc.Stop()

		loc.A.Handle("X", echo)
		runBench(b, loc.B, payload)
	})

	for _, kind := range []string{"tcp", "udp"} {
		b.Run(kind+"-echo", func(b *testing.B) {
			na, nb := netNodes(b, kind)
			na.Handle("X", echo)
			runBench(b, nb, payload)
		})
	}
}

func BenchmarkPublish(b *testing.B) {
	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.Subscribe("T", func(context.Context, *wire.Envelope) error { return nil })
	ctx := context.Background()
	for b.Loop() {
		if err := loc.B.Publish(ctx, "T", []byte(`1`)); err != nil {
			b.Fatal(err)
		}
	}
}

func runBench(b *testing.B, n *murmur.Node, data []byte) {
	b.Helper()
	ctx := context.Background()

	for b.Loop() {
		_, err := n.Call(ctx, "a", "X", data)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func netNodes(tb testing.TB, kind string) (na, nb *murmur.Node) {
	disc := discovery.NewMemory()
	start := func(name string) *murmur.Node {
		n, err := murmur.NewNode(murmur.Config{Name: name, Transport: kind, Discovery: disc})
		if err != nil {
			tb.Fatalf("NewNode: %v", err)
		}
		if err := n.Start(context.Background()); err != nil {
			tb.Fatalf("Start: %v", err)
		}
		return n
	}
	na, nb = start("a"), start("b")
	tb.Cleanup(func() {
		if err := na.Stop(); err != nil {
			tb.Errorf("A stop: %v", err)
		}
		if err := nb.Stop(); err != nil {
			tb.Errorf("B stop: %v", err)
		}
	})
	return
}
