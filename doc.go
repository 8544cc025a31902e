// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package murmur implements a broker-less mesh of nodes on a local network.
//
// Nodes exchange two kinds of messages: correlated request/response calls,
// and fire-and-forget events published on a topic. There is no central
// broker. Each node registers itself with a discovery service, locates its
// peers by name, and exchanges envelopes with them over a transport.
//
// # Nodes
//
// The core type defined by this package is the [Node]. To create a node:
//
//	n, err := murmur.NewNode(murmur.Config{Name: "a", Port: 9000})
//	if err != nil {
//	   log.Fatalf("NewNode: %v", err)
//	}
//
// To start serving, call the Start method:
//
//	if err := n.Start(ctx); err != nil {
//	   log.Fatalf("Start: %v", err)
//	}
//
// The node runs until [Node.Stop] is called. Call [Node.Wait] to wait for the
// node to exit and return its status.
//
// Nodes that should find one another must share a discovery. The
// [discovery.Memory] registry serves nodes in one process; for separate
// processes use [discovery.Multicast].
//
// # Calls
//
// A call is an exchange between two nodes, consisting of a call envelope and
// a corresponding response. To define handlers for inbound calls, use the
// [Node.Handle] method to register a handler for a route name:
//
//	func echo(ctx context.Context, env *wire.Envelope) ([]byte, error) {
//	   return env.Payload, nil
//	}
//
//	n.Handle("echo", echo)
//
// To issue a call to another node, use the [Node.Call] method:
//
//	rsp, err := n.Call(ctx, "b", "echo", []byte(`"some data"`))
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// Each attempt of a call has a deadline, and a call whose attempt times out
// or cannot be sent is retried with exponential backoff. Errors returned by
// Call have concrete type [*CallError], and carry a [wire.Status].
//
// A handler may call other nodes. To do so, it uses [ContextNode] to obtain
// the local node, and calls its [Node.Call] method.
//
// # Events
//
// To receive events, subscribe a handler to a topic:
//
//	sub := n.Subscribe("notifications", func(ctx context.Context, env *wire.Envelope) error {
//	   log.Printf("Got %s", env.Payload)
//	   return nil
//	})
//
// Any number of handlers may subscribe to a topic. To publish an event to
// every known peer and to the local subscribers, use [Node.Publish]. Event
// handler failures are isolated from one another, and are reported through
// [Node.OnFault].
//
// # Local Calls
//
// To invoke a handler directly on the local node, use [Node.Exec]. Exec does
// not send any envelopes.
//
// Package [github.com/creachadair/murmur/handler] adapts typed Go functions
// to handlers. Package [github.com/creachadair/murmur/stream] implements
// calls that yield a stream of responses.
//
// # Metrics
//
// Each node maintains its own collection of metrics. Use the [Node.Metrics]
// method to obtain an [expvar.Map] containing them:
//
//   - frames_received: counter of frames received
//   - frames_sent: counter of frames sent
//   - frames_dropped: counter of frames received and discarded
//   - calls_in: counter of inbound calls received
//   - calls_in_failed: counter of inbound calls resulting in errors
//   - calls_active: gauge of inbound calls currently active
//   - calls_out: counter of outbound calls initiated
//   - calls_out_failed: counter of outbound calls resulting in errors
//   - call_attempts_failed: counter of outbound call attempts that failed
//   - calls_pending: gauge of outbound calls currently pending
//   - events_in: counter of events received from other nodes
//   - events_out: counter of event frames sent to other nodes
//   - event_handler_failures: counter of event handlers that failed
//
// It is safe for the caller to modify the metrics map to add, update, and
// remove entries.
package murmur
