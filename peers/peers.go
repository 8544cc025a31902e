// Package peers provides support code for running and testing nodes.
package peers

import (
	"context"
	"errors"

	"github.com/creachadair/murmur"
	"github.com/creachadair/murmur/discovery"
	"github.com/creachadair/murmur/transport"
	"github.com/creachadair/taskgroup"
)

// Local is a pair of started nodes named "a" and "b", connected by an
// in-memory hub and sharing an in-memory discovery, suitable for testing.
type Local struct {
	A *murmur.Node
	B *murmur.Node

	Hub       *transport.Hub
	Discovery *discovery.Memory
}

// Stop shuts down both the nodes and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	return errors.Join(aerr, berr)
}

// NewLocal creates and starts a pair of in-memory connected nodes with
// default settings. It panics if either node cannot be started.
func NewLocal() *Local { return NewLocalWith(nil) }

// NewLocalWith creates and starts a pair of in-memory connected nodes. If
// setup != nil, it is called to adjust the configuration of each node before
// the node is constructed. The name, network, and discovery are set by
// NewLocalWith. It panics if either node cannot be started.
func NewLocalWith(setup func(*murmur.Config)) *Local {
	loc := &Local{Hub: transport.NewHub(), Discovery: discovery.NewMemory()}
	start := func(name string) *murmur.Node {
		var cfg murmur.Config
		if setup != nil {
			setup(&cfg)
		}
		cfg.Name = name
		cfg.Network = loc.Hub.Transport()
		cfg.Discovery = loc.Discovery
		n, err := murmur.NewNode(cfg)
		if err != nil {
			panic(err)
		}
		if err := n.Start(context.Background()); err != nil {
			panic(err)
		}
		return n
	}
	loc.A = start("a")
	loc.B = start("b")
	return loc
}

// Run starts n and blocks until ctx ends or n is stopped by other means.
// When ctx ends, n is stopped. Run reports the exit status of n.
func Run(ctx context.Context, n *murmur.Node) error {
	if err := n.Start(ctx); err != nil {
		return err
	}

	// A node does not obey a context, so simulate it by stopping the node if
	// ctx ends. The ok channel allows the context watcher to clean up when the
	// node stops before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Stop()
		case <-ok:
			// release the waiter
		}
		return nil
	})
	return n.Wait()
}
