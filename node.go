// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package murmur

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/creachadair/murmur/discovery"
	"github.com/creachadair/murmur/transport"
	"github.com/creachadair/murmur/wire"
	"github.com/creachadair/taskgroup"
)

// An EnvelopeLogger logs an envelope exchanged with another node.
type EnvelopeLogger func(EnvelopeInfo)

// An EnvelopeInfo combines an envelope and a flag indicating whether the
// envelope was sent or received.
type EnvelopeInfo struct {
	*wire.Envelope      // the envelope being logged
	Sent           bool // whether the envelope was sent (true) or received (false)
}

func (e EnvelopeInfo) dir() string {
	if e.Sent {
		return "send"
	}
	return "recv"
}

func (e EnvelopeInfo) String() string {
	return fmt.Sprintf("%v %v", e.dir(), e.Envelope)
}

type nodeState int

const (
	stateNew nodeState = iota
	stateRunning
	stateStopped
)

// A Node is one participant in a mesh. It serves calls and events for the
// routes and topics registered on it, and issues calls and publishes events
// to other nodes located through its discovery.
//
// Construct a node with [NewNode] and call Start to begin serving. The node
// runs until Stop is called. A stopped node cannot be restarted.
//
// Handle, Subscribe, and their inverses may be used before or after the node
// starts. All methods of a Node are safe for concurrent use.
type Node struct {
	cfg     Config
	codec   wire.Codec
	net     transport.Transport
	disc    discovery.Discovery
	ownDisc bool // disc was created by the node
	disp    *Dispatcher
	pending *correlator
	faults  Notifier[Fault]
	metrics *nodeMetrics
	log     *slog.Logger

	μ      sync.Mutex
	state  nodeState
	desc   discovery.Descriptor
	tasks  *taskgroup.Group
	ctx    context.Context // governs inbound handlers
	cancel context.CancelFunc
	elog   EnvelopeLogger
	onExit func(error)
	err    error         // status at exit
	done   chan struct{} // closed when the node has stopped
}

// NewNode constructs a new unstarted node with the given configuration.
func NewNode(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	codec, err := wire.ForName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	tr := cfg.Network
	if tr == nil {
		tr, err = transport.New(cfg.Transport)
		if err != nil {
			return nil, err
		}
	}
	n := &Node{
		cfg:     cfg,
		codec:   codec,
		net:     tr,
		disc:    cfg.Discovery,
		pending: newCorrelator(cfg.MaxPending),
		metrics: newNodeMetrics(),
		log:     cfg.Logger.With("node", cfg.Name),
		done:    make(chan struct{}),
	}
	if n.disc == nil {
		n.disc = discovery.NewMemory()
		n.ownDisc = true
	}
	n.disp = NewDispatcher(cfg.RoutePolicy, &n.faults)
	n.faults.Add(func(f Fault) {
		n.log.Debug("fault", "op", f.Op, "peer", f.Peer, "target", f.Target, "id", f.ID, "error", f.Err)
	})
	return n, nil
}

// Name reports the configured name of n.
func (n *Node) Name() string { return n.cfg.Name }

// Addr reports the address n is listening on, or "" if it is not started.
func (n *Node) Addr() string { return n.net.Addr() }

// Descriptor reports the descriptor n registered with its discovery. It is
// the zero value before n starts.
func (n *Node) Descriptor() discovery.Descriptor {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.desc
}

// Metrics returns a metrics map for the node. It is safe for the caller to
// add additional metrics to the map while the node is active.
func (n *Node) Metrics() *expvar.Map { return n.metrics.emap }

// Pending reports the number of outbound call attempts awaiting a response.
func (n *Node) Pending() int { return n.pending.len() }

// Start binds the transport, registers n with its discovery, and begins
// serving inbound frames. Start does not block; call Wait to wait for the
// node to stop.
func (n *Node) Start(ctx context.Context) error {
	n.μ.Lock()
	defer n.μ.Unlock()
	switch n.state {
	case stateRunning:
		return errors.New("node is already started")
	case stateStopped:
		return errors.New("node is stopped")
	}

	laddr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	if err := n.net.Listen(laddr, n.onFrame); err != nil {
		return err
	}
	desc, err := n.describe()
	if err == nil {
		err = n.disc.Register(ctx, desc)
	}
	if err != nil {
		n.net.Close()
		return fmt.Errorf("register %q: %w", n.cfg.Name, err)
	}

	n.desc = desc
	n.tasks = taskgroup.New(nil)
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.state = stateRunning
	n.log.Info("node started", "addr", n.net.Addr(), "transport", n.net.Kind(), "codec", n.codec.Name())
	return nil
}

// describe constructs the descriptor for n from its bound address.
func (n *Node) describe() (discovery.Descriptor, error) {
	host, sport, err := net.SplitHostPort(n.net.Addr())
	if err != nil {
		return discovery.Descriptor{}, fmt.Errorf("listen address: %w", err)
	}
	port, err := strconv.Atoi(sport)
	if err != nil {
		return discovery.Descriptor{}, fmt.Errorf("listen port: %w", err)
	}
	return discovery.Descriptor{
		Name:          n.cfg.Name,
		Host:          host,
		Port:          port,
		Transport:     n.net.Kind(),
		Codec:         n.codec.Name(),
		CallTimeoutMS: int(n.cfg.CallTimeout / time.Millisecond),
		MaxRetries:    n.cfg.MaxRetries,
	}, nil
}

// Stop unregisters n from its discovery, terminates pending calls and active
// handlers, and closes the transport. It blocks until all the node's
// routines have exited and returns its status. Stop is idempotent.
func (n *Node) Stop() error {
	n.μ.Lock()
	if n.state != stateRunning {
		st := n.state
		n.μ.Unlock()
		if st == stateStopped {
			<-n.done
			return n.err
		}
		return nil
	}
	n.state = stateStopped
	n.μ.Unlock()

	var errs []error
	if err := n.disc.Unregister(context.Background(), n.cfg.Name); err != nil && !errors.Is(err, discovery.ErrClosed) {
		errs = append(errs, err)
	}
	n.cancel()
	n.pending.close()
	if err := n.net.Close(); err != nil {
		errs = append(errs, err)
	}
	n.tasks.Wait()
	if n.ownDisc {
		n.disc.Close()
	}

	n.μ.Lock()
	n.err = errors.Join(errs...)
	onExit := n.onExit
	n.μ.Unlock()
	n.log.Info("node stopped", "error", n.err)
	if onExit != nil {
		onExit(n.err)
	}
	close(n.done)
	return n.err
}

// Wait blocks until n has stopped and reports its status. If n was never
// started, Wait returns nil immediately.
func (n *Node) Wait() error {
	n.μ.Lock()
	st := n.state
	n.μ.Unlock()
	if st == stateNew {
		return nil
	}
	<-n.done
	return n.err
}

// Register adds h as the handler for route, subject to the route policy of
// the node. It is safe to call this while the node is running.
func (n *Node) Register(route string, h Handler) error { return n.disp.Register(route, h) }

// Handle registers a handler for the specified route. Passing a nil Handler
// removes any handler for the route. Handle returns n to permit chaining.
//
// Handle panics if the node uses [RouteReject] and route already has a
// handler; use Register to receive the error instead.
func (n *Node) Handle(route string, h Handler) *Node {
	if h == nil {
		n.disp.Unregister(route)
	} else if err := n.disp.Register(route, h); err != nil {
		panic(err.Error())
	}
	return n
}

// Subscribe adds h as a handler for events on topic. It returns a token that
// may be passed to Unsubscribe to remove h.
func (n *Node) Subscribe(topic string, h EventHandler) *Subscription {
	return n.disp.Subscribe(topic, h)
}

// Unsubscribe removes the given subscriptions from topic, or all of the
// handlers for topic if no subscriptions are given.
func (n *Node) Unsubscribe(topic string, subs ...*Subscription) {
	n.disp.Unsubscribe(topic, subs...)
}

// LogEnvelopes registers a callback that will be invoked for each envelope
// sent or received by the node, including envelopes that are discarded.
// Passing nil disables envelope logging. The logger is invoked synchronously
// with sending and dispatch.
func (n *Node) LogEnvelopes(log EnvelopeLogger) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.elog = log
	return n
}

// OnExit registers a callback to be invoked when the node stops. The callback
// is executed synchronously during shutdown, with the same error value that
// would be reported by Wait.
//
// Only one exit callback can be registered at a time; if f == nil the
// callback is removed.
func (n *Node) OnExit(f func(error)) *Node {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.onExit = f
	return n
}

// OnFault registers f to be called for each [Fault] observed by the node. It
// returns a function that removes f. Fault observers are called
// synchronously and must not block.
func (n *Node) OnFault(f func(Fault)) (cancel func()) { return n.faults.Add(f) }

type nodeContextKey struct{}

// ContextNode returns the Node associated with the given context, or nil if
// none is defined. The context passed to a Handler or EventHandler by a node
// has this value.
func ContextNode(ctx context.Context) *Node {
	if v := ctx.Value(nodeContextKey{}); v != nil {
		return v.(*Node)
	}
	return nil
}

func (n *Node) handlerContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, nodeContextKey{}, n)
}

// CallOption is an optional setting for a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout  time.Duration
	attempts int
	backoff  time.Duration
}

// WithTimeout sets the deadline for each attempt of a call.
func WithTimeout(d time.Duration) CallOption { return func(o *callOptions) { o.timeout = d } }

// WithMaxRetries sets the total number of attempts for a call. Values less
// than 1 mean a single attempt.
func WithMaxRetries(n int) CallOption { return func(o *callOptions) { o.attempts = n } }

// WithBackoff sets the base delay between attempts of a call.
func WithBackoff(d time.Duration) CallOption { return func(o *callOptions) { o.backoff = d } }

// Call invokes route on the named peer with the given payload, and blocks
// until a response is received, every attempt has failed, or ctx ends. On
// success it returns the payload of the response. An error reported by Call
// has concrete type [*CallError].
//
// If peer cannot be resolved, Call fails at once with status NOT_FOUND. An
// attempt that times out or whose send fails is retried, after a delay that
// doubles with each attempt, until the attempts are exhausted. A response
// with a failure status is not retried. Each attempt uses a fresh envelope
// ID; the ID of the first is reported as the CallID of a [CallError].
func (n *Node) Call(ctx context.Context, peer, route string, payload []byte, opts ...CallOption) (_ []byte, err error) {
	if !n.isRunning() {
		return nil, &CallError{Status: wire.StatusInternalError, Err: ErrNotStarted}
	}
	n.metrics.callOut.Add(1)
	defer func() {
		if err != nil {
			n.metrics.callOutErr.Add(1)
		}
	}()
	co := callOptions{
		timeout:  n.cfg.CallTimeout,
		attempts: n.cfg.MaxRetries,
		backoff:  n.cfg.RetryBackoff,
	}
	for _, opt := range opts {
		opt(&co)
	}
	co.attempts = max(co.attempts, 1)

	d, ok := n.disc.Resolve(ctx, peer)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, &CallError{Status: wire.StatusInternalError, Err: err}
		}
		return nil, &CallError{Status: wire.StatusNotFound, Message: fmt.Sprintf("unknown peer %q", peer)}
	}
	addr := d.Addr()

	n.metrics.callPending.Add(1)
	defer n.metrics.callPending.Add(-1)

	var callID string
	for i := 0; ; i++ {
		env := wire.New(wire.KindCall, n.cfg.Name, route, payload)
		if callID == "" {
			callID = env.ID
		}
		rsp, retry, err := n.attempt(ctx, addr, env, co.timeout)
		if err == nil {
			if rsp.Status == wire.StatusOK {
				return rsp.Payload, nil
			}
			return nil, responseError(callID, rsp)
		}
		n.metrics.attemptErr.Add(1)
		if !retry || i+1 >= co.attempts {
			return nil, attemptError(callID, err)
		}
		n.faults.Notify(Fault{Op: "attempt", Peer: peer, Target: route, ID: env.ID, Err: err})

		delay := backoff(co.backoff, i)
		n.log.Debug("retrying call", "peer", peer, "route", route, "attempt", i+1, "delay", delay)
		if err := sleep(ctx, delay); err != nil {
			return nil, attemptError(callID, err)
		}
	}
}

// attempt sends a single call envelope and waits for its response. If it
// fails, retry reports whether the failure may be retried.
func (n *Node) attempt(ctx context.Context, addr string, env *wire.Envelope, timeout time.Duration) (_ *wire.Envelope, retry bool, _ error) {
	data, err := n.codec.Encode(env)
	if err != nil {
		return nil, false, Errorf(wire.StatusBadRequest, "encode call: %v", err)
	}
	ch, err := n.pending.add(env.ID, timeout)
	if err != nil {
		return nil, false, err
	}

	// The send is bounded by the deadline of the attempt, so a stalled dial
	// or write counts as a timeout.
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := n.send(sctx, addr, env, data); err != nil {
		n.pending.remove(env.ID)
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		} else if sctx.Err() != nil {
			return nil, true, ErrTimeout
		}
		return nil, true, err
	}
	select {
	case rsp, ok := <-ch:
		if ok {
			return rsp, false, nil
		} else if n.pending.isClosed() {
			return nil, false, ErrStopped
		}
		return nil, true, ErrTimeout
	case <-ctx.Done():
		n.pending.remove(env.ID)
		return nil, false, ctx.Err()
	}
}

func attemptError(callID string, err error) *CallError {
	ce := &CallError{Status: StatusOf(err), Err: err, CallID: callID}
	if errors.Is(err, ErrTimeout) {
		ce.Message = "timed out"
	}
	return ce
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exec executes the local handler on n for route, if one exists, without
// using the network. An error reported by Exec has concrete type
// [*CallError]; if there is no handler for route its status is NOT_FOUND.
func (n *Node) Exec(ctx context.Context, route string, payload []byte) ([]byte, error) {
	env := wire.New(wire.KindCall, n.cfg.Name, route, payload)
	data, err := n.disp.dispatchCall(n.handlerContext(ctx), env)
	if err != nil {
		return nil, &CallError{Status: StatusOf(err), Err: err, CallID: env.ID}
	}
	return data, nil
}

// Publish sends an event with the given payload on topic to every other peer
// known to the node's discovery, and delivers it to the local subscribers of
// topic. The sends run concurrently; a failure to reach one peer is reported
// as a [Fault] and does not affect the others. Local subscribers receive an
// envelope of their own, with a distinct ID.
//
// Publish reports an error only if the event cannot be constructed or the
// node is not running.
func (n *Node) Publish(ctx context.Context, topic string, payload []byte) error {
	if !n.isRunning() {
		return ErrNotStarted
	}
	env := wire.New(wire.KindEvent, n.cfg.Name, topic, payload)
	data, err := n.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	g := taskgroup.New(nil)
	for _, d := range n.disc.List(ctx) {
		if d.Name == n.cfg.Name {
			continue
		}
		g.Go(func() error {
			if err := n.send(ctx, d.Addr(), env, data); err != nil {
				n.faults.Notify(Fault{Op: "publish", Peer: d.Name, Target: topic, ID: env.ID, Err: err})
			} else {
				n.metrics.eventOut.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	local := wire.New(wire.KindEvent, n.cfg.Name, topic, payload)
	n.deliverEvent(ctx, local)
	return nil
}

func (n *Node) deliverEvent(ctx context.Context, env *wire.Envelope) {
	if nf := n.disp.dispatchEvent(n.handlerContext(ctx), env); nf > 0 {
		n.metrics.eventErr.Add(int64(nf))
	}
}

func (n *Node) isRunning() bool {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.state == stateRunning
}

// goTask runs f in a task of the node, if the node is running.
func (n *Node) goTask(f func(ctx context.Context)) bool {
	n.μ.Lock()
	defer n.μ.Unlock()
	if n.state != stateRunning {
		return false
	}
	ctx := n.ctx
	n.tasks.Go(func() error { f(ctx); return nil })
	return true
}

func (n *Node) logEnvelope(env *wire.Envelope, sent bool) {
	n.μ.Lock()
	elog := n.elog
	n.μ.Unlock()
	if elog != nil {
		elog(EnvelopeInfo{Envelope: env, Sent: sent})
	}
}

func (n *Node) send(ctx context.Context, addr string, env *wire.Envelope, data []byte) error {
	n.logEnvelope(env, true)
	if err := n.net.Send(ctx, addr, data); err != nil {
		return err
	}
	n.metrics.frameSent.Add(1)
	return nil
}

// onFrame is the inbound state machine: every frame delivered by the
// transport is decoded, then routed to the correlator (responses) or the
// dispatcher (calls and events).
func (n *Node) onFrame(f transport.Frame) {
	n.metrics.frameRecv.Add(1)
	codec := wire.Sniff(f.Data)
	env, err := codec.Decode(f.Data)
	if err != nil {
		n.metrics.frameDropped.Add(1)
		n.faults.Notify(Fault{Op: "decode", Peer: f.From, Err: err})
		if env != nil {
			n.logEnvelope(env, false)
			if env.Kind == wire.KindCall {
				n.goTask(func(ctx context.Context) {
					n.respond(ctx, f.From, codec, env, wire.StatusBadRequest, errorPayload(err.Error()))
				})
			}
		}
		return
	}
	n.logEnvelope(env, false)

	switch env.Kind {
	case wire.KindResponse:
		if !n.pending.deliver(env) {
			n.metrics.frameDropped.Add(1) // late, duplicate, or unsolicited
		}

	case wire.KindCall:
		if !n.goTask(func(ctx context.Context) { n.serveCall(ctx, f.From, codec, env) }) {
			n.metrics.frameDropped.Add(1)
		}

	case wire.KindEvent:
		n.metrics.eventIn.Add(1)
		if !n.goTask(func(ctx context.Context) { n.deliverEvent(ctx, env) }) {
			n.metrics.frameDropped.Add(1)
		}
	}
}

func (n *Node) serveCall(ctx context.Context, from string, codec wire.Codec, env *wire.Envelope) {
	n.metrics.callIn.Add(1)
	n.metrics.callActive.Add(1)
	defer n.metrics.callActive.Add(-1)

	status := wire.StatusOK
	result, err := n.disp.dispatchCall(n.handlerContext(ctx), env)
	if err != nil {
		n.metrics.callInErr.Add(1)
		status = StatusOf(err)
		result = errorPayload(err.Error())
	}
	n.respond(ctx, from, codec, env, status, result)
}

// respond sends a response to call, encoded with codec. The response goes
// to the address the call arrived from if the transport reported one, and
// otherwise to the resolved address of the call's origin.
func (n *Node) respond(ctx context.Context, from string, codec wire.Codec, call *wire.Envelope, status wire.Status, payload []byte) {
	rsp := call.Reply(n.cfg.Name, status, payload)
	data, err := codec.Encode(rsp)
	if err != nil {
		// The handler produced a result the codec cannot carry.
		rsp = call.Reply(n.cfg.Name, wire.StatusInternalError, errorPayload("invalid result: "+err.Error()))
		data, err = codec.Encode(rsp)
		if err != nil {
			n.faults.Notify(Fault{Op: "respond", Peer: call.Origin, Target: call.Target, ID: call.ID, Err: err})
			return
		}
	}

	addr := from
	if addr == "" && call.Origin != "" {
		if d, ok := n.disc.Resolve(ctx, call.Origin); ok {
			addr = d.Addr()
		}
	}
	if addr == "" {
		n.faults.Notify(Fault{
			Op: "respond", Peer: call.Origin, Target: call.Target, ID: call.ID,
			Err: errors.New("no return address"),
		})
		return
	}
	if err := n.send(ctx, addr, rsp, data); err != nil {
		n.faults.Notify(Fault{Op: "respond", Peer: call.Origin, Target: call.Target, ID: call.ID, Err: err})
	}
}
