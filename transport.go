package meshberry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/blockberries/meshberry/internal/eventdispatch"
	"github.com/blockberries/meshberry/pkg/connection"
	"github.com/blockberries/meshberry/pkg/identity"
	"github.com/blockberries/meshberry/pkg/mux"
	"github.com/blockberries/meshberry/pkg/reconcile"
	"github.com/blockberries/meshberry/pkg/topology"
	"github.com/blockberries/meshberry/pkg/wire"
)

// RequestHandler serves one inbound request; the returned payload is sent
// back as the response. A non-nil error resets the stream.
type RequestHandler = mux.RequestHandler

// PushHandler consumes one inbound push payload.
type PushHandler = mux.PushHandler

// Transport maintains authenticated QUIC connections to every peer in the
// topology and multiplexes request/response and push messaging over them.
//
// All exported methods are safe for concurrent use.
type Transport struct {
	cfg   *Config
	creds identity.Credentials

	mu       sync.Mutex
	started  bool
	stopped  bool
	handlers mux.Handlers

	listener *connection.QUICListener
	rec      *reconcile.Reconciler
	hub      *eventdispatch.Hub[ConnectionEvent]
	cache    *topology.Cache

	forwardStop chan struct{}
	forwardDone chan struct{}
}

// New creates a Transport from the configuration. The transport does not
// bind its listener or dial anyone until Start.
func New(cfg *Config) (*Transport, error) {
	if cfg == nil {
		return nil, NewError(ErrCodeInvalidConfig, "nil config")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Code: ErrCodeInvalidConfig, Message: "invalid config", Cause: err}
	}

	creds := identity.Credentials{}
	if cfg.Credentials != nil {
		creds = *cfg.Credentials
	} else {
		var err error
		creds, err = identity.SelfSigned(cfg.PrivateKey)
		if err != nil {
			return nil, &Error{Code: ErrCodeInvalidConfig, Message: "minting credentials", Cause: err}
		}
	}

	t := &Transport{
		cfg:   cfg,
		creds: creds,
		hub:   eventdispatch.NewHub[ConnectionEvent](),
	}
	t.hub.SetDropCallback(cfg.Metrics.EventDropped)
	if cfg.TopologyCachePath != "" {
		t.cache = topology.NewCache(cfg.TopologyCachePath)
	}
	return t, nil
}

// LocalID returns this node's identity.
func (t *Transport) LocalID() identity.NodeID { return t.creds.ID }

// Addr returns the listener's bound address once started.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr()
}

// RegisterRequestHandler sets the handler for inbound request streams.
// Must be called before Start.
func (t *Transport) RegisterRequestHandler(h RequestHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return NewError(ErrCodeAlreadyStarted, "handlers must be registered before Start")
	}
	t.handlers.Request = h
	return nil
}

// RegisterPushHandler sets the handler for inbound push streams.
// Must be called before Start.
func (t *Transport) RegisterPushHandler(h PushHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return NewError(ErrCodeAlreadyStarted, "handlers must be registered before Start")
	}
	t.handlers.Push = h
	return nil
}

// Start binds the QUIC listener and launches the reconciler over the
// topology source. A listener bind failure is fatal: the transport cannot
// run half-deaf.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return NewError(ErrCodeNotStarted, "transport already stopped")
	}
	if t.started {
		return NewError(ErrCodeAlreadyStarted, "transport already started")
	}

	qcfg := connection.QUICConfig{
		Credentials:      t.creds,
		Verifier:         t.cfg.Verifier,
		HandshakeTimeout: t.cfg.HandshakeTimeout,
		IdleTimeout:      t.cfg.IdleTimeout,
		KeepAlive:        t.cfg.KeepAlive,
	}
	listener, err := connection.ListenQUIC(t.cfg.ListenAddr, qcfg)
	if err != nil {
		return &Error{Code: ErrCodeTransportClosed, Message: fmt.Sprintf("binding %s", t.cfg.ListenAddr), Cause: err}
	}
	t.listener = listener

	t.rec = reconcile.New(reconcile.Config{
		LocalID:         t.creds.ID,
		Dialer:          connection.NewQUICDialer(qcfg),
		Listener:        listener,
		Hello:           t.helloConfig(),
		DialTimeout:     t.cfg.DialTimeout,
		BackoffMin:      t.cfg.BackoffMin,
		BackoffMax:      t.cfg.BackoffMax,
		StabilityWindow: t.cfg.StabilityWindow,
		DrainGrace:      t.cfg.DrainGrace,
		Mux: mux.Config{
			MaxFrameSize:         t.cfg.MaxFrameSize,
			MaxConcurrentStreams: t.cfg.MaxConcurrentRequests,
		},
		Handlers:       t.handlers,
		StreamObserver: streamObserver{t.cfg.Metrics},
		Monitor:        connMonitor{t.cfg.Metrics},
		Emit:           t.hub.Publish,
		Logger:         t.cfg.Logger,
	})

	t.rec.Start(t.snapshots())
	t.started = true
	t.cfg.Logger.Info("transport started",
		"node", t.creds.ID.Short(), "addr", listener.Addr())
	return nil
}

// Stop tears the transport down: topology reconciliation stops, connected
// peers drain for up to DrainGrace, every connection closes, and the event
// hub is closed. Idempotent.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.stopped = true
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	rec, listener := t.rec, t.listener
	stop, done := t.forwardStop, t.forwardDone
	t.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	rec.Stop()
	err := listener.Close()
	t.hub.Close()
	t.cfg.Logger.Info("transport stopped", "node", t.creds.ID.Short())
	return err
}

// SendRequest sends payload to the peer over a fresh bidirectional stream
// and returns the response. The ctx deadline bounds the whole exchange.
// It blocks while the peer already has the maximum number of outbound
// streams open.
func (t *Transport) SendRequest(ctx context.Context, id identity.NodeID, payload []byte) ([]byte, error) {
	m, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	resp, err := m.OpenRequest(ctx, payload)
	if err != nil {
		return nil, t.wrapStreamErr(id, err)
	}
	return resp, nil
}

// Push sends payload to the peer over a unidirectional stream. A nil
// return acknowledges the send attempt, not receipt.
func (t *Transport) Push(ctx context.Context, id identity.NodeID, payload []byte) error {
	m, err := t.lookup(id)
	if err != nil {
		return err
	}
	if err := m.Push(ctx, payload); err != nil {
		return t.wrapStreamErr(id, err)
	}
	return nil
}

// Subscribe returns a channel of connection events and a cancel function.
// Delivery is lossy: when the subscriber's buffer is full the oldest
// buffered event is dropped to admit the newest. A buffer of 0 uses the
// configured default.
func (t *Transport) Subscribe(buffer int) (<-chan ConnectionEvent, func()) {
	if buffer <= 0 {
		buffer = t.cfg.EventBufferSize
	}
	return t.hub.Subscribe(buffer)
}

// State returns the peer's current connection state; StateIdle for peers
// the transport is not tracking.
func (t *Transport) State(id identity.NodeID) ConnState {
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	if rec == nil {
		return StateIdle
	}
	return rec.State(id)
}

// States returns a point-in-time snapshot of all tracked peer states.
func (t *Transport) States() map[identity.NodeID]ConnState {
	t.mu.Lock()
	rec := t.rec
	t.mu.Unlock()
	if rec == nil {
		return map[identity.NodeID]ConnState{}
	}
	return rec.States()
}

func (t *Transport) helloConfig() connection.HelloConfig {
	return connection.HelloConfig{
		Token:   t.cfg.AttestationToken,
		Checker: t.cfg.Attestation,
		Timeout: t.cfg.DialTimeout,
	}
}

// snapshots returns the channel the reconciler consumes. With a cache
// configured, the source is wrapped: a previously persisted snapshot warms
// the peer set before the first live one arrives, and every live snapshot
// is persisted as it passes through.
func (t *Transport) snapshots() <-chan topology.Snapshot {
	src := t.cfg.Topology.Snapshots()
	if t.cache == nil {
		return src
	}

	out := make(chan topology.Snapshot)
	t.forwardStop = make(chan struct{})
	t.forwardDone = make(chan struct{})
	stop, done := t.forwardStop, t.forwardDone
	go func() {
		defer close(out)
		defer close(done)

		if snap, err := t.cache.Load(); err == nil && snap.Len() > 0 {
			select {
			case out <- snap:
			case <-stop:
				return
			}
		} else if err != nil {
			t.cfg.Logger.Warn("topology cache unreadable", "error", err)
		}
		for {
			select {
			case snap, ok := <-src:
				if !ok {
					return
				}
				if err := t.cache.Store(snap); err != nil {
					t.cfg.Logger.Warn("topology cache write failed", "error", err)
				}
				select {
				case out <- snap:
				case <-stop:
					return
				}
			case <-stop:
				return
			}
		}
	}()
	return out
}

func (t *Transport) lookup(id identity.NodeID) (*mux.Mux, error) {
	t.mu.Lock()
	started, stopped, rec := t.started, t.stopped, t.rec
	t.mu.Unlock()

	if !started {
		return nil, NewError(ErrCodeNotStarted, "transport not started")
	}
	if stopped {
		return nil, NewError(ErrCodeTransportClosed, "transport stopped")
	}
	m, ok := rec.Lookup(id)
	if !ok {
		return nil, &Error{
			Code:      ErrCodePeerUnavailable,
			Message:   fmt.Sprintf("peer %s is %s, not Connected", id.Short(), rec.State(id)),
			NodeID:    id,
			Retriable: true,
		}
	}
	return m, nil
}

// wrapStreamErr translates multiplexer sentinels into the transport's
// error taxonomy.
func (t *Transport) wrapStreamErr(id identity.NodeID, err error) error {
	var tooLarge *wire.ErrFrameTooLarge
	switch {
	case errors.Is(err, mux.ErrTimeout):
		return &Error{Code: ErrCodeTimeout, Message: "request timed out", NodeID: id, Cause: err, Retriable: true}
	case errors.Is(err, mux.ErrRemoved):
		return &Error{Code: ErrCodePeerRemoved, Message: "peer removed from topology", NodeID: id, Cause: err}
	case errors.Is(err, mux.ErrSuperseded):
		return &Error{Code: ErrCodeStaleGeneration, Message: "connection superseded; retry", NodeID: id, Cause: err, Retriable: true}
	case errors.Is(err, mux.ErrReset):
		return &Error{Code: ErrCodeStreamReset, Message: "stream reset by peer", NodeID: id, Cause: err, Retriable: true}
	case errors.Is(err, mux.ErrNotConnected):
		return &Error{Code: ErrCodePeerUnavailable, Message: "peer not connected", NodeID: id, Cause: err, Retriable: true}
	case errors.Is(err, mux.ErrClosed):
		return &Error{Code: ErrCodeTransportClosed, Message: "connection closed", NodeID: id, Cause: err, Retriable: true}
	case errors.As(err, &tooLarge):
		return &Error{Code: ErrCodeMessageTooLarge, Message: "payload exceeds frame limit", NodeID: id, Cause: err}
	case errors.Is(err, context.Canceled):
		return err
	default:
		return &Error{Code: ErrCodeUnknown, Message: "stream operation failed", NodeID: id, Cause: err}
	}
}

// streamObserver adapts Metrics to the multiplexer's observer interface.
type streamObserver struct{ m Metrics }

func (o streamObserver) StreamOpened(kind string)       { o.m.StreamOpened(kind) }
func (o streamObserver) StreamClosed(kind string)       { o.m.StreamClosed(kind) }
func (o streamObserver) BytesSent(kind string, n int)   { o.m.BytesSent(kind, n) }
func (o streamObserver) BytesReceived(kind string, n int) {
	o.m.BytesReceived(kind, n)
}
func (o streamObserver) RequestDuration(seconds float64) { o.m.RequestDuration(seconds) }
func (o streamObserver) Backpressure()                   { o.m.Backpressure() }

// connMonitor adapts Metrics to the reconciler's monitor interface.
type connMonitor struct{ m Metrics }

func (c connMonitor) PeerState(id identity.NodeID, st connection.State) {
	c.m.PeerState(id.Short(), st.String())
}

func (c connMonitor) DialAttempt(success bool) {
	if success {
		c.m.DialAttempt("success")
	} else {
		c.m.DialAttempt("failure")
	}
}

func (c connMonitor) Rejection(reason string)  { c.m.Rejection(reason) }
func (c connMonitor) Disconnect(reason string) { c.m.Disconnect(reason) }
