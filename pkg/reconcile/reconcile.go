// Package reconcile drives connections toward the latest topology snapshot.
// A single run loop owns all per-peer bookkeeping: snapshot diffs, dial
// results, inbound registrations, disconnects, and redial timers all funnel
// through it, so no lock covers the peer table itself.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/blockberries/meshberry/pkg/connection"
	"github.com/blockberries/meshberry/pkg/identity"
	"github.com/blockberries/meshberry/pkg/mux"
	"github.com/blockberries/meshberry/pkg/topology"
)

// Defaults used when the corresponding Config field is zero.
const (
	DefaultDialTimeout     = 10 * time.Second
	DefaultBackoffMin      = 500 * time.Millisecond
	DefaultBackoffMax      = 30 * time.Second
	DefaultStabilityWindow = time.Minute
	DefaultDrainGrace      = 5 * time.Second
)

// Config parameterizes a Reconciler.
type Config struct {
	// LocalID is this node's identity, used for glare resolution.
	LocalID identity.NodeID

	// Dialer establishes outbound connections.
	Dialer connection.Dialer

	// Listener provides inbound connections. Nil means outbound-only.
	Listener connection.Listener

	// Hello configures the post-handshake attestation exchange.
	Hello connection.HelloConfig

	// DialTimeout bounds one dial attempt including the hello exchange.
	DialTimeout time.Duration

	// Backoff tuning for redial scheduling.
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	StabilityWindow time.Duration

	// DrainGrace bounds how long Stop waits for in-flight requests before
	// aborting them.
	DrainGrace time.Duration

	// Mux, Handlers, and StreamObserver configure the multiplexer created
	// for each connection generation.
	Mux            mux.Config
	Handlers       mux.Handlers
	StreamObserver mux.Observer

	// Monitor receives connection-level measurements.
	Monitor Monitor

	// Emit receives every connection-state transition. Must not block.
	Emit func(Event)

	Logger Logger
}

func (c *Config) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.BackoffMin == 0 {
		c.BackoffMin = DefaultBackoffMin
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.StabilityWindow == 0 {
		c.StabilityWindow = DefaultStabilityWindow
	}
	if c.DrainGrace == 0 {
		c.DrainGrace = DefaultDrainGrace
	}
	if c.Monitor == nil {
		c.Monitor = NopMonitor{}
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
}

// peerState is the loop-owned record for one desired peer.
type peerState struct {
	ep      identity.Endpoint
	gen     uint64
	conn    *connection.Conn
	mux     *mux.Mux
	backoff *connection.Backoff
	redial  *time.Timer
}

// Reconciler converges the set of live connections toward the latest
// topology snapshot. The peers map is mutated only by the run loop; the
// lookup tables consulted by the transport facade sit behind their own
// read-write lock.
type Reconciler struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan func()
	wg     sync.WaitGroup

	// Loop-owned. No lock: single writer, no other reader.
	peers   map[identity.NodeID]*peerState
	current topology.Snapshot

	// gens outlives peerState records: generations must keep increasing
	// for the same identity across removal and re-add, or event consumers
	// could not order a re-added peer's events against the stale ones.
	gens map[identity.NodeID]uint64

	// Facade-facing lookup tables.
	mu     sync.RWMutex
	live   map[identity.NodeID]*mux.Mux
	states map[identity.NodeID]connection.State

	stopOnce sync.Once
}

// New creates a Reconciler. It does nothing until Start.
func New(cfg Config) *Reconciler {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		cmds:   make(chan func(), 64),
		peers:  make(map[identity.NodeID]*peerState),
		gens:   make(map[identity.NodeID]uint64),
		live:   make(map[identity.NodeID]*mux.Mux),
		states: make(map[identity.NodeID]connection.State),
	}
}

// Start launches the run loop over the snapshot channel and, when a
// listener is configured, the inbound accept loop.
func (r *Reconciler) Start(snapshots <-chan topology.Snapshot) {
	r.wg.Add(1)
	go r.run(snapshots)
	if r.cfg.Listener != nil {
		r.wg.Add(1)
		go r.acceptLoop()
	}
}

// Stop shuts the reconciler down: the loops exit, connected peers move to
// Closing, in-flight requests get up to DrainGrace to finish, then every
// connection is torn down. Idempotent.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
		r.teardown()
	})
}

// Lookup returns the live multiplexer for the peer, if it is Connected.
func (r *Reconciler) Lookup(id identity.NodeID) (*mux.Mux, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.live[id]
	return m, ok
}

// State returns the peer's current connection state; StateIdle for
// untracked peers.
func (r *Reconciler) State(id identity.NodeID) connection.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[id]
	if !ok {
		return connection.StateIdle
	}
	return st
}

// States returns a point-in-time copy of all tracked peer states.
func (r *Reconciler) States() map[identity.NodeID]connection.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[identity.NodeID]connection.State, len(r.states))
	for id, st := range r.states {
		out[id] = st
	}
	return out
}

// do schedules fn onto the run loop. After Stop the command is discarded.
func (r *Reconciler) do(fn func()) {
	select {
	case r.cmds <- fn:
	case <-r.ctx.Done():
	}
}

func (r *Reconciler) run(snapshots <-chan topology.Snapshot) {
	defer r.wg.Done()
	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				// The source is done; keep serving commands for the
				// connections we already have.
				snapshots = nil
				continue
			}
			r.apply(snap)
		case cmd := <-r.cmds:
			cmd()
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Reconciler) acceptLoop() {
	defer r.wg.Done()
	for {
		tc, id, err := r.cfg.Listener.Accept(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			var ae *connection.AuthError
			if errors.As(err, &ae) {
				r.cfg.Monitor.Rejection(string(ReasonAuthFailed))
				r.cfg.Logger.Warn("inbound auth failed", "error", err)
				if ae.Got != "" {
					r.emit(ae.Got, connection.StateRejected, 0, ReasonAuthFailed)
				}
				continue
			}
			r.cfg.Logger.Warn("accept failed", "error", err)
			continue
		}
		r.do(func() { r.handleInbound(tc, id) })
	}
}

// apply reconciles the peer table against a new snapshot. Re-applying an
// identical snapshot is a no-op.
func (r *Reconciler) apply(next topology.Snapshot) {
	diff := topology.Diff(r.current, next)
	r.current = next
	if diff.Empty() {
		return
	}

	r.cfg.Logger.Info("topology snapshot applied",
		"version", next.Version(),
		"added", len(diff.Added),
		"removed", len(diff.Removed),
		"changed", len(diff.Changed))

	for _, id := range diff.Removed {
		r.removePeer(id, ReasonRemoved)
	}
	for _, ep := range diff.Changed {
		r.removePeer(ep.ID, ReasonEndpointChanged)
		r.addPeer(ep)
	}
	for _, ep := range diff.Added {
		r.addPeer(ep)
	}
}

func (r *Reconciler) addPeer(ep identity.Endpoint) {
	if ep.ID == r.cfg.LocalID {
		return
	}
	ps := &peerState{
		ep:      ep,
		backoff: connection.NewBackoff(r.cfg.BackoffMin, r.cfg.BackoffMax, r.cfg.StabilityWindow),
	}
	r.peers[ep.ID] = ps
	r.startDial(ps)
}

// removePeer tears the peer's connection down immediately. In-flight
// requests fail rather than drain: the peer is no longer part of the
// cluster.
func (r *Reconciler) removePeer(id identity.NodeID, reason Reason) {
	ps, ok := r.peers[id]
	if !ok {
		return
	}
	delete(r.peers, id)
	if ps.redial != nil {
		ps.redial.Stop()
	}

	if ps.conn != nil && !ps.conn.State().IsTerminal() {
		gen := ps.conn.Generation()
		if ps.conn.State() == connection.StateConnected {
			_ = ps.conn.TransitionTo(connection.StateClosing)
			r.emit(id, connection.StateClosing, gen, ReasonNone)
		}
		ps.conn.Shutdown(connection.CauseRemoved, nil)
		if ps.mux != nil {
			ps.mux.Close()
		}
		r.cfg.Monitor.Disconnect(string(reason))
		r.emit(id, connection.StateClosed, gen, reason)
	}

	r.mu.Lock()
	delete(r.live, id)
	delete(r.states, id)
	r.mu.Unlock()
}

// startDial begins a new outbound attempt for the peer. Each attempt gets
// a fresh generation; completions carrying a superseded generation are
// dropped by the stale checks in finishHandshake.
func (r *Reconciler) startDial(ps *peerState) {
	ps.gen = r.nextGen(ps.ep.ID)
	conn := connection.NewConn(context.Background(), ps.ep.ID, ps.gen, connection.StateDialing)
	ps.conn = conn
	ps.mux = nil

	r.setState(ps.ep.ID, connection.StateDialing)
	r.emit(ps.ep.ID, connection.StateDialing, ps.gen, ReasonNone)
	r.cfg.Logger.Debug("dialing peer", "peer", ps.ep.ID.Short(), "addr", ps.ep.Addr, "generation", ps.gen)

	ep := ps.ep
	r.wg.Add(1)
	go r.dialTask(ep, conn)
}

// dialTask runs one outbound attempt: transport dial, then the hello
// exchange. It is the only goroutine driving this connection's state until
// the result is handed back to the loop.
func (r *Reconciler) dialTask(ep identity.Endpoint, conn *connection.Conn) {
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.DialTimeout)
	defer cancel()

	tc, err := r.cfg.Dialer.Dial(ctx, ep)
	if err != nil {
		if connection.IsAuthError(err) {
			// Identity mismatch inside the QUIC dial: terminal Rejected,
			// not a generic transport failure.
			conn.Reject(err)
		} else {
			conn.Shutdown(connection.CauseError, err)
		}
		r.do(func() { r.finishHandshake(conn, err, false) })
		return
	}

	conn.Attach(tc)
	if terr := conn.TransitionTo(connection.StateHandshaking); terr != nil {
		// The loop already tore this attempt down (removal or glare).
		_ = tc.Close(connection.CodeSuperseded, "attempt superseded")
		r.do(func() { r.finishHandshake(conn, terr, false) })
		return
	}
	r.do(func() { r.noteHandshaking(conn) })

	if err := connection.Hello(ctx, tc, true, ep.ID, r.cfg.Hello); err != nil {
		conn.Reject(err)
		r.do(func() { r.finishHandshake(conn, err, false) })
		return
	}
	if terr := conn.TransitionTo(connection.StateConnected); terr != nil {
		conn.Shutdown(connection.CauseSuperseded, nil)
		r.do(func() { r.finishHandshake(conn, terr, false) })
		return
	}
	r.do(func() { r.finishHandshake(conn, nil, false) })
}

// inboundTask completes an accepted connection: hello exchange, then hand
// the result to the loop.
func (r *Reconciler) inboundTask(conn *connection.Conn) {
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.DialTimeout)
	defer cancel()

	err := connection.Hello(ctx, conn.Transport(), false, conn.ID(), r.cfg.Hello)
	if err != nil {
		conn.Reject(err)
	} else if terr := conn.TransitionTo(connection.StateConnected); terr != nil {
		conn.Shutdown(connection.CauseSuperseded, nil)
		err = terr
	}
	r.do(func() { r.finishHandshake(conn, err, true) })
}

// noteHandshaking records the Dialing -> Handshaking transition, unless the
// attempt was superseded while the notification was in flight.
func (r *Reconciler) noteHandshaking(conn *connection.Conn) {
	ps, ok := r.peers[conn.ID()]
	if !ok || ps.conn != conn {
		return
	}
	r.setState(conn.ID(), connection.StateHandshaking)
	r.emit(conn.ID(), connection.StateHandshaking, conn.Generation(), ReasonNone)
}

// finishHandshake is the single convergence point for dial and inbound
// attempt results.
func (r *Reconciler) finishHandshake(conn *connection.Conn, err error, inbound bool) {
	id := conn.ID()
	ps, ok := r.peers[id]
	if !ok || ps.conn != conn {
		// Superseded generation or removed peer: the completion is dropped,
		// never surfaced.
		if !conn.State().IsTerminal() {
			conn.Shutdown(connection.CauseSuperseded, nil)
		}
		return
	}

	if err != nil {
		reason := classify(err)
		auth := reason == ReasonAuthFailed || reason == ReasonAttestationFailed
		if !inbound {
			r.cfg.Monitor.DialAttempt(false)
		}
		if auth {
			r.cfg.Monitor.Rejection(string(reason))
			r.cfg.Logger.Warn("peer rejected during handshake",
				"peer", id.Short(), "generation", conn.Generation(), "reason", reason, "error", err)
		} else {
			r.cfg.Logger.Debug("connection attempt failed",
				"peer", id.Short(), "generation", conn.Generation(), "error", err)
		}

		ps.conn = nil
		state := conn.State()
		r.setState(id, state)
		r.emit(id, state, conn.Generation(), reason)
		r.scheduleRedial(ps, auth)
		return
	}

	m := mux.New(conn, r.cfg.Mux, r.cfg.Handlers, r.cfg.StreamObserver)
	m.Start()
	ps.mux = m
	ps.backoff.Connected(time.Now())

	if !inbound {
		r.cfg.Monitor.DialAttempt(true)
	}
	r.mu.Lock()
	r.live[id] = m
	r.states[id] = connection.StateConnected
	r.mu.Unlock()
	r.emit(id, connection.StateConnected, conn.Generation(), ReasonNone)
	r.cfg.Logger.Info("peer connected",
		"peer", id.Short(), "generation", conn.Generation(), "inbound", inbound)

	r.wg.Add(1)
	go r.watchConn(conn)
}

// watchConn waits for the transport to die and reports the disconnect to
// the loop.
func (r *Reconciler) watchConn(conn *connection.Conn) {
	defer r.wg.Done()
	tc := conn.Transport()
	select {
	case <-tc.Done():
		r.do(func() { r.handleDisconnect(conn, tc.DoneErr()) })
	case <-r.ctx.Done():
	}
}

func (r *Reconciler) handleDisconnect(conn *connection.Conn, err error) {
	id := conn.ID()
	ps, ok := r.peers[id]
	if !ok || ps.conn != conn {
		return
	}

	cause, _ := conn.Cause()
	if cause == connection.CauseNone {
		conn.Shutdown(connection.CauseError, err)
		cause = connection.CauseError
	}
	reason := reasonFromCause(cause)
	if cause == connection.CauseError && connection.IsIdleTimeout(err) {
		reason = ReasonIdleTimeout
	}

	if ps.mux != nil {
		ps.mux.Close()
		ps.mux = nil
	}
	ps.conn = nil

	r.mu.Lock()
	delete(r.live, id)
	r.states[id] = connection.StateClosed
	r.mu.Unlock()
	r.cfg.Monitor.Disconnect(string(reason))
	r.emit(id, connection.StateClosed, conn.Generation(), reason)
	r.cfg.Logger.Info("peer disconnected",
		"peer", id.Short(), "generation", conn.Generation(), "reason", reason, "error", err)

	r.scheduleRedial(ps, false)
}

// scheduleRedial arms the peer's backoff timer. When it fires the redial is
// re-checked against the snapshot current at that moment, not the one in
// effect now.
func (r *Reconciler) scheduleRedial(ps *peerState, auth bool) {
	delay := ps.backoff.Next(auth)
	id := ps.ep.ID
	r.cfg.Logger.Debug("redial scheduled",
		"peer", id.Short(), "delay", delay, "failures", ps.backoff.Failures())
	ps.redial = time.AfterFunc(delay, func() {
		r.do(func() { r.redialNow(id) })
	})
}

func (r *Reconciler) redialNow(id identity.NodeID) {
	ps, ok := r.peers[id]
	if !ok || !r.current.Contains(id) {
		// Removed while the timer was pending.
		return
	}
	if ps.conn != nil && !ps.conn.State().IsTerminal() {
		// An inbound connection landed in the meantime.
		return
	}
	// Dial the latest known address.
	if ep, ok := r.current.Endpoint(id); ok {
		ps.ep = ep
	}
	r.startDial(ps)
}

// handleInbound registers an accepted connection, resolving glare against
// any in-progress outbound attempt.
func (r *Reconciler) handleInbound(tc connection.TransportConn, remote identity.NodeID) {
	if !r.current.Contains(remote) {
		r.cfg.Monitor.Rejection(string(ReasonUnknownPeer))
		r.emit(remote, connection.StateRejected, 0, ReasonUnknownPeer)
		r.cfg.Logger.Warn("rejected inbound from unknown peer",
			"peer", remote.Short(), "addr", tc.RemoteAddr())
		_ = tc.Close(connection.CodeRejected, "unknown peer")
		return
	}

	ps, ok := r.peers[remote]
	if !ok {
		ep, _ := r.current.Endpoint(remote)
		ps = &peerState{
			ep:      ep,
			backoff: connection.NewBackoff(r.cfg.BackoffMin, r.cfg.BackoffMax, r.cfg.StabilityWindow),
		}
		r.peers[remote] = ps
	}

	if ps.conn != nil && !ps.conn.State().IsTerminal() {
		if r.cfg.LocalID.Less(remote) {
			// This node is the dialer of record: the peer's attempt loses.
			r.cfg.Monitor.Rejection(string(ReasonGlare))
			r.cfg.Logger.Debug("dropped inbound dial glare",
				"peer", remote.Short(), "addr", tc.RemoteAddr())
			_ = tc.Close(connection.CodeGlare, "dial glare")
			return
		}
		// The peer is the dialer of record: the local attempt loses.
		old := ps.conn
		oldGen := old.Generation()
		old.Shutdown(connection.CauseSuperseded, nil)
		if ps.mux != nil {
			ps.mux.Close()
			ps.mux = nil
		}
		r.mu.Lock()
		delete(r.live, remote)
		r.mu.Unlock()
		r.emit(remote, connection.StateClosed, oldGen, ReasonGlare)
		r.cfg.Logger.Debug("outbound attempt superseded by inbound dial glare",
			"peer", remote.Short(), "generation", oldGen)
	}
	if ps.redial != nil {
		ps.redial.Stop()
		ps.redial = nil
	}

	ps.gen = r.nextGen(remote)
	conn := connection.NewConn(context.Background(), remote, ps.gen, connection.StateHandshaking)
	conn.Attach(tc)
	ps.conn = conn
	ps.mux = nil

	r.setState(remote, connection.StateHandshaking)
	r.emit(remote, connection.StateHandshaking, ps.gen, ReasonNone)

	r.wg.Add(1)
	go r.inboundTask(conn)
}

// teardown runs after the loops have exited; the peer table is exclusively
// Stop's at this point. Connected peers get DrainGrace to finish in-flight
// requests before the hard close.
func (r *Reconciler) teardown() {
	var draining []*peerState
	for id, ps := range r.peers {
		if ps.redial != nil {
			ps.redial.Stop()
		}
		if ps.conn == nil || ps.conn.State().IsTerminal() {
			continue
		}
		if ps.conn.State() == connection.StateConnected {
			_ = ps.conn.TransitionTo(connection.StateClosing)
			r.emit(id, connection.StateClosing, ps.conn.Generation(), ReasonNone)
			draining = append(draining, ps)
		}
	}

	deadline := time.Now().Add(r.cfg.DrainGrace)
	for _, ps := range draining {
		for ps.conn.OpenRequests() > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
	}

	for id, ps := range r.peers {
		if ps.conn != nil && !ps.conn.State().IsTerminal() {
			ps.conn.Shutdown(connection.CauseShutdown, nil)
			r.emit(id, connection.StateClosed, ps.conn.Generation(), ReasonShutdown)
		}
		if ps.mux != nil {
			ps.mux.Close()
		}
	}
	r.peers = map[identity.NodeID]*peerState{}

	r.mu.Lock()
	r.live = map[identity.NodeID]*mux.Mux{}
	for id := range r.states {
		r.states[id] = connection.StateClosed
	}
	r.mu.Unlock()
}

// nextGen advances the peer's attempt counter. Loop-owned.
func (r *Reconciler) nextGen(id identity.NodeID) uint64 {
	r.gens[id]++
	return r.gens[id]
}

func (r *Reconciler) setState(id identity.NodeID, st connection.State) {
	r.mu.Lock()
	r.states[id] = st
	r.mu.Unlock()
}

func (r *Reconciler) emit(id identity.NodeID, st connection.State, gen uint64, reason Reason) {
	r.cfg.Monitor.PeerState(id, st)
	if r.cfg.Emit != nil {
		r.cfg.Emit(Event{ID: id, State: st, Generation: gen, Reason: reason, Time: time.Now()})
	}
}

// classify maps a handshake failure to its event reason.
func classify(err error) Reason {
	var authErr *connection.AuthError
	var attErr *connection.AttestationError
	switch {
	case errors.As(err, &attErr):
		return ReasonAttestationFailed
	case errors.As(err, &authErr):
		return ReasonAuthFailed
	default:
		return ReasonDialFailed
	}
}

func reasonFromCause(cause connection.CloseCause) Reason {
	switch cause {
	case connection.CauseRemoved:
		return ReasonRemoved
	case connection.CauseSuperseded:
		return ReasonSuperseded
	case connection.CauseShutdown:
		return ReasonShutdown
	default:
		return ReasonTransportError
	}
}
