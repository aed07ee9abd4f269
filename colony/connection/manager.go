package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mulgadc/colony/colony/actor"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const broadcastSubject = "colony.broadcast"

// DefaultMaxMessageSize is the frame length limit (spec.md:148 "length
// validated (<= maxIncomingMessageSize)") used when Options doesn't set one.
const DefaultMaxMessageSize = 1 << 20 // 1 MiB

// Options configures a Manager's liveness policy (spec.md §4.F).
type Options struct {
	// LivenessInterval is how often a heartbeat ping is sent. Default 5s.
	LivenessInterval time.Duration
	// LivenessTimeout is how long a connection may go without a pong before
	// it is disconnected. Default 2.5s.
	LivenessTimeout time.Duration

	// MaxIncomingMessageSize bounds a raw inbound frame pushed through
	// Connection.Push (spec.md:148). Frames over the limit are rejected with
	// colonyerr.MessageIncomingTooLong instead of being queued. Default
	// DefaultMaxMessageSize.
	MaxIncomingMessageSize int
	// MaxOutgoingMessageSize bounds a raw outbound frame written to the
	// transport. Frames over the limit are rejected with
	// colonyerr.MessageOutgoingTooLong instead of being written. Default
	// DefaultMaxMessageSize.
	MaxOutgoingMessageSize int
}

func (o Options) withDefaults() Options {
	if o.LivenessInterval <= 0 {
		o.LivenessInterval = 5 * time.Second
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = 2500 * time.Millisecond
	}
	if o.MaxIncomingMessageSize <= 0 {
		o.MaxIncomingMessageSize = DefaultMaxMessageSize
	}
	if o.MaxOutgoingMessageSize <= 0 {
		o.MaxOutgoingMessageSize = DefaultMaxMessageSize
	}
	return o
}

// PrepareInput is the caller-supplied identity and metadata for a new
// connection, gathered before any socket is open (spec.md §4.F stage 1:
// "prepare").
type PrepareInput struct {
	ActorID  string
	Encoding string
	Params   map[string]string

	// Hibernatable connections carry GatewayID/RequestID so a driver can
	// call RestoreConn after a cold start instead of running prepare again.
	Hibernatable bool
	GatewayID    []byte
	RequestID    []byte

	// CreateConnState builds the connection-local state object, if the
	// actor type needs one; its result is available via Connection.ConnState.
	CreateConnState func(ctx context.Context) (any, error)
}

// Manager holds every live connection for the process (spec.md §4.F
// "Map<connId, Connection>") plus an embedded single-process NATS bus used
// for broadcast fan-out, grounded on hive/daemon/jetstream.go's embedded
// JetStreamManager pattern (repurposed here from replicated KV to in-process
// pub/sub — there is exactly one node, so JetStream persistence itself
// brings nothing; plain core NATS publish/subscribe is enough).
type Manager struct {
	encoder EventEncoder

	ns *server.Server
	nc *nats.Conn

	opts Options

	mu      sync.Mutex
	conns   map[string]*Connection
	byActor map[string]map[string]*Connection
	pending map[string]*Connection // hibernation restore, keyed by gatewayId+requestId

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// New starts an in-process NATS server and client and returns a ready
// Manager. encoder may be nil only in tests that never call Send/Broadcast
// with a real wire encoding.
func New(encoder EventEncoder, opts Options) (*Manager, error) {
	opts = opts.withDefaults()

	ns, err := server.NewServer(&server.Options{
		DontListen: true,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("connection: starting embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, errors.New("connection: embedded nats server did not become ready")
	}

	nc, err := nats.Connect("", nats.InProcessServer(ns))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connection: connecting to embedded nats server: %w", err)
	}

	m := &Manager{
		encoder: encoder,
		ns:      ns,
		nc:      nc,
		opts:    opts,
		conns:   make(map[string]*Connection),
		byActor: make(map[string]map[string]*Connection),
		pending: make(map[string]*Connection),
		closeCh: make(chan struct{}),
	}

	if _, err := nc.Subscribe(broadcastSubject, m.handleBroadcast); err != nil {
		m.Close()
		return nil, fmt.Errorf("connection: subscribing to broadcast subject: %w", err)
	}

	m.wg.Add(1)
	go m.livenessLoop()

	return m, nil
}

// Prepare runs the prepare stage of a new connection (spec.md §4.F stage 1):
// validates nothing itself (callers validate params before calling), runs
// onBeforeConnect, and optionally builds connState. The returned Connection
// has no socket attached yet; call Connect to finish bringing it up.
func (m *Manager) Prepare(ctx context.Context, inst *actor.Instance, in PrepareInput) (*Connection, error) {
	conn := &Connection{
		id:           uuid.NewString(),
		actorID:      in.ActorID,
		encoding:     in.Encoding,
		params:       in.Params,
		hibernatable: in.Hibernatable,
		gatewayID:    in.GatewayID,
		requestID:    in.RequestID,
		mgr:          m,
		inst:         inst,
		subs:         make(map[string]struct{}),
		inbox:        make(chan []byte, inboxDepth),
		done:         make(chan struct{}),
	}

	if err := inst.NotifyBeforeConnect(ctx, conn); err != nil {
		return nil, err
	}

	if in.CreateConnState != nil {
		st, err := in.CreateConnState(ctx)
		if err != nil {
			return nil, err
		}
		conn.connState = st
	}

	if in.Hibernatable {
		m.mu.Lock()
		m.pending[hibernationKey(in.GatewayID, in.RequestID)] = conn
		m.mu.Unlock()
	}

	return conn, nil
}

// RestoreConn looks up a prepared-but-not-yet-connected connection by its
// hibernation identifiers, for drivers restoring a connection after a cold
// start instead of calling Prepare again (spec.md §4.F hibernation).
func (m *Manager) RestoreConn(gatewayID, requestID []byte) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.pending[hibernationKey(gatewayID, requestID)]
	return c, ok
}

func hibernationKey(gatewayID, requestID []byte) string {
	return string(gatewayID) + "\x00" + string(requestID)
}

// Connect runs the connect stage (spec.md §4.F stage 2): attaches the
// driver's socket, registers the connection for lookup/broadcast, starts its
// ordered frame-processing goroutine, and fires onConnect.
func (m *Manager) Connect(ctx context.Context, conn *Connection, socket Socket, handler FrameHandler) {
	conn.mu.Lock()
	conn.socket = socket
	conn.lastPong = time.Now()
	conn.mu.Unlock()
	conn.handler = handler

	if conn.hibernatable {
		m.mu.Lock()
		delete(m.pending, hibernationKey(conn.gatewayID, conn.requestID))
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.conns[conn.id] = conn
	if m.byActor[conn.actorID] == nil {
		m.byActor[conn.actorID] = make(map[string]*Connection)
	}
	m.byActor[conn.actorID][conn.id] = conn
	m.mu.Unlock()

	go conn.processLoop()
	conn.inst.NotifyConnect(ctx, conn)
}

// disconnect tears conn down exactly once: closes the socket, removes it
// from every index, stops its processing goroutine, and notifies the actor.
func (m *Manager) disconnect(conn *Connection) {
	conn.closeOnce.Do(func() {
		close(conn.done)
		conn.mu.Lock()
		socket := conn.socket
		conn.mu.Unlock()
		if socket != nil {
			_ = socket.Close()
		}

		m.mu.Lock()
		delete(m.conns, conn.id)
		if set, ok := m.byActor[conn.actorID]; ok {
			delete(set, conn.id)
			if len(set) == 0 {
				delete(m.byActor, conn.actorID)
			}
		}
		delete(m.pending, hibernationKey(conn.gatewayID, conn.requestID))
		m.mu.Unlock()

		conn.inst.NotifyDisconnect(context.Background(), conn)
	})
}

// Disconnect forcibly closes conn, e.g. from a liveness timeout or an
// actor-initiated kick.
func (m *Manager) Disconnect(conn *Connection) { m.disconnect(conn) }

func (m *Manager) encodeEvent(encoding, event string, payload []byte) ([]byte, error) {
	if m.encoder == nil {
		return payload, nil
	}
	return m.encoder.EncodeEvent(encoding, event, payload)
}

type broadcastEnvelope struct {
	ActorID string `json:"actorId"`
	Event   string `json:"event"`
	Payload []byte `json:"payload"`
}

// Broadcast fans payload out to every connection on actorID subscribed to
// event (spec.md §4.F). It publishes through the embedded NATS bus so the
// actual per-encoding serialization and write happen on the subscriber
// callback rather than the caller's goroutine.
func (m *Manager) Broadcast(actorID, event string, payload []byte) error {
	data, err := json.Marshal(broadcastEnvelope{ActorID: actorID, Event: event, Payload: payload})
	if err != nil {
		return err
	}
	return m.nc.Publish(broadcastSubject, data)
}

// handleBroadcast is the Manager's single internal subscriber for
// broadcastSubject. It serializes the event once per distinct connection
// encoding present among the subscribed connections (spec.md §4.F "the
// cached serializer encodes lazily per-encoding on first demand") and writes
// it to each.
func (m *Manager) handleBroadcast(msg *nats.Msg) {
	var env broadcastEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		slog.Error("connection: malformed broadcast envelope", "err", err)
		return
	}

	m.mu.Lock()
	var targets []*Connection
	for _, c := range m.byActor[env.ActorID] {
		if c.Subscribed(env.Event) {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	cache := make(map[string][]byte, 2)
	for _, c := range targets {
		enc := c.Encoding()
		out, ok := cache[enc]
		if !ok {
			var err error
			out, err = m.encodeEvent(enc, env.Event, env.Payload)
			if err != nil {
				slog.Error("connection: failed to encode broadcast event", "encoding", enc, "err", err)
				continue
			}
			cache[enc] = out
		}
		if err := c.writeRaw(out); err != nil {
			slog.Warn("connection: broadcast write failed", "conn_id", c.ID(), "err", err)
		}
	}
}

// livenessLoop pings every connection each tick and disconnects any that
// have not produced a pong within LivenessTimeout, grounded on
// hive/daemon/heartbeat.go's ticker/select shape.
func (m *Manager) livenessLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.checkLiveness()
		case <-m.closeCh:
			return
		}
	}
}

func (m *Manager) checkLiveness() {
	now := time.Now()
	m.mu.Lock()
	var stale, alive []*Connection
	for _, c := range m.conns {
		if now.Sub(c.lastPongAt()) > m.opts.LivenessTimeout {
			stale = append(stale, c)
		} else {
			alive = append(alive, c)
		}
	}
	m.mu.Unlock()

	for _, c := range alive {
		c.ping()
	}
	for _, c := range stale {
		slog.Info("connection: liveness timeout, disconnecting", "conn_id", c.ID(), "actor_id", c.ActorID())
		m.disconnect(c)
	}
}

// Close shuts the manager down: stops the liveness loop, disconnects every
// live connection, and tears down the embedded NATS client/server.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closeCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		m.disconnect(c)
	}

	if m.nc != nil {
		m.nc.Close()
	}
	if m.ns != nil {
		m.ns.Shutdown()
		m.ns.WaitForShutdown()
	}
	return nil
}

// ConnectionsForActor returns a snapshot of the connections currently
// attached to actorID, for diagnostic/inspector use.
func (m *Manager) ConnectionsForActor(actorID string) []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.byActor[actorID]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}
