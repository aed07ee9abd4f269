// Package connection implements the Connection Manager (spec.md §4.F): the
// per-connection prepare/connect two-stage lifecycle, strictly-ordered
// per-connection frame dispatch, subscription-based broadcast, and
// heartbeat liveness.
package connection

import (
	"sync"
	"time"

	"github.com/mulgadc/colony/colony/actor"
	"github.com/mulgadc/colony/colony/colonyerr"
)

// Socket is the transport a Connection writes encoded frames to.
// colony/manager's websocket upgrade implements this over a live
// connection; tests use an in-memory fake.
type Socket interface {
	WriteMessage(data []byte) error
	Close() error
}

// Pinger is an optional Socket capability: transports that support a native
// ping control frame (e.g. WebSocket) implement it so the manager's
// liveness loop can probe without round-tripping an application message.
type Pinger interface {
	Ping() error
}

// EventEncoder serializes an application event for one connection's
// negotiated wire encoding. Implemented by colony/protocol's codec and
// defined here, not imported from protocol, so this package does not depend
// on protocol — the same cycle-avoidance pattern as actor.Conn and
// registry.RuntimeInstance.
type EventEncoder interface {
	EncodeEvent(encoding, event string, payload []byte) ([]byte, error)
}

// FrameHandler decodes and dispatches one inbound frame for a connection,
// implemented by colony/protocol's dispatcher. Connection guarantees
// HandleFrame for frame N+1 does not start until HandleFrame for frame N has
// returned, so a subscription update and the next action can never
// interleave on one connection (spec.md §4.F).
type FrameHandler interface {
	HandleFrame(conn *Connection, raw []byte)
}

const inboxDepth = 64

// Connection is one live client session attached to a single actor. It
// implements actor.Conn.
type Connection struct {
	id      string
	actorID string

	encoding string
	params   map[string]string

	hibernatable bool
	gatewayID    []byte
	requestID    []byte

	mgr  *Manager
	inst *actor.Instance

	mu        sync.Mutex
	socket    Socket
	connState any
	subs      map[string]struct{}
	lastPong  time.Time

	handler   FrameHandler
	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the connection's identifier, unique within one process.
func (c *Connection) ID() string { return c.id }

// ActorID returns the id of the actor this connection is attached to.
func (c *Connection) ActorID() string { return c.actorID }

// Encoding returns the connection's negotiated wire encoding ("json",
// "cbor", or "bare").
func (c *Connection) Encoding() string { return c.encoding }

// Params returns the connection params negotiated at prepare time.
func (c *Connection) Params() map[string]string { return c.params }

// ConnState returns the value createConnState produced at prepare time, or
// nil if none was supplied.
func (c *Connection) ConnState() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// Hibernatable reports whether this connection carries gatewayId/requestId
// identifiers that survive a process restart (spec.md §4.F).
func (c *Connection) Hibernatable() bool { return c.hibernatable }

// Subscribe adds event to this connection's subscription set.
func (c *Connection) Subscribe(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[event] = struct{}{}
}

// Unsubscribe removes event from this connection's subscription set.
func (c *Connection) Unsubscribe(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, event)
}

// Subscribed reports whether this connection is currently subscribed to
// event.
func (c *Connection) Subscribed(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[event]
	return ok
}

// Pong records that the transport's heartbeat pong (or equivalent liveness
// signal) was just observed, resetting the liveness timeout clock.
func (c *Connection) Pong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPong = time.Now()
}

func (c *Connection) lastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// Push enqueues a raw inbound frame for strictly-ordered processing. It
// never blocks: a full inbox reports queue.full rather than applying
// backpressure to the transport's read loop. A frame longer than
// MaxIncomingMessageSize is rejected outright (spec.md:148) and never
// reaches the inbox.
func (c *Connection) Push(raw []byte) error {
	if max := c.mgr.opts.MaxIncomingMessageSize; max > 0 && len(raw) > max {
		return colonyerr.MessageIncomingTooLong
	}
	select {
	case c.inbox <- raw:
		return nil
	default:
		return colonyerr.QueueFull
	}
}

// Send implements actor.Conn: it frames payload as an application event
// named event, encodes it for this connection's negotiated encoding, and
// writes it to the transport.
func (c *Connection) Send(event string, payload []byte) error {
	out, err := c.mgr.encodeEvent(c.encoding, event, payload)
	if err != nil {
		return err
	}
	return c.writeRaw(out)
}

// WriteRaw writes an already wire-encoded frame directly to the transport,
// bypassing EventEncoder. colony/protocol's dispatcher uses this for action
// responses and errors, which it encodes itself via the connection's codec.
func (c *Connection) WriteRaw(data []byte) error {
	return c.writeRaw(data)
}

func (c *Connection) writeRaw(data []byte) error {
	if max := c.mgr.opts.MaxOutgoingMessageSize; max > 0 && len(data) > max {
		return colonyerr.MessageOutgoingTooLong
	}
	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()
	if socket == nil {
		return colonyerr.ActorInternalError.WithCause(errSocketNotAttached)
	}
	return socket.WriteMessage(data)
}

// Close implements actor.Conn: it disconnects the connection through its
// manager, which closes the socket and notifies the actor exactly once.
func (c *Connection) Close() error {
	c.mgr.disconnect(c)
	return nil
}

func (c *Connection) ping() {
	c.mu.Lock()
	s := c.socket
	c.mu.Unlock()
	if p, ok := s.(Pinger); ok {
		_ = p.Ping()
	}
}

// processLoop runs on its own goroutine for the lifetime of the connection,
// draining inbox one frame at a time so HandleFrame never overlaps with
// itself for the same connection (spec.md §4.F "strictly in order").
func (c *Connection) processLoop() {
	for {
		select {
		case raw, ok := <-c.inbox:
			if !ok {
				return
			}
			c.handler.HandleFrame(c, raw)
		case <-c.done:
			return
		}
	}
}

var errSocketNotAttached = errNotAttached{}

type errNotAttached struct{}

func (errNotAttached) Error() string { return "connection: socket not attached" }
