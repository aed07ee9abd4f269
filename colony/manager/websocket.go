package manager

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/url"
	"strings"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/mulgadc/colony/colony/actor"
	"github.com/mulgadc/colony/colony/colonyerr"
	"github.com/mulgadc/colony/colony/connection"
	"github.com/mulgadc/colony/colony/protocol"
)

// setupWebSocketRoutes wires the three WebSocket subpaths spec.md §6
// describes: `/ws/connect` (the mediated protocol pipeline, actions and
// event subscriptions through colony/protocol's dispatcher), `/ws/raw`
// (handed straight to the definition's onWebSocket hook), and
// `/colony/inspector/ws` (gated by a shared token; it sends nothing to the
// client), grounded on
// the well-known fiber + gofiber/contrib/websocket upgrade-then-handle
// pattern: an app.Use guard that only lets the request through when it is an
// actual upgrade, followed by the app.Get(websocket.New(...)) handler.
func (gw *GatewayConfig) setupWebSocketRoutes(app *fiber.App) {
	app.Use("/colony/actors/:id/ws/connect", gw.requireUpgrade)
	app.Get("/colony/actors/:id/ws/connect", websocket.New(gw.handleConnectSocket))

	app.Use("/colony/actors/:id/ws/raw", gw.requireUpgrade)
	app.Get("/colony/actors/:id/ws/raw", websocket.New(gw.handleRawSocket))

	if gw.Manager.cfg.InspectorToken != "" {
		app.Use("/colony/inspector/ws", gw.requireUpgrade)
		app.Get("/colony/inspector/ws", websocket.New(gw.handleInspectorSocket))
	}
}

func (gw *GatewayConfig) requireUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	offers := splitSubprotocols(c.Get("Sec-WebSocket-Protocol"))
	negotiated := negotiateSubprotocol(offers, gw.Manager.cfg)
	if !protocol.ValidEncoding(negotiated.encoding) {
		we := colonyerr.EncodingInvalid.WithMetadata(map[string]any{"encoding": negotiated.encoding})
		return fiber.NewError(we.StatusCode, we.Message)
	}
	c.Locals("colony_actor_id", c.Params("id"))
	c.Locals("colony_encoding", negotiated.encoding)
	c.Locals("colony_params", negotiated.params)
	c.Locals("colony_inspector_token", negotiated.inspectorToken)
	return c.Next()
}

// splitSubprotocols parses the raw Sec-WebSocket-Protocol request header
// (RFC 6455 §4.3: a comma-separated list of equally-weighted offers) into
// its individual tokens. Browsers cannot set arbitrary headers on a
// WebSocket handshake, so spec.md §6 uses this list as the side channel for
// the encoding choice, connection params, and an inspector token instead.
func splitSubprotocols(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type negotiatedProtocol struct {
	encoding       string
	params         map[string]string
	inspectorToken string
}

// negotiateSubprotocol walks the client's offered subprotocols once, picking
// out whichever carries each of the three recognized prefixes (spec.md §6);
// an offer matching none of them is ignored rather than rejected, so future
// prefixes can be added without breaking older clients.
func negotiateSubprotocol(offers []string, cfg Config) negotiatedProtocol {
	out := negotiatedProtocol{encoding: "json", params: map[string]string{}}
	for _, offer := range offers {
		switch {
		case strings.HasPrefix(offer, cfg.EncodingPrefix):
			out.encoding = strings.TrimPrefix(offer, cfg.EncodingPrefix)
		case strings.HasPrefix(offer, cfg.ConnParamsPrefix):
			raw := strings.TrimPrefix(offer, cfg.ConnParamsPrefix)
			if decoded, err := url.QueryUnescape(raw); err == nil {
				out.params = parseFlatParams(decoded)
			}
		case strings.HasPrefix(offer, cfg.InspectorTokenPrefix):
			out.inspectorToken = strings.TrimPrefix(offer, cfg.InspectorTokenPrefix)
		}
	}
	return out
}

// parseFlatParams decodes a percent-decoded JSON object of string values
// into a flat map, silently dropping anything that isn't a JSON object of
// strings (malformed params degrade to "no params" rather than failing the
// handshake).
func parseFlatParams(decoded string) map[string]string {
	var raw map[string]any
	if err := json.Unmarshal([]byte(decoded), &raw); err != nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// handleConnectSocket runs the mediated protocol pipeline (spec.md §4.F/§6):
// prepare, attach the socket, then hand every inbound frame to
// colony/protocol's Dispatcher through colony/connection.Manager.
func (gw *GatewayConfig) handleConnectSocket(c *websocket.Conn) {
	actorID, _ := c.Locals("colony_actor_id").(string)
	encoding, _ := c.Locals("colony_encoding").(string)
	params, _ := c.Locals("colony_params").(map[string]string)

	m := gw.Manager
	inst, err := m.instanceFor(actorID)
	if err != nil {
		_ = c.WriteMessage(websocket.CloseMessage, []byte(err.Error()))
		_ = c.Close()
		return
	}

	ctx := context.Background()
	conn, err := m.conns.Prepare(ctx, inst, connection.PrepareInput{ActorID: actorID, Encoding: encoding, Params: params})
	if err != nil {
		_ = c.WriteMessage(websocket.CloseMessage, []byte(err.Error()))
		_ = c.Close()
		return
	}

	sock := &wsSocket{conn: c}
	m.conns.Connect(ctx, conn, sock, m.disp)

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			break
		}
		if err := conn.Push(raw); err != nil {
			break
		}
	}
	_ = conn.Close()
}

// handleRawSocket hands the live connection straight to the actor
// definition's onWebSocket hook, bypassing the prepare/connect pipeline and
// the wire protocol entirely (spec.md §6 "the raw subpath").
func (gw *GatewayConfig) handleRawSocket(c *websocket.Conn) {
	actorID, _ := c.Locals("colony_actor_id").(string)
	encoding, _ := c.Locals("colony_encoding").(string)
	params, _ := c.Locals("colony_params").(map[string]string)

	m := gw.Manager
	inst, err := m.instanceFor(actorID)
	if err != nil {
		_ = c.Close()
		return
	}

	rc := &rawConn{conn: c, encoding: encoding, params: params}
	if err := inst.DispatchWebSocket(context.Background(), rc); err != nil {
		_ = c.Close()
	}
}

// handleInspectorSocket accepts an operator connection gated by a shared
// token compared in constant time (spec.md §6.E), then reads and discards
// frames until the client disconnects. No events are written to it.
func (gw *GatewayConfig) handleInspectorSocket(c *websocket.Conn) {
	token, _ := c.Locals("colony_inspector_token").(string)
	if !constantTimeTokenEqual(token, gw.Manager.cfg.InspectorToken) {
		_ = c.WriteMessage(websocket.CloseMessage, []byte("forbidden"))
		_ = c.Close()
		return
	}

	// The inspector connection has no attached actor; it just blocks on
	// reads until the client disconnects, so the write side (not modeled
	// here) can keep pushing without a reader racing Close underneath it.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func constantTimeTokenEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// wsSocket adapts a *websocket.Conn to connection.Socket/Pinger. Writes are
// serialized with a mutex because gorilla (and its gofiber wrapper) forbids
// concurrent writers on one connection, while colony/connection.Connection
// may call WriteMessage from both its processLoop goroutine and the
// manager's broadcast fan-out.
type wsSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}

func (s *wsSocket) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// rawConn implements actor.Conn for the `/ws/raw` subpath, plus ReadMessage
// for definitions whose onWebSocket hook needs to read frames itself — an
// extra method actor.Conn deliberately doesn't declare, since only this one
// subpath needs it; hooks that want it type-assert for it.
type rawConn struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	encoding string
	params   map[string]string
}

func (r *rawConn) ID() string               { return r.conn.Locals("colony_actor_id").(string) }
func (r *rawConn) Encoding() string          { return r.encoding }
func (r *rawConn) Params() map[string]string { return r.params }

func (r *rawConn) Send(event string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (r *rawConn) Close() error {
	return r.conn.Close()
}

// ReadMessage reads the next frame off the raw socket, blocking until one
// arrives or the connection closes.
func (r *rawConn) ReadMessage() ([]byte, error) {
	_, data, err := r.conn.ReadMessage()
	return data, err
}

var _ actor.Conn = (*rawConn)(nil)
var _ connection.Socket = (*wsSocket)(nil)
var _ connection.Pinger = (*wsSocket)(nil)
