package protocol

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mulgadc/colony/colony/actor"
	"github.com/mulgadc/colony/colony/colonyerr"
	"github.com/mulgadc/colony/colony/connection"
)

// InstanceResolver looks an actor id up to its live Instance; colony/manager
// supplies this bound to its registry, so protocol never imports
// colony/registry or colony/manager directly.
type InstanceResolver func(actorID string) (*actor.Instance, error)

// Dispatcher turns decoded ToServer messages into actor.Instance calls and
// ToClient responses (spec.md §4.G). It implements connection.FrameHandler
// and connection.EventEncoder, so one Dispatcher per process is enough to
// wire into every colony/connection.Manager.
type Dispatcher struct {
	resolve InstanceResolver
	// dev controls whether non-public errors surface their cause to clients
	// (colonyerr.ForClient's "development mode" flag).
	dev bool
}

// NewDispatcher returns a Dispatcher that resolves connections' actor ids
// via resolve. dev enables colonyerr.ForClient's cause-exposing mode.
func NewDispatcher(resolve InstanceResolver, dev bool) *Dispatcher {
	return &Dispatcher{resolve: resolve, dev: dev}
}

// HandleFrame implements connection.FrameHandler. It decodes raw per the
// connection's negotiated encoding, dispatches the resulting ActionRequest
// or SubscriptionRequest, and writes back exactly one ToClient frame for an
// ActionRequest (an Error or an ActionResponse); a SubscriptionRequest has no
// response frame on success.
func (d *Dispatcher) HandleFrame(conn *connection.Connection, raw []byte) {
	codec, err := CodecFor(conn.Encoding())
	if err != nil {
		slog.Error("protocol: connection has unrecognized encoding", "conn_id", conn.ID(), "encoding", conn.Encoding())
		// The connection's own negotiated encoding can't serialize an error
		// frame, so fall back to json to tell the client why before closing.
		d.writeError(conn, jsonCodec{}, err, nil)
		_ = conn.Close()
		return
	}

	msg, err := codec.DecodeToServer(raw)
	if err != nil {
		d.writeError(conn, codec, colonyerr.MessageMalformed.WithCause(err), nil)
		return
	}

	inst, err := d.resolve(conn.ActorID())
	if err != nil {
		d.writeError(conn, codec, err, actionIDOf(msg))
		return
	}

	ctx := context.Background()
	switch {
	case msg.Action != nil:
		d.dispatchAction(ctx, conn, codec, inst, msg.Action)
	case msg.Subscription != nil:
		d.dispatchSubscription(ctx, conn, inst, msg.Subscription)
	}
}

func actionIDOf(msg *ToServer) *uint64 {
	if msg == nil || msg.Action == nil {
		return nil
	}
	id := msg.Action.ID
	return &id
}

func (d *Dispatcher) dispatchAction(ctx context.Context, conn *connection.Connection, codec Codec, inst *actor.Instance, req *ActionRequest) {
	allowed, err := inst.CanInvoke(ctx, actor.InvokeTarget{Kind: "action", Name: req.Name})
	if err != nil {
		d.writeError(conn, codec, err, &req.ID)
		return
	}
	if !allowed {
		d.writeError(conn, codec, colonyerr.AuthForbidden, &req.ID)
		return
	}

	mode := inst.ActionMode(req.Name)
	out, err := inst.Invoke(ctx, req.Name, req.Args, mode, 0)
	if err != nil {
		d.writeError(conn, codec, err, &req.ID)
		return
	}

	data, err := codec.EncodeToClient(&ToClient{ActionResponse: &ActionResponse{ID: req.ID, Output: out}})
	if err != nil {
		slog.Error("protocol: failed to encode action response", "conn_id", conn.ID(), "action", req.Name, "err", err)
		return
	}
	if err := conn.WriteRaw(data); err != nil {
		slog.Warn("protocol: failed to write action response", "conn_id", conn.ID(), "err", err)
	}
}

func (d *Dispatcher) dispatchSubscription(ctx context.Context, conn *connection.Connection, inst *actor.Instance, req *SubscriptionRequest) {
	allowed, err := inst.CanInvoke(ctx, actor.InvokeTarget{Kind: "subscribe", Name: req.EventName})
	if err != nil || !allowed {
		slog.Info("protocol: subscription denied", "conn_id", conn.ID(), "event", req.EventName, "err", err)
		return
	}
	if req.Subscribe {
		conn.Subscribe(req.EventName)
	} else {
		conn.Unsubscribe(req.EventName)
	}
}

func (d *Dispatcher) writeError(conn *connection.Connection, codec Codec, cause error, actionID *uint64) {
	wireErr := colonyerr.ForClient(cause, d.dev)
	we := &WireError{Group: wireErr.Group, Code: wireErr.Code, Message: wireErr.Message, Metadata: wireErr.Metadata, ActionID: actionID}
	data, err := codec.EncodeToClient(&ToClient{Error: we})
	if err != nil {
		slog.Error("protocol: failed to encode error frame", "err", err)
		return
	}
	if err := conn.WriteRaw(data); err != nil {
		slog.Warn("protocol: failed to write error frame", "conn_id", conn.ID(), "err", err)
	}
}

// EncodeEvent implements connection.EventEncoder: it frames payload (an
// already-JSON-marshaled application value) as a named Event and encodes it
// per the connection's negotiated encoding.
func (d *Dispatcher) EncodeEvent(encoding, event string, payload []byte) ([]byte, error) {
	codec, err := CodecFor(encoding)
	if err != nil {
		return nil, err
	}
	return codec.EncodeToClient(&ToClient{Event: &Event{Name: event, Payload: payload}})
}

// MarshalPayload is the counterpart actor hooks use to build the payload
// bytes Conn.Send/Manager.Broadcast expect: an ordinary JSON marshal of the
// application value, independent of any connection's wire encoding.
func MarshalPayload(v any) ([]byte, error) { return json.Marshal(v) }
