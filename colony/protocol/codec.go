package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/mulgadc/colony/colony/colonyerr"
)

// Codec turns wire bytes into a ToServer message and a ToClient message into
// wire bytes, for one of the three connection encodings (spec.md §6).
type Codec interface {
	Name() string
	DecodeToServer(data []byte) (*ToServer, error)
	EncodeToClient(msg *ToClient) ([]byte, error)
}

// payloadToAny re-expresses an already-JSON-marshaled application value (the
// shape every actor hook produces for Conn.Send/Manager.Broadcast,
// regardless of the connection's wire encoding) as a generic value every
// codec below can re-serialize in its own encoding.
func payloadToAny(jsonPayload []byte) (any, error) {
	if len(jsonPayload) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(jsonPayload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// CodecFor resolves the Codec for a connection's negotiated encoding name.
// An unrecognized name returns colonyerr.EncodingInvalid (spec.md:232), not a
// bare error, so it flows through colonyerr.ForClient/WireError like any
// other taxonomy error.
func CodecFor(encoding string) (Codec, error) {
	switch encoding {
	case "json":
		return jsonCodec{}, nil
	case "cbor":
		return cborCodec{}, nil
	case "bare":
		return bareCodec{}, nil
	default:
		return nil, colonyerr.EncodingInvalid.WithMetadata(map[string]any{"encoding": encoding})
	}
}

// ValidEncoding reports whether name is one of the three wire encodings
// CodecFor accepts, for validating a negotiated encoding before it is ever
// handed to CodecFor (colony/manager/websocket.go's subprotocol negotiation).
func ValidEncoding(name string) bool {
	switch name {
	case "json", "cbor", "bare":
		return true
	default:
		return false
	}
}

// --- json ---

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

type jsonToServer struct {
	Kind      string          `json:"kind"`
	ID        uint64          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	EventName string          `json:"eventName,omitempty"`
	Subscribe bool            `json:"subscribe,omitempty"`
}

func (jsonCodec) DecodeToServer(data []byte) (*ToServer, error) {
	var raw jsonToServer
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	switch raw.Kind {
	case "action":
		var args any
		if len(raw.Args) > 0 {
			if err := json.Unmarshal(raw.Args, &args); err != nil {
				return nil, err
			}
		}
		return &ToServer{Action: &ActionRequest{ID: raw.ID, Name: raw.Name, Args: args}}, nil
	case "subscribe":
		return &ToServer{Subscription: &SubscriptionRequest{EventName: raw.EventName, Subscribe: raw.Subscribe}}, nil
	default:
		return nil, fmt.Errorf("protocol: unrecognized message kind %q", raw.Kind)
	}
}

type jsonToClient struct {
	Kind     string         `json:"kind"`
	ID       uint64         `json:"id,omitempty"`
	Output   any            `json:"output,omitempty"`
	Group    string         `json:"group,omitempty"`
	Code     string         `json:"code,omitempty"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	ActionID *uint64        `json:"actionId,omitempty"`
	Name     string         `json:"name,omitempty"`
	Payload  any            `json:"payload,omitempty"`
}

func (jsonCodec) EncodeToClient(msg *ToClient) ([]byte, error) {
	raw, err := toClientJSON(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}

func toClientJSON(msg *ToClient) (*jsonToClient, error) {
	switch {
	case msg.ActionResponse != nil:
		return &jsonToClient{Kind: "response", ID: msg.ActionResponse.ID, Output: msg.ActionResponse.Output}, nil
	case msg.Error != nil:
		return &jsonToClient{
			Kind: "error", Group: msg.Error.Group, Code: msg.Error.Code, Message: msg.Error.Message,
			Metadata: msg.Error.Metadata, ActionID: msg.Error.ActionID,
		}, nil
	case msg.Event != nil:
		payload, err := payloadToAny(msg.Event.Payload)
		if err != nil {
			return nil, err
		}
		return &jsonToClient{Kind: "event", Name: msg.Event.Name, Payload: payload}, nil
	default:
		return nil, fmt.Errorf("protocol: empty ToClient message")
	}
}

// --- cbor ---

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) DecodeToServer(data []byte) (*ToServer, error) {
	var raw jsonToServer // same field shape; cbor honors the json tags fxamacker supports
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	switch raw.Kind {
	case "action":
		var args any
		if len(raw.Args) > 0 {
			if err := cbor.Unmarshal(raw.Args, &args); err != nil {
				return nil, err
			}
		}
		return &ToServer{Action: &ActionRequest{ID: raw.ID, Name: raw.Name, Args: args}}, nil
	case "subscribe":
		return &ToServer{Subscription: &SubscriptionRequest{EventName: raw.EventName, Subscribe: raw.Subscribe}}, nil
	default:
		return nil, fmt.Errorf("protocol: unrecognized message kind %q", raw.Kind)
	}
}

func (cborCodec) EncodeToClient(msg *ToClient) ([]byte, error) {
	raw, err := toClientJSON(msg)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(raw)
}

// --- bare ---
//
// No general-purpose BARE library exists in the retrieval pack (see
// DESIGN.md Open Question 3), so this is a small hand-rolled binary frame in
// the same style as colony/persistence/envelope.go: a 2-byte version prefix,
// a 1-byte kind tag, then fixed-width fields as little-endian integers and
// variable-length fields as a uint32 length prefix followed by raw bytes.
// Dynamic values (args/output/payload/metadata) travel as an embedded CBOR
// blob, per spec.md §9's "opaque serialized bytes plus an encoding tag"
// design note for dynamically typed fields.

const bareVersion uint16 = 1

const (
	bareKindAction       uint8 = 1
	bareKindSubscription uint8 = 2
	bareKindResponse     uint8 = 3
	bareKindError        uint8 = 4
	bareKindEvent        uint8 = 5
)

type bareCodec struct{}

func (bareCodec) Name() string { return "bare" }

type bareWriter struct{ buf bytes.Buffer }

func (w *bareWriter) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *bareWriter) u64(v uint64) { binary.Write(&w.buf, binary.LittleEndian, v) } //nolint:errcheck

// u16 writes a 2-byte little-endian field, matching
// colony/persistence/envelope.go's version-prefix encoding.
func (w *bareWriter) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *bareWriter) bytesField(b []byte) {
	binary.Write(&w.buf, binary.LittleEndian, uint32(len(b))) //nolint:errcheck
	w.buf.Write(b)
}

func (w *bareWriter) str(s string) { w.bytesField([]byte(s)) }

type bareReader struct{ buf *bytes.Reader }

func newBareReader(b []byte) *bareReader { return &bareReader{buf: bytes.NewReader(b)} }

func (r *bareReader) u8() (uint8, error) { return r.buf.ReadByte() }

func (r *bareReader) u64() (uint64, error) {
	var v uint64
	err := binary.Read(r.buf, binary.LittleEndian, &v)
	return v, err
}

// u16 reads a 2-byte little-endian field, matching
// colony/persistence/envelope.go's version-prefix encoding.
func (r *bareReader) u16() (uint16, error) {
	var b [2]byte
	if _, err := r.buf.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (r *bareReader) bytesField() ([]byte, error) {
	var n uint32
	if err := binary.Read(r.buf, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if int64(n) > int64(r.buf.Len()) {
		return nil, fmt.Errorf("protocol: bare field length %d exceeds remaining buffer", n)
	}
	out := make([]byte, n)
	if _, err := r.buf.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *bareReader) str() (string, error) {
	b, err := r.bytesField()
	return string(b), err
}

func cborOf(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return cbor.Marshal(v)
}

func fromCBOR(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v any
	if err := cbor.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (bareCodec) DecodeToServer(data []byte) (*ToServer, error) {
	r := newBareReader(data)
	version, err := r.u16()
	if err != nil {
		return nil, err
	}
	if version != bareVersion {
		return nil, fmt.Errorf("protocol: unsupported bare frame version %d", version)
	}
	kind, err := r.u8()
	if err != nil {
		return nil, err
	}

	switch kind {
	case bareKindAction:
		id, err := r.u64()
		if err != nil {
			return nil, err
		}
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		argsCBOR, err := r.bytesField()
		if err != nil {
			return nil, err
		}
		args, err := fromCBOR(argsCBOR)
		if err != nil {
			return nil, err
		}
		return &ToServer{Action: &ActionRequest{ID: id, Name: name, Args: args}}, nil
	case bareKindSubscription:
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		sub, err := r.u8()
		if err != nil {
			return nil, err
		}
		return &ToServer{Subscription: &SubscriptionRequest{EventName: name, Subscribe: sub != 0}}, nil
	default:
		return nil, fmt.Errorf("protocol: unrecognized bare frame kind %d", kind)
	}
}

func (bareCodec) EncodeToClient(msg *ToClient) ([]byte, error) {
	w := &bareWriter{}
	w.u16(bareVersion)

	switch {
	case msg.ActionResponse != nil:
		outCBOR, err := cborOf(msg.ActionResponse.Output)
		if err != nil {
			return nil, err
		}
		w.u8(bareKindResponse)
		w.u64(msg.ActionResponse.ID)
		w.bytesField(outCBOR)
	case msg.Error != nil:
		mdCBOR, err := cborOf(toAny(msg.Error.Metadata))
		if err != nil {
			return nil, err
		}
		w.u8(bareKindError)
		w.str(msg.Error.Group)
		w.str(msg.Error.Code)
		w.str(msg.Error.Message)
		w.bytesField(mdCBOR)
		if msg.Error.ActionID != nil {
			w.u8(1)
			w.u64(*msg.Error.ActionID)
		} else {
			w.u8(0)
		}
	case msg.Event != nil:
		payload, err := payloadToAny(msg.Event.Payload)
		if err != nil {
			return nil, err
		}
		payloadCBOR, err := cborOf(payload)
		if err != nil {
			return nil, err
		}
		w.u8(bareKindEvent)
		w.str(msg.Event.Name)
		w.bytesField(payloadCBOR)
	default:
		return nil, fmt.Errorf("protocol: empty ToClient message")
	}

	return w.buf.Bytes(), nil
}

func toAny(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}
