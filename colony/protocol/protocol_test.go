package protocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mulgadc/colony/colony/actor"
	"github.com/mulgadc/colony/colony/colonyerr"
	"github.com/mulgadc/colony/colony/connection"
	"github.com/mulgadc/colony/colony/persistence"
	"github.com/mulgadc/colony/colony/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodecActionRequestRoundTrip(t *testing.T) {
	c := jsonCodec{}
	data := []byte(`{"kind":"action","id":7,"name":"increment","args":{"by":2}}`)
	msg, err := c.DecodeToServer(data)
	require.NoError(t, err)
	require.NotNil(t, msg.Action)
	assert.Equal(t, uint64(7), msg.Action.ID)
	assert.Equal(t, "increment", msg.Action.Name)
	assert.Equal(t, map[string]any{"by": float64(2)}, msg.Action.Args)
}

func TestJSONCodecSubscriptionRequestRoundTrip(t *testing.T) {
	c := jsonCodec{}
	data := []byte(`{"kind":"subscribe","eventName":"tick","subscribe":true}`)
	msg, err := c.DecodeToServer(data)
	require.NoError(t, err)
	require.NotNil(t, msg.Subscription)
	assert.Equal(t, "tick", msg.Subscription.EventName)
	assert.True(t, msg.Subscription.Subscribe)
}

func TestJSONCodecEncodeActionResponse(t *testing.T) {
	c := jsonCodec{}
	data, err := c.EncodeToClient(&ToClient{ActionResponse: &ActionResponse{ID: 7, Output: map[string]any{"n": 3}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"response","id":7,"output":{"n":3}}`, string(data))
}

func TestJSONCodecEncodeEventUsesPayloadBytes(t *testing.T) {
	c := jsonCodec{}
	data, err := c.EncodeToClient(&ToClient{Event: &Event{Name: "tick", Payload: []byte(`{"n":1}`)}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"event","name":"tick","payload":{"n":1}}`, string(data))
}

func TestCBORCodecEncodeActionResponse(t *testing.T) {
	c := cborCodec{}
	encoded, err := c.EncodeToClient(&ToClient{ActionResponse: &ActionResponse{ID: 42, Output: "hello"}})
	require.NoError(t, err)
	assert.NotEmpty(t, encoded)
}

func TestBareCodecActionRequestRoundTrip(t *testing.T) {
	w := &bareWriter{}
	w.u16(bareVersion)
	w.u8(bareKindAction)
	w.u64(9)
	w.str("increment")
	argsCBOR, err := cborOf(map[string]any{"by": 2})
	require.NoError(t, err)
	w.bytesField(argsCBOR)

	c := bareCodec{}
	msg, err := c.DecodeToServer(w.buf.Bytes())
	require.NoError(t, err)
	require.NotNil(t, msg.Action)
	assert.Equal(t, uint64(9), msg.Action.ID)
	assert.Equal(t, "increment", msg.Action.Name)
}

func TestBareCodecEncodeActionResponseDecodesBackViaReader(t *testing.T) {
	c := bareCodec{}
	data, err := c.EncodeToClient(&ToClient{ActionResponse: &ActionResponse{ID: 3, Output: map[string]any{"n": 5}}})
	require.NoError(t, err)

	r := newBareReader(data)
	version, err := r.u16()
	require.NoError(t, err)
	assert.Equal(t, bareVersion, version)
	kind, err := r.u8()
	require.NoError(t, err)
	assert.Equal(t, bareKindResponse, kind)
	id, err := r.u64()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id)
	outCBOR, err := r.bytesField()
	require.NoError(t, err)
	out, err := fromCBOR(outCBOR)
	require.NoError(t, err)
	assert.Equal(t, map[any]any{"n": uint64(5)}, out)
}

func TestBareCodecEncodeErrorWithActionID(t *testing.T) {
	c := bareCodec{}
	actionID := uint64(11)
	data, err := c.EncodeToClient(&ToClient{Error: &WireError{Group: "action", Code: "not_found", Message: "nope", ActionID: &actionID}})
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestCodecForUnknownEncoding(t *testing.T) {
	_, err := CodecFor("xml")
	assert.Error(t, err)
}

func newDispatchTestInstance(t *testing.T, def *actor.Definition) (*actor.Instance, *registry.Registry) {
	t.Helper()
	store, err := persistence.Open(t.TempDir())
	require.NoError(t, err)
	reg := registry.New(store, nil)
	reg.SetStart(actor.StartFunc(def, store, nil, reg, actor.Config{NoSleep: true}))

	e, err := actor.GetOrCreate(context.Background(), reg, def, "counter", []string{"1"}, nil)
	require.NoError(t, err)
	inst, err := actor.Start(reg, e.ID)
	require.NoError(t, err)
	return inst, reg
}

type fakeSocket struct {
	mu      sync.Mutex
	written [][]byte
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, append([]byte(nil), data...))
	return nil
}
func (s *fakeSocket) Close() error { return nil }

func (s *fakeSocket) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.written...)
}

func newDispatchTestConnection(t *testing.T, inst *actor.Instance, dispatcher *Dispatcher, encoding string) (*connection.Connection, *fakeSocket) {
	t.Helper()
	mgr, err := connection.New(dispatcher, connection.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	conn, err := mgr.Prepare(context.Background(), inst, connection.PrepareInput{ActorID: inst.ID(), Encoding: encoding})
	require.NoError(t, err)
	sock := &fakeSocket{}
	mgr.Connect(context.Background(), conn, sock, dispatcher)
	return conn, sock
}

func TestDispatcherInvokesActionAndRepliesWithResponse(t *testing.T) {
	def := &actor.Definition{
		Actions: map[string]actor.ActionFunc{
			"double": func(ctx context.Context, i *actor.Instance, args any) (any, error) {
				n := args.(map[string]any)["n"].(float64)
				return n * 2, nil
			},
		},
	}
	inst, reg := newDispatchTestInstance(t, def)
	dispatcher := NewDispatcher(func(actorID string) (*actor.Instance, error) {
		e, err := reg.LoadActor(actorID, "counter", []string{"1"})
		if err != nil {
			return nil, err
		}
		inst, ok := e.Instance().(*actor.Instance)
		if !ok {
			return nil, colonyerr.ActorNotFound
		}
		return inst, nil
	}, false)

	conn, sock := newDispatchTestConnection(t, inst, dispatcher, "json")

	require.NoError(t, conn.Push([]byte(`{"kind":"action","id":1,"name":"double","args":{"n":21}}`)))

	require.Eventually(t, func() bool { return len(sock.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"kind":"response","id":1,"output":42}`, string(sock.snapshot()[0]))
}

func TestDispatcherRepliesWithErrorForUnknownAction(t *testing.T) {
	def := &actor.Definition{Actions: map[string]actor.ActionFunc{}}
	inst, reg := newDispatchTestInstance(t, def)
	dispatcher := NewDispatcher(func(actorID string) (*actor.Instance, error) {
		e, err := reg.LoadActor(actorID, "counter", []string{"1"})
		if err != nil {
			return nil, err
		}
		return e.Instance().(*actor.Instance), nil
	}, false)

	conn, sock := newDispatchTestConnection(t, inst, dispatcher, "json")
	require.NoError(t, conn.Push([]byte(`{"kind":"action","id":9,"name":"nope","args":null}`)))

	require.Eventually(t, func() bool { return len(sock.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"kind":"error","group":"action","code":"not_found","message":"no action registered with that name","actionId":9}`, string(sock.snapshot()[0]))
}

func TestDispatcherDeniesActionWhenCanInvokeRejects(t *testing.T) {
	def := &actor.Definition{
		Actions: map[string]actor.ActionFunc{
			"secret": func(ctx context.Context, i *actor.Instance, args any) (any, error) { return "leaked", nil },
		},
		CanInvoke: func(ctx context.Context, i *actor.Instance, target actor.InvokeTarget) (bool, error) {
			return false, nil
		},
	}
	inst, reg := newDispatchTestInstance(t, def)
	dispatcher := NewDispatcher(func(actorID string) (*actor.Instance, error) {
		e, err := reg.LoadActor(actorID, "counter", []string{"1"})
		if err != nil {
			return nil, err
		}
		return e.Instance().(*actor.Instance), nil
	}, false)

	conn, sock := newDispatchTestConnection(t, inst, dispatcher, "json")
	require.NoError(t, conn.Push([]byte(`{"kind":"action","id":2,"name":"secret","args":null}`)))

	require.Eventually(t, func() bool { return len(sock.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"kind":"error","group":"auth","code":"forbidden","message":"not authorized to perform this operation","actionId":2}`, string(sock.snapshot()[0]))
}

func TestDispatcherSubscribeTogglesConnectionSubscription(t *testing.T) {
	def := &actor.Definition{Actions: map[string]actor.ActionFunc{}}
	inst, reg := newDispatchTestInstance(t, def)
	dispatcher := NewDispatcher(func(actorID string) (*actor.Instance, error) {
		e, err := reg.LoadActor(actorID, "counter", []string{"1"})
		if err != nil {
			return nil, err
		}
		return e.Instance().(*actor.Instance), nil
	}, false)

	conn, _ := newDispatchTestConnection(t, inst, dispatcher, "json")
	require.NoError(t, conn.Push([]byte(`{"kind":"subscribe","eventName":"tick","subscribe":true}`)))
	require.Eventually(t, func() bool { return conn.Subscribed("tick") }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Push([]byte(`{"kind":"subscribe","eventName":"tick","subscribe":false}`)))
	require.Eventually(t, func() bool { return !conn.Subscribed("tick") }, time.Second, 5*time.Millisecond)
}

func TestNonPublicErrorCollapsesInProd(t *testing.T) {
	def := &actor.Definition{
		Actions: map[string]actor.ActionFunc{
			"boom": func(ctx context.Context, i *actor.Instance, args any) (any, error) {
				return nil, colonyerr.ActorInternalError.WithCause(assert.AnError)
			},
		},
	}
	inst, reg := newDispatchTestInstance(t, def)
	resolve := func(actorID string) (*actor.Instance, error) {
		e, err := reg.LoadActor(actorID, "counter", []string{"1"})
		if err != nil {
			return nil, err
		}
		return e.Instance().(*actor.Instance), nil
	}

	prod := NewDispatcher(resolve, false)
	conn, sock := newDispatchTestConnection(t, inst, prod, "json")
	require.NoError(t, conn.Push([]byte(`{"kind":"action","id":5,"name":"boom","args":null}`)))
	require.Eventually(t, func() bool { return len(sock.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, string(sock.snapshot()[0]), `"code":"internal_error"`)
	assert.NotContains(t, string(sock.snapshot()[0]), assert.AnError.Error())
}
