package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mulgadc/colony/colony/actor"
	"github.com/mulgadc/colony/colony/colonyerr"
	"github.com/mulgadc/colony/colony/persistence"
	"github.com/mulgadc/colony/colony/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
	pings   int
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), data...)
	s.written = append(s.written, cp)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return nil
}

func (s *fakeSocket) snapshot() (written [][]byte, closed bool, pings int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.written...), s.closed, s.pings
}

type recordingHandler struct {
	mu     sync.Mutex
	order  []string
	block  chan struct{} // if non-nil, the first frame blocks until this is closed
	frame1 bool
}

func (h *recordingHandler) HandleFrame(conn *Connection, raw []byte) {
	h.mu.Lock()
	isFirst := !h.frame1
	h.frame1 = true
	h.mu.Unlock()

	if isFirst && h.block != nil {
		<-h.block
	}

	h.mu.Lock()
	h.order = append(h.order, string(raw))
	h.mu.Unlock()
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

type fakeEncoder struct {
	mu    sync.Mutex
	calls []string
}

func (e *fakeEncoder) EncodeEvent(encoding, event string, payload []byte) ([]byte, error) {
	e.mu.Lock()
	e.calls = append(e.calls, encoding+":"+event)
	e.mu.Unlock()
	return []byte(encoding + "|" + event + "|" + string(payload)), nil
}

func newTestInstance(t *testing.T, def *actor.Definition) *actor.Instance {
	t.Helper()
	store, err := persistence.Open(t.TempDir())
	require.NoError(t, err)
	reg := registry.New(store, nil)
	reg.SetStart(actor.StartFunc(def, store, nil, reg, actor.Config{NoSleep: true}))

	e, err := actor.GetOrCreate(context.Background(), reg, def, "room", []string{"1"}, nil)
	require.NoError(t, err)
	inst, err := actor.Start(reg, e.ID)
	require.NoError(t, err)
	return inst
}

func newTestManager(t *testing.T, encoder EventEncoder) *Manager {
	t.Helper()
	m, err := New(encoder, Options{LivenessInterval: 20 * time.Millisecond, LivenessTimeout: 40 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestPrepareAndConnectFireHooksInOrder(t *testing.T) {
	var before, connected, disconnected bool
	def := &actor.Definition{
		OnBeforeConnect: func(ctx context.Context, i *actor.Instance, conn actor.Conn) error {
			before = true
			return nil
		},
		OnConnect: func(ctx context.Context, i *actor.Instance, conn actor.Conn) {
			connected = true
		},
		OnDisconnect: func(ctx context.Context, i *actor.Instance, conn actor.Conn) {
			disconnected = true
		},
	}
	inst := newTestInstance(t, def)
	m := newTestManager(t, nil)

	conn, err := m.Prepare(context.Background(), inst, PrepareInput{ActorID: inst.ID(), Encoding: "json"})
	require.NoError(t, err)
	assert.True(t, before)
	assert.False(t, connected)

	sock := &fakeSocket{}
	m.Connect(context.Background(), conn, sock, &recordingHandler{})
	assert.True(t, connected)

	require.NoError(t, conn.Close())
	assert.True(t, disconnected)
	_, closed, _ := sock.snapshot()
	assert.True(t, closed)
}

func TestPrepareAbortsOnBeforeConnectError(t *testing.T) {
	wantErr := colonyerr.AuthForbidden
	def := &actor.Definition{
		OnBeforeConnect: func(ctx context.Context, i *actor.Instance, conn actor.Conn) error {
			return wantErr
		},
	}
	inst := newTestInstance(t, def)
	m := newTestManager(t, nil)

	_, err := m.Prepare(context.Background(), inst, PrepareInput{ActorID: inst.ID(), Encoding: "json"})
	require.ErrorIs(t, err, wantErr)
}

func TestSendEncodesThroughManagerEncoder(t *testing.T) {
	inst := newTestInstance(t, &actor.Definition{})
	enc := &fakeEncoder{}
	m := newTestManager(t, enc)

	conn, err := m.Prepare(context.Background(), inst, PrepareInput{ActorID: inst.ID(), Encoding: "cbor"})
	require.NoError(t, err)
	sock := &fakeSocket{}
	m.Connect(context.Background(), conn, sock, &recordingHandler{})

	require.NoError(t, conn.Send("tick", []byte(`{"n":1}`)))

	written, _, _ := sock.snapshot()
	require.Len(t, written, 1)
	assert.Equal(t, `cbor|tick|{"n":1}`, string(written[0]))
}

func TestPushProcessesFramesStrictlyInOrder(t *testing.T) {
	inst := newTestInstance(t, &actor.Definition{})
	m := newTestManager(t, nil)
	conn, err := m.Prepare(context.Background(), inst, PrepareInput{ActorID: inst.ID(), Encoding: "json"})
	require.NoError(t, err)

	block := make(chan struct{})
	h := &recordingHandler{block: block}
	m.Connect(context.Background(), conn, &fakeSocket{}, h)

	require.NoError(t, conn.Push([]byte("first")))
	require.NoError(t, conn.Push([]byte("second")))
	require.NoError(t, conn.Push([]byte("third")))

	// Give the processing goroutine a chance to pick up "first" and block on it.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.snapshot(), "second/third must not be processed while first is in flight")

	close(block)
	require.Eventually(t, func() bool {
		return len(h.snapshot()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "second", "third"}, h.snapshot())
}

func TestPushReturnsQueueFullWhenInboxSaturated(t *testing.T) {
	inst := newTestInstance(t, &actor.Definition{})
	m := newTestManager(t, nil)
	conn, err := m.Prepare(context.Background(), inst, PrepareInput{ActorID: inst.ID(), Encoding: "json"})
	require.NoError(t, err)

	block := make(chan struct{})
	defer close(block)
	h := &recordingHandler{block: block}
	m.Connect(context.Background(), conn, &fakeSocket{}, h)

	// One frame gets picked up immediately and blocks the processing
	// goroutine; inboxDepth more fill the channel to capacity.
	require.NoError(t, conn.Push([]byte("blocker")))
	time.Sleep(10 * time.Millisecond)
	for i := 0; i < inboxDepth; i++ {
		require.NoError(t, conn.Push([]byte("filler")))
	}

	err = conn.Push([]byte("overflow"))
	assert.ErrorIs(t, err, colonyerr.QueueFull)
}

func TestBroadcastFansOutToSubscribersOnlyAndCachesPerEncoding(t *testing.T) {
	inst := newTestInstance(t, &actor.Definition{})
	enc := &fakeEncoder{}
	m := newTestManager(t, enc)

	mk := func(encoding string, subscribe bool) (*Connection, *fakeSocket) {
		conn, err := m.Prepare(context.Background(), inst, PrepareInput{ActorID: inst.ID(), Encoding: encoding})
		require.NoError(t, err)
		sock := &fakeSocket{}
		m.Connect(context.Background(), conn, sock, &recordingHandler{})
		if subscribe {
			conn.Subscribe("tick")
		}
		return conn, sock
	}

	_, subJSON := mk("json", true)
	_, subJSON2 := mk("json", true)
	_, subCBOR := mk("cbor", true)
	_, unsub := mk("json", false)

	require.NoError(t, m.Broadcast(inst.ID(), "tick", []byte(`{"n":1}`)))

	require.Eventually(t, func() bool {
		w1, _, _ := subJSON.snapshot()
		w2, _, _ := subJSON2.snapshot()
		w3, _, _ := subCBOR.snapshot()
		return len(w1) == 1 && len(w2) == 1 && len(w3) == 1
	}, time.Second, 5*time.Millisecond)

	w1, _, _ := subJSON.snapshot()
	w3, _, _ := subCBOR.snapshot()
	assert.Equal(t, `json|tick|{"n":1}`, string(w1[0]))
	assert.Equal(t, `cbor|tick|{"n":1}`, string(w3[0]))

	wu, _, _ := unsub.snapshot()
	assert.Empty(t, wu, "unsubscribed connection must not receive the broadcast")

	// Two json-encoded recipients share one encoder call; cbor needs its own.
	enc.mu.Lock()
	calls := append([]string(nil), enc.calls...)
	enc.mu.Unlock()
	jsonCalls := 0
	for _, c := range calls {
		if c == "json:tick" {
			jsonCalls++
		}
	}
	assert.Equal(t, 1, jsonCalls, "per-encoding cache must serialize json only once for two json recipients")
}

func TestLivenessTimeoutDisconnectsStaleConnection(t *testing.T) {
	var disconnected bool
	var mu sync.Mutex
	inst := newTestInstance(t, &actor.Definition{
		OnDisconnect: func(ctx context.Context, i *actor.Instance, conn actor.Conn) {
			mu.Lock()
			disconnected = true
			mu.Unlock()
		},
	})
	m := newTestManager(t, nil)
	conn, err := m.Prepare(context.Background(), inst, PrepareInput{ActorID: inst.ID(), Encoding: "json"})
	require.NoError(t, err)
	sock := &fakeSocket{}
	m.Connect(context.Background(), conn, sock, &recordingHandler{})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnected
	}, time.Second, 5*time.Millisecond, "connection must be disconnected after missing its liveness deadline")

	_, closed, _ := sock.snapshot()
	assert.True(t, closed)
}

func TestHibernationRestoreConnFindsPreparedConnectionUntilConnected(t *testing.T) {
	inst := newTestInstance(t, &actor.Definition{})
	m := newTestManager(t, nil)

	gatewayID := []byte("gw-1")
	requestID := []byte("req-1")
	conn, err := m.Prepare(context.Background(), inst, PrepareInput{
		ActorID:      inst.ID(),
		Encoding:     "json",
		Hibernatable: true,
		GatewayID:    gatewayID,
		RequestID:    requestID,
	})
	require.NoError(t, err)

	found, ok := m.RestoreConn(gatewayID, requestID)
	require.True(t, ok)
	assert.Same(t, conn, found)

	m.Connect(context.Background(), conn, &fakeSocket{}, &recordingHandler{})

	_, ok = m.RestoreConn(gatewayID, requestID)
	assert.False(t, ok, "a connected connection must be removed from the hibernation-restore index")
}
