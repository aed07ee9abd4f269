// Package manager implements the Manager (spec.md §4.H): the deterministic
// (name,key) -> actorId routing table, get-or-create orchestration, and the
// HTTP/WebSocket surface that proxies into a loaded colony/actor.Instance.
package manager

import (
	"context"
	"sort"
	"time"

	"github.com/mulgadc/colony/colony/actor"
	"github.com/mulgadc/colony/colony/alarm"
	"github.com/mulgadc/colony/colony/colonyerr"
	"github.com/mulgadc/colony/colony/connection"
	"github.com/mulgadc/colony/colony/id"
	"github.com/mulgadc/colony/colony/persistence"
	"github.com/mulgadc/colony/colony/protocol"
	"github.com/mulgadc/colony/colony/registry"
)

// Definitions maps an actor type name to the hooks/actions describing it.
// colony/manager.New is built with one of these so (name,key) routing has
// something concrete to instantiate (SPEC_FULL.md §4.D.E).
type Definitions map[string]*actor.Definition

// Config carries the manager's process-wide policy knobs, normally sourced
// from colony/config.
type Config struct {
	Dev bool

	ActorConfig       actor.Config
	ConnectionOptions connection.Options
	MaxAlarmLeg       time.Duration

	// InspectorToken, if non-empty, enables the read-only inspector surface
	// (SPEC_FULL.md §6.E); empty disables it entirely.
	InspectorToken string

	// WebSocket subprotocol prefixes (spec.md §6); each constant already
	// includes its own trailing delimiter, so negotiation is a plain
	// strings.TrimPrefix/HasPrefix.
	EncodingPrefix       string
	ConnParamsPrefix     string
	InspectorTokenPrefix string
}

func (c Config) withDefaults() Config {
	if c.EncodingPrefix == "" {
		c.EncodingPrefix = "encoding."
	}
	if c.ConnParamsPrefix == "" {
		c.ConnParamsPrefix = "params."
	}
	if c.InspectorTokenPrefix == "" {
		c.InspectorTokenPrefix = "inspector."
	}
	return c
}

// Metadata is the read-only snapshot Manager.GetForID/ListActors return —
// the "actor output" spec.md §4.H refers to without ever naming its shape
// (SPEC_FULL.md §3.E).
type Metadata struct {
	ID        string
	Name      string
	Key       []string
	Lifecycle registry.Lifecycle
	CreatedAt int64
	StartTs   *int64
	SleepTs   *int64
}

// Manager is the process-wide router from (name,key) to a live actor
// instance, plus its HTTP/WebSocket surface (gateway.go, websocket.go).
type Manager struct {
	defs  Definitions
	store *persistence.Store
	cfg   Config

	reg    *registry.Registry
	alarms *alarm.Scheduler
	conns  *connection.Manager
	disp   *protocol.Dispatcher
}

// New wires up a Manager: a registry whose StartFunc dispatches to the
// right Definition by actor name, an alarm scheduler whose onFire callback
// wakes the actor and runs its onAlarm hook, and a connection manager bound
// to a protocol.Dispatcher that resolves connections back to this registry.
func New(defs Definitions, store *persistence.Store, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	m := &Manager{defs: defs, store: store, cfg: cfg}

	m.reg = registry.New(store, nil)
	m.reg.SetStart(m.startFunc())
	m.alarms = alarm.New(store, m.fireAlarm, cfg.MaxAlarmLeg)

	m.disp = protocol.NewDispatcher(m.instanceFor, cfg.Dev)

	conns, err := connection.New(m.disp, cfg.ConnectionOptions)
	if err != nil {
		return nil, err
	}
	m.conns = conns

	return m, nil
}

// Replay re-arms every alarm persisted on disk, resolving each actor id back
// to a registry entry via a cold loadState (the alarm file alone only
// carries id + deadline, not name/key; the state file under the same id has
// both).
func (m *Manager) Replay() {
	m.alarms.Replay(func(actorID string) (*registry.Entry, error) {
		state, err := m.store.LoadState(actorID)
		if err != nil {
			return nil, err
		}
		if state == nil {
			return nil, colonyerr.ActorNotFound
		}
		return m.reg.LoadActor(actorID, state.Name, state.Key)
	})
}

// Close tears down the embedded connection manager and alarm timers.
func (m *Manager) Close() error {
	m.alarms.Close()
	return m.conns.Close()
}

func (m *Manager) startFunc() registry.StartFunc {
	return func(e *registry.Entry) (registry.RuntimeInstance, error) {
		def, ok := m.defs[e.Name]
		if !ok {
			return nil, colonyerr.ActorNotFound
		}
		return actor.StartFunc(def, m.store, m.alarms, m.reg, m.cfg.ActorConfig)(e)
	}
}

// fireAlarm is the alarm.Scheduler onFire callback (spec.md §4.B "ensure
// actor state exists, start the actor if not running, then invoke its
// onAlarm hook").
func (m *Manager) fireAlarm(actorID string) {
	inst, err := actor.Start(m.reg, actorID)
	if err != nil {
		return
	}
	if err := inst.FireAlarm(context.Background()); err != nil {
		_ = err // FireAlarm's own timeout/abort errors are not actionable here
	}
}

// instanceFor resolves actorID to its live Instance, starting it if its
// entry is known but not currently running. It is bound as the
// protocol.InstanceResolver for this manager's Dispatcher, and used directly
// by the HTTP/WebSocket surface.
func (m *Manager) instanceFor(actorID string) (*actor.Instance, error) {
	e, ok := m.reg.GetEntry(actorID)
	if !ok {
		return nil, colonyerr.ActorNotFound
	}
	if inst, ok := e.Instance().(*actor.Instance); ok && inst != nil {
		return inst, nil
	}
	return actor.Start(m.reg, actorID)
}

func metadataFromState(actorID string, lifecycle registry.Lifecycle, st *persistence.State) *Metadata {
	return &Metadata{
		ID:        actorID,
		Name:      st.Name,
		Key:       st.Key,
		Lifecycle: lifecycle,
		CreatedAt: st.CreatedAt,
		StartTs:   st.StartTs,
		SleepTs:   st.SleepTs,
	}
}

// GetForID implements spec.md §4.H getForId: actor output if loaded state
// exists and the actor isn't stopping, colonyerr.ActorStopping if it is, and
// colonyerr.ActorNotFound if no such actor exists at all.
func (m *Manager) GetForID(actorID string) (*Metadata, error) {
	if e, ok := m.reg.GetEntry(actorID); ok {
		snap := e.Snapshot()
		if snap.Lifecycle.Stopping() {
			return nil, colonyerr.ActorStopping
		}
		if snap.State == nil {
			return nil, colonyerr.ActorNotFound
		}
		return metadataFromState(actorID, snap.Lifecycle, snap.State), nil
	}

	// Not currently tracked in memory (e.g. slept and evicted from the
	// registry map) — the state file on disk is still authoritative.
	state, err := m.store.LoadState(actorID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, colonyerr.ActorNotFound
	}
	return metadataFromState(actorID, registry.Nonexistent, state), nil
}

// GetWithKey implements spec.md §4.H getWithKey: hash (name,key), then
// loadActor.
func (m *Manager) GetWithKey(name string, key []string) (*Metadata, error) {
	actorID := id.Hash(name, key)
	e, err := m.reg.LoadActor(actorID, name, key)
	if err != nil {
		return nil, err
	}
	snap := e.Snapshot()
	if snap.State == nil {
		return nil, colonyerr.ActorNotFound
	}
	return metadataFromState(actorID, snap.Lifecycle, snap.State), nil
}

// GetOrCreateWithKey implements spec.md §4.H getOrCreateWithKey: hash, then
// loadOrCreateActor (running the definition's onCreate the first time this
// (name,key) is seen), eagerly starting the actor so startTs is populated.
func (m *Manager) GetOrCreateWithKey(ctx context.Context, name string, key []string, input any) (*Metadata, error) {
	def, ok := m.defs[name]
	if !ok {
		return nil, colonyerr.ActorNotFound
	}

	e, err := actor.GetOrCreate(ctx, m.reg, def, name, key, input)
	if err != nil {
		return nil, err
	}
	if _, err := actor.Start(m.reg, e.ID); err != nil {
		return nil, err
	}

	snap := e.Snapshot()
	return metadataFromState(e.ID, snap.Lifecycle, snap.State), nil
}

// CreateActor implements spec.md §4.H createActor: hash, createActor
// (failing with colonyerr.ActorDuplicateKey if it already exists, unlike
// GetOrCreateWithKey), start; returns the deterministic id.
func (m *Manager) CreateActor(ctx context.Context, name string, key []string, input any) (string, error) {
	def, ok := m.defs[name]
	if !ok {
		return "", colonyerr.ActorNotFound
	}

	actorID := id.Hash(name, key)

	var initialKV map[string][]byte
	if def.OnCreate != nil {
		var err error
		initialKV, err = def.OnCreate(ctx, &actor.CreateInput{ActorID: actorID, Name: name, Key: key, Input: input})
		if err != nil {
			return "", err
		}
	}

	e, err := m.reg.CreateActor(ctx, actorID, name, key, initialKV)
	if err != nil {
		return "", err
	}
	if _, err := actor.Start(m.reg, e.ID); err != nil {
		return "", err
	}
	return actorID, nil
}

// ListActors implements spec.md §4.H listActors: registry entries matching
// name, sorted by createdAt descending.
func (m *Manager) ListActors(name string) []*Metadata {
	all := m.reg.All()
	out := make([]*Metadata, 0, len(all))
	for _, snap := range all {
		if snap.Name != name || snap.State == nil {
			continue
		}
		out = append(out, metadataFromState(snap.ID, snap.Lifecycle, snap.State))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// SendRequest implements spec.md §4.H sendRequest: forwards req to the
// actor-local router (the definition's onRequest hook), bracketing the call
// with HTTPRequestStarted/Finished so inactivity sleep accounts for it.
func (m *Manager) SendRequest(ctx context.Context, actorID string, req *actor.Request) (*actor.Response, error) {
	inst, err := m.instanceFor(actorID)
	if err != nil {
		return nil, err
	}
	inst.HTTPRequestStarted()
	defer inst.HTTPRequestFinished()
	return inst.DispatchRequest(ctx, req)
}

// InvokeAction runs a named action on actorID outside the WebSocket
// protocol pipeline (the gateway's `POST /action/:name`), using the same
// CanInvoke/ActionMode resolution colony/protocol's dispatcher uses.
func (m *Manager) InvokeAction(ctx context.Context, actorID, name string, args any) (any, error) {
	inst, err := m.instanceFor(actorID)
	if err != nil {
		return nil, err
	}
	allowed, err := inst.CanInvoke(ctx, actor.InvokeTarget{Kind: "action", Name: name})
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, colonyerr.AuthForbidden
	}
	return inst.Invoke(ctx, name, args, inst.ActionMode(name), 0)
}
