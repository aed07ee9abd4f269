// Package actor implements the loaded runtime for one actor (spec.md §4.D):
// the user-supplied hooks/actions definition, the live Instance built from
// it, and the get-or-create/start orchestration that wires hook invocation
// around colony/registry's mechanical lifecycle transitions.
//
// The crash/restart bookkeeping for a long-running `run` handler follows
// hive/daemon/health.go's classifyCrashReason/restartBackoff shape,
// generalized from a QEMU child process to an in-process goroutine.
package actor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mulgadc/colony/colony/alarm"
	"github.com/mulgadc/colony/colony/colonyerr"
	"github.com/mulgadc/colony/colony/id"
	"github.com/mulgadc/colony/colony/persistence"
	"github.com/mulgadc/colony/colony/registry"
	"github.com/mulgadc/colony/colony/scheduler"
)

// Conn is the narrow view of a live connection actor hooks need. It is
// defined here, not in colony/connection, so colony/connection can depend on
// colony/actor (to dispatch hooks) without a cycle.
type Conn interface {
	ID() string
	Encoding() string
	Params() map[string]string
	Send(event string, payload []byte) error
	Close() error
}

// Request is the forwarded view of an HTTP request under `ALL /request/*`.
type Request struct {
	Method  string
	Path    string
	Headers map[string][]string
	Body    []byte
}

// Response is what an onRequest hook returns to be written back verbatim.
type Response struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
}

// InvokeTarget names the thing a canInvoke authorization hook is being asked
// to allow or deny (spec.md §4.G). Kind is "action" or "subscribe".
type InvokeTarget struct {
	Kind string
	Name string
}

// CreateInput is what onCreate receives: the proposed identity and the
// caller-supplied input payload, before any state file exists.
type CreateInput struct {
	ActorID string
	Name    string
	Key     []string
	Input   any
}

// ActionFunc implements one named action (spec.md §5 "actions").
type ActionFunc func(ctx context.Context, i *Instance, args any) (any, error)

// Definition is the user-supplied description of one actor type: its
// actions, lifecycle hooks, and optional long-running handler. Definitions
// are immutable and shared across every Instance of that actor type.
type Definition struct {
	// Actions dispatches named requests (spec.md §4.D, §6 ActionRequest).
	Actions map[string]ActionFunc

	// ActionModes declares each action's operation-scheduler admission class
	// (spec.md §4.E "each operation declares a mode"). An action missing
	// from this map defaults to scheduler.Serial.
	ActionModes map[string]scheduler.Mode

	// Run, if set, is launched once after start on its own goroutine. An
	// error return or panic restarts it in place with exponential backoff,
	// up to MaxRestarts within RestartWindow, after which it is not
	// restarted again; a nil return ends it without a restart. Neither case
	// closes the instance's connections or stops the instance.
	Run func(ctx context.Context, i *Instance) error

	// OnCreate runs once, before any state file is written. Returning an
	// error aborts creation entirely (spec.md §7); a non-nil initial map
	// seeds the actor's KV store.
	OnCreate func(ctx context.Context, in *CreateInput) (initialKV map[string][]byte, err error)
	// OnDestroy runs once, during destroyActor, before files are deleted.
	OnDestroy func(ctx context.Context, i *Instance) error
	// OnWake runs every time the instance is (re)started: first start after
	// create, and every start after a sleep.
	OnWake func(ctx context.Context, i *Instance) error
	// OnSleep runs before the instance's resources are torn down for sleep.
	OnSleep func(ctx context.Context, i *Instance) error
	// OnAlarm runs when this actor's scheduled alarm fires (spec.md §4.B);
	// the manager has already ensured the actor is started before calling
	// it. A nil hook means a fired alarm is simply dropped after waking the
	// actor.
	OnAlarm func(ctx context.Context, i *Instance) error
	// OnStateChange fires once per mutation visible on the state mirror;
	// re-entrant calls from within the hook itself are suppressed.
	OnStateChange func(i *Instance, newState *persistence.State)

	OnBeforeConnect func(ctx context.Context, i *Instance, conn Conn) error
	OnConnect       func(ctx context.Context, i *Instance, conn Conn)
	OnDisconnect    func(ctx context.Context, i *Instance, conn Conn)

	// CanInvoke authorizes an action dispatch or subscription toggle before
	// it runs (spec.md §4.G); nil means everything is allowed.
	CanInvoke func(ctx context.Context, i *Instance, target InvokeTarget) (bool, error)

	// OnBeforeActionResponse lets the definition transform an action's
	// output before it is framed onto the wire.
	OnBeforeActionResponse func(ctx context.Context, i *Instance, actionName string, output any) (any, error)

	// OnRequest answers `ALL /request/*`; nil means the route 404s.
	OnRequest func(ctx context.Context, i *Instance, req *Request) (*Response, error)
	// OnWebSocket handles the raw-websocket subpath, bypassing the
	// ActionRequest/SubscriptionRequest protocol entirely.
	OnWebSocket func(ctx context.Context, i *Instance, conn Conn) error
}

// Config carries the ambient timeouts/policy an Instance is built with
// (spec.md §4.D/§4.E defaults), normally sourced from colony/config.
type Config struct {
	NoSleep           bool
	SleepTimeout      time.Duration // default 30s
	ActionTimeout     time.Duration // default 60s
	RunStopTimeout    time.Duration // default 10s
	WaitUntilTimeout  time.Duration // default 30s
	MaxRestarts       int           // default 3
	RestartWindow     time.Duration // default 10m
	RestartBackoffMin time.Duration // default 5s
	RestartBackoffMax time.Duration // default 2m
}

func (c Config) withDefaults() Config {
	if c.SleepTimeout <= 0 {
		c.SleepTimeout = 30 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 60 * time.Second
	}
	if c.RunStopTimeout <= 0 {
		c.RunStopTimeout = 10 * time.Second
	}
	if c.WaitUntilTimeout <= 0 {
		c.WaitUntilTimeout = 30 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 3
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 10 * time.Minute
	}
	if c.RestartBackoffMin <= 0 {
		c.RestartBackoffMin = 5 * time.Second
	}
	if c.RestartBackoffMax <= 0 {
		c.RestartBackoffMax = 2 * time.Minute
	}
	return c
}

// Instance is the live runtime for one actor, implementing
// registry.RuntimeInstance so the registry can drive its lifecycle without
// importing this package.
type Instance struct {
	entry  *registry.Entry
	def    *Definition
	store  *persistence.Store
	sched  *scheduler.Scheduler
	alarms *alarm.Scheduler
	cfg    Config

	abortCtx    context.Context
	abortCancel context.CancelFunc

	mu             sync.Mutex
	keepAwakeCount int
	connCount      int
	pendingActions int
	pendingHTTP    int
	sleepTimer     *time.Timer
	stateChanging  bool
	restartCount   int
	restartWindow  time.Time

	waitGroup sync.WaitGroup // waitUntil-tracked fire-and-forget work
}

// ID returns the actor id this instance backs.
func (i *Instance) ID() string { return i.entry.ID }

// Entry exposes the backing registry entry, for packages (connection,
// protocol, manager) that need lifecycle/state beyond what Instance itself
// surfaces.
func (i *Instance) Entry() *registry.Entry { return i.entry }

// Scheduler returns the per-actor operation admission gate (spec.md §4.E).
func (i *Instance) Scheduler() *scheduler.Scheduler { return i.sched }

// Context returns the instance's abort context; it is cancelled the moment
// a sleep or destroy transition begins (spec.md §4.E cancellation).
func (i *Instance) Context() context.Context { return i.abortCtx }

// State returns a snapshot of the actor's persisted state mirror.
func (i *Instance) State() *persistence.State { return i.entry.Snapshot().State }

// KV returns the actor's embedded SQLite key/value store, wrapped so every
// operation re-checks the entry's lifecycle before touching the database:
// a kvBatchPut/Delete racing a sleep or destroy transition no-ops instead of
// persisting, and a read in flight during STARTING_SLEEP or STARTING_DESTROY
// fails with
// colonyerr.ActorAborted rather than returning stale-but-committed data
// (spec.md §4.E "operations in flight when a stop begins").
func (i *Instance) KV() (*gatedKV, error) {
	store, err := i.store.KV(i.entry.ID)
	if err != nil {
		return nil, err
	}
	return &gatedKV{store: store, entry: i.entry}, nil
}

// gatedKV wraps *persistence.KVStore with a lifecycle check ahead of every
// operation. persistence cannot import registry (registry already imports
// persistence), so the gate lives here rather than in persistence.KVStore
// itself.
type gatedKV struct {
	store *persistence.KVStore
	entry *registry.Entry
}

func (g *gatedKV) aborted() bool { return g.entry.Lifecycle().Stopping() }

// BatchPut no-ops silently while the actor is stopping (spec.md §9 Open
// Question 1: a write racing destroy is dropped, not surfaced as an error).
func (g *gatedKV) BatchPut(ctx context.Context, entries []persistence.Entry) error {
	if g.aborted() {
		return nil
	}
	return g.store.BatchPut(ctx, entries)
}

func (g *gatedKV) BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	if g.aborted() {
		return nil, colonyerr.ActorAborted
	}
	return g.store.BatchGet(ctx, keys)
}

// BatchDelete no-ops silently while the actor is stopping, matching BatchPut.
func (g *gatedKV) BatchDelete(ctx context.Context, keys [][]byte) error {
	if g.aborted() {
		return nil
	}
	return g.store.BatchDelete(ctx, keys)
}

func (g *gatedKV) ListPrefix(ctx context.Context, prefix []byte) ([]persistence.Entry, error) {
	if g.aborted() {
		return nil, colonyerr.ActorAborted
	}
	return g.store.ListPrefix(ctx, prefix)
}

// WriteState persists a mutated copy of the actor's state through the
// per-actor FIFO write queue, fencing on the entry's generation, then fires
// OnStateChange exactly once (re-entrant calls from inside the hook are
// suppressed).
func (i *Instance) WriteState(mutate func(s *persistence.State)) error {
	gen := i.entry.Generation()
	snap := i.entry.Snapshot()
	st := snap.State
	if st == nil {
		return colonyerr.ActorNotFound
	}
	mutate(st)

	i.entry.PendingWrite().Lock()
	err := i.store.WriteState(i.entry.ID, st, i.entry.GuardGeneration(gen))
	i.entry.PendingWrite().Unlock()
	if err != nil {
		return err
	}

	i.notifyStateChange(st)
	return nil
}

func (i *Instance) notifyStateChange(st *persistence.State) {
	if i.def.OnStateChange == nil {
		return
	}
	i.mu.Lock()
	if i.stateChanging {
		i.mu.Unlock()
		return
	}
	i.stateChanging = true
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		i.stateChanging = false
		i.mu.Unlock()
	}()
	i.def.OnStateChange(i, st)
}

// KeepAwake runs task while preventing the inactivity-sleep timer from
// firing, and resets that timer on completion (spec.md §4.D).
func (i *Instance) KeepAwake(ctx context.Context, task func(ctx context.Context) error) error {
	i.mu.Lock()
	i.keepAwakeCount++
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.keepAwakeCount--
		i.mu.Unlock()
		i.resetInactivityTimer()
	}()
	return task(ctx)
}

// WaitUntil tracks fire-and-forget work so shutdown can drain it within
// WaitUntilTimeout instead of abandoning it immediately (spec.md §4.D).
func (i *Instance) WaitUntil(task func(ctx context.Context)) {
	i.waitGroup.Add(1)
	go func() {
		defer i.waitGroup.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("actor: waitUntil task panicked", "actor_id", i.entry.ID, "panic", r)
			}
		}()
		task(i.abortCtx)
	}()
}

// Invoke dispatches a named action under the operation scheduler's
// admission discipline, then runs OnBeforeActionResponse on success.
func (i *Instance) Invoke(ctx context.Context, name string, args any, mode scheduler.Mode, timeout time.Duration) (any, error) {
	fn, ok := i.def.Actions[name]
	if !ok {
		return nil, colonyerr.ActionNotFound
	}
	if timeout <= 0 {
		timeout = i.cfg.ActionTimeout
	}

	i.mu.Lock()
	i.pendingActions++
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.pendingActions--
		i.mu.Unlock()
		i.resetInactivityTimer()
	}()

	release, err := i.sched.Acquire(ctx, mode)
	if err != nil {
		return nil, err
	}
	defer release()

	opCtx, cancel := context.WithTimeout(i.abortCtx, timeout)
	defer cancel()

	type result struct {
		out any
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- result{err: colonyerr.ActorInternalError.WithCause(panicError{r})}
			}
		}()
		out, err := fn(opCtx, i, args)
		resCh <- result{out: out, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, res.err
		}
		if i.def.OnBeforeActionResponse != nil {
			return i.def.OnBeforeActionResponse(opCtx, i, name, res.out)
		}
		return res.out, nil
	case <-opCtx.Done():
		if i.abortCtx.Err() != nil {
			return nil, colonyerr.ActorAborted
		}
		return nil, colonyerr.ActionTimedOut
	}
}

type panicError struct{ v any }

func (p panicError) Error() string { return "panic: " + toString(p.v) }

func toString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "non-error panic value"
}

// ActionMode returns the operation-scheduler admission class declared for
// name, defaulting to scheduler.Serial if the definition does not declare
// one. The caller (colony/protocol's dispatcher) is responsible for checking
// the action exists before dispatch; this only resolves mode.
func (i *Instance) ActionMode(name string) scheduler.Mode {
	if i.def.ActionModes == nil {
		return scheduler.Serial
	}
	if m, ok := i.def.ActionModes[name]; ok {
		return m
	}
	return scheduler.Serial
}

// CanInvoke runs the definition's authorization hook for target, defaulting
// to allowed when no hook is registered (spec.md §4.G).
func (i *Instance) CanInvoke(ctx context.Context, target InvokeTarget) (bool, error) {
	if i.def.CanInvoke == nil {
		return true, nil
	}
	return i.def.CanInvoke(ctx, i, target)
}

// NotifyBeforeConnect runs the definition's prepare-stage hook, if any
// (spec.md §4.F stage 1).
func (i *Instance) NotifyBeforeConnect(ctx context.Context, conn Conn) error {
	if i.def.OnBeforeConnect == nil {
		return nil
	}
	return i.def.OnBeforeConnect(ctx, i, conn)
}

// NotifyConnect runs the definition's connect-stage hook, if any (spec.md
// §4.F stage 2), and counts the connection toward inactivity liveness.
func (i *Instance) NotifyConnect(ctx context.Context, conn Conn) {
	i.ConnectionOpened()
	if i.def.OnConnect != nil {
		i.def.OnConnect(ctx, i, conn)
	}
}

// NotifyDisconnect runs the definition's disconnect hook, if any, and
// releases the connection's hold on inactivity liveness.
func (i *Instance) NotifyDisconnect(ctx context.Context, conn Conn) {
	if i.def.OnDisconnect != nil {
		i.def.OnDisconnect(ctx, i, conn)
	}
	i.ConnectionClosed()
}

// DispatchRequest answers `ALL /request/*` via the definition's onRequest
// hook; a nil hook means the route does not exist.
func (i *Instance) DispatchRequest(ctx context.Context, req *Request) (*Response, error) {
	if i.def.OnRequest == nil {
		return nil, colonyerr.ActionNotFound
	}
	return i.def.OnRequest(ctx, i, req)
}

// DispatchWebSocket hands conn to the definition's raw-websocket hook,
// bypassing the ActionRequest/SubscriptionRequest protocol entirely. A nil
// hook means the raw-websocket subpath does not exist for this actor type.
func (i *Instance) DispatchWebSocket(ctx context.Context, conn Conn) error {
	if i.def.OnWebSocket == nil {
		return colonyerr.ActionNotFound
	}
	return i.def.OnWebSocket(ctx, i, conn)
}

// FireAlarm runs the definition's onAlarm hook, if any, as a serial
// operation so it never overlaps a running action (spec.md §5 "runs as a
// serial operation internally"). Called by colony/manager's alarm.Scheduler
// onFire callback once the actor is confirmed started.
func (i *Instance) FireAlarm(ctx context.Context) error {
	if i.def.OnAlarm == nil {
		return nil
	}

	release, err := i.sched.Acquire(i.abortCtx, scheduler.Serial)
	if err != nil {
		return err
	}
	defer release()

	opCtx, cancel := context.WithTimeout(i.abortCtx, i.cfg.ActionTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- colonyerr.ActorInternalError.WithCause(panicError{r})
			}
		}()
		errCh <- i.def.OnAlarm(opCtx, i)
	}()

	select {
	case err := <-errCh:
		return err
	case <-opCtx.Done():
		if i.abortCtx.Err() != nil {
			return colonyerr.ActorAborted
		}
		return colonyerr.ActionTimedOut
	}
}

// Stop implements registry.RuntimeInstance. reason is "sleep" or "destroy".
func (i *Instance) Stop(reason string) error {
	i.abortCancel()
	i.sched.Abort()

	i.mu.Lock()
	if i.sleepTimer != nil {
		i.sleepTimer.Stop()
		i.sleepTimer = nil
	}
	i.mu.Unlock()

	var hook func(ctx context.Context, i *Instance) error
	if reason == "sleep" {
		hook = i.def.OnSleep
	} else {
		hook = i.def.OnDestroy
	}
	if hook != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), i.cfg.RunStopTimeout)
		defer cancel()
		if err := hook(stopCtx, i); err != nil {
			slog.Error("actor: stop hook failed", "actor_id", i.entry.ID, "reason", reason, "err", err)
		}
	}

	drained := make(chan struct{})
	go func() { i.waitGroup.Wait(); close(drained) }()
	select {
	case <-drained:
	case <-time.After(i.cfg.WaitUntilTimeout):
		slog.Warn("actor: waitUntil work did not drain in time", "actor_id", i.entry.ID, "reason", reason)
	}
	return nil
}

func (i *Instance) resetInactivityTimer() {
	if i.cfg.NoSleep {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sleepTimer == nil {
		return
	}
	idle := i.keepAwakeCount == 0 && i.connCount == 0 && i.pendingActions == 0 && i.pendingHTTP == 0
	if !idle {
		i.sleepTimer.Stop()
		return
	}
	i.sleepTimer.Reset(i.cfg.SleepTimeout)
}

// SetAlarm schedules (or replaces, if earlier) this actor's wake-up alarm.
// Non-admission (a later timestamp than one already scheduled) is not an
// error (spec.md §4.B "earliest wins").
func (i *Instance) SetAlarm(atMs int64) {
	if i.alarms != nil {
		i.alarms.Set(i.entry, atMs)
	}
}

// CancelAlarm drops this actor's scheduled alarm, if any.
func (i *Instance) CancelAlarm() {
	if i.alarms != nil {
		i.alarms.Cancel(i.entry)
	}
}

// ConnectionOpened/ConnectionClosed let colony/connection report liveness so
// the inactivity timer accounts for open connections (spec.md §4.D).
func (i *Instance) ConnectionOpened() {
	i.mu.Lock()
	i.connCount++
	i.mu.Unlock()
	i.resetInactivityTimer()
}

func (i *Instance) ConnectionClosed() {
	i.mu.Lock()
	i.connCount--
	i.mu.Unlock()
	i.resetInactivityTimer()
}

// HTTPRequestStarted/HTTPRequestFinished let colony/manager's proxied
// /request/* handler report an in-flight request so the inactivity timer
// never fires out from under a pending HTTP call (spec.md §4.D).
func (i *Instance) HTTPRequestStarted() {
	i.mu.Lock()
	i.pendingHTTP++
	i.mu.Unlock()
	i.resetInactivityTimer()
}

func (i *Instance) HTTPRequestFinished() {
	i.mu.Lock()
	i.pendingHTTP--
	i.mu.Unlock()
	i.resetInactivityTimer()
}

func (i *Instance) restartBackoff() time.Duration {
	delay := i.cfg.RestartBackoffMin
	for n := 0; n < i.restartCount; n++ {
		delay *= 2
		if delay > i.cfg.RestartBackoffMax {
			return i.cfg.RestartBackoffMax
		}
	}
	return delay
}

// runSupervised launches def.Run and, on crash (error return or panic),
// restarts it with exponential backoff up to MaxRestarts within
// RestartWindow, mirroring hive/daemon/health.go's crash-handling policy.
func (i *Instance) runSupervised(sleepFn func(time.Duration, <-chan struct{})) {
	if i.def.Run == nil {
		return
	}
	go func() {
		for {
			if i.abortCtx.Err() != nil {
				return
			}
			err := i.runOnce()
			if i.abortCtx.Err() != nil {
				return
			}
			if err == nil {
				slog.Info("actor: run handler returned without error, not restarting", "actor_id", i.entry.ID)
				return
			}

			now := time.Now()
			i.mu.Lock()
			if i.restartWindow.IsZero() || now.Sub(i.restartWindow) > i.cfg.RestartWindow {
				i.restartWindow = now
				i.restartCount = 0
			}
			i.restartCount++
			count := i.restartCount
			i.mu.Unlock()

			slog.Error("actor: run handler crashed", "actor_id", i.entry.ID, "err", err, "restart_count", count)
			if count > i.cfg.MaxRestarts {
				slog.Error("actor: run handler exceeded max restarts, giving up", "actor_id", i.entry.ID)
				return
			}
			sleepFn(i.restartBackoff(), i.abortCtx.Done())
		}
	}()
}

func (i *Instance) runOnce() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	return i.def.Run(i.abortCtx, i)
}

func sleepOrAbort(d time.Duration, abort <-chan struct{}) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-abort:
	}
}

// StartFunc returns a registry.StartFunc bound to def/store/alarms/cfg,
// suitable for registry.New (reg is the same Registry the StartFunc is
// installed on, needed so the instance can self-trigger sleepActor on
// inactivity). It builds a fresh Instance, arms its inactivity timer and run
// handler, and invokes OnWake. alarms may be nil for actor types that never
// call SetAlarm.
func StartFunc(def *Definition, store *persistence.Store, alarms *alarm.Scheduler, reg *registry.Registry, cfg Config) registry.StartFunc {
	cfg = cfg.withDefaults()
	return func(e *registry.Entry) (registry.RuntimeInstance, error) {
		abortCtx, abortCancel := context.WithCancel(context.Background())
		inst := &Instance{
			entry:       e,
			def:         def,
			store:       store,
			sched:       scheduler.New(),
			alarms:      alarms,
			cfg:         cfg,
			abortCtx:    abortCtx,
			abortCancel: abortCancel,
		}
		if !cfg.NoSleep {
			inst.sleepTimer = time.AfterFunc(cfg.SleepTimeout, func() {
				inst.mu.Lock()
				idle := inst.keepAwakeCount == 0 && inst.connCount == 0 && inst.pendingActions == 0 && inst.pendingHTTP == 0
				inst.mu.Unlock()
				if !idle {
					return
				}
				if err := reg.SleepActor(e.ID); err != nil {
					slog.Error("actor: inactivity sleepActor failed", "actor_id", e.ID, "err", err)
				}
			})
			inst.sleepTimer.Stop()
			inst.resetInactivityTimer()
		}

		if def.OnWake != nil {
			if err := def.OnWake(abortCtx, inst); err != nil {
				abortCancel()
				return nil, err
			}
		}

		inst.runSupervised(sleepOrAbort)
		return inst, nil
	}
}

// GetOrCreate implements spec.md's getOrCreateWithKey: it resolves id's
// entry, running def.OnCreate (and aborting before any state is written, if
// it errors) the first time this (name, key) is seen.
func GetOrCreate(ctx context.Context, reg *registry.Registry, def *Definition, name string, key []string, input any) (*registry.Entry, error) {
	actorID := id.Hash(name, key)

	for {
		e, err := reg.LoadActor(actorID, name, key)
		if err != nil {
			return nil, err
		}
		if e.Snapshot().State != nil {
			return e, nil
		}

		var initialKV map[string][]byte
		if def.OnCreate != nil {
			initialKV, err = def.OnCreate(ctx, &CreateInput{ActorID: actorID, Name: name, Key: key, Input: input})
			if err != nil {
				return nil, err
			}
		}

		created, err := reg.CreateActor(ctx, actorID, name, key, initialKV)
		if err == nil {
			return created, nil
		}
		if errors.Is(err, colonyerr.ActorDuplicateKey) {
			continue
		}
		return nil, err
	}
}

// Start ensures id's Instance is running, starting it via reg if necessary.
func Start(reg *registry.Registry, actorID string) (*Instance, error) {
	e, err := reg.StartActor(actorID)
	if err != nil {
		return nil, err
	}
	inst, ok := e.Instance().(*Instance)
	if !ok || inst == nil {
		return nil, colonyerr.ActorInternalError.WithCause(errors.New("actor: entry has no live instance after start"))
	}
	return inst, nil
}
