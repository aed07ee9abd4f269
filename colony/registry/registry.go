package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mulgadc/colony/colony/colonyerr"
	"github.com/mulgadc/colony/colony/persistence"
)

// StartFunc instantiates the runtime side of an actor (colony/actor.Instance)
// once its entry has persisted state. Registry takes this as a dependency
// rather than importing colony/actor directly, since colony/actor in turn
// depends on registry for Entry/RuntimeInstance.
type StartFunc func(e *Entry) (RuntimeInstance, error)

// Registry is the process-wide map of actor id to in-memory Entry (spec.md
// §4.C), generalized from the teacher's hive/vm.Instances{VMS map[string]*VM;
// Mu sync.Mutex} pattern.
type Registry struct {
	store *persistence.Store
	start StartFunc

	mu      sync.Mutex
	entries map[string]*Entry
}

// New returns a Registry backed by store. start is invoked by StartActor to
// bring an entry's runtime instance up; it may be nil for tests that never
// call StartActor, or for callers that need the *Registry itself before
// they can build a StartFunc (see SetStart).
func New(store *persistence.Store, start StartFunc) *Registry {
	return &Registry{store: store, start: start, entries: make(map[string]*Entry)}
}

// SetStart installs fn as the registry's StartFunc. It exists for the
// common two-phase construction a StartFunc factory needs when it closes
// over the very Registry it's being installed on (colony/actor.StartFunc
// does this, to self-trigger sleepActor on inactivity).
func (r *Registry) SetStart(fn StartFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = fn
}

// GetEntry returns the in-memory entry for id, if one currently exists.
func (r *Registry) GetEntry(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) getOrMakeEntry(id, name string, key []string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e
	}
	e := newEntry(id, name, key)
	r.entries[id] = e
	return e
}

func (r *Registry) removeEntry(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// All returns a snapshot of every currently tracked entry, ordered by actor
// id for deterministic iteration.
func (r *Registry) All() []Snapshot {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadActor ensures id's persisted state, if any, is mirrored into its
// in-memory entry. It never creates state; if none exists on disk the
// returned entry stays NONEXISTENT. Concurrent callers for the same id share
// one disk read via loadFlight (spec.md's loadPromise).
func (r *Registry) LoadActor(id, name string, key []string) (*Entry, error) {
	e := r.getOrMakeEntry(id, name, key)

	if e.Snapshot().State != nil {
		return e, nil
	}

	_, err, _ := e.loadFlight.Do("load", func() (any, error) {
		if e.Snapshot().State != nil {
			return nil, nil
		}
		state, err := r.store.LoadState(id)
		if err != nil {
			return nil, err
		}
		if state == nil {
			return nil, nil
		}
		// Legacy inline KV is migrated on disk before a registry ever loads
		// it (persistence.MigrateAll at startup); the runtime mirror never
		// carries it.
		state.KVStorage = nil

		e.mu.Lock()
		e.state = state
		if IsValidTransition(e.lifecycle, Awake) {
			e.lifecycle = Awake
		}
		e.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// CreateActor persists brand-new state for id and marks its entry AWAKE with
// a fresh generation. It fails with colonyerr.ActorDuplicateKey if state
// already exists (spec.md §4.C, §6). It awaits any in-flight stop on the
// entry itself before checking for existing state.
func (r *Registry) CreateActor(ctx context.Context, id, name string, key []string, initial map[string][]byte) (*Entry, error) {
	e := r.getOrMakeEntry(id, name, key)
	e.awaitStop()

	if e.Snapshot().State != nil {
		return nil, colonyerr.ActorDuplicateKey
	}

	gen := uuid.NewString()
	e.mu.Lock()
	if e.lifecycle != Nonexistent && !IsValidTransition(e.lifecycle, Nonexistent) {
		e.mu.Unlock()
		return nil, colonyerr.ActorDuplicateKey
	}
	e.lifecycle = Nonexistent
	e.generation = gen
	e.mu.Unlock()

	now := time.Now().UnixMilli()
	state := &persistence.State{ActorID: id, Name: name, Key: key, CreatedAt: now}

	e.PendingWrite().Lock()
	err := r.store.WriteState(id, state, e.GuardGeneration(gen))
	e.PendingWrite().Unlock()
	if err != nil {
		if errors.Is(err, colonyerr.StaleGeneration) {
			return nil, colonyerr.ActorDuplicateKey
		}
		return nil, err
	}

	e.mu.Lock()
	e.state = state
	e.lifecycle = Awake
	e.mu.Unlock()

	if len(initial) > 0 {
		kv, err := r.store.KV(id)
		if err != nil {
			return nil, err
		}
		entries := make([]persistence.Entry, 0, len(initial))
		for k, v := range initial {
			entries = append(entries, persistence.Entry{Key: []byte(k), Value: v})
		}
		if err := kv.BatchPut(ctx, entries); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// LoadOrCreateActor loads id's state, creating it if none exists
// (spec.md §4.C). It retries the
// load-then-create race: if CreateActor loses to a concurrent creator, it
// re-loads rather than propagating the duplicate-key error.
func (r *Registry) LoadOrCreateActor(ctx context.Context, id, name string, key []string, initial map[string][]byte) (*Entry, error) {
	for {
		e, err := r.LoadActor(id, name, key)
		if err != nil {
			return nil, err
		}
		if e.Snapshot().State != nil {
			return e, nil
		}

		e.awaitStop()

		created, err := r.CreateActor(ctx, id, name, key, initial)
		if err == nil {
			return created, nil
		}
		if errors.Is(err, colonyerr.ActorDuplicateKey) {
			continue
		}
		return nil, err
	}
}

// StartActor brings up id's runtime instance via the registry's StartFunc,
// idempotently: concurrent callers share one startPromise (spec.md §4.C). It
// fails with colonyerr.ActorNotFound if no entry/state exists yet, and
// colonyerr.ActorStopping if a sleep/destroy is in flight.
func (r *Registry) StartActor(id string) (*Entry, error) {
	e, ok := r.GetEntry(id)
	if !ok || e.Snapshot().State == nil {
		return nil, colonyerr.ActorNotFound
	}

	v, err, _ := e.startFlight.Do("start", func() (any, error) {
		snap := e.Snapshot()
		if snap.HasInstance {
			return e, nil
		}
		if snap.Lifecycle.Stopping() {
			return nil, colonyerr.ActorStopping
		}
		if r.start == nil {
			return nil, colonyerr.ActorInternalError.WithCause(errors.New("registry: no StartFunc configured"))
		}

		inst, err := r.start(e)
		if err != nil {
			return nil, err
		}

		now := time.Now().UnixMilli()
		e.mu.Lock()
		st := e.state.Clone()
		st.StartTs = &now
		st.ConnectableTs = &now
		st.SleepTs = nil
		gen := e.generation
		e.mu.Unlock()

		e.PendingWrite().Lock()
		werr := r.store.WriteState(id, st, e.GuardGeneration(gen))
		e.PendingWrite().Unlock()
		if werr != nil {
			return nil, werr
		}

		e.mu.Lock()
		e.state = st
		e.instance = inst
		e.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// SleepActor transitions id from AWAKE to NONEXISTENT-in-memory: it stops the
// running instance, records sleepTs, closes the actor's KV handle, and
// evicts the entry from the registry map so a later access cold-reloads it
// from disk (spec.md §4.C, §3 sleepTs invariant). It is a no-op unless the
// actor is AWAKE; an AWAKE entry with no running instance is still marked
// asleep and evicted.
func (r *Registry) SleepActor(id string) error {
	e, ok := r.GetEntry(id)
	if !ok {
		return nil
	}

	_, err, _ := e.stopFlight.Do("stop", func() (any, error) {
		e.mu.Lock()
		if !IsValidTransition(e.lifecycle, StartingSleep) {
			e.mu.Unlock()
			return nil, nil
		}
		e.lifecycle = StartingSleep
		e.beginStopLocked()
		inst := e.instance
		gen := e.generation
		e.mu.Unlock()

		defer func() {
			e.mu.Lock()
			e.endStopLocked()
			e.mu.Unlock()
		}()

		e.InvalidateAlarm()

		if inst != nil {
			if err := inst.Stop("sleep"); err != nil {
				slog.Error("registry: onStop(sleep) hook failed", "actor_id", id, "err", err)
			}
		}

		now := time.Now().UnixMilli()
		snap := e.Snapshot()
		st := snap.State
		if st != nil {
			st.SleepTs = &now
		}

		e.PendingWrite().Lock()
		werr := r.store.WriteState(id, st, e.GuardGenerationDuringStop(gen))
		e.PendingWrite().Unlock()
		if werr != nil && !errors.Is(werr, colonyerr.StaleGeneration) {
			slog.Error("registry: failed to persist sleepTs", "actor_id", id, "err", werr)
		}

		if err := r.store.CloseKV(id); err != nil {
			slog.Warn("registry: failed to close kv store on sleep", "actor_id", id, "err", err)
		}

		e.mu.Lock()
		e.state = st
		e.instance = nil
		e.lifecycle = Nonexistent
		e.mu.Unlock()

		r.removeEntry(id)
		return nil, nil
	})
	return err
}

// DestroyActor permanently removes id's persisted files and marks its entry
// DESTROYED, retaining the in-memory Entry (never evicted) so a stale
// create/write that races the destroy cannot resurrect it under the same id
// (spec.md §4.C, §3).
func (r *Registry) DestroyActor(id string) error {
	e, ok := r.GetEntry(id)
	if !ok {
		return colonyerr.ActorNotFound
	}

	_, err, _ := e.stopFlight.Do("stop", func() (any, error) {
		e.mu.Lock()
		switch {
		case e.lifecycle == Destroyed:
			e.mu.Unlock()
			return nil, nil
		case e.lifecycle == Nonexistent:
			e.mu.Unlock()
			return nil, colonyerr.ActorNotFound
		case !IsValidTransition(e.lifecycle, StartingDestroy):
			e.mu.Unlock()
			return nil, colonyerr.ActorStopping
		}
		e.lifecycle = StartingDestroy
		e.beginStopLocked()
		inst := e.instance
		gen := e.generation
		e.mu.Unlock()

		defer func() {
			e.mu.Lock()
			e.endStopLocked()
			e.mu.Unlock()
		}()

		e.InvalidateAlarm()

		if inst != nil {
			if err := inst.Stop("destroy"); err != nil {
				slog.Error("registry: onStop(destroy) hook failed", "actor_id", id, "err", err)
			}
		}

		now := time.Now().UnixMilli()
		snap := e.Snapshot()
		if st := snap.State; st != nil {
			st.DestroyTs = &now
			e.PendingWrite().Lock()
			if werr := r.store.WriteState(id, st, e.GuardGenerationDuringStop(gen)); werr != nil && !errors.Is(werr, colonyerr.StaleGeneration) {
				slog.Warn("registry: failed to persist destroyTs marker", "actor_id", id, "err", werr)
			}
			e.PendingWrite().Unlock()
		}

		if err := r.store.DeleteActorFiles(id); err != nil {
			slog.Error("registry: failed to delete actor files", "actor_id", id, "err", err)
		}

		e.mu.Lock()
		e.state = nil
		e.instance = nil
		e.lifecycle = Destroyed
		e.mu.Unlock()

		return nil, nil
	})
	return err
}
