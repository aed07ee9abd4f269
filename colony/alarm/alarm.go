// Package alarm implements the per-actor alarm scheduler of spec.md §4.B: a
// persisted one-shot timer per actor with "earliest wins" replacement
// semantics, chained across legs for durations beyond what's comfortable in
// a single platform timer, and replayed from disk at startup.
//
// The goroutine shape (ticker/cancel, logged and non-fatal on error) follows
// hive/daemon/heartbeat.go's startHeartbeat, generalized from a fixed
// repeating interval to a one-shot reschedulable deadline.
package alarm

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mulgadc/colony/colony/persistence"
	"github.com/mulgadc/colony/colony/registry"
)

// DefaultMaxLeg is the longest single in-process timer leg the scheduler
// will arm; alarms further out than this are chained across multiple legs
// (spec.md §4.B "long-timeout chaining for alarms beyond platform timer
// max").
const DefaultMaxLeg = 24 * time.Hour

// Scheduler owns the in-process timers backing every actor's persisted
// alarm. One Scheduler is shared by the whole process.
type Scheduler struct {
	store  *persistence.Store
	onFire func(actorID string)
	maxLeg time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New returns a ready Scheduler. onFire is invoked (on its own goroutine)
// when an actor's alarm actually fires, after the alarm file has already
// been deleted; maxLeg of 0 selects DefaultMaxLeg.
func New(store *persistence.Store, onFire func(actorID string), maxLeg time.Duration) *Scheduler {
	if maxLeg <= 0 {
		maxLeg = DefaultMaxLeg
	}
	return &Scheduler{store: store, onFire: onFire, maxLeg: maxLeg, timers: make(map[string]*time.Timer)}
}

// Set implements setActorAlarm: it accepts atMs only if it is earlier than
// any alarm currently scheduled for e (or none is scheduled), and only if e
// isn't stopping or destroyed. Non-admission is not an error; it simply
// means atMs didn't win. Persistence failures are logged, not propagated:
// the in-memory timer chain is authoritative for the running process, and
// the on-disk copy exists for crash recovery only.
func (s *Scheduler) Set(e *registry.Entry, atMs int64) {
	accepted, epoch := e.TryScheduleAlarm(atMs)
	if !accepted {
		return
	}

	gen := e.Generation()
	e.PendingWrite().Lock()
	err := s.store.WriteAlarm(e.ID, &persistence.Alarm{ActorID: e.ID, TimestampMs: atMs}, e.GuardGeneration(gen))
	e.PendingWrite().Unlock()
	if err != nil {
		slog.Warn("alarm: failed to persist alarm, timer is memory-only until next write", "actor_id", e.ID, "err", err)
	}

	s.arm(e, atMs, epoch)
}

func (s *Scheduler) arm(e *registry.Entry, atMs int64, epoch uint64) {
	delay := time.Until(time.UnixMilli(atMs))
	if delay < 0 {
		delay = 0
	}
	leg := delay
	if leg > s.maxLeg {
		leg = s.maxLeg
	}

	timer := time.AfterFunc(leg, func() { s.tick(e, atMs, epoch) })

	s.mu.Lock()
	if old, ok := s.timers[e.ID]; ok {
		old.Stop()
	}
	s.timers[e.ID] = timer
	s.mu.Unlock()
}

// tick runs when one leg of the chain elapses. If epoch no longer matches
// e's live alarm, this leg was superseded (a newer setAlarm, an
// InvalidateAlarm on sleep/destroy) and quietly does nothing. Otherwise it
// either re-arms the next leg or, once the real deadline has passed, fires.
func (s *Scheduler) tick(e *registry.Entry, atMs int64, epoch uint64) {
	if !e.AlarmEpochValid(epoch) {
		return
	}
	if time.Until(time.UnixMilli(atMs)) > 0 {
		s.arm(e, atMs, epoch)
		return
	}
	s.fire(e, atMs, epoch)
}

func (s *Scheduler) fire(e *registry.Entry, atMs int64, epoch uint64) {
	if !e.AlarmEpochValid(epoch) {
		return
	}
	e.InvalidateAlarm()

	s.mu.Lock()
	delete(s.timers, e.ID)
	s.mu.Unlock()

	if err := s.store.DeleteAlarm(e.ID); err != nil {
		slog.Warn("alarm: failed to delete fired alarm file", "actor_id", e.ID, "err", err)
	}

	if s.onFire == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("alarm: onFire handler panicked", "actor_id", e.ID, "fired_at", atMs, "panic", r)
		}
	}()
	s.onFire(e.ID)
}

// Cancel drops e's scheduled alarm, if any, without firing it. Equivalent
// to a setAlarm that the actor itself decided to retract.
func (s *Scheduler) Cancel(e *registry.Entry) {
	e.InvalidateAlarm()
	s.mu.Lock()
	if t, ok := s.timers[e.ID]; ok {
		t.Stop()
		delete(s.timers, e.ID)
	}
	s.mu.Unlock()
	if err := s.store.DeleteAlarm(e.ID); err != nil {
		slog.Warn("alarm: failed to delete cancelled alarm file", "actor_id", e.ID, "err", err)
	}
}

// Replay re-arms every alarm persisted on disk, called once at process
// startup. resolve loads (or cold-loads) the registry entry for actorID;
// the alarm file alone only carries the actor id and deadline, not the
// actor's name/key, so resolving the entry is the caller's job (it already
// knows how to read the state file to recover them).
func (s *Scheduler) Replay(resolve func(actorID string) (*registry.Entry, error)) {
	ids, err := s.store.ListAlarmActorIDs()
	if err != nil {
		slog.Error("alarm: failed to list persisted alarms at startup", "err", err)
		return
	}

	for _, id := range ids {
		persisted, err := s.store.LoadAlarm(id)
		if err != nil {
			slog.Error("alarm: failed to load persisted alarm during replay", "actor_id", id, "err", err)
			continue
		}
		if persisted == nil {
			continue
		}
		e, err := resolve(id)
		if err != nil {
			slog.Error("alarm: failed to resolve actor for replayed alarm", "actor_id", id, "err", err)
			continue
		}
		accepted, epoch := e.TryScheduleAlarm(persisted.TimestampMs)
		if !accepted {
			continue
		}
		s.arm(e, persisted.TimestampMs, epoch)
	}
}

// Close stops every in-flight timer without firing them or touching
// persisted alarm files, for process shutdown.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}
