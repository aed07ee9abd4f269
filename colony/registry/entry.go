package registry

import (
	"sync"

	"github.com/mulgadc/colony/colony/persistence"
	"golang.org/x/sync/singleflight"
)

// RuntimeInstance is the subset of colony/actor.Instance the registry needs
// to drive lifecycle transitions, kept as an interface so registry does not
// import actor (which itself depends on registry).
type RuntimeInstance interface {
	// Stop runs the instance's onStop hook for the given reason ("sleep" or
	// "destroy") and waits for its waitUntil work to drain. It does not wait
	// for the run handler to return.
	Stop(reason string) error
}

// Entry is the in-memory record for one actor id (spec.md §3). ID, Name,
// and Key never change after construction; everything else is guarded by
// mu.
type Entry struct {
	ID   string
	Name string
	Key  []string

	mu         sync.Mutex
	lifecycle  Lifecycle
	generation string
	state      *persistence.State
	instance   RuntimeInstance

	// alarmTS/alarmEpoch back colony/alarm's setActorAlarm "replace only if
	// strictly earlier" check (spec.md §4.B), made under the same lock that
	// guards lifecycle/generation. alarmEpoch is bumped every time the
	// scheduled alarm changes (new alarm accepted, fired, or invalidated) so
	// an in-flight timer leg can detect it has been superseded without
	// needing a cancel func/channel of its own.
	alarmTS    *int64
	alarmEpoch uint64

	// stopCh is non-nil while a sleep/destroy transition is in flight;
	// callers that need to "await stopPromise" without starting their own
	// stop read this channel under mu, then wait on it unlocked.
	stopCh chan struct{}

	pendingWrite fifoMutex

	loadFlight  singleflight.Group
	startFlight singleflight.Group
	stopFlight  singleflight.Group
}

func newEntry(id, name string, key []string) *Entry {
	return &Entry{ID: id, Name: name, Key: key, lifecycle: Nonexistent}
}

// Snapshot is a read-only copy of an Entry's mutable fields, safe to hold
// without the entry's lock.
type Snapshot struct {
	ID          string
	Name        string
	Key         []string
	Lifecycle   Lifecycle
	Generation  string
	State       *persistence.State
	HasInstance bool
}

// Snapshot returns a consistent copy of e's current fields.
func (e *Entry) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		ID:          e.ID,
		Name:        e.Name,
		Key:         e.Key,
		Lifecycle:   e.lifecycle,
		Generation:  e.generation,
		State:       e.state.Clone(),
		HasInstance: e.instance != nil,
	}
}

// Lifecycle returns the entry's current lifecycle under lock.
func (e *Entry) Lifecycle() Lifecycle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lifecycle
}

// Generation returns the entry's current generation under lock.
func (e *Entry) Generation() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// PendingWrite returns the FIFO lock every state/KV write for this actor
// must hold for its duration (spec.md invariant 4).
func (e *Entry) PendingWrite() *fifoMutex { return &e.pendingWrite }

// Instance returns e's current runtime instance, or nil if none is loaded
// (not started, sleeping, or destroyed).
func (e *Entry) Instance() RuntimeInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instance
}

// awaitStop blocks until any in-flight sleep/destroy transition resolves. It
// must be called without e.mu held.
func (e *Entry) awaitStop() {
	for {
		e.mu.Lock()
		ch := e.stopCh
		e.mu.Unlock()
		if ch == nil {
			return
		}
		<-ch
	}
}

// beginStopLocked marks a stop transition as in flight, returning the channel to
// close when it resolves. Must be called with e.mu held.
func (e *Entry) beginStopLocked() chan struct{} {
	ch := make(chan struct{})
	e.stopCh = ch
	return ch
}

// endStopLocked resolves the in-flight stop transition. Must be called with e.mu
// held.
func (e *Entry) endStopLocked() {
	if e.stopCh != nil {
		close(e.stopCh)
		e.stopCh = nil
	}
}

// CurrentlyValid reports whether gen is still e's current generation and e
// is not in a stopping lifecycle. Async writes must abort when this goes
// false partway through (spec.md invariant 1).
func (e *Entry) CurrentlyValid(gen string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation == gen && !e.lifecycle.Stopping()
}

// GuardGeneration returns a closure suitable for persistence.Store's write
// guard, fencing a write against e's generation at the time it was issued.
func (e *Entry) GuardGeneration(gen string) func() bool {
	return func() bool { return e.CurrentlyValid(gen) }
}

// GuardGenerationDuringStop is like GuardGeneration but omits the
// !Stopping() check, for the sleepTs/destroyTs marker writes a sleep or
// destroy transition makes about itself while the entry is necessarily in a
// STARTING_SLEEP/STARTING_DESTROY lifecycle.
func (e *Entry) GuardGenerationDuringStop(gen string) func() bool {
	return func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.generation == gen
	}
}

// TryScheduleAlarm implements the §4.B "earliest wins" rule: it accepts ts
// only if no alarm is scheduled yet or the existing one is strictly later,
// and only if the actor isn't stopping/destroyed. On acceptance it returns
// the alarm epoch the caller's timer chain must present to AlarmEpochValid
// to prove it is still the live alarm.
func (e *Entry) TryScheduleAlarm(ts int64) (accepted bool, epoch uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lifecycle.Stopping() || e.lifecycle == Destroyed {
		return false, 0
	}
	if e.alarmTS != nil && *e.alarmTS <= ts {
		return false, 0
	}
	tsCopy := ts
	e.alarmTS = &tsCopy
	e.alarmEpoch++
	return true, e.alarmEpoch
}

// AlarmEpochValid reports whether epoch is still the current alarm's epoch,
// i.e. whether a timer leg stamped with epoch may still legitimately fire.
func (e *Entry) AlarmEpochValid(epoch uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alarmTS != nil && e.alarmEpoch == epoch
}

// InvalidateAlarm clears the current alarm bookkeeping and bumps the epoch,
// so any in-flight timer leg for the old alarm finds AlarmEpochValid false
// and abandons itself. Called when an alarm fires or is cancelled, and when
// the actor sleeps or is destroyed. (A newer alarm winning out bumps the
// epoch inside TryScheduleAlarm instead.)
func (e *Entry) InvalidateAlarm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alarmTS = nil
	e.alarmEpoch++
}

// AlarmTS returns a copy of the currently scheduled alarm timestamp, or nil
// if none is scheduled.
func (e *Entry) AlarmTS() *int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.alarmTS == nil {
		return nil
	}
	v := *e.alarmTS
	return &v
}
