package alarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mulgadc/colony/colony/persistence"
	"github.com/mulgadc/colony/colony/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEntry(t *testing.T, store *persistence.Store, id string) *registry.Entry {
	t.Helper()
	reg := registry.New(store, nil)
	e, err := reg.CreateActor(context.Background(), id, "timer", nil, nil)
	require.NoError(t, err)
	return e
}

type fireRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (f *fireRecorder) record(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, id)
}

func (f *fireRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

func TestSetAlarmEarliestWins(t *testing.T) {
	store, err := persistence.Open(t.TempDir())
	require.NoError(t, err)
	e := newTestEntry(t, store, "a1")

	rec := &fireRecorder{}
	done := make(chan struct{})
	s := New(store, func(id string) {
		rec.record(id)
		close(done)
	}, 0)
	defer s.Close()

	now := time.Now().UnixMilli()
	s.Set(e, now+1000)
	s.Set(e, now+80) // earlier: must win
	s.Set(e, now+2000)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("alarm never fired")
	}

	// Give any (incorrect) duplicate fire a chance to land before asserting.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "only the earliest-admitted alarm may fire")

	got, err := store.LoadAlarm("a1")
	require.NoError(t, err)
	assert.Nil(t, got, "alarm file must be deleted once fired")
}

func TestCancelAlarmPreventsFire(t *testing.T) {
	store, err := persistence.Open(t.TempDir())
	require.NoError(t, err)
	e := newTestEntry(t, store, "a1")

	rec := &fireRecorder{}
	s := New(store, rec.record, 0)
	defer s.Close()

	s.Set(e, time.Now().Add(50*time.Millisecond).UnixMilli())
	s.Cancel(e)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, rec.count())

	got, err := store.LoadAlarm("a1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAlarmNotAdmittedWhileDestroyed(t *testing.T) {
	store, err := persistence.Open(t.TempDir())
	require.NoError(t, err)
	reg := registry.New(store, nil)
	e, err := reg.CreateActor(context.Background(), "a1", "timer", nil, nil)
	require.NoError(t, err)
	require.NoError(t, reg.DestroyActor("a1"))

	rec := &fireRecorder{}
	s := New(store, rec.record, 0)
	defer s.Close()

	s.Set(e, time.Now().Add(30*time.Millisecond).UnixMilli())
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, rec.count(), "a destroyed actor's alarm must never be admitted")
}

func TestReplayRearmsPersistedAlarms(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.Open(dir)
	require.NoError(t, err)
	e := newTestEntry(t, store, "a1")

	at := time.Now().Add(50 * time.Millisecond).UnixMilli()
	require.NoError(t, store.WriteAlarm("a1", &persistence.Alarm{ActorID: "a1", TimestampMs: at}, nil))

	rec := &fireRecorder{}
	done := make(chan struct{})
	s := New(store, func(id string) {
		rec.record(id)
		close(done)
	}, 0)
	defer s.Close()

	s.Replay(func(actorID string) (*registry.Entry, error) {
		return e, nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("replayed alarm never fired")
	}
	assert.Equal(t, []string{"a1"}, rec.fired)
}

func TestSetAlarmChainsLongDurationsAcrossLegs(t *testing.T) {
	store, err := persistence.Open(t.TempDir())
	require.NoError(t, err)
	e := newTestEntry(t, store, "a1")

	rec := &fireRecorder{}
	done := make(chan struct{})
	// maxLeg much shorter than the alarm's delay forces at least one
	// re-chained leg before the real deadline.
	s := New(store, func(id string) {
		rec.record(id)
		close(done)
	}, 40*time.Millisecond)
	defer s.Close()

	s.Set(e, time.Now().Add(150*time.Millisecond).UnixMilli())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("chained alarm never fired")
	}
	assert.Equal(t, 1, rec.count())
}
