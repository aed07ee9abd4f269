package manager

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mulgadc/colony/colony/actor"
	"github.com/mulgadc/colony/colony/colonyerr"
	"github.com/mulgadc/colony/colony/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kvCounterDefs builds a "counter" actor type whose durable value lives in
// the per-actor KV store under key "v", seeded from CreateInput.Input on
// first creation and mutated one increment at a time by the "increment"
// action (scheduler.Serial by default, matching the default ActionModes).
func kvCounterDefs() Definitions {
	return Definitions{
		"counter": &actor.Definition{
			OnCreate: func(ctx context.Context, in *actor.CreateInput) (map[string][]byte, error) {
				init := 0
				if m, ok := in.Input.(map[string]any); ok {
					if v, ok := m["init"].(int); ok {
						init = v
					}
				}
				return map[string][]byte{"v": []byte(strconv.Itoa(init))}, nil
			},
			Actions: map[string]actor.ActionFunc{
				"increment": func(ctx context.Context, i *actor.Instance, args any) (any, error) {
					kv, err := i.KV()
					if err != nil {
						return nil, err
					}
					got, err := kv.BatchGet(ctx, [][]byte{[]byte("v")})
					if err != nil {
						return nil, err
					}
					cur, _ := strconv.Atoi(string(got["v"]))
					cur++
					if err := kv.BatchPut(ctx, []persistence.Entry{{Key: []byte("v"), Value: []byte(strconv.Itoa(cur))}}); err != nil {
						return nil, err
					}
					return cur, nil
				},
			},
		},
	}
}

func kvGet(t *testing.T, m *Manager, actorID, key string) string {
	t.Helper()
	inst, err := m.instanceFor(actorID)
	require.NoError(t, err)
	kv, err := inst.KV()
	require.NoError(t, err)
	got, err := kv.BatchGet(context.Background(), [][]byte{[]byte(key)})
	require.NoError(t, err)
	return string(got[key])
}

// Scenario 1 (spec.md §8): create with seed input, restart the process
// (a fresh Manager/registry over the same store), and confirm getWithKey
// resolves the same id with the same durable value.
func TestScenarioCreateThenRestartPreservesState(t *testing.T) {
	dir := t.TempDir()

	store, err := persistence.Open(dir)
	require.NoError(t, err)
	m1, err := New(kvCounterDefs(), store, Config{ActorConfig: actor.Config{NoSleep: true}})
	require.NoError(t, err)

	meta1, err := m1.GetOrCreateWithKey(context.Background(), "counter", []string{"a"}, map[string]any{"init": 3})
	require.NoError(t, err)
	assert.Equal(t, "3", kvGet(t, m1, meta1.ID, "v"))
	require.NoError(t, m1.Close())

	store2, err := persistence.Open(dir)
	require.NoError(t, err)
	m2, err := New(kvCounterDefs(), store2, Config{ActorConfig: actor.Config{NoSleep: true}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m2.Close() })

	meta2, err := m2.GetWithKey("counter", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, meta1.ID, meta2.ID)
	assert.Equal(t, "3", kvGet(t, m2, meta2.ID, "v"))
}

// Scenario 2: 100 concurrent serial increments land in a well-defined final
// count with every response's value distinct (no two increments observed the
// same starting point).
func TestScenarioConcurrentIncrementsAreSerialized(t *testing.T) {
	m := newTestManager(t, kvCounterDefs())
	meta, err := m.GetOrCreateWithKey(context.Background(), "counter", []string{"a"}, map[string]any{"init": 0})
	require.NoError(t, err)

	const n = 100
	results := make([]int, n)
	var wg sync.WaitGroup
	for idx := 0; idx < n; idx++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := m.InvokeAction(context.Background(), meta.ID, "increment", nil)
			require.NoError(t, err)
			results[i] = out.(int)
		}(idx)
	}
	wg.Wait()

	assert.Equal(t, "100", kvGet(t, m, meta.ID, "v"))

	seen := make(map[int]bool, n)
	for _, v := range results {
		assert.False(t, seen[v], "duplicate result %d: serial actions overlapped", v)
		seen[v] = true
	}
	assert.Len(t, seen, n)
}

// Scenario 3: of three alarms set in non-ascending order, exactly the
// earliest admitted one fires, and the alarm record is gone afterward.
func TestScenarioAlarmEarliestWins(t *testing.T) {
	fired := make(chan int64, 3)
	defs := Definitions{
		"alarmed": &actor.Definition{
			OnAlarm: func(ctx context.Context, i *actor.Instance) error {
				fired <- time.Now().UnixMilli()
				return nil
			},
		},
	}
	m := newTestManager(t, defs)
	meta, err := m.GetOrCreateWithKey(context.Background(), "alarmed", []string{"a"}, nil)
	require.NoError(t, err)

	inst, err := m.instanceFor(meta.ID)
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	inst.SetAlarm(now + 1000)
	inst.SetAlarm(now + 500)
	inst.SetAlarm(now + 2000)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("alarm never fired")
	}

	select {
	case <-fired:
		t.Fatal("alarm fired more than once")
	case <-time.After(50 * time.Millisecond):
	}

	remaining, err := m.store.LoadAlarm(meta.ID)
	require.NoError(t, err)
	assert.Nil(t, remaining, "fired alarm must be removed from the store")
}

// Scenario 6: creating the same (name, key) twice yields actor.duplicate_key.
func TestScenarioDuplicateCreateIsRejected(t *testing.T) {
	m := newTestManager(t, counterDefs())

	_, err := m.CreateActor(context.Background(), "counter", []string{"k"}, nil)
	require.NoError(t, err)

	_, err = m.CreateActor(context.Background(), "counter", []string{"k"}, nil)
	assert.ErrorIs(t, err, colonyerr.ActorDuplicateKey)
}
