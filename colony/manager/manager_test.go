package manager

import (
	"context"
	"testing"

	"github.com/mulgadc/colony/colony/actor"
	"github.com/mulgadc/colony/colony/colonyerr"
	"github.com/mulgadc/colony/colony/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, defs Definitions) *Manager {
	t.Helper()
	store, err := persistence.Open(t.TempDir())
	require.NoError(t, err)

	m, err := New(defs, store, Config{ActorConfig: actor.Config{NoSleep: true}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func counterDefs() Definitions {
	return Definitions{
		"counter": &actor.Definition{
			Actions: map[string]actor.ActionFunc{
				"increment": func(ctx context.Context, i *actor.Instance, args any) (any, error) {
					var out int
					err := i.WriteState(func(s *persistence.State) {})
					if err != nil {
						return nil, err
					}
					return out, nil
				},
			},
		},
	}
}

func TestGetOrCreateWithKeyCreatesThenReusesSameActor(t *testing.T) {
	m := newTestManager(t, counterDefs())

	meta1, err := m.GetOrCreateWithKey(context.Background(), "counter", []string{"a"}, nil)
	require.NoError(t, err)
	require.NotNil(t, meta1.StartTs)

	meta2, err := m.GetOrCreateWithKey(context.Background(), "counter", []string{"a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, meta1.ID, meta2.ID)
}

func TestGetOrCreateWithKeyUnknownActorTypeIsNotFound(t *testing.T) {
	m := newTestManager(t, counterDefs())
	_, err := m.GetOrCreateWithKey(context.Background(), "nope", []string{"a"}, nil)
	assert.ErrorIs(t, err, colonyerr.ActorNotFound)
}

func TestCreateActorRejectsDuplicateKey(t *testing.T) {
	m := newTestManager(t, counterDefs())

	id1, err := m.CreateActor(context.Background(), "counter", []string{"dup"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	_, err = m.CreateActor(context.Background(), "counter", []string{"dup"}, nil)
	assert.ErrorIs(t, err, colonyerr.ActorDuplicateKey)
}

func TestGetForIDReturnsNotFoundForUnknownActor(t *testing.T) {
	m := newTestManager(t, counterDefs())
	_, err := m.GetForID("0000000000000000")
	assert.ErrorIs(t, err, colonyerr.ActorNotFound)
}

func TestGetForIDReturnsNotFoundAfterDestroy(t *testing.T) {
	m := newTestManager(t, counterDefs())
	meta, err := m.GetOrCreateWithKey(context.Background(), "counter", []string{"x"}, nil)
	require.NoError(t, err)

	require.NoError(t, m.reg.DestroyActor(meta.ID))

	_, err = m.GetForID(meta.ID)
	assert.ErrorIs(t, err, colonyerr.ActorNotFound)
}

func TestListActorsOrdersByCreatedAtDescending(t *testing.T) {
	m := newTestManager(t, counterDefs())

	_, err := m.CreateActor(context.Background(), "counter", []string{"1"}, nil)
	require.NoError(t, err)
	_, err = m.CreateActor(context.Background(), "counter", []string{"2"}, nil)
	require.NoError(t, err)

	list := m.ListActors("counter")
	require.Len(t, list, 2)
	assert.GreaterOrEqual(t, list[0].CreatedAt, list[1].CreatedAt)
}

func TestInvokeActionRunsRegisteredAction(t *testing.T) {
	m := newTestManager(t, counterDefs())
	meta, err := m.GetOrCreateWithKey(context.Background(), "counter", []string{"a"}, nil)
	require.NoError(t, err)

	out, err := m.InvokeAction(context.Background(), meta.ID, "increment", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestInvokeActionDeniedByCanInvoke(t *testing.T) {
	defs := Definitions{
		"guarded": &actor.Definition{
			Actions: map[string]actor.ActionFunc{
				"secret": func(ctx context.Context, i *actor.Instance, args any) (any, error) { return "leak", nil },
			},
			CanInvoke: func(ctx context.Context, i *actor.Instance, target actor.InvokeTarget) (bool, error) {
				return false, nil
			},
		},
	}
	m := newTestManager(t, defs)
	meta, err := m.GetOrCreateWithKey(context.Background(), "guarded", []string{"a"}, nil)
	require.NoError(t, err)

	_, err = m.InvokeAction(context.Background(), meta.ID, "secret", nil)
	assert.ErrorIs(t, err, colonyerr.AuthForbidden)
}

func TestFireAlarmInvokesOnAlarmHook(t *testing.T) {
	fired := make(chan struct{}, 1)
	defs := Definitions{
		"alarmed": &actor.Definition{
			OnAlarm: func(ctx context.Context, i *actor.Instance) error {
				fired <- struct{}{}
				return nil
			},
		},
	}
	m := newTestManager(t, defs)
	meta, err := m.GetOrCreateWithKey(context.Background(), "alarmed", []string{"a"}, nil)
	require.NoError(t, err)

	m.fireAlarm(meta.ID)

	select {
	case <-fired:
	default:
		t.Fatal("expected onAlarm hook to run")
	}
}
