package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidTransition(t *testing.T) {
	assert.True(t, IsValidTransition(Nonexistent, Awake))
	assert.True(t, IsValidTransition(Awake, StartingSleep))
	assert.True(t, IsValidTransition(Awake, StartingDestroy))
	assert.True(t, IsValidTransition(StartingSleep, Nonexistent))
	assert.True(t, IsValidTransition(StartingDestroy, Destroyed))
	assert.True(t, IsValidTransition(Destroyed, Nonexistent))
}

func TestIsValidTransitionRejectsSkips(t *testing.T) {
	assert.False(t, IsValidTransition(Nonexistent, StartingSleep))
	assert.False(t, IsValidTransition(Nonexistent, Destroyed))
	assert.False(t, IsValidTransition(Awake, Destroyed))
	assert.False(t, IsValidTransition(Destroyed, Awake))
}

func TestStopping(t *testing.T) {
	assert.True(t, StartingSleep.Stopping())
	assert.True(t, StartingDestroy.Stopping())
	assert.False(t, Nonexistent.Stopping())
	assert.False(t, Awake.Stopping())
	assert.False(t, Destroyed.Stopping())
}
