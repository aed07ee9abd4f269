package colonyerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullCode(t *testing.T) {
	assert.Equal(t, "action.timed_out", ActionTimedOut.FullCode())
	assert.Equal(t, "actor.duplicate_key", ActorDuplicateKey.FullCode())
}

func TestWithActionID(t *testing.T) {
	err := ActionNotFound.WithActionID(42)
	assert.True(t, err.HasActionID())
	assert.Equal(t, uint64(42), err.ActionID)
	assert.False(t, ActionNotFound.HasActionID(), "original must be unmodified")
}

func TestForClient_PublicPassesThrough(t *testing.T) {
	out := ForClient(ActorNotFound, false)
	assert.Equal(t, ActorNotFound.FullCode(), out.FullCode())
}

func TestForClient_NonPublicCollapsesInProd(t *testing.T) {
	wrapped := StateInvalidType.WithCause(fmt.Errorf("boom"))
	out := ForClient(wrapped, false)
	assert.Equal(t, "actor.internal_error", out.FullCode())
}

func TestForClient_NonPublicPassesThroughInDev(t *testing.T) {
	out := ForClient(StateInvalidType, true)
	assert.Equal(t, "state.invalid_type", out.FullCode())
}

func TestForClient_PlainErrorCollapses(t *testing.T) {
	out := ForClient(fmt.Errorf("plain"), false)
	assert.Equal(t, "actor.internal_error", out.FullCode())
	assert.Nil(t, out.Metadata)
}

func TestWithMetadataMerges(t *testing.T) {
	base := ActionNotFound.WithMetadata(map[string]any{"a": 1})
	merged := base.WithMetadata(map[string]any{"b": 2})
	assert.Equal(t, 1, merged.Metadata["a"])
	assert.Equal(t, 2, merged.Metadata["b"])
}
