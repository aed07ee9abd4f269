package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeStateRoundTrip(t *testing.T) {
	start := int64(1000)
	s := &State{
		ActorID:   "abc123",
		Name:      "counter",
		Key:       []string{"a", "b"},
		CreatedAt: 500,
		StartTs:   &start,
		KVStorage: map[string][]byte{"v": {1, 2, 3}},
	}

	data, err := EncodeState(s)
	require.NoError(t, err)

	got, err := DecodeState(data)
	require.NoError(t, err)

	assert.Equal(t, s.ActorID, got.ActorID)
	assert.Equal(t, s.Name, got.Name)
	assert.Equal(t, s.Key, got.Key)
	assert.Equal(t, s.CreatedAt, got.CreatedAt)
	require.NotNil(t, got.StartTs)
	assert.Equal(t, *s.StartTs, *got.StartTs)
	assert.Nil(t, got.SleepTs)
	assert.Equal(t, s.KVStorage["v"], got.KVStorage["v"])
}

func TestEncodeStateVersionPrefix(t *testing.T) {
	data, err := EncodeState(&State{ActorID: "x"})
	require.NoError(t, err)
	version, _, err := decodeVersioned(data)
	require.NoError(t, err)
	assert.Equal(t, EnvelopeVersion, version)
}

func TestDecodeStateRejectsUnknownVersion(t *testing.T) {
	data, err := EncodeState(&State{ActorID: "x"})
	require.NoError(t, err)
	data[0] = 0xFF
	data[1] = 0xFF
	_, err = DecodeState(data)
	assert.Error(t, err)
}

func TestEncodeDecodeAlarmRoundTrip(t *testing.T) {
	a := &Alarm{ActorID: "abc123", TimestampMs: 1234567890}
	data := EncodeAlarm(a)
	got, err := DecodeAlarm(data)
	require.NoError(t, err)
	assert.Equal(t, a.ActorID, got.ActorID)
	assert.Equal(t, a.TimestampMs, got.TimestampMs)
}

func TestStateCloneIsDeep(t *testing.T) {
	start := int64(5)
	s := &State{Key: []string{"a"}, StartTs: &start, KVStorage: map[string][]byte{"k": {1}}}
	cp := s.Clone()
	cp.Key[0] = "mutated"
	*cp.StartTs = 99
	cp.KVStorage["k"][0] = 9

	assert.Equal(t, "a", s.Key[0])
	assert.Equal(t, int64(5), *s.StartTs)
	assert.Equal(t, byte(1), s.KVStorage["k"][0])
}
