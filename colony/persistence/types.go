package persistence

// State is the durable record for one actor (spec.md §3 "Persistent Actor
// State"). Millisecond timestamps are nil when not yet reached.
type State struct {
	ActorID string
	Name    string
	Key     []string

	CreatedAt     int64
	StartTs       *int64
	ConnectableTs *int64
	SleepTs       *int64
	DestroyTs     *int64

	// KVStorage is the legacy inline KV map. It is populated only by
	// loadState when reading a not-yet-migrated state file; runtime code
	// never writes through it directly (kv.go is DB-only), and
	// Store.MigrateLegacyKV moves it into the KV store and rewrites the state
	// file without it.
	KVStorage map[string][]byte
}

// Clone returns a deep copy so callers can hold a mirror without aliasing
// the caller's slices/maps.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Key != nil {
		cp.Key = append([]string(nil), s.Key...)
	}
	if s.StartTs != nil {
		v := *s.StartTs
		cp.StartTs = &v
	}
	if s.ConnectableTs != nil {
		v := *s.ConnectableTs
		cp.ConnectableTs = &v
	}
	if s.SleepTs != nil {
		v := *s.SleepTs
		cp.SleepTs = &v
	}
	if s.DestroyTs != nil {
		v := *s.DestroyTs
		cp.DestroyTs = &v
	}
	if s.KVStorage != nil {
		cp.KVStorage = make(map[string][]byte, len(s.KVStorage))
		for k, v := range s.KVStorage {
			cp.KVStorage[k] = append([]byte(nil), v...)
		}
	}
	return &cp
}

// Alarm is the durable record for one actor's pending alarm (spec.md §3).
type Alarm struct {
	ActorID     string
	TimestampMs int64
}
