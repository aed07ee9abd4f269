package persistence

import (
	"context"
	"log/slog"
	"os"
)

// MigrateLegacyKV transfers actorID's inline KVStorage into its SQLite KV
// store and empties the inline list, if there is anything to migrate. It is
// idempotent: if KVStorage is already empty this is a no-op, and if the DB
// already has rows the inline copy is dropped without being imported again
// (spec.md §4.A, §9 "Legacy inline KV").
func (s *Store) MigrateLegacyKV(ctx context.Context, actorID string) error {
	state, err := s.LoadState(actorID)
	if err != nil {
		return err
	}
	if state == nil || len(state.KVStorage) == 0 {
		return nil
	}

	kv, err := s.KV(actorID)
	if err != nil {
		return err
	}

	existing, err := kv.ListPrefix(ctx, nil)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		// Already migrated in a previous run; just clear the stale inline copy.
		state.KVStorage = nil
		return s.WriteState(actorID, state, nil)
	}

	entries := make([]Entry, 0, len(state.KVStorage))
	for k, v := range state.KVStorage {
		entries = append(entries, Entry{Key: []byte(k), Value: v})
	}
	if err := kv.BatchPut(ctx, entries); err != nil {
		return err
	}

	state.KVStorage = nil
	if err := s.WriteState(actorID, state, nil); err != nil {
		return err
	}
	slog.Info("persistence: migrated legacy inline kv", "actorId", actorID, "entries", len(entries))
	return nil
}

// MigrateAll runs MigrateLegacyKV for every actor with a state file on disk.
// Safe to call every process start; already-migrated actors are no-ops.
func (s *Store) MigrateAll(ctx context.Context) error {
	entries, err := os.ReadDir(s.StateDir())
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || isTmpName(e.Name()) {
			continue
		}
		if err := s.MigrateLegacyKV(ctx, e.Name()); err != nil {
			slog.Error("persistence: legacy kv migration failed", "actorId", e.Name(), "err", err)
		}
	}
	return nil
}
