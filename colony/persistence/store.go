// Package persistence is the atomic on-disk substrate: per-actor state
// files, a per-actor embedded SQLite KV store, and per-actor alarm files
// (spec.md §4.A).
package persistence

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/mulgadc/colony/colony/colonyerr"
)

const (
	stateDirName     = "state"
	databasesDirName = "databases"
	alarmsDirName    = "alarms"
)

// Store owns the storage root and its three subdirectories. One Store is
// shared by the whole process; it is safe for concurrent use.
type Store struct {
	root string

	kvMu sync.Mutex
	kv   map[string]*KVStore
}

// Open creates the storage root's subdirectories if missing and returns a
// ready Store. It does not itself run startup migration/cleanup; call
// MigrateAll and CleanupTmpFiles explicitly once at process start.
func Open(root string) (*Store, error) {
	for _, dir := range []string{stateDirName, databasesDirName, alarmsDirName} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("persistence: create %s: %w", dir, err)
		}
	}
	return &Store{root: root, kv: make(map[string]*KVStore)}, nil
}

func (s *Store) statePath(actorID string) string { return filepath.Join(s.root, stateDirName, actorID) }
func (s *Store) dbPath(actorID string) string     { return filepath.Join(s.root, databasesDirName, actorID+".db") }
func (s *Store) alarmPath(actorID string) string  { return filepath.Join(s.root, alarmsDirName, actorID) }
func (s *Store) StateDir() string                 { return filepath.Join(s.root, stateDirName) }
func (s *Store) DatabasesDir() string              { return filepath.Join(s.root, databasesDirName) }
func (s *Store) AlarmsDir() string                 { return filepath.Join(s.root, alarmsDirName) }

// writeAtomic writes data to a ".tmp.<uuid>" sibling of path, then, if guard
// returns true, renames it over path. If guard returns false the temp file
// is unlinked and colonyerr.StaleGeneration is returned without touching the
// target. guard is evaluated only after data is durably on disk, so it sees
// the freshest possible view of "is this write still wanted".
func writeAtomic(path string, data []byte, guard func() bool) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, filepath.Base(path)+".tmp."+uuid.NewString())

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("persistence: write temp file: %w", err)
	}

	if guard != nil && !guard() {
		if rmErr := os.Remove(tmp); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			slog.Warn("persistence: failed to remove stale temp file", "path", tmp, "err", rmErr)
		}
		return colonyerr.StaleGeneration
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("persistence: rename temp file into place: %w", err)
	}
	return nil
}

// WriteState serializes state and durably installs it at state/<actorId>,
// guarded against a concurrent create/destroy race. guard is called after
// the temp file is written and must report whether the write is still
// admissible (current generation, lifecycle != STARTING_DESTROY).
func (s *Store) WriteState(actorID string, state *State, guard func() bool) error {
	data, err := EncodeState(state)
	if err != nil {
		return err
	}
	return writeAtomic(s.statePath(actorID), data, guard)
}

// LoadState reads the state file for actorID. It returns (nil, nil) if no
// state file exists; any other I/O or decode error is returned as-is and is
// fatal for the caller's current operation (spec.md §4.A).
func (s *Store) LoadState(actorID string) (*State, error) {
	data, err := os.ReadFile(s.statePath(actorID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("persistence: read state file: %w", err)
	}
	state, err := DecodeState(data)
	if err != nil {
		return nil, fmt.Errorf("persistence: decode state file: %w", colonyerr.StateInvalidType.WithCause(err))
	}
	return state, nil
}

// DeleteActorFiles unlinks the state, database, and alarm files for actorID.
// Missing files are not errors.
func (s *Store) DeleteActorFiles(actorID string) error {
	s.kvMu.Lock()
	if kv, ok := s.kv[actorID]; ok {
		_ = kv.Close()
		delete(s.kv, actorID)
	}
	s.kvMu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && !errors.Is(err, fs.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}

	var wg sync.WaitGroup
	paths := []string{s.statePath(actorID), s.dbPath(actorID), s.alarmPath(actorID)}
	errs := make([]error, len(paths))
	wg.Add(len(paths))
	for i, p := range paths {
		go func(i int, p string) {
			defer wg.Done()
			errs[i] = os.Remove(p)
		}(i, p)
	}
	wg.Wait()
	for _, e := range errs {
		record(e)
	}
	return firstErr
}

// KV returns the (lazily opened) KVStore for actorID.
func (s *Store) KV(actorID string) (*KVStore, error) {
	s.kvMu.Lock()
	defer s.kvMu.Unlock()
	if kv, ok := s.kv[actorID]; ok {
		return kv, nil
	}
	kv, err := openKVStore(s.dbPath(actorID))
	if err != nil {
		return nil, err
	}
	s.kv[actorID] = kv
	return kv, nil
}

// CloseKV closes and forgets the KVStore for actorID, if open. Called by the
// registry when an actor sleeps; on destroy, DeleteActorFiles closes the
// handle itself.
func (s *Store) CloseKV(actorID string) error {
	s.kvMu.Lock()
	defer s.kvMu.Unlock()
	kv, ok := s.kv[actorID]
	if !ok {
		return nil
	}
	delete(s.kv, actorID)
	return kv.Close()
}
