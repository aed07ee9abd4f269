package persistence

import (
	"errors"
	"io/fs"
	"os"
)

// WriteAlarm durably installs an alarm file for actorID, guarded the same
// way WriteState is (spec.md §4.B step 2).
func (s *Store) WriteAlarm(actorID string, alarm *Alarm, guard func() bool) error {
	return writeAtomic(s.alarmPath(actorID), EncodeAlarm(alarm), guard)
}

// LoadAlarm reads the alarm file for actorID, returning (nil, nil) if absent.
func (s *Store) LoadAlarm(actorID string) (*Alarm, error) {
	data, err := os.ReadFile(s.alarmPath(actorID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return DecodeAlarm(data)
}

// DeleteAlarm unlinks the alarm file for actorID. Missing files are not an
// error.
func (s *Store) DeleteAlarm(actorID string) error {
	err := os.Remove(s.alarmPath(actorID))
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ListAlarmActorIDs returns the actor id of every alarm file currently on
// disk, for startup replay (spec.md §4.B "reads every file under alarms/").
func (s *Store) ListAlarmActorIDs() ([]string, error) {
	entries, err := os.ReadDir(s.AlarmsDir())
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if isTmpName(name) {
			continue
		}
		ids = append(ids, name)
	}
	return ids, nil
}
