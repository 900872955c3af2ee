// Package status persists the last known presence and battery level per device.
//
// The file is shared between the daemon and the battery job and is always
// rewritten atomically. Readers that find it missing or corrupt treat the
// store as empty.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepresence/internal/device"
)

// UnknownBattery marks a battery level that has never been read.
const UnknownBattery = -1

const (
	stateOnline  = "online"
	stateOffline = "offline"
)

// Record is the last known state of one device.
type Record struct {
	Online         bool
	BatteryPercent int
	LastUpdated    time.Time
}

type wireRecord struct {
	Timestamp      int64  `json:"timestamp"`
	BatteryPercent int    `json:"battery_percent"`
	Status         string `json:"status"`
}

// MarshalJSON encodes the record in the on-disk format shared with the web UI.
func (r Record) MarshalJSON() ([]byte, error) {
	w := wireRecord{
		Timestamp:      r.LastUpdated.Unix(),
		BatteryPercent: r.BatteryPercent,
		Status:         stateOffline,
	}
	if r.Online {
		w.Status = stateOnline
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the on-disk format. Missing battery values become UnknownBattery.
func (r *Record) UnmarshalJSON(data []byte) error {
	w := wireRecord{BatteryPercent: UnknownBattery}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Online = w.Status == stateOnline
	r.BatteryPercent = w.BatteryPercent
	r.LastUpdated = time.Unix(w.Timestamp, 0)
	return nil
}

// Store is a JSON file keyed by device address.
type Store struct {
	path   string
	mu     sync.Mutex
	logger *logrus.Entry
}

// NewStore creates a store backed by path.
func NewStore(path string, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{
		path:   path,
		logger: logger.WithFields(logrus.Fields{"component": "status", "path": path}),
	}
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

// Upsert replaces the record for address.
func (s *Store) Upsert(address string, rec Record) error {
	return s.UpsertMany(map[string]Record{address: rec})
}

// UpsertMany replaces every given record in a single rewrite.
func (s *Store) UpsertMany(records map[string]Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.loadLocked()
	for addr, rec := range records {
		all[device.NormalizeAddress(addr)] = rec
	}
	if err := s.writeLocked(all); err != nil {
		return fmt.Errorf("failed to update status file %s: %w", s.path, err)
	}
	return nil
}

// Read returns the record for address, false when it is unknown.
func (s *Store) Read(address string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.loadLocked()[device.NormalizeAddress(address)]
	return rec, ok
}

// LastBatteryPercent returns the stored battery level or UnknownBattery.
func (s *Store) LastBatteryPercent(address string) int {
	rec, ok := s.Read(address)
	if !ok {
		return UnknownBattery
	}
	return rec.BatteryPercent
}

// All returns a snapshot of every record.
func (s *Store) All() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() map[string]Record {
	records := make(map[string]Record)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.WithError(err).Warn("Cannot read status file, starting empty")
		}
		return records
	}
	if len(data) == 0 {
		return records
	}
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.WithError(err).Warn("Cannot parse status file, starting empty")
		return make(map[string]Record)
	}
	return records
}

func (s *Store) writeLocked(records map[string]Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	// CreateTemp uses 0600; the web UI reads this file under another user.
	if err := os.Chmod(tmpName, 0o644); err != nil {
		s.logger.WithError(err).Debug("Failed to chmod status file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
