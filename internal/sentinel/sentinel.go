// Package sentinel arbitrates the radio adapter between processes on one host.
//
// The daemon holds a marker file for the length of a discovery window; the
// battery job waits for the marker to disappear before it connects to a
// peripheral. The marker is advisory: a holder that dies leaves it behind, so
// waiters clear it forcibly after a bounded wait.
package sentinel

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is how often WaitUntilClear re-checks the marker.
const DefaultPollInterval = 5 * time.Second

// WaitOutcome tells how WaitUntilClear finished.
type WaitOutcome int

const (
	// Cleared means the marker was absent or disappeared while waiting.
	Cleared WaitOutcome = iota
	// ForcedClear means the wait ran out and the marker was removed.
	ForcedClear
)

func (o WaitOutcome) String() string {
	switch o {
	case Cleared:
		return "cleared"
	case ForcedClear:
		return "forced_clear"
	default:
		return "unknown"
	}
}

// Sentinel is the contract shared by the daemon and the battery job.
type Sentinel interface {
	Acquire()
	Release()
	WaitUntilClear(ctx context.Context, maxWait time.Duration) (WaitOutcome, error)
	CleanupIfStale(maxAge time.Duration) bool
	Held() bool
}

// FileSentinel implements Sentinel with a zero-byte marker file.
type FileSentinel struct {
	path         string
	PollInterval time.Duration

	mu     sync.Mutex
	now    func() time.Time
	logger *logrus.Entry
}

var _ Sentinel = (*FileSentinel)(nil)

// NewFileSentinel creates a sentinel backed by the marker at path.
func NewFileSentinel(path string, pollInterval time.Duration, logger *logrus.Logger) *FileSentinel {
	if logger == nil {
		logger = logrus.New()
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &FileSentinel{
		path:         path,
		PollInterval: pollInterval,
		now:          time.Now,
		logger:       logger.WithFields(logrus.Fields{"component": "sentinel", "path": path}),
	}
}

// Path returns the marker location.
func (s *FileSentinel) Path() string {
	return s.path
}

// Acquire creates the marker. It is idempotent and never fails the caller.
func (s *FileSentinel) Acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.WithError(err).Error("Failed to create pause marker")
		return
	}
	if err := f.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close pause marker")
	}
	// Refresh mtime so a re-acquired marker is never treated as stale.
	now := s.now()
	if err := os.Chtimes(s.path, now, now); err != nil {
		s.logger.WithError(err).Debug("Failed to touch pause marker")
	}
	s.logger.Debug("Pause marker set")
}

// Release removes the marker if present.
func (s *FileSentinel) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removeLocked() {
		s.logger.Debug("Pause marker removed")
	}
}

// Held reports whether the marker currently exists.
func (s *FileSentinel) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existsLocked()
}

// CleanupIfStale removes a marker older than maxAge and reports whether it did.
func (s *FileSentinel) CleanupIfStale(maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.WithError(err).Warn("Cannot stat pause marker")
		}
		return false
	}

	age := s.now().Sub(info.ModTime())
	if age <= maxAge {
		return false
	}

	s.logger.WithFields(logrus.Fields{
		"age":     age.Round(time.Second),
		"max_age": maxAge,
	}).Warn("Removing stale pause marker")
	return s.removeLocked()
}

// WaitUntilClear blocks until the marker is gone or maxWait elapsed. In the
// latter case the marker is removed and ForcedClear is returned. The only
// error is ctx cancellation.
func (s *FileSentinel) WaitUntilClear(ctx context.Context, maxWait time.Duration) (WaitOutcome, error) {
	start := s.now()
	logged := false

	for {
		s.mu.Lock()
		if !s.existsLocked() {
			s.mu.Unlock()
			if logged {
				s.logger.Info("Pause marker cleared, continuing")
			}
			return Cleared, nil
		}
		waited := s.now().Sub(start)
		if waited >= maxWait {
			s.removeLocked()
			s.mu.Unlock()
			s.logger.WithFields(logrus.Fields{
				"waited":   waited.Round(time.Millisecond),
				"max_wait": maxWait,
			}).Warn("Pause marker still present after max wait, removed it")
			return ForcedClear, nil
		}
		s.mu.Unlock()

		if !logged {
			s.logger.WithField("max_wait", maxWait).Info("Pause marker present, waiting")
			logged = true
		}

		sleep := s.PollInterval
		if remaining := maxWait - waited; remaining < sleep {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Cleared, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *FileSentinel) existsLocked() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *FileSentinel) removeLocked() bool {
	err := os.Remove(s.path)
	if err == nil {
		return true
	}
	if !errors.Is(err, os.ErrNotExist) {
		s.logger.WithError(err).Error("Failed to remove pause marker")
	}
	return false
}
