package sentinel

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultJobMaxAge is the age after which a job-lock marker is considered abandoned.
const DefaultJobMaxAge = time.Hour

// ErrJobRunning is returned by Create when a fresh job-lock marker exists.
var ErrJobRunning = errors.New("battery job already running")

// JobMarker is the job-lock file written by the battery job. The daemon only
// checks for its existence to stretch its pause while a batch is running.
type JobMarker struct {
	path   string
	now    func() time.Time
	logger *logrus.Entry
}

// NewJobMarker creates a marker handle for path.
func NewJobMarker(path string, logger *logrus.Logger) *JobMarker {
	if logger == nil {
		logger = logrus.New()
	}
	return &JobMarker{
		path:   path,
		now:    time.Now,
		logger: logger.WithFields(logrus.Fields{"component": "sentinel", "job_lock": path}),
	}
}

// Path returns the marker location.
func (m *JobMarker) Path() string {
	return m.path
}

// Active reports whether a job-lock marker exists, fresh or not.
func (m *JobMarker) Active() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Fresh reports whether a marker exists and is no older than maxAge.
func (m *JobMarker) Fresh(maxAge time.Duration) bool {
	info, err := os.Stat(m.path)
	if err != nil {
		return false
	}
	return m.now().Sub(info.ModTime()) <= maxAge
}

// Create writes the marker with the current PID. A marker older than maxAge
// is replaced; a younger one yields ErrJobRunning.
func (m *JobMarker) Create(maxAge time.Duration) error {
	if info, err := os.Stat(m.path); err == nil {
		age := m.now().Sub(info.ModTime())
		if age <= maxAge {
			return fmt.Errorf("%w: %s is %v old", ErrJobRunning, m.path, age.Round(time.Second))
		}
		m.logger.WithField("age", age.Round(time.Second)).Warn("Replacing stale job lock")
		if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale job lock %s: %w", m.path, err)
		}
	}

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrJobRunning, m.path)
		}
		return fmt.Errorf("failed to create job lock %s: %w", m.path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		return fmt.Errorf("failed to write job lock %s: %w", m.path, err)
	}
	m.logger.Debug("Job lock created")
	return nil
}

// Remove deletes the marker; a missing marker is not an error.
func (m *JobMarker) Remove() {
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.WithError(err).Error("Failed to remove job lock")
		return
	}
	m.logger.Debug("Job lock removed")
}
