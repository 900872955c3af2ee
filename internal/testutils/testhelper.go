// Package testutils holds fakes and assertion helpers shared by package tests.
package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/srg/blepresence/internal/config"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Dir    string
}

// NewTestHelper creates a helper with a debug logger and a private working directory.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
		Dir:    t.TempDir(),
	}
}

// Config returns defaults rooted at the helper directory with fast timings.
func (h *TestHelper) Config() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Paths.BaseDir = h.Dir
	cfg.Paths.PauseFile = "ble_read.pause"
	cfg.General.ScanDuration = 0.05
	cfg.General.ScanSettleDelay = 0
	cfg.General.ShortPause = 0.01
	cfg.General.BatteryPauseDuration = 0.02
	cfg.General.FallbackPause = 0.01
	cfg.General.BatteryRetryDelay = 0
	cfg.General.BatteryConnectTimeout = 0.2
	cfg.General.BatteryPostConnectDelay = 0
	cfg.General.SentinelPollInterval = 0.01
	cfg.General.SentinelMaxWait = 0.1
	return cfg
}

// WriteFile writes content to name inside the helper directory and returns its path.
func (h *TestHelper) WriteFile(name, content string) string {
	h.T.Helper()
	path := filepath.Join(h.Dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.T.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

// ReadFile returns the content of name inside the helper directory.
func (h *TestHelper) ReadFile(name string) string {
	h.T.Helper()
	data, err := os.ReadFile(filepath.Join(h.Dir, name))
	if err != nil {
		h.T.Fatalf("failed to read %s: %v", name, err)
	}
	return string(data)
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
