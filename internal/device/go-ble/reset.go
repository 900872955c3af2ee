package goble

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

const resetTimeout = 10 * time.Second

// CommandRunner executes an external command (can be overridden in tests).
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// HCIResetter power-cycles an adapter with hciconfig.
type HCIResetter struct {
	Adapter string
	Command string
	Run     CommandRunner
	logger  *logrus.Logger
}

// NewHCIResetter creates a resetter for adapter using the hciconfig binary.
func NewHCIResetter(adapter string, logger *logrus.Logger) *HCIResetter {
	if logger == nil {
		logger = logrus.New()
	}
	return &HCIResetter{
		Adapter: adapter,
		Command: "hciconfig",
		Run:     execRunner,
		logger:  logger,
	}
}

// Reset brings the adapter down and up again.
func (r *HCIResetter) Reset(ctx context.Context) error {
	resetCtx, cancel := context.WithTimeout(ctx, resetTimeout)
	defer cancel()

	logger := r.logger.WithFields(logrus.Fields{"adapter": r.Adapter, "command": r.Command})
	logger.Debug("Resetting adapter")

	for _, state := range []string{"down", "up"} {
		if out, err := r.Run(resetCtx, r.Command, r.Adapter, state); err != nil {
			if resetCtx.Err() == context.DeadlineExceeded {
				err = fmt.Errorf("%s %s %s timed out after %v", r.Command, r.Adapter, state, resetTimeout)
			} else {
				err = fmt.Errorf("%s %s %s failed: %w (output: %s)", r.Command, r.Adapter, state, err, string(out))
			}
			logger.WithError(err).Error("Adapter reset failed")
			return err
		}
	}

	logger.Info("Adapter reset")
	return nil
}
