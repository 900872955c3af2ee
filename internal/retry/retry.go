// Package retry runs a fallible per-device operation under a bounded retry policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blepresence/internal/device"
	"github.com/srg/blepresence/internal/groutine"
)

// FailureKind classifies why the last attempt failed.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureTimeout
	FailureConnectFailed
	FailureProtocol
	FailureUnknown
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureTimeout:
		return "timeout"
	case FailureConnectFailed:
		return "connect_failed"
	case FailureProtocol:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// Policy bounds an Execute call.
type Policy struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	Delay          time.Duration
}

// Result is the outcome of all attempts for one address.
type Result struct {
	Succeeded bool
	Value     int
	Failure   FailureKind
	Attempts  int
	Err       error
}

// Operation performs one attempt against address.
type Operation func(ctx context.Context, address string) (int, error)

// Engine executes operations with retries.
type Engine struct {
	logger *logrus.Entry
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a retry engine.
func NewEngine(logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		logger: logger.WithField("component", "battery"),
		sleep:  sleepContext,
	}
}

// Execute runs op until it succeeds or policy.MaxAttempts attempts failed.
// Each attempt is abandoned once policy.AttemptTimeout elapses even if op
// ignores its context.
func (e *Engine) Execute(ctx context.Context, address string, policy Policy, op Operation) Result {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var result Result
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt

		value, err := e.attempt(ctx, address, policy.AttemptTimeout, op)
		if err == nil {
			result.Succeeded = true
			result.Value = value
			result.Failure = FailureNone
			result.Err = nil
			return result
		}

		result.Failure = Classify(err)
		result.Err = err
		e.logger.WithFields(logrus.Fields{
			"address": address,
			"attempt": attempt,
			"of":      attempts,
			"kind":    result.Failure.String(),
		}).WithError(err).Warn("Battery read attempt failed")

		if attempt == attempts || ctx.Err() != nil {
			break
		}
		if policy.Delay > 0 {
			if err := e.sleep(ctx, policy.Delay); err != nil {
				break
			}
		}
	}
	return result
}

func (e *Engine) attempt(ctx context.Context, address string, timeout time.Duration, op Operation) (int, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		value int
		err   error
	}
	done := make(chan outcome, 1)

	groutine.Go(attemptCtx, "battery-read:"+address, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{value: -1, err: fmt.Errorf("panic during attempt: %v", r)}
			}
		}()
		value, err := op(ctx, address)
		if err == nil && (value < 0 || value > 100) {
			err = device.NewError(device.KindProtocol, address, fmt.Errorf("battery level %d out of range", value))
		}
		done <- outcome{value: value, err: err}
	})

	select {
	case out := <-done:
		return out.value, out.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return -1, device.NewError(device.KindTimeout, address, fmt.Errorf("attempt exceeded %v", timeout))
		}
		return -1, attemptCtx.Err()
	}
}

// Classify maps an error chain to a FailureKind.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	kind, ok := device.KindOf(err)
	if !ok {
		return FailureUnknown
	}
	switch kind {
	case device.KindTimeout:
		return FailureTimeout
	case device.KindConnectFailed:
		return FailureConnectFailed
	case device.KindProtocol:
		return FailureProtocol
	default:
		return FailureUnknown
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
