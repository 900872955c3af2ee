package goble

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepresence/internal/device"
	"github.com/srg/blepresence/internal/groutine"
)

// advertisementBuffer bounds how far the radio callback may run ahead of the consumer.
const advertisementBuffer = 128

// DeviceFactory creates ble.Device instances for the named adapter (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// Transport implements device.Scanner and device.BatteryReader on top of go-ble.
// Every operation opens the adapter, uses it and closes it again so that the
// daemon and the battery job never keep the HCI socket between passes.
type Transport struct {
	adapter          string
	postConnectDelay time.Duration
	logger           *logrus.Logger
}

// NewTransport creates a go-ble backed transport for the given adapter (e.g. "hci0").
func NewTransport(adapter string, postConnectDelay time.Duration, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		adapter:          adapter,
		postConnectDelay: postConnectDelay,
		logger:           logger,
	}
}

// Discover scans for window and yields advertisements as they arrive.
func (t *Transport) Discover(ctx context.Context, window time.Duration) iter.Seq2[device.Advertisement, error] {
	return func(yield func(device.Advertisement, error) bool) {
		dev, err := DeviceFactory(t.adapter)
		if err != nil {
			yield(device.Advertisement{}, NormalizeError(ctx, "", device.KindConnectFailed, err))
			return
		}
		defer t.stopDevice(dev)

		scanCtx, cancel := context.WithTimeout(ctx, window)
		defer cancel()

		advs := make(chan device.Advertisement, advertisementBuffer)
		done := make(chan error, 1)

		// The advertisement channel is never closed: go-ble may still invoke the
		// handler briefly after Scan returns.
		groutine.Go(scanCtx, "ble-scan:"+t.adapter, func(ctx context.Context) {
			done <- dev.Scan(ctx, true, func(a ble.Advertisement) {
				select {
				case advs <- toAdvertisement(a, time.Now()):
				case <-ctx.Done():
				}
			})
		})

		t.logger.WithFields(logrus.Fields{
			"adapter": t.adapter,
			"window":  window,
		}).Debug("Discovery window opened")

		for {
			select {
			case adv := <-advs:
				if !yield(adv, nil) {
					cancel()
					<-done
					return
				}
			case scanErr := <-done:
				if !drain(advs, yield) {
					return
				}
				if scanErr != nil && !errors.Is(scanErr, context.Canceled) && !errors.Is(scanErr, context.DeadlineExceeded) {
					yield(device.Advertisement{}, NormalizeError(ctx, "", device.KindConnectFailed, scanErr))
				}
				return
			}
		}
	}
}

// drain yields whatever is still buffered; it reports false if the consumer stopped.
func drain(advs <-chan device.Advertisement, yield func(device.Advertisement, error) bool) bool {
	for {
		select {
		case adv := <-advs:
			if !yield(adv, nil) {
				return false
			}
		default:
			return true
		}
	}
}

func (t *Transport) stopDevice(dev ble.Device) {
	if err := dev.Stop(); err != nil {
		t.logger.WithError(err).WithField("adapter", t.adapter).Debug("Failed to stop BLE device")
	}
}
