package goble

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepresence/internal/device"
)

var batteryLevelUUID = ble.MustParse(device.BatteryLevelUUID)

// ReadBattery dials address, discovers its GATT profile and reads the Battery
// Level characteristic. The whole exchange is bounded by ctx.
func (t *Transport) ReadBattery(ctx context.Context, address string) (int, error) {
	if strings.TrimSpace(address) == "" {
		return -1, device.NewError(device.KindConnectFailed, address, fmt.Errorf("device address is empty"))
	}

	logger := t.logger.WithField("address", address)

	dev, err := DeviceFactory(t.adapter)
	if err != nil {
		logger.WithError(err).Error("Failed to create BLE device")
		return -1, NormalizeError(ctx, address, device.KindConnectFailed, fmt.Errorf("failed to create BLE device: %w", err))
	}
	defer t.stopDevice(dev)

	logger.Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return -1, NormalizeError(ctx, address, device.KindConnectFailed, fmt.Errorf("failed to connect to device with address %q: %w", address, err))
	}
	defer func() {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			logger.WithError(cancelErr).Debug("Failed to cancel connection")
		}
	}()
	logger.Info("Connected to BLE device")

	if t.postConnectDelay > 0 {
		logger.WithField("delay", t.postConnectDelay).Debug("Waiting before reading")
		timer := time.NewTimer(t.postConnectDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return -1, device.NewError(device.KindTimeout, address, ctx.Err())
		}
	}

	// DiscoverProfile and ReadCharacteristic do not take a context, so they are
	// raced against ctx the same way characteristic reads are guarded elsewhere.
	data, err := withContext(ctx, func() ([]byte, error) {
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			return nil, device.NewError(device.KindProtocol, address, fmt.Errorf("failed to discover profile: %w", err))
		}
		char := profile.FindCharacteristic(ble.NewCharacteristic(batteryLevelUUID))
		if char == nil {
			return nil, device.NewError(device.KindProtocol, address, fmt.Errorf("characteristic %s not found", device.BatteryLevelUUID))
		}
		value, err := client.ReadCharacteristic(char)
		if err != nil {
			return nil, fmt.Errorf("failed to read characteristic %s: %w", device.BatteryLevelUUID, err)
		}
		return value, nil
	})
	if err != nil {
		return -1, NormalizeError(ctx, address, device.KindProtocol, err)
	}
	if len(data) == 0 {
		return -1, device.NewError(device.KindProtocol, address, fmt.Errorf("empty battery level value"))
	}

	level := int(data[0])
	logger.WithFields(logrus.Fields{"battery": level}).Info("Battery level read")
	return level, nil
}

func withContext(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		data, err := fn()
		resultCh <- readResult{data: data, err: err}
	}()

	select {
	case result := <-resultCh:
		return result.data, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
