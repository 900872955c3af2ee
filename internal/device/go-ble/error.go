package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blepresence/internal/device"
)

// ErrBluetoothOff is reported when the adapter is powered down or missing.
var ErrBluetoothOff = errors.New("bluetooth adapter is not available")

// NormalizeError maps known go-ble error strings to classified transport errors.
// It ensures consistent handling even if the upstream library changes messages slightly.
// fallback is used when nothing more specific matches.
func NormalizeError(ctx context.Context, address string, fallback device.ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := device.KindOf(err); ok && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded),
		containsIgnoreCase(msg, "timeout"),
		containsIgnoreCase(msg, "timed out"):
		return device.NewError(device.KindTimeout, address, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "no such device"),
		containsIgnoreCase(msg, "can't init hci"):
		return device.NewError(device.KindConnectFailed, address, fmt.Errorf("%w: %v", ErrBluetoothOff, err))
	case containsIgnoreCase(msg, "disconnected"),
		containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "connection refused"):
		return device.NewError(device.KindConnectFailed, address, err)
	case containsIgnoreCase(msg, "att error"),
		containsIgnoreCase(msg, "gatt"),
		containsIgnoreCase(msg, "not found"):
		return device.NewError(device.KindProtocol, address, err)
	default:
		return device.NewError(fallback, address, err)
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
