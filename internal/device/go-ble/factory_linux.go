//go:build linux

package goble

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

const hciTimeout = 20 * time.Second

func newPlatformDevice(adapter string) (ble.Device, error) {
	dev, err := linux.NewDevice(
		ble.OptDeviceID(adapterIndex(adapter)),
		ble.OptDialerTimeout(hciTimeout),
		ble.OptListenerTimeout(hciTimeout),
	)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// adapterIndex maps "hci1" to 1; anything unparsable falls back to hci0.
func adapterIndex(adapter string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(adapter, "hci"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
