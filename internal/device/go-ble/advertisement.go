package goble

import (
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blepresence/internal/device"
)

// toAdvertisement converts a go-ble advertisement into the transport-neutral form.
func toAdvertisement(adv ble.Advertisement, observedAt time.Time) device.Advertisement {
	return device.Advertisement{
		Address:    device.NormalizeAddress(adv.Addr().String()),
		RSSI:       adv.RSSI(),
		Name:       adv.LocalName(),
		ObservedAt: observedAt,
	}
}
