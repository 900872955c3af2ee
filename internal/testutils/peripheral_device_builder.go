package testutils

import (
	"errors"

	blelib "github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"

	"github.com/srg/blepresence/internal/testutils/mocks"
)

// PeripheralDeviceBuilder builds a mocked ble.Device that exposes a battery
// service and a list of advertisements for scans.
type PeripheralDeviceBuilder struct {
	battery        []byte
	hasBattery     bool
	dialErr        error
	profileErr     error
	readErr        error
	scanErr        error
	advertisements []blelib.Advertisement
}

// NewPeripheralDeviceBuilder creates a builder for a peripheral without services.
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{}
}

// WithBatteryLevel adds a Battery service whose level characteristic returns value.
func (b *PeripheralDeviceBuilder) WithBatteryLevel(value ...byte) *PeripheralDeviceBuilder {
	b.battery = value
	b.hasBattery = true
	return b
}

// WithDialError makes Dial fail.
func (b *PeripheralDeviceBuilder) WithDialError(err error) *PeripheralDeviceBuilder {
	b.dialErr = err
	return b
}

// WithProfileError makes profile discovery fail.
func (b *PeripheralDeviceBuilder) WithProfileError(err error) *PeripheralDeviceBuilder {
	b.profileErr = err
	return b
}

// WithReadError makes the characteristic read fail.
func (b *PeripheralDeviceBuilder) WithReadError(err error) *PeripheralDeviceBuilder {
	b.readErr = err
	return b
}

// WithScanError makes Scan return err after delivering the advertisements.
func (b *PeripheralDeviceBuilder) WithScanError(err error) *PeripheralDeviceBuilder {
	b.scanErr = err
	return b
}

// WithAdvertisement adds an advertisement delivered by every Scan call.
func (b *PeripheralDeviceBuilder) WithAdvertisement(address, name string, rssi int) *PeripheralDeviceBuilder {
	adv := &mocks.MockAdvertisement{}
	adv.On("Addr").Return(blelib.NewAddr(address))
	adv.On("LocalName").Return(name)
	adv.On("RSSI").Return(rssi)
	b.advertisements = append(b.advertisements, adv)
	return b
}

// Build creates the mocked device.
func (b *PeripheralDeviceBuilder) Build() *mocks.MockDevice {
	dev := &mocks.MockDevice{}
	client := &mocks.MockClient{}

	profile := &blelib.Profile{}
	if b.hasBattery {
		char := &blelib.Characteristic{
			UUID:     blelib.UUID16(0x2A19),
			Property: blelib.CharRead | blelib.CharNotify,
			Value:    b.battery,
		}
		profile.Services = append(profile.Services, &blelib.Service{
			UUID:            blelib.UUID16(0x180F),
			Characteristics: []*blelib.Characteristic{char},
		})
		if b.readErr != nil {
			client.On("ReadCharacteristic", char).Return(nil, b.readErr)
		} else {
			client.On("ReadCharacteristic", char).Return(b.battery, nil)
		}
	}

	if b.profileErr != nil {
		client.On("DiscoverProfile", true).Return(nil, b.profileErr)
	} else {
		client.On("DiscoverProfile", true).Return(profile, nil)
	}
	client.On("CancelConnection").Return(nil)

	if b.dialErr != nil {
		dev.On("Dial", mock.Anything, mock.Anything).Return(nil, b.dialErr)
	} else {
		dev.On("Dial", mock.Anything, mock.Anything).Return(client, nil)
	}

	ads := b.advertisements
	dev.On("Scan", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		handler := args.Get(2).(blelib.AdvHandler)
		for _, adv := range ads {
			handler(adv)
		}
	}).Return(b.scanErr)
	dev.On("Stop").Return(nil)

	return dev
}

// ErrRadioOff mimics the error go-ble reports when the adapter is down.
var ErrRadioOff = errors.New("can't init hci: no such device")
