package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blepresence/internal/device"
	"github.com/srg/blepresence/internal/testutils"
)

type TransportTestSuite struct {
	suite.Suite
	helper          *testutils.TestHelper
	originalFactory func(string) (ble.Device, error)
}

func (s *TransportTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.originalFactory = DeviceFactory
}

func (s *TransportTestSuite) TearDownTest() {
	DeviceFactory = s.originalFactory
}

func (s *TransportTestSuite) usePeripheral(b *testutils.PeripheralDeviceBuilder) {
	dev := b.Build()
	DeviceFactory = func(string) (ble.Device, error) { return dev, nil }
}

func (s *TransportTestSuite) transport() *Transport {
	return NewTransport("hci0", 0, s.helper.Logger)
}

func (s *TransportTestSuite) TestReadBattery() {
	s.Run("reads level", func() {
		s.usePeripheral(testutils.NewPeripheralDeviceBuilder().WithBatteryLevel(87))

		level, err := s.transport().ReadBattery(context.Background(), "AA:BB:CC:DD:EE:FF")
		s.Require().NoError(err)
		s.Equal(87, level)
	})

	s.Run("missing characteristic is a protocol error", func() {
		s.usePeripheral(testutils.NewPeripheralDeviceBuilder())

		_, err := s.transport().ReadBattery(context.Background(), "AA:BB:CC:DD:EE:FF")
		s.ErrorIs(err, device.ErrProtocol)
	})

	s.Run("empty value is a protocol error", func() {
		s.usePeripheral(testutils.NewPeripheralDeviceBuilder().WithBatteryLevel())

		_, err := s.transport().ReadBattery(context.Background(), "AA:BB:CC:DD:EE:FF")
		s.ErrorIs(err, device.ErrProtocol)
	})

	s.Run("dial failure is a connect error", func() {
		s.usePeripheral(testutils.NewPeripheralDeviceBuilder().WithDialError(errors.New("connection refused")))

		_, err := s.transport().ReadBattery(context.Background(), "AA:BB:CC:DD:EE:FF")
		s.ErrorIs(err, device.ErrConnectFailed)
	})

	s.Run("dial timeout", func() {
		s.usePeripheral(testutils.NewPeripheralDeviceBuilder().WithDialError(context.DeadlineExceeded))

		_, err := s.transport().ReadBattery(context.Background(), "AA:BB:CC:DD:EE:FF")
		s.ErrorIs(err, device.ErrTimeout)
	})

	s.Run("read failure", func() {
		s.usePeripheral(testutils.NewPeripheralDeviceBuilder().
			WithBatteryLevel(50).
			WithReadError(errors.New("ATT error: insufficient authentication")))

		_, err := s.transport().ReadBattery(context.Background(), "AA:BB:CC:DD:EE:FF")
		s.ErrorIs(err, device.ErrProtocol)
	})

	s.Run("empty address", func() {
		_, err := s.transport().ReadBattery(context.Background(), " ")
		s.ErrorIs(err, device.ErrConnectFailed)
	})

	s.Run("factory failure", func() {
		DeviceFactory = func(string) (ble.Device, error) { return nil, testutils.ErrRadioOff }

		_, err := s.transport().ReadBattery(context.Background(), "AA:BB:CC:DD:EE:FF")
		s.ErrorIs(err, device.ErrConnectFailed)
		s.ErrorIs(err, ErrBluetoothOff)
	})
}

func (s *TransportTestSuite) TestPostConnectDelayHonoursContext() {
	s.usePeripheral(testutils.NewPeripheralDeviceBuilder().WithBatteryLevel(10))
	tr := NewTransport("hci0", time.Minute, s.helper.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.ReadBattery(ctx, "AA:BB:CC:DD:EE:FF")
	s.ErrorIs(err, device.ErrTimeout)
}

func (s *TransportTestSuite) TestDiscover() {
	s.Run("yields every advertisement", func() {
		s.usePeripheral(testutils.NewPeripheralDeviceBuilder().
			WithAdvertisement("aa:aa:aa:aa:aa:01", "Tag", -40).
			WithAdvertisement("bb:bb:bb:bb:bb:02", "", -80))

		var seen []device.Advertisement
		for adv, err := range s.transport().Discover(context.Background(), 50*time.Millisecond) {
			s.Require().NoError(err)
			seen = append(seen, adv)
		}

		s.Require().Len(seen, 2)
		s.ElementsMatch([]string{"AA:AA:AA:AA:AA:01", "BB:BB:BB:BB:BB:02"},
			[]string{seen[0].Address, seen[1].Address})
	})

	s.Run("consumer may stop early", func() {
		s.usePeripheral(testutils.NewPeripheralDeviceBuilder().
			WithAdvertisement("aa:aa:aa:aa:aa:01", "Tag", -40).
			WithAdvertisement("bb:bb:bb:bb:bb:02", "", -80))

		count := 0
		for range s.transport().Discover(context.Background(), time.Second) {
			count++
			break
		}
		s.Equal(1, count)
	})

	s.Run("scan failure is yielded", func() {
		s.usePeripheral(testutils.NewPeripheralDeviceBuilder().WithScanError(errors.New("hci: device busy")))

		var errs []error
		for _, err := range s.transport().Discover(context.Background(), 50*time.Millisecond) {
			if err != nil {
				errs = append(errs, err)
			}
		}
		s.Require().Len(errs, 1)
		s.ErrorIs(errs[0], device.ErrConnectFailed)
	})

	s.Run("adapter unavailable", func() {
		DeviceFactory = func(string) (ble.Device, error) { return nil, testutils.ErrRadioOff }

		var errs []error
		for _, err := range s.transport().Discover(context.Background(), 50*time.Millisecond) {
			errs = append(errs, err)
		}
		s.Require().Len(errs, 1)
		s.ErrorIs(errs[0], ErrBluetoothOff)
	})
}

func TestTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}
