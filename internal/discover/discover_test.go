package discover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blepresence/internal/device"
	"github.com/srg/blepresence/internal/sentinel"
	"github.com/srg/blepresence/internal/testutils"
)

func TestDiscoverer_Run(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	cfg := helper.Config()
	radio := testutils.NewFakeRadio(
		testutils.Adv("cc:cc", "", -80),
		testutils.Adv("AA:AA", "Tag", -70),
		testutils.Adv("aa:aa", "Tag", -40),
		testutils.Adv("AA:AA", "Tag", -60),
		testutils.Adv("BB:BB", "Keys", -50),
	)

	d := New(cfg, radio, radio, helper.Logger)
	d.now = func() time.Time { return time.Unix(1700000000, 0) }

	res, err := d.Run(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, res.DevicesFound)
	assert.Equal(t, 1, radio.Resets())

	var order []string
	for pair := res.Devices.Oldest(); pair != nil; pair = pair.Next() {
		order = append(order, pair.Key)
	}
	assert.Equal(t, []string{"AA:AA", "BB:BB", "CC:CC"}, order)

	testutils.NewJSONAsserter(t).AssertFile(cfg.Path(cfg.Paths.ScanResults), `{
		"scan_timestamp": 1700000000,
		"scan_duration_seconds": 2,
		"devices_found": 3,
		"devices": {
			"AA:AA": {"name": "Tag", "rssi": -40},
			"BB:BB": {"name": "Keys", "rssi": -50},
			"CC:CC": {"name": "Unknown", "rssi": -80}
		}
	}`)

	loaded, err := ReadFile(cfg.Path(cfg.Paths.ScanResults))
	require.NoError(t, err)
	best, ok := loaded.Devices.Get("AA:AA")
	require.True(t, ok)
	assert.Equal(t, -40, best.RSSI)
}

func TestDiscoverer_RunWaitsForPauseMarker(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	cfg := helper.Config()
	radio := testutils.NewFakeRadio()

	pause := sentinel.NewFileSentinel(cfg.Path(cfg.Paths.PauseFile), cfg.General.PollInterval(), helper.Logger)
	pause.Acquire()
	go func() {
		time.Sleep(30 * time.Millisecond)
		pause.Release()
	}()

	var heldDuringScan bool
	radio.OnScan = func() { heldDuringScan = pause.Held() }

	res, err := New(cfg, radio, radio, helper.Logger).Run(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, heldDuringScan)
	assert.Zero(t, res.DevicesFound)
}

func TestDiscoverer_RunScanFailure(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	cfg := helper.Config()
	radio := testutils.NewFakeRadio()
	radio.ScanErr = device.NewError(device.KindConnectFailed, "", errors.New("hci busy"))

	_, err := New(cfg, radio, radio, helper.Logger).Run(context.Background(), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrConnectFailed)
	assert.False(t, testutils.Exists(cfg.Path(cfg.Paths.ScanResults)))
}

func TestDiscoverer_RunCancelled(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	cfg := helper.Config()
	cfg.General.ScanSettleDelay = 10
	radio := testutils.NewFakeRadio()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(cfg, radio, radio, helper.Logger).Run(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
