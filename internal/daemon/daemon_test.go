package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blepresence/internal/config"
	"github.com/srg/blepresence/internal/device"
	"github.com/srg/blepresence/internal/status"
	"github.com/srg/blepresence/internal/testutils"
)

type DaemonTestSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	cfg       *config.Config
	radio     *testutils.FakeRadio
	publisher *testutils.FakePublisher
	daemon    *Daemon
}

func (s *DaemonTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.cfg = s.helper.Config()
	s.radio = testutils.NewFakeRadio()
	s.publisher = &testutils.FakePublisher{}
	s.daemon = New("", s.cfg, s.radio, s.radio, s.publisher, s.helper.Logger)
	s.helper.WriteFile("known_devices.txt", "AA:AA,Kitchen,1\nBB:BB,Keys,0\n")
}

func (s *DaemonTestSuite) pausePath() string {
	return s.cfg.Path(s.cfg.Paths.PauseFile)
}

func (s *DaemonTestSuite) TestReconcilesKnownDevices() {
	s.radio.Advertisements = []device.Advertisement{
		testutils.Adv("aa:aa", "Tag", -55),
		testutils.Adv("CC:CC", "Stranger", -40),
	}

	report, err := s.daemon.RunCycle(context.Background())
	s.Require().NoError(err)

	s.Equal([]string{"AA:AA"}, report.Online)
	s.Equal([]string{"BB:BB"}, report.Offline)
	s.Equal([]string{"AA:AA"}, s.publisher.Online())
	s.Equal([]string{"BB:BB"}, s.publisher.Offline())

	presence := s.publisher.Presence()
	s.Require().Len(presence, 2)
	testutils.NewJSONAsserter(s.T()).AssertValue(presence[0], `{
		"address": "AA:AA",
		"is_online": 1,
		"last_battery_percent": -1,
		"name": "Tag",
		"alias": "Kitchen",
		"rssi": -55
	}`)
	testutils.NewJSONAsserter(s.T()).AssertValue(presence[1], `{
		"address": "BB:BB",
		"is_online": 0,
		"name": "N/A (Offline)",
		"alias": "Keys",
		"rssi": -100
	}`)
}

func (s *DaemonTestSuite) TestOnlineReportCarriesStoredBattery() {
	store := status.NewStore(s.cfg.Path(s.cfg.Paths.BatteryStatus), s.helper.Logger)
	s.Require().NoError(store.Upsert("AA:AA", status.Record{Online: false, BatteryPercent: 64, LastUpdated: time.Unix(1, 0)}))
	s.radio.Advertisements = []device.Advertisement{testutils.Adv("AA:AA", "", -70)}

	_, err := s.daemon.RunCycle(context.Background())
	s.Require().NoError(err)

	presence := s.publisher.Presence()
	s.Require().NotEmpty(presence)
	s.Require().NotNil(presence[0].LastBatteryPercent)
	s.Equal(64, *presence[0].LastBatteryPercent)
	s.Equal("Unknown", presence[0].Name)

	rec, ok := store.Read("AA:AA")
	s.Require().True(ok)
	s.True(rec.Online)
	s.Equal(64, rec.BatteryPercent, "presence updates keep the battery level")

	rec, ok = store.Read("BB:BB")
	s.Require().True(ok)
	s.False(rec.Online)
	s.Equal(status.UnknownBattery, rec.BatteryPercent)
}

func (s *DaemonTestSuite) TestDuplicateAdvertisementsReportOnce() {
	s.radio.Advertisements = []device.Advertisement{
		testutils.Adv("AA:AA", "Tag", -55),
		testutils.Adv("aa:aa", "Tag", -50),
		testutils.Adv("AA:AA", "Tag", -45),
	}

	report, err := s.daemon.RunCycle(context.Background())
	s.Require().NoError(err)
	s.Equal([]string{"AA:AA"}, report.Online)
	s.Len(s.publisher.Online(), 1)
}

func (s *DaemonTestSuite) TestReportsFollowDiscoveryOrder() {
	s.helper.WriteFile("known_devices.txt", "AA:AA,Kitchen,1\nBB:BB,Keys,0\nCC:CC,Door,1\nDD:DD,Bike,0\n")
	s.radio.Advertisements = []device.Advertisement{
		testutils.Adv("CC:CC", "Door", -60),
		testutils.Adv("EE:EE", "Stranger", -30),
		testutils.Adv("aa:aa", "Tag", -50),
		testutils.Adv("CC:CC", "Door", -40),
	}

	report, err := s.daemon.RunCycle(context.Background())
	s.Require().NoError(err)

	s.Equal([]string{"CC:CC", "AA:AA"}, report.Online)
	s.Equal([]string{"BB:BB", "DD:DD"}, report.Offline)

	var order []string
	var states []int
	for _, p := range s.publisher.Presence() {
		order = append(order, p.Address)
		states = append(states, p.IsOnline)
	}
	s.Equal([]string{"CC:CC", "AA:AA", "BB:BB", "DD:DD"}, order)
	s.Equal([]int{1, 1, 0, 0}, states, "offline reports come after every online report")

	store := status.NewStore(s.cfg.Path(s.cfg.Paths.BatteryStatus), s.helper.Logger)
	for _, addr := range []string{"AA:AA", "CC:CC"} {
		rec, ok := store.Read(addr)
		s.Require().True(ok, addr)
		s.True(rec.Online, addr)
	}
}

func (s *DaemonTestSuite) TestReconnectsOnlyWhenPublisherRebuilt() {
	_, err := s.daemon.RunCycle(context.Background())
	s.Require().NoError(err)
	s.Zero(s.publisher.Revalidations())

	s.publisher.Rebuilds = true
	_, err = s.daemon.RunCycle(context.Background())
	s.Require().NoError(err)
	s.Equal(1, s.publisher.Revalidations())
	s.Equal(2, s.publisher.Updates())
}

func (s *DaemonTestSuite) TestSentinelHeldDuringScanAndReleasedAfter() {
	var heldDuringScan bool
	s.radio.OnScan = func() { heldDuringScan = testutils.Exists(s.pausePath()) }

	_, err := s.daemon.RunCycle(context.Background())
	s.Require().NoError(err)

	s.True(heldDuringScan)
	s.False(testutils.Exists(s.pausePath()))
	s.Equal(1, s.radio.Resets(), "adapter reset before scan")
}

func (s *DaemonTestSuite) TestScanFailureSkipsOfflineAndReleases() {
	s.radio.ScanErr = device.NewError(device.KindConnectFailed, "", errors.New("adapter gone"))

	_, err := s.daemon.RunCycle(context.Background())
	s.Require().Error(err)
	s.ErrorIs(err, device.ErrConnectFailed)

	s.Empty(s.publisher.Offline(), "a failed scan is no evidence of absence")
	s.False(testutils.Exists(s.pausePath()))
}

func (s *DaemonTestSuite) TestPauseDependsOnJobMarker() {
	report, err := s.daemon.RunCycle(context.Background())
	s.Require().NoError(err)
	s.Equal(s.cfg.General.ShortPauseDuration(), report.Pause)

	s.helper.WriteFile(s.cfg.Paths.JobLock, "123")
	report, err = s.daemon.RunCycle(context.Background())
	s.Require().NoError(err)
	s.Equal(s.cfg.General.BatteryPause(), report.Pause)
}

func (s *DaemonTestSuite) TestMissingDeviceListReportsNothing() {
	s.Require().NoError(os.Remove(s.cfg.Path(s.cfg.Paths.KnownDevices)))
	s.radio.Advertisements = []device.Advertisement{testutils.Adv("AA:AA", "Tag", -55)}

	report, err := s.daemon.RunCycle(context.Background())
	s.Require().NoError(err)
	s.Empty(report.Online)
	s.Empty(report.Offline)
	s.Empty(s.publisher.Presence())
}

func (s *DaemonTestSuite) TestReloadKeepsPreviousConfigOnFailure() {
	path := s.helper.WriteFile("config.ini", "[General]\nshort_pause = 7\n")
	d := New(path, s.cfg, s.radio, s.radio, s.publisher, s.helper.Logger)

	d.loadConfig = func(p string) (*config.Config, error) {
		cfg, err := config.Load(p)
		if err != nil {
			return nil, err
		}
		cfg.Paths.BaseDir = s.helper.Dir
		return cfg, nil
	}
	d.reload()
	s.Equal(7.0, d.Config().General.ShortPause)

	d.loadConfig = func(string) (*config.Config, error) { return nil, errors.New("broken ini") }
	d.reload()
	s.Equal(7.0, d.Config().General.ShortPause)
}

func (s *DaemonTestSuite) TestRunRecoversFromPanicsAndStopsOnCancel() {
	ctx, cancel := context.WithCancel(context.Background())
	var cycles int32
	s.radio.OnScan = func() {
		if atomic.AddInt32(&cycles, 1) == 1 {
			panic("driver crashed")
		}
	}
	var pauses []time.Duration
	s.daemon.sleep = func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		if len(pauses) >= 3 {
			cancel()
		}
		return ctx.Err()
	}

	s.Require().NoError(s.daemon.Run(ctx))
	s.GreaterOrEqual(atomic.LoadInt32(&cycles), int32(2))
	s.Require().NotEmpty(pauses)
	s.Equal(s.cfg.General.FallbackPauseDuration(), pauses[0], "fallback pause after a crashed cycle")
	s.Equal(1, s.publisher.Revalidations())
	s.False(testutils.Exists(s.pausePath()))
}

func (s *DaemonTestSuite) TestRunRefusesSecondInstance() {
	first := New("", s.cfg, s.radio, s.radio, s.publisher, s.helper.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	first.sleep = func(ctx context.Context, _ time.Duration) error {
		select {
		case <-started:
		default:
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()
	<-started

	err := s.daemon.Run(context.Background())
	s.ErrorIs(err, ErrAlreadyRunning)

	cancel()
	s.NoError(<-done)
}

func TestDaemonTestSuite(t *testing.T) {
	suite.Run(t, new(DaemonTestSuite))
}

// TestReconcilePartitionProperty checks that online and offline always
// partition the known set for any subset of sightings plus strangers.
func TestReconcilePartitionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("online ∪ offline = known and online ∩ offline = ∅", prop.ForAll(
		func(known int, seenMask uint16, strangers int) bool {
			helper := testutils.NewTestHelper(t)
			cfg := helper.Config()
			cfg.General.ResetBeforeScan = false

			var list strings.Builder
			var knownAddrs []string
			var advs []device.Advertisement
			for i := 0; i < known; i++ {
				addr := fmt.Sprintf("AA:00:00:00:00:%02X", i)
				knownAddrs = append(knownAddrs, addr)
				fmt.Fprintf(&list, "%s,dev%d,0\n", addr, i)
				if seenMask&(1<<i) != 0 {
					advs = append(advs, testutils.Adv(addr, "", -50), testutils.Adv(addr, "", -60))
				}
			}
			for i := 0; i < strangers; i++ {
				advs = append(advs, testutils.Adv(fmt.Sprintf("FF:00:00:00:00:%02X", i), "", -30))
			}
			helper.WriteFile("known_devices.txt", list.String())

			publisher := &testutils.FakePublisher{}
			d := New("", cfg, testutils.NewFakeRadio(advs...), testutils.NewFakeRadio(), publisher, helper.Logger)
			report, err := d.RunCycle(context.Background())
			if err != nil {
				return false
			}

			union := append(append([]string{}, report.Online...), report.Offline...)
			sort.Strings(union)
			if len(union) != len(knownAddrs) {
				return false
			}
			for i := range union {
				if union[i] != knownAddrs[i] {
					return false
				}
			}
			return len(publisher.Presence()) == known
		},
		gen.IntRange(0, 12),
		gen.UInt16(),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, sleepContext(ctx, 0), context.Canceled)
}
