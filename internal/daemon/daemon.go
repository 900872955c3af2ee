// Package daemon runs the presence scan loop.
//
// Each cycle reloads the configuration and the device list, holds the pause
// marker for the length of one discovery window, reports every known device
// as online or offline and then sleeps. The pause is longer while a battery
// job is running so the job gets the adapter between windows.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/srg/blepresence/internal/config"
	"github.com/srg/blepresence/internal/device"
	"github.com/srg/blepresence/internal/publish"
	"github.com/srg/blepresence/internal/registry"
	"github.com/srg/blepresence/internal/sentinel"
	"github.com/srg/blepresence/internal/status"
)

// ErrAlreadyRunning is returned by Run when another daemon holds the instance lock.
var ErrAlreadyRunning = errors.New("another scan daemon instance is already running")

// Publisher is the report sink used by the daemon.
type Publisher interface {
	publish.Publisher
	Update(cfg *config.Config) bool
	Revalidate(ctx context.Context)
}

// ConfigLoader loads the configuration file at path.
type ConfigLoader func(path string) (*config.Config, error)

// CycleReport summarizes one scan pass.
type CycleReport struct {
	Online  []string
	Offline []string
	Pause   time.Duration
}

// Daemon owns the scan loop.
type Daemon struct {
	configPath string
	loadConfig ConfigLoader
	cfg        *config.Config

	scanner   device.Scanner
	resetter  device.Resetter
	publisher Publisher

	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	logger *logrus.Logger
	log    *logrus.Entry
}

// New creates a daemon. initial is used until the first successful reload and
// may be nil, in which case defaults apply.
func New(configPath string, initial *config.Config, scanner device.Scanner, resetter device.Resetter, publisher Publisher, logger *logrus.Logger) *Daemon {
	if logger == nil {
		logger = logrus.New()
	}
	if initial == nil {
		initial = config.DefaultConfig()
	}
	return &Daemon{
		configPath: configPath,
		loadConfig: config.Load,
		cfg:        initial,
		scanner:    scanner,
		resetter:   resetter,
		publisher:  publisher,
		sleep:      sleepContext,
		now:        time.Now,
		logger:     logger,
		log:        logger.WithField("component", "daemon"),
	}
}

// Config returns the configuration in effect.
func (d *Daemon) Config() *config.Config {
	return d.cfg
}

// reload refreshes the configuration; the previous one stays in effect on failure.
func (d *Daemon) reload() *config.Config {
	if d.configPath == "" {
		return d.cfg
	}
	cfg, err := d.loadConfig(d.configPath)
	if err != nil {
		d.log.WithError(err).Warn("Config reload failed, keeping previous settings")
		return d.cfg
	}
	d.cfg = cfg
	return cfg
}

// RunCycle performs one scan pass and returns what it reported.
func (d *Daemon) RunCycle(ctx context.Context) (CycleReport, error) {
	cfg := d.reload()
	if d.publisher.Update(cfg) {
		d.log.Info("Publisher settings changed, reconnecting")
		d.publisher.Revalidate(ctx)
	}

	reg, err := registry.Load(cfg.Path(cfg.Paths.KnownDevices))
	if err != nil {
		d.log.WithError(err).Warn("Device list unavailable, nothing will be reported")
	}

	pause := sentinel.NewFileSentinel(cfg.Path(cfg.Paths.PauseFile), cfg.General.PollInterval(), d.logger)
	store := status.NewStore(cfg.Path(cfg.Paths.BatteryStatus), d.logger)
	report := CycleReport{Pause: d.choosePause(cfg)}

	pause.Acquire()
	defer pause.Release()

	if cfg.General.ResetBeforeScan {
		if err := d.resetter.Reset(ctx); err != nil {
			d.log.WithError(err).Warn("Adapter reset before scan failed")
		}
		if settle := cfg.General.SettleDelay(); settle > 0 {
			d.log.WithField("delay", settle).Debug("Waiting for adapter to settle")
			if err := d.sleep(ctx, settle); err != nil {
				return report, err
			}
		}
	}

	window := cfg.General.ScanWindow()
	d.log.WithFields(logrus.Fields{
		"window": window,
		"known":  reg.Len(),
	}).Info("Scanning for known devices")

	seen := make(map[string]struct{})
	var scanErr error
	for adv, err := range d.scanner.Discover(ctx, window) {
		if err != nil {
			scanErr = err
			break
		}
		addr := device.NormalizeAddress(adv.Address)
		known, ok := reg.Lookup(addr)
		if !ok {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}

		report.Online = append(report.Online, addr)
		d.log.WithFields(logrus.Fields{
			"address": addr,
			"alias":   known.Alias,
			"rssi":    adv.RSSI,
		}).Info("Known device online")
		d.publisher.PublishPresence(ctx, publish.Online(adv, known.Alias, store.LastBatteryPercent(addr)))
	}

	if scanErr == nil && ctx.Err() != nil {
		scanErr = ctx.Err()
	}
	if scanErr != nil {
		// A failed window says nothing about absence.
		d.persist(store, report.Online, nil)
		d.log.WithError(scanErr).Error("Scan failed, skipping offline reports")
		return report, fmt.Errorf("scan failed: %w", scanErr)
	}

	for _, dev := range reg.Devices() {
		if _, ok := seen[dev.Address]; ok {
			continue
		}
		report.Offline = append(report.Offline, dev.Address)
		d.publisher.PublishPresence(ctx, publish.Offline(dev.Address, dev.Alias))
	}
	d.persist(store, report.Online, report.Offline)

	d.log.WithFields(logrus.Fields{
		"online":  len(report.Online),
		"offline": len(report.Offline),
		"pause":   report.Pause,
	}).Info("Scan report complete")
	return report, nil
}

// persist records the reconciled presence, keeping stored battery levels.
func (d *Daemon) persist(store *status.Store, online, offline []string) {
	if len(online)+len(offline) == 0 {
		return
	}
	previous := store.All()
	now := d.now()
	records := make(map[string]status.Record, len(online)+len(offline))

	for _, addr := range online {
		records[addr] = status.Record{Online: true, BatteryPercent: batteryOf(previous, addr), LastUpdated: now}
	}
	for _, addr := range offline {
		records[addr] = status.Record{Online: false, BatteryPercent: batteryOf(previous, addr), LastUpdated: now}
	}
	if err := store.UpsertMany(records); err != nil {
		d.log.WithError(err).Error("Failed to persist presence")
	}
}

func batteryOf(records map[string]status.Record, addr string) int {
	if rec, ok := records[addr]; ok {
		return rec.BatteryPercent
	}
	return status.UnknownBattery
}

func (d *Daemon) choosePause(cfg *config.Config) time.Duration {
	job := sentinel.NewJobMarker(cfg.Path(cfg.Paths.JobLock), d.logger)
	if job.Active() {
		pause := cfg.General.BatteryPause()
		d.log.WithField("pause", pause).Info("Battery job running, using long pause")
		return pause
	}
	return cfg.General.ShortPauseDuration()
}

// Run loops until ctx is cancelled. A failing or panicking cycle is logged
// and followed by the fallback pause.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.reload()

	lock := flock.New(cfg.Path(cfg.Paths.DaemonLock))
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			d.log.WithError(err).Warn("Failed to release daemon lock")
		}
	}()

	d.publisher.Update(cfg)
	d.publisher.Revalidate(ctx)

	scheduler := cron.New()
	interval := cfg.General.PublishCheck()
	if interval > 0 {
		if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", interval), func() {
			d.log.Debug("Checking publisher connection")
			d.publisher.Revalidate(ctx)
		}); err != nil {
			d.log.WithError(err).Warn("Cannot schedule publisher checks")
		}
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	d.log.WithField("lock", lock.Path()).Info("Scan daemon started")
	for {
		pause, err := d.safeCycle(ctx)
		if ctx.Err() != nil {
			d.log.Info("Scan daemon stopped")
			return nil
		}
		if err != nil {
			pause = d.cfg.General.FallbackPauseDuration()
			d.log.WithError(err).WithField("pause", pause).Error("Scan cycle failed")
		}
		if err := d.sleep(ctx, pause); err != nil {
			d.log.Info("Scan daemon stopped")
			return nil
		}
	}
}

func (d *Daemon) safeCycle(ctx context.Context) (pause time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan cycle panicked: %v", r)
			d.log.Errorf("Scan cycle panicked\n%s", debug.Stack())
		}
	}()
	report, err := d.RunCycle(ctx)
	return report.Pause, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
