// Package discover records every peripheral in range, known or not.
package discover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blepresence/internal/config"
	"github.com/srg/blepresence/internal/device"
	"github.com/srg/blepresence/internal/publish"
	"github.com/srg/blepresence/internal/sentinel"
)

// Sighting is the strongest advertisement seen for one address.
type Sighting struct {
	Name string `json:"name"`
	RSSI int    `json:"rssi"`
}

// Results is the content of the scan results file.
type Results struct {
	ScanTimestamp int64                                    `json:"scan_timestamp"`
	ScanDuration  float64                                  `json:"scan_duration_seconds"`
	DevicesFound  int                                      `json:"devices_found"`
	Devices       *orderedmap.OrderedMap[string, Sighting] `json:"devices"`
}

// Discoverer runs a single open discovery window.
type Discoverer struct {
	cfg      *config.Config
	scanner  device.Scanner
	resetter device.Resetter
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	logger   *logrus.Logger
	log      *logrus.Entry
}

// New creates a Discoverer.
func New(cfg *config.Config, scanner device.Scanner, resetter device.Resetter, logger *logrus.Logger) *Discoverer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Discoverer{
		cfg:      cfg,
		scanner:  scanner,
		resetter: resetter,
		sleep:    sleepContext,
		now:      time.Now,
		logger:   logger,
		log:      logger.WithField("component", "scan"),
	}
}

// Run waits for the scan daemon to pause, takes over the adapter for window
// and writes the sorted results file. Results are returned even when writing
// the file fails.
func (d *Discoverer) Run(ctx context.Context, window time.Duration) (*Results, error) {
	g := d.cfg.General
	pause := sentinel.NewFileSentinel(d.cfg.Path(d.cfg.Paths.PauseFile), g.PollInterval(), d.logger)
	pause.CleanupIfStale(g.StaleAge())

	d.log.Info("Waiting for the scan daemon to pause")
	if _, err := pause.WaitUntilClear(ctx, g.MaxSentinelWait()); err != nil {
		return nil, err
	}

	if err := d.resetter.Reset(ctx); err != nil {
		d.log.WithError(err).Warn("Adapter reset before discovery failed")
	}
	if err := d.sleep(ctx, g.SettleDelay()); err != nil {
		return nil, err
	}

	d.log.WithField("window", window).Info("Discovering all devices")
	strongest := make(map[string]Sighting)
	for adv, err := range d.scanner.Discover(ctx, window) {
		if err != nil {
			return nil, fmt.Errorf("discovery failed: %w", err)
		}
		addr := device.NormalizeAddress(adv.Address)
		if prev, ok := strongest[addr]; ok && prev.RSSI >= adv.RSSI {
			continue
		}
		name := adv.Name
		if name == "" {
			name = publish.UnknownName
		}
		strongest[addr] = Sighting{Name: name, RSSI: adv.RSSI}
		d.log.WithFields(logrus.Fields{"address": addr, "name": name, "rssi": adv.RSSI}).Debug("Device seen")
	}

	res := newResults(strongest, d.now(), window)
	d.log.WithField("devices", res.DevicesFound).Info("Discovery finished")

	path := d.cfg.Path(d.cfg.Paths.ScanResults)
	if err := res.WriteFile(path); err != nil {
		return res, err
	}
	d.log.WithField("path", path).Info("Scan results saved")
	return res, nil
}

func newResults(found map[string]Sighting, at time.Time, window time.Duration) *Results {
	addrs := make([]string, 0, len(found))
	for addr := range found {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	devices := orderedmap.New[string, Sighting]()
	for _, addr := range addrs {
		devices.Set(addr, found[addr])
	}
	return &Results{
		ScanTimestamp: at.Unix(),
		ScanDuration:  window.Seconds(),
		DevicesFound:  len(addrs),
		Devices:       devices,
	}
}

// WriteFile stores the results as indented JSON.
func (r *Results) WriteFile(path string) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode scan results: %w", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "    "); err != nil {
		return fmt.Errorf("failed to encode scan results: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to write scan results %s: %w", path, err)
	}
	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write scan results %s: %w", path, err)
	}
	return nil
}

// ReadFile loads a results file written by WriteFile.
func ReadFile(path string) (*Results, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	res := &Results{Devices: orderedmap.New[string, Sighting]()}
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("failed to decode scan results %s: %w", path, err)
	}
	return res, nil
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
