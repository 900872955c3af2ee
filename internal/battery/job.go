// Package battery reads battery levels from known peripherals.
//
// A batch waits for the scan daemon's pause marker before every connection,
// retries flaky reads, records the outcome in the status store and publishes
// it. The adapter is reset after every device regardless of the outcome.
package battery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/blepresence/internal/config"
	"github.com/srg/blepresence/internal/device"
	"github.com/srg/blepresence/internal/limiter"
	"github.com/srg/blepresence/internal/publish"
	"github.com/srg/blepresence/internal/registry"
	"github.com/srg/blepresence/internal/retry"
	"github.com/srg/blepresence/internal/sentinel"
	"github.com/srg/blepresence/internal/status"
)

// DeviceResult is the outcome for one address.
type DeviceResult struct {
	Address        string
	Alias          string
	Online         bool
	BatteryPercent int
	Attempts       int
	Failure        retry.FailureKind
	ForcedClear    bool
}

// Summary aggregates one batch.
type Summary struct {
	RunID        string
	Total        int
	Online       int
	Offline      int
	ForcedClears int
	Results      []DeviceResult
}

// Job reads batteries for a batch of addresses.
type Job struct {
	cfg       *config.Config
	reader    device.BatteryReader
	resetter  device.Resetter
	publisher publish.Publisher
	engine    *retry.Engine
	pause     sentinel.Sentinel
	jobLock   *sentinel.JobMarker
	store     *status.Store
	registry  *registry.Registry
	now       func() time.Time
	logger    *logrus.Logger
	log       *logrus.Entry
}

// NewJob wires a job for cfg. A missing device list is not an error: unknown
// addresses are read under a placeholder alias.
func NewJob(cfg *config.Config, reader device.BatteryReader, resetter device.Resetter, publisher publish.Publisher, logger *logrus.Logger) *Job {
	if logger == nil {
		logger = logrus.New()
	}
	log := logger.WithField("component", "battery")

	reg, err := registry.Load(cfg.Path(cfg.Paths.KnownDevices))
	if err != nil {
		log.WithError(err).Warn("Device list unavailable")
	}

	return &Job{
		cfg:       cfg,
		reader:    reader,
		resetter:  resetter,
		publisher: publisher,
		engine:    retry.NewEngine(logger),
		pause:     sentinel.NewFileSentinel(cfg.Path(cfg.Paths.PauseFile), cfg.General.PollInterval(), logger),
		jobLock:   sentinel.NewJobMarker(cfg.Path(cfg.Paths.JobLock), logger),
		store:     status.NewStore(cfg.Path(cfg.Paths.BatteryStatus), logger),
		registry:  reg,
		now:       time.Now,
		logger:    logger,
		log:       log,
	}
}

// Run reads the given addresses one at a time.
func (j *Job) Run(ctx context.Context, addresses []string) Summary {
	return j.run(ctx, addresses, 1)
}

// RunEnabled reads every device flagged for battery reads with up to
// max_parallel_reads connections at once. The job lock is set for the
// duration of the batch so the daemon stretches its pauses. A fresh lock
// created by the caller (the web front end writes one before starting a
// batch) is joined and left for the caller to remove.
func (j *Job) RunEnabled(ctx context.Context) (Summary, error) {
	err := j.jobLock.Create(j.cfg.General.JobLockMaxAge())
	switch {
	case err == nil:
		defer j.jobLock.Remove()
	case errors.Is(err, sentinel.ErrJobRunning):
		j.log.WithField("job_lock", j.jobLock.Path()).Info("Job lock already set, running under it")
	default:
		return Summary{}, err
	}

	j.writeLastScan()

	addresses := j.registry.BatteryEnabled()
	if len(addresses) == 0 {
		j.log.Info("No devices enabled for battery reads")
		return Summary{}, nil
	}
	return j.run(ctx, addresses, j.cfg.General.MaxParallelReads), nil
}

func (j *Job) writeLastScan() {
	path := j.cfg.Path(j.cfg.Paths.LastBatteryScan)
	ts := strconv.FormatInt(j.now().Unix(), 10)
	if err := os.WriteFile(path, []byte(ts), 0o644); err != nil {
		j.log.WithError(err).WithField("path", path).Error("Failed to write battery scan timestamp")
		return
	}
	j.log.WithField("timestamp", ts).Info("Battery scan start recorded")
}

func (j *Job) run(ctx context.Context, addresses []string, parallel int) Summary {
	summary := Summary{RunID: uuid.NewString(), Total: len(addresses)}
	log := j.log.WithField("run_id", summary.RunID)

	// Must finish before any worker starts waiting on the marker.
	if j.pause.CleanupIfStale(j.cfg.General.StaleAge()) {
		log.Warn("Removed stale pause marker before batch")
	}

	lim := limiter.New(parallel, j.logger)
	log.WithFields(logrus.Fields{
		"devices":  len(addresses),
		"parallel": lim.Capacity(),
	}).Info("Starting battery batch")

	var mu sync.Mutex
	limiter.RunAll(ctx, lim, addresses, func(ctx context.Context, address string) {
		res := j.readOne(ctx, address, log)
		mu.Lock()
		summary.Results = append(summary.Results, res)
		mu.Unlock()
	})

	for _, res := range summary.Results {
		if res.Online {
			summary.Online++
		} else {
			summary.Offline++
		}
		if res.ForcedClear {
			summary.ForcedClears++
		}
	}

	log.WithFields(logrus.Fields{
		"total":         summary.Total,
		"online":        summary.Online,
		"offline":       summary.Offline,
		"forced_clears": summary.ForcedClears,
	}).Info("Battery batch complete")
	return summary
}

func (j *Job) readOne(ctx context.Context, address string, log *logrus.Entry) DeviceResult {
	address = device.NormalizeAddress(address)
	alias := publish.DirectReadAlias
	if known, ok := j.registry.Lookup(address); ok {
		alias = known.Alias
	}
	res := DeviceResult{Address: address, Alias: alias}
	log = log.WithFields(logrus.Fields{"address": address, "alias": alias})

	// The adapter is reset after every read, whatever happened.
	defer j.reset(ctx, log)

	outcome, err := j.pause.WaitUntilClear(ctx, j.cfg.General.MaxSentinelWait())
	if err != nil {
		log.WithError(err).Warn("Cancelled while waiting for the scan daemon")
		res.BatteryPercent = j.store.LastBatteryPercent(address)
		return res
	}
	res.ForcedClear = outcome == sentinel.ForcedClear

	policy := retry.Policy{
		MaxAttempts:    j.cfg.General.BatteryRetries,
		AttemptTimeout: j.cfg.General.ConnectTimeout() + j.cfg.General.PostConnectDelay(),
		Delay:          j.cfg.General.RetryDelay(),
	}
	log.WithField("attempts", policy.MaxAttempts).Info("Reading battery")
	result := j.engine.Execute(ctx, address, policy, j.reader.ReadBattery)

	res.Attempts = result.Attempts
	res.Failure = result.Failure
	if result.Succeeded {
		res.Online = true
		res.BatteryPercent = result.Value
		log.WithField("battery", result.Value).Info("Battery read")
	} else {
		res.BatteryPercent = j.store.LastBatteryPercent(address)
		log.WithFields(logrus.Fields{
			"kind":     result.Failure.String(),
			"previous": res.BatteryPercent,
		}).Info("Device offline, keeping previous battery level")
	}

	rec := status.Record{Online: res.Online, BatteryPercent: res.BatteryPercent, LastUpdated: j.now()}
	if err := j.store.Upsert(address, rec); err != nil {
		log.WithError(err).Error("Failed to update status file")
	}

	if !res.Online && !j.cfg.General.ReportOfflineBattery {
		log.Info("Device offline, not publishing")
		return res
	}
	j.publisher.PublishBattery(ctx, publish.Battery(address, alias, res.Online, res.BatteryPercent))
	return res
}

func (j *Job) reset(ctx context.Context, log *logrus.Entry) {
	// A cancelled batch still leaves the adapter in a clean state.
	resetCtx := context.WithoutCancel(ctx)
	if err := j.resetter.Reset(resetCtx); err != nil {
		log.WithError(err).Warn("Adapter reset after read failed")
	}
}

// Busy reports whether a fresh job lock exists, meaning another batch is
// probably running.
func (j *Job) Busy() bool {
	return j.jobLock.Fresh(j.cfg.General.JobLockMaxAge())
}

// String renders a one-line summary for CLI output.
func (s Summary) String() string {
	return fmt.Sprintf("%d device(s): %d online, %d offline, %d forced clear(s)", s.Total, s.Online, s.Offline, s.ForcedClears)
}
