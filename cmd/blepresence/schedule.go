package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blepresence/internal/battery"
	"github.com/srg/blepresence/internal/config"
	goble "github.com/srg/blepresence/internal/device/go-ble"
	"github.com/srg/blepresence/internal/publish"
)

// scheduleCmd represents the run_battery_schedule command
var scheduleCmd = &cobra.Command{
	Use:   "run_battery_schedule",
	Short: "Run read_enabled on the battery_schedule cron expression",
	Long: `Stay in the foreground and run the read_enabled batch whenever the
[General] battery_schedule cron expression fires, for example "0 */6 * * *"
or "@every 2h". A run that is still in progress when the next one is due is
skipped.`,
	Args: cobra.NoArgs,
	RunE: runSchedule,
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd, true)
	if err != nil {
		return err
	}
	spec := e.cfg.General.BatterySchedule
	if spec == "" {
		return errors.New("battery_schedule is not set in [General]")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid battery_schedule %q: %w", spec, err)
	}
	if err := requireRoot(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := e.hub()
	defer hub.Close()

	log := e.logger.WithField("component", "battery")
	runner := &scheduledBatch{cfg: e.cfg, hub: hub, logger: e.logger, log: log}

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(spec, func() { runner.run(ctx) }); err != nil {
		return fmt.Errorf("invalid battery_schedule %q: %w", spec, err)
	}
	scheduler.Start()
	log.WithField("schedule", spec).Info("Battery schedule started")

	<-ctx.Done()
	<-scheduler.Stop().Done()
	log.Info("Battery schedule stopped")
	return nil
}

// scheduledBatch runs one read_enabled batch with a freshly loaded config.
type scheduledBatch struct {
	cfg    *config.Config
	hub    *publish.Hub
	logger *logrus.Logger
	log    *logrus.Entry
}

func (b *scheduledBatch) run(ctx context.Context) {
	if b.cfg.File != "" {
		fresh, err := config.Load(b.cfg.File)
		if err != nil {
			b.log.WithError(err).Warn("Config reload failed, keeping previous settings")
		} else {
			b.cfg = fresh
		}
	}
	b.hub.Update(b.cfg)
	b.hub.Revalidate(ctx)

	g := b.cfg.General
	transport := goble.NewTransport(g.Adapter, g.PostConnectDelay(), b.logger)
	resetter := goble.NewHCIResetter(g.Adapter, b.logger)

	job := battery.NewJob(b.cfg, transport, resetter, b.hub, b.logger)
	if job.Busy() {
		b.log.Warn("Another battery batch is running, skipping")
		return
	}
	summary, err := job.RunEnabled(ctx)
	if err != nil {
		b.log.WithError(err).Error("Scheduled battery batch failed")
		return
	}
	b.log.WithField("summary", summary.String()).Info("Scheduled battery batch finished")
}
