package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srg/blepresence/internal/daemon"
)

// daemonCmd represents the run_daemon command
var daemonCmd = &cobra.Command{
	Use:     "run_daemon",
	Aliases: []string{"run_scan_daemon"},
	Short:   "Run the presence scan loop until stopped",
	Long: `Scan for known devices in a loop, reporting each cycle. The config file and
device list are reloaded every cycle, so edits take effect without a restart.
Only one daemon may run per lock file; SIGINT or SIGTERM stops it between steps.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd, false)
	if err != nil {
		return err
	}
	if err := requireRoot(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := e.hub()
	defer hub.Close()

	// Reloaded every cycle, so a config created later is picked up.
	path, _ := cmd.Flags().GetString("config")
	transport, resetter := e.radio()
	e.logger.WithField("pid", os.Getpid()).Info("Starting scan daemon")
	return daemon.New(path, e.cfg, transport, resetter, hub, e.logger).Run(ctx)
}
