package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blepresence/internal/daemon"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan [duration]",
	Short: "Report known devices once",
	Long: `Run a single presence scan and report every device in known_devices.txt
as online or offline to the configured MQTT broker and UDP endpoint.

The optional duration is the discovery window in seconds (default: scan_duration).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd, true)
	if err != nil {
		return err
	}
	window, err := parseWindow(args, e.cfg.General.ScanWindow())
	if err != nil {
		return err
	}
	if err := requireRoot(); err != nil {
		return err
	}
	e.cfg.General.ScanDuration = window.Seconds()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := e.hub()
	defer hub.Close()
	hub.Revalidate(ctx)

	transport, resetter := e.radio()
	d := daemon.New("", e.cfg, transport, resetter, hub, e.logger)

	progress := newProgress(os.Stderr, "Scanning", window)
	progress.Start()
	report, err := d.RunCycle(ctx)
	progress.Stop()

	printPresence(cmd.OutOrStdout(), report)
	if err != nil && ctx.Err() != nil {
		return context.Canceled
	}
	return err
}

func printPresence(w io.Writer, report daemon.CycleReport) {
	online := color.New(color.FgGreen).SprintFunc()
	offline := color.New(color.FgRed).SprintFunc()

	for _, addr := range report.Online {
		fmt.Fprintf(w, "%s  %s\n", addr, online("online"))
	}
	for _, addr := range report.Offline {
		fmt.Fprintf(w, "%s  %s\n", addr, offline("offline"))
	}
	fmt.Fprintf(w, "%d online, %d offline\n", len(report.Online), len(report.Offline))
}
