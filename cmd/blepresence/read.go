package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blepresence/internal/battery"
	"github.com/srg/blepresence/internal/device"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <address>...",
	Short: "Read battery levels of the given devices",
	Long: `Read the battery level characteristic (0x2A19) of one or more devices,
one at a time, and report the results. Devices that cannot be reached are
recorded as offline with their last known level.`,
	Example: `  blepresence read AA:BB:CC:DD:EE:FF
  blepresence read AA:BB:CC:DD:EE:FF 11:22:33:44:55:66`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRead,
}

func runRead(cmd *cobra.Command, args []string) error {
	for _, addr := range args {
		if device.NormalizeAddress(addr) == "" {
			return fmt.Errorf("invalid address %q", addr)
		}
	}
	e, err := loadEnv(cmd, true)
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
	hub.Revalidate(ctx)

	transport, resetter := e.radio()
	job := battery.NewJob(e.cfg, transport, resetter, hub, e.logger)
	summary := job.Run(ctx, args)

	printBatterySummary(cmd.OutOrStdout(), summary)
	return ctx.Err()
}

func printBatterySummary(w io.Writer, summary battery.Summary) {
	if len(summary.Results) == 0 {
		fmt.Fprintln(w, "No devices read")
		return
	}
	online := color.New(color.FgGreen).SprintFunc()
	offline := color.New(color.FgRed).SprintFunc()

	rows := make([][]string, 0, len(summary.Results))
	for _, res := range summary.Results {
		state := offline("offline")
		failure := res.Failure.String()
		if res.Online {
			state = online("online")
			failure = ""
		}
		rows = append(rows, []string{
			res.Address,
			res.Alias,
			state,
			formatBattery(res.BatteryPercent),
			strconv.Itoa(res.Attempts),
			failure,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]column{textCol("Address"), textCol("Alias"), textCol("Status"), numCol("Battery"), numCol("Attempts"), textCol("Failure")},
		rows,
	))
	fmt.Fprintln(w, summary.String())
}

func formatBattery(percent int) string {
	if percent < 0 {
		return "-"
	}
	return strconv.Itoa(percent) + "%"
}
