package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srg/blepresence/internal/discover"
)

// discoverCmd represents the discover command
var discoverCmd = &cobra.Command{
	Use:   "discover [duration]",
	Short: "Find every device in range and save it to scan_results.json",
	Long: `Wait for the scan daemon to pause, take over the adapter and record every
advertising device with its strongest RSSI. Results are sorted by address and
saved to scan_results.json next to the config file.

The optional duration is the discovery window in seconds (default: scan_duration).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDiscover,
}

func runDiscover(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd, false)
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, resetter := e.radio()
	progress := newProgress(os.Stderr, "Discovering", window+e.cfg.General.SettleDelay())
	progress.Start()
	res, err := discover.New(e.cfg, transport, resetter, e.logger).Run(ctx, window)
	progress.Stop()

	if res != nil {
		printDiscovery(cmd.OutOrStdout(), res)
	}
	if err != nil && ctx.Err() != nil {
		return context.Canceled
	}
	return err
}

func printDiscovery(w io.Writer, res *discover.Results) {
	rows := make([][]string, 0, res.DevicesFound)
	for pair := res.Devices.Oldest(); pair != nil; pair = pair.Next() {
		rows = append(rows, []string{pair.Key, pair.Value.Name, strconv.Itoa(pair.Value.RSSI)})
	}
	if len(rows) > 0 {
		fmt.Fprintln(w, renderTable(
			[]column{textCol("Address"), textCol("Name"), numCol("RSSI")},
			rows,
		))
	}
	fmt.Fprintf(w, "%d device(s) found\n", res.DevicesFound)
}
