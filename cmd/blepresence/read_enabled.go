package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srg/blepresence/internal/battery"
)

// readEnabledCmd represents the read_enabled command
var readEnabledCmd = &cobra.Command{
	Use:     "read_enabled",
	Aliases: []string{"read_enabled_batteries"},
	Short:   "Read battery levels of every device flagged in known_devices.txt",
	Long: `Read the battery level of every device whose flag is 1 in known_devices.txt,
with up to max_parallel_reads connections at once. While the batch runs the
scan daemon uses its long pause between windows.`,
	Args: cobra.NoArgs,
	RunE: runReadEnabled,
}

func runReadEnabled(cmd *cobra.Command, _ []string) error {
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
	summary, err := battery.NewJob(e.cfg, transport, resetter, hub, e.logger).RunEnabled(ctx)
	if err != nil {
		return err
	}

	printBatterySummary(cmd.OutOrStdout(), summary)
	return ctx.Err()
}
