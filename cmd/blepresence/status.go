package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/srg/blepresence/internal/registry"
	"github.com/srg/blepresence/internal/status"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last known state of every device",
	Long: `Print battery_status.json joined with the aliases from known_devices.txt.
Devices listed in known_devices.txt that have never been recorded are shown
with an unknown state.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var statusFormat string

func init() {
	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "table", "Output format (table, json, yaml)")
}

// statusRow is one device in json and yaml output.
type statusRow struct {
	Address        string `json:"address" yaml:"address"`
	Alias          string `json:"alias,omitempty" yaml:"alias,omitempty"`
	Status         string `json:"status" yaml:"status"`
	BatteryPercent int    `json:"battery_percent" yaml:"battery_percent"`
	Updated        string `json:"updated,omitempty" yaml:"updated,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	validFormats := []string{"table", "json", "yaml"}
	isValidFormat := false
	for _, format := range validFormats {
		if statusFormat == format {
			isValidFormat = true
			break
		}
	}
	if !isValidFormat {
		return fmt.Errorf("invalid format '%s': must be one of %v", statusFormat, validFormats)
	}

	e, err := loadEnv(cmd, false)
	if err != nil {
		return err
	}

	reg, err := registry.Load(e.cfg.Path(e.cfg.Paths.KnownDevices))
	if err != nil {
		e.logger.WithError(err).Debug("Device list unavailable")
	}
	records := status.NewStore(e.cfg.Path(e.cfg.Paths.BatteryStatus), e.logger).All()
	rows := statusRows(reg, records)

	return writeStatus(cmd.OutOrStdout(), statusFormat, rows)
}

func statusRows(reg *registry.Registry, records map[string]status.Record) []statusRow {
	addrs := make(map[string]struct{}, len(records)+reg.Len())
	for addr := range records {
		addrs[addr] = struct{}{}
	}
	for _, addr := range reg.Addresses() {
		addrs[addr] = struct{}{}
	}

	rows := make([]statusRow, 0, len(addrs))
	for addr := range addrs {
		row := statusRow{Address: addr, Status: "unknown", BatteryPercent: status.UnknownBattery}
		if known, ok := reg.Lookup(addr); ok {
			row.Alias = known.Alias
		}
		if rec, ok := records[addr]; ok {
			row.Status = "offline"
			if rec.Online {
				row.Status = "online"
			}
			row.BatteryPercent = rec.BatteryPercent
			if !rec.LastUpdated.IsZero() {
				row.Updated = rec.LastUpdated.Format(time.RFC3339)
			}
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Address < rows[j].Address })
	return rows
}

func writeStatus(w io.Writer, format string, rows []statusRow) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return err
		}
		return enc.Close()
	}

	if len(rows) == 0 {
		fmt.Fprintln(w, "No devices recorded")
		return nil
	}
	stateColor := map[string]*color.Color{
		"online":  color.New(color.FgGreen),
		"offline": color.New(color.FgRed),
		"unknown": color.New(color.FgYellow),
	}
	table := make([][]string, 0, len(rows))
	for _, row := range rows {
		table = append(table, []string{
			row.Address,
			row.Alias,
			stateColor[row.Status].Sprint(row.Status),
			formatBattery(row.BatteryPercent),
			row.Updated,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]column{textCol("Address"), textCol("Alias"), textCol("Status"), numCol("Battery"), textCol("Updated")},
		table,
	))
	return nil
}
