package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gopkg.in/yaml.v3"

	"github.com/srg/blepresence/internal/config"
	"github.com/srg/blepresence/internal/daemon"
	goble "github.com/srg/blepresence/internal/device/go-ble"
	"github.com/srg/blepresence/internal/registry"
	"github.com/srg/blepresence/internal/status"
)

// CommandTestSuite runs the root command against a private config directory.
type CommandTestSuite struct {
	suite.Suite
	dir             string
	originalEUID    func() int
	originalNoColor bool
}

func (s *CommandTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.originalEUID = geteuid
	s.originalNoColor = color.NoColor
	color.NoColor = true
}

func (s *CommandTestSuite) TearDownTest() {
	geteuid = s.originalEUID
	color.NoColor = s.originalNoColor
}

func (s *CommandTestSuite) writeFile(name, content string) string {
	path := filepath.Join(s.dir, name)
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o644))
	return path
}

// ExecuteCommand runs the root command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	if !containsFlag(args, "--log-level") {
		args = append(args, "--log-level", "error")
	}
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	return buf.String(), err
}

func containsFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func (s *CommandTestSuite) TestHardwareCommandsNeedConfig() {
	missing := filepath.Join(s.dir, "absent.ini")

	for _, args := range [][]string{
		{"scan"},
		{"read", "AA:BB:CC:DD:EE:FF"},
		{"read_enabled"},
		{"read_enabled_batteries"},
		{"run_battery_schedule"},
	} {
		s.Run(args[0], func() {
			_, err := s.ExecuteCommand(append(args, "--config", missing)...)
			s.Require().Error(err)
			s.ErrorIs(err, config.ErrNotFound)
			s.Contains(FormatUserError(err), "--config")
		})
	}
}

func (s *CommandTestSuite) TestHardwareCommandsNeedRoot() {
	path := s.writeFile("config.ini", "[General]\nscan_duration = 1\n")
	geteuid = func() int { return 1000 }

	for _, args := range [][]string{
		{"scan", "2"},
		{"read", "AA:BB:CC:DD:EE:FF"},
		{"read_enabled"},
		{"discover"},
		{"run_daemon"},
	} {
		s.Run(args[0], func() {
			_, err := s.ExecuteCommand(append(args, "--config", path)...)
			s.ErrorIs(err, ErrNotRoot)
		})
	}
}

func (s *CommandTestSuite) TestScheduleNeedsExpression() {
	path := s.writeFile("config.ini", "[General]\nscan_duration = 1\n")
	_, err := s.ExecuteCommand("run_battery_schedule", "--config", path)
	s.Require().Error(err)
	s.Contains(err.Error(), "battery_schedule")

	path = s.writeFile("config.ini", "[General]\nbattery_schedule = not a schedule\n")
	_, err = s.ExecuteCommand("run_battery_schedule", "--config", path)
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid battery_schedule")
}

func (s *CommandTestSuite) TestInvalidArguments() {
	path := s.writeFile("config.ini", "[General]\n")

	_, err := s.ExecuteCommand("scan", "-3", "--config", path)
	s.Error(err)

	_, err = s.ExecuteCommand("read", "--config", path)
	s.Error(err, "read needs at least one address")

	_, err = s.ExecuteCommand("status", "--format", "xml", "--config", path)
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid format")

	_, err = s.ExecuteCommand("status", "--format", "table", "--config", path, "--log-level", "loud")
	s.Error(err)
}

func (s *CommandTestSuite) seedStatus() string {
	path := s.writeFile("config.ini", "[General]\nscan_duration = 1\n")
	s.writeFile("known_devices.txt", "AA:AA,Kitchen,1\nBB:BB,Keys,0\nCC:CC,Door,1\n")

	store := status.NewStore(filepath.Join(s.dir, "battery_status.json"), nil)
	s.Require().NoError(store.UpsertMany(map[string]status.Record{
		"AA:AA": {Online: true, BatteryPercent: 80, LastUpdated: time.Unix(1700000000, 0)},
		"BB:BB": {Online: false, BatteryPercent: status.UnknownBattery, LastUpdated: time.Unix(1700000000, 0)},
		"DD:DD": {Online: false, BatteryPercent: 12, LastUpdated: time.Unix(1700000000, 0)},
	}))
	return path
}

func (s *CommandTestSuite) TestStatusJSON() {
	path := s.seedStatus()

	out, err := s.ExecuteCommand("status", "--format", "json", "--config", path)
	s.Require().NoError(err)

	var rows []statusRow
	s.Require().NoError(json.Unmarshal([]byte(out), &rows))
	s.Require().Len(rows, 4)

	s.Equal("AA:AA", rows[0].Address)
	s.Equal("Kitchen", rows[0].Alias)
	s.Equal("online", rows[0].Status)
	s.Equal(80, rows[0].BatteryPercent)

	s.Equal("offline", rows[1].Status)
	s.Equal(status.UnknownBattery, rows[1].BatteryPercent)

	s.Equal("CC:CC", rows[2].Address)
	s.Equal("unknown", rows[2].Status, "listed but never recorded")
	s.Empty(rows[2].Updated)

	s.Equal("DD:DD", rows[3].Address)
	s.Empty(rows[3].Alias, "recorded but no longer listed")
}

func (s *CommandTestSuite) TestStatusYAML() {
	path := s.seedStatus()

	out, err := s.ExecuteCommand("status", "--format", "yaml", "--config", path)
	s.Require().NoError(err)

	var rows []statusRow
	s.Require().NoError(yaml.Unmarshal([]byte(out), &rows))
	s.Require().Len(rows, 4)
	s.Equal("Keys", rows[1].Alias)
	s.Equal(12, rows[3].BatteryPercent)
}

func (s *CommandTestSuite) TestStatusTable() {
	path := s.seedStatus()

	out, err := s.ExecuteCommand("status", "--format", "table", "--config", path)
	s.Require().NoError(err)

	s.Contains(out, "Kitchen")
	s.Contains(out, "80%")
	s.Contains(out, "unknown")
	s.Less(strings.Index(out, "AA:AA"), strings.Index(out, "DD:DD"))
}

func (s *CommandTestSuite) TestStatusWithoutFiles() {
	out, err := s.ExecuteCommand("status", "--format", "table", "--config", filepath.Join(s.dir, "absent.ini"))
	s.Require().NoError(err, "status works on defaults")
	s.Contains(out, "No devices recorded")
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), "boom"},
		{"config", fmt.Errorf("load: %w", config.ErrNotFound), "--config"},
		{"root", ErrNotRoot, "sudo"},
		{"daemon", daemon.ErrAlreadyRunning, "stop it first"},
		{"adapter", fmt.Errorf("scan: %w", goble.ErrBluetoothOff), "adapter is up"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.want)
		})
	}
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    time.Duration
		wantErr bool
	}{
		{"default", nil, 10 * time.Second, false},
		{"seconds", []string{"5"}, 5 * time.Second, false},
		{"fractional", []string{"0.5"}, 500 * time.Millisecond, false},
		{"duration", []string{"1m"}, time.Minute, false},
		{"zero", []string{"0"}, 0, true},
		{"negative duration", []string{"-2s"}, 0, true},
		{"garbage", []string{"soon"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseWindow(tt.args, 10*time.Second)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusRowsWithoutRecords(t *testing.T) {
	reg := registry.New()
	reg.Add(registry.KnownDevice{Address: "BB:BB", Alias: "Keys"})
	reg.Add(registry.KnownDevice{Address: "AA:AA", Alias: "Tag"})

	rows := statusRows(reg, nil)
	require.Len(t, rows, 2)
	assert.Equal(t, "AA:AA", rows[0].Address)
	assert.Equal(t, "unknown", rows[0].Status)
	assert.Equal(t, status.UnknownBattery, rows[0].BatteryPercent)
}

func TestRenderTable(t *testing.T) {
	assert.Empty(t, renderTable(nil, nil))

	out := renderTable([]column{textCol("Address"), numCol("RSSI")}, [][]string{{"AA:AA", "-40"}, {"BB:BB"}})
	assert.Contains(t, out, "Address", "headers keep their case")
	assert.NotContains(t, out, "ADDRESS")
	assert.Contains(t, out, "AA:AA")
	assert.Contains(t, out, "-40")
	assert.Contains(t, out, "BB:BB")
}

func TestProgressPrinter(t *testing.T) {
	original := isTerminal
	defer func() { isTerminal = original }()

	t.Run("silent when not a terminal", func(t *testing.T) {
		isTerminal = func(*os.File) bool { return false }
		f, err := os.CreateTemp(t.TempDir(), "progress")
		require.NoError(t, err)
		defer f.Close()

		p := newProgress(f, "Scanning", time.Second)
		p.Start()
		p.Stop()
		p.Stop()

		data, err := os.ReadFile(f.Name())
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("countdown on a terminal", func(t *testing.T) {
		isTerminal = func(*os.File) bool { return true }
		f, err := os.CreateTemp(t.TempDir(), "progress")
		require.NoError(t, err)
		defer f.Close()

		p := newProgress(f, "Scanning", 3*time.Second)
		p.Start()
		time.Sleep(20 * time.Millisecond)
		p.Stop()

		data, err := os.ReadFile(f.Name())
		require.NoError(t, err)
		assert.Contains(t, string(data), "Scanning (3s remaining)")
		assert.True(t, strings.HasSuffix(string(data), clearLineSequence))
	})
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"scan", "read", "read_enabled", "discover", "run_daemon", "status", "run_battery_schedule"} {
		assert.True(t, names[want], want)
	}

	found, _, err := rootCmd.Find([]string{"run_scan_daemon"})
	require.NoError(t, err)
	assert.Equal(t, "run_daemon", found.Name())
}
