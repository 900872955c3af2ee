package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/srg/blepresence/internal/config"
	goble "github.com/srg/blepresence/internal/device/go-ble"
	"github.com/srg/blepresence/internal/publish"
)

// geteuid is replaced in tests.
var geteuid = unix.Geteuid

// env is what every command needs once flags are parsed.
type env struct {
	cfg    *config.Config
	logger *logrus.Logger
}

// loadEnv reads the config named by --config. With required set a missing
// file is an error; otherwise defaults are used and a warning is logged.
func loadEnv(cmd *cobra.Command, required bool) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	missing := errors.Is(err, config.ErrNotFound)
	if err != nil && !missing {
		return nil, err
	}
	if missing && required {
		return nil, fmt.Errorf("command %q needs a valid config: %w", cmd.Name(), err)
	}

	logger, lerr := configureLogger(cmd, cfg)
	if lerr != nil {
		return nil, lerr
	}
	if missing {
		logger.WithField("path", path).Warn("Config file not found, using defaults")
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true
	return &env{cfg: cfg, logger: logger}, nil
}

func requireRoot() error {
	if geteuid() != 0 {
		return ErrNotRoot
	}
	return nil
}

// radio returns the go-ble transport and the hciconfig resetter for the configured adapter.
func (e *env) radio() (*goble.Transport, *goble.HCIResetter) {
	g := e.cfg.General
	return goble.NewTransport(g.Adapter, g.PostConnectDelay(), e.logger), goble.NewHCIResetter(g.Adapter, e.logger)
}

func (e *env) hub() *publish.Hub {
	return publish.NewHub(e.cfg, e.logger)
}

// parseWindow reads an optional positional duration in seconds ("10") or Go
// syntax ("10s"), falling back to def.
func parseWindow(args []string, def time.Duration) (time.Duration, error) {
	if len(args) == 0 {
		return def, nil
	}
	if secs, err := strconv.ParseFloat(args[0], 64); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid duration %q: must be positive", args[0])
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(args[0])
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid duration %q: use seconds (10) or a duration (10s)", args[0])
	}
	return d, nil
}
