package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Load when the config file does not exist.
var ErrNotFound = errors.New("config file not found")

// Config holds application configuration. It is built once per process (and
// once per cycle by the daemon) and passed explicitly to every component.
type Config struct {
	General GeneralConfig `mapstructure:"general"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	UDP     UDPConfig     `mapstructure:"udp"`
	Logging LoggingConfig `mapstructure:"logging"`
	Paths   PathsConfig   `mapstructure:"paths"`

	// File is the path the config was loaded from, empty for defaults.
	File string `mapstructure:"-"`
}

// GeneralConfig holds timing and behaviour settings. Durations are in seconds
// to stay compatible with existing config.ini files.
type GeneralConfig struct {
	ScanDuration            float64 `mapstructure:"scan_duration" default:"10"`
	ScanSettleDelay         float64 `mapstructure:"scan_settle_delay" default:"3"`
	ResetBeforeScan         bool    `mapstructure:"reset_before_scan" default:"true"`
	ShortPause              float64 `mapstructure:"short_pause" default:"5"`
	BatteryPauseDuration    float64 `mapstructure:"battery_pause_duration" default:"30"`
	FallbackPause           float64 `mapstructure:"fallback_pause" default:"30"`
	PublishCheckInterval    float64 `mapstructure:"publish_check_interval" default:"300"`
	BatteryRetries          int     `mapstructure:"battery_retries" default:"1"`
	BatteryRetryDelay       float64 `mapstructure:"battery_retry_delay" default:"5"`
	BatteryConnectTimeout   float64 `mapstructure:"battery_connect_timeout" default:"10"`
	BatteryPostConnectDelay float64 `mapstructure:"battery_post_connect_delay" default:"1"`
	ReportOfflineBattery    bool    `mapstructure:"report_offline_battery" default:"false"`
	MaxParallelReads        int     `mapstructure:"max_parallel_reads" default:"1"`
	SentinelPollInterval    float64 `mapstructure:"sentinel_poll_interval" default:"5"`
	SentinelMaxWait         float64 `mapstructure:"sentinel_max_wait" default:"15"`
	SentinelStaleAge        float64 `mapstructure:"sentinel_stale_age" default:"60"`
	JobLockStaleAge         float64 `mapstructure:"job_lock_stale_age" default:"3600"`
	Adapter                 string  `mapstructure:"adapter" default:"hci0"`
	BatterySchedule         string  `mapstructure:"battery_schedule"`
}

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Enabled      bool   `mapstructure:"enabled" default:"false"`
	Broker       string `mapstructure:"broker"`
	Port         int    `mapstructure:"port" default:"1883"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	ClientID     string `mapstructure:"client_id"`
	KeepAlive    int    `mapstructure:"keepalive" default:"60"`
	ScanTopic    string `mapstructure:"scan_topic" default:"ble/scan/discovery"`
	BatteryTopic string `mapstructure:"battery_topic" default:"ble/scan/battery"`
}

// UDPConfig configures the datagram sink.
type UDPConfig struct {
	Enabled bool   `mapstructure:"enabled" default:"false"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	LogLevel string `mapstructure:"log_level" default:"info"`
	LogFile  string `mapstructure:"log_file"`
}

// PathsConfig lists the files shared between the daemon and the battery job.
// Relative paths are resolved against BaseDir.
type PathsConfig struct {
	BaseDir         string `mapstructure:"base_dir"`
	KnownDevices    string `mapstructure:"known_devices" default:"known_devices.txt"`
	BatteryStatus   string `mapstructure:"battery_status" default:"battery_status.json"`
	ScanResults     string `mapstructure:"scan_results" default:"scan_results.json"`
	LastBatteryScan string `mapstructure:"last_battery_scan" default:"last_battery_scan.txt"`
	JobLock         string `mapstructure:"job_lock" default:"read_enabled_batteries.lock"`
	PauseFile       string `mapstructure:"pause_file" default:"/tmp/ble_read.pause"`
	DaemonLock      string `mapstructure:"daemon_lock" default:"ble_daemon.lock"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Paths.BaseDir = "."
	return cfg
}

// Load reads an INI config file on top of the defaults.
// A missing file yields the defaults together with ErrNotFound.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, ErrNotFound
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return cfg, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	v, err := newViper()
	if err != nil {
		return cfg, err
	}
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config %s: %w", path, err)
	}

	cfg.File = path
	if cfg.Paths.BaseDir == "" || cfg.Paths.BaseDir == "." {
		cfg.Paths.BaseDir = filepath.Dir(path)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c.General.BatteryRetries < 1 {
		c.General.BatteryRetries = 1
	}
	if c.General.MaxParallelReads < 1 {
		c.General.MaxParallelReads = 1
	}
	if c.General.Adapter == "" {
		c.General.Adapter = "hci0"
	}
}

// Path resolves one of the Paths entries against BaseDir.
func (c *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	base := c.Paths.BaseDir
	if base == "" {
		base = "."
	}
	return filepath.Join(base, name)
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

func (g GeneralConfig) ScanWindow() time.Duration          { return seconds(g.ScanDuration) }
func (g GeneralConfig) SettleDelay() time.Duration         { return seconds(g.ScanSettleDelay) }
func (g GeneralConfig) ShortPauseDuration() time.Duration  { return seconds(g.ShortPause) }
func (g GeneralConfig) BatteryPause() time.Duration        { return seconds(g.BatteryPauseDuration) }
func (g GeneralConfig) FallbackPauseDuration() time.Duration {
	return seconds(g.FallbackPause)
}
func (g GeneralConfig) PublishCheck() time.Duration     { return seconds(g.PublishCheckInterval) }
func (g GeneralConfig) RetryDelay() time.Duration       { return seconds(g.BatteryRetryDelay) }
func (g GeneralConfig) ConnectTimeout() time.Duration   { return seconds(g.BatteryConnectTimeout) }
func (g GeneralConfig) PostConnectDelay() time.Duration { return seconds(g.BatteryPostConnectDelay) }
func (g GeneralConfig) PollInterval() time.Duration     { return seconds(g.SentinelPollInterval) }
func (g GeneralConfig) MaxSentinelWait() time.Duration  { return seconds(g.SentinelMaxWait) }
func (g GeneralConfig) StaleAge() time.Duration         { return seconds(g.SentinelStaleAge) }
func (g GeneralConfig) JobLockMaxAge() time.Duration    { return seconds(g.JobLockStaleAge) }

// ParseLevel maps a config/flag level name to a logrus level.
func ParseLevel(name string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return logrus.DebugLevel, nil
	case "", "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "critical", "fatal":
		return logrus.FatalLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", name)
	}
}

// NewLogger creates a configured logger instance. A log file that cannot be
// opened is reported on the returned logger and otherwise ignored.
func (c *Config) NewLogger(out io.Writer) *logrus.Logger {
	logger := logrus.New()
	if out != nil {
		logger.SetOutput(out)
	}

	level, err := ParseLevel(c.Logging.LogLevel)
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	if err != nil {
		logger.WithError(err).Warn("Falling back to info log level")
	}

	if c.Logging.LogFile != "" {
		f, ferr := os.OpenFile(c.Path(c.Logging.LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if ferr != nil {
			logger.WithError(ferr).WithField("file", c.Logging.LogFile).Warn("Cannot open log file, logging to stderr only")
		} else {
			logger.SetOutput(io.MultiWriter(logger.Out, f))
		}
	}

	return logger
}
