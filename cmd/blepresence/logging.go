package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blepresence/internal/config"
)

// configureLogger builds the process logger from the config and applies the
// --log-level override. An invalid override is an error; an invalid config
// value only falls back to info.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	logger := cfg.NewLogger(os.Stderr)

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		level, err := config.ParseLevel(logLevelStr)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(level)
		logger.WithField("level", level.String()).Debug("Log level overridden")
	}
	return logger, nil
}
