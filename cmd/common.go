// Package cmd implements the appwall subcommands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"grimm.is/appwall/internal/config"
	"grimm.is/appwall/internal/logging"
)

// Stdout and Stderr are the command output streams. Tests replace them.
var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

// loadConfig loads and validates the file at path.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging block.
func newLogger(cfg *config.LoggingConfig) *logging.Logger {
	level, _ := logging.ParseLevel(cfg.Level)
	logger := logging.New(logging.Config{Level: level, Output: Stderr, JSON: cfg.JSON})
	logging.SetDefault(logger)
	return logger
}
