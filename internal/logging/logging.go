// Package logging builds the process logger.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/stay-ledger/backend/internal/config"
)

// New returns a logger configured from cfg. An unknown level falls back to info.
func New(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger
}
