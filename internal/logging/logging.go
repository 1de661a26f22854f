package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/theY4Kman/psu-progs/internal/config"
)

// New builds the process logger. An unknown level falls back to info and is
// reported once the logger exists.
func New(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
		logger.Warnf("Unknown log level %q, using info", cfg.Level)
		return logger
	}
	logger.SetLevel(level)
	return logger
}
