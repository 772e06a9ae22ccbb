// Package logger builds the scheduler's ambient logrus.Logger,
// replacing logger/log.go's plain log.Printf shim: logrus is already a
// real, used dependency elsewhere in the teacher (internal/metrics,
// tests), so the ambient logger is built on it instead of stdlib log.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds a *logrus.Logger from the given level ("debug", "info",
// "warn", "error") and format ("json" or "text"), writing to stderr.
// Unrecognized levels fall back to info; unrecognized formats fall
// back to text.
func New(level, format string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)

	if strings.EqualFold(format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return log
}
