// Package common provides the shared logging infrastructure for the MQI
// Conductor and its tooling. It builds on logrus for structured logging and
// routes error-level output to stderr while everything else goes to stdout,
// so containerized deployments can treat the two streams differently.
//
// All services use the package-global Logger (or a ContextLogger derived from
// it) to keep field names and formatting uniform. Per-case log lines always
// carry the case_id and correlation_id fields so a single workflow run can be
// traced across the conductor and the workers.
package common

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level marker. Error lines go to stderr; the rest to stdout.
type OutputSplitter struct{}

// Write implements io.Writer for the OutputSplitter.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all conductor components.
var Logger = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	logger.SetOutput(&OutputSplitter{})
	return logger
}

// LogLevel represents standard logging levels.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LoggerConfig contains configuration for creating a logger.
type LoggerConfig struct {
	Level      LogLevel // Minimum log level
	Format     string   // "json" or "text"
	TimeFormat string   // Time format for logs
}

// DefaultLoggerConfig returns a logger config with sensible defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:      LogLevelInfo,
		Format:     "text",
		TimeFormat: time.RFC3339,
	}
}

// NewLogger creates a new configured logger instance.
func NewLogger(config LoggerConfig) *logrus.Logger {
	logger := logrus.New()

	switch config.Level {
	case LogLevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LogLevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LogLevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: config.TimeFormat,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: config.TimeFormat,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(&OutputSplitter{})
	return logger
}

// ConfigureLogger applies a LoggerConfig to the global Logger in place.
func ConfigureLogger(config LoggerConfig) {
	configured := NewLogger(config)
	Logger.SetLevel(configured.Level)
	Logger.SetFormatter(configured.Formatter)
	Logger.SetOutput(&OutputSplitter{})
}

// ComponentLogger returns an entry scoped to one conductor component.
func ComponentLogger(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}

// CaseLogger returns an entry carrying the standard per-case tracing fields.
func CaseLogger(base *logrus.Entry, caseID, correlationID string) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"case_id":        caseID,
		"correlation_id": correlationID,
	})
}
