package common

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected logrus.Level
	}{
		{LogLevelDebug, logrus.DebugLevel},
		{LogLevelInfo, logrus.InfoLevel},
		{LogLevelWarn, logrus.WarnLevel},
		{LogLevelError, logrus.ErrorLevel},
		{LogLevel("bogus"), logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			logger := NewLogger(LoggerConfig{Level: tt.level, Format: "text"})
			assert.Equal(t, tt.expected, logger.GetLevel())
		})
	}
}

func TestNewLogger_JSONFormat(t *testing.T) {
	logger := NewLogger(LoggerConfig{Level: LogLevelInfo, Format: "json"})
	_, ok := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
}

func TestComponentLogger(t *testing.T) {
	entry := ComponentLogger("manager")
	require.NotNil(t, entry)
	assert.Equal(t, "manager", entry.Data["component"])
}

func TestCaseLogger(t *testing.T) {
	entry := CaseLogger(ComponentLogger("manager"), "case_0001", "corr-1")
	assert.Equal(t, "case_0001", entry.Data["case_id"])
	assert.Equal(t, "corr-1", entry.Data["correlation_id"])
	assert.Equal(t, "manager", entry.Data["component"])
}
