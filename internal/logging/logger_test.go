package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerHonoursLevel(t *testing.T) {
	testCases := []struct {
		level    string
		format   string
		enabled  zapcore.Level
		disabled zapcore.Level
	}{
		{level: "debug", format: "json", enabled: zapcore.DebugLevel, disabled: zapcore.DebugLevel},
		{level: "", format: "console", enabled: zapcore.InfoLevel, disabled: zapcore.DebugLevel},
		{level: "WARNING", format: "", enabled: zapcore.WarnLevel, disabled: zapcore.InfoLevel},
		{level: "error", format: "json", enabled: zapcore.ErrorLevel, disabled: zapcore.WarnLevel},
	}
	for _, testCase := range testCases {
		t.Run(testCase.level+"/"+testCase.format, func(t *testing.T) {
			logger, err := NewLogger(testCase.level, testCase.format)
			if err != nil {
				t.Fatalf("unexpected logger error: %v", err)
			}
			if !logger.Core().Enabled(testCase.enabled) {
				t.Fatalf("expected %s to be enabled", testCase.enabled)
			}
			if testCase.disabled != testCase.enabled && logger.Core().Enabled(testCase.disabled) {
				t.Fatalf("expected %s to be disabled", testCase.disabled)
			}
		})
	}
}

func TestNewLoggerRejectsUnknownFormat(t *testing.T) {
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}
