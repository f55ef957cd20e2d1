package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "json format", config: &Config{Level: LevelInfo, Format: "json", Output: &bytes.Buffer{}}},
		{name: "text format", config: &Config{Level: LevelDebug, Format: "text", Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true, NoColor: true}

	logger := NewLogger(config)

	ctrlLogger := logger.WithController("0000:01:00.0")
	ctrlLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "bdf=0000:01:00.0") {
		t.Errorf("Expected bdf=0000:01:00.0 in output, got: %s", output)
	}

	buf.Reset()
	queueLogger := ctrlLogger.WithQueue(1)
	queueLogger.Info("queue message")

	output = buf.String()
	if !strings.Contains(output, "bdf=0000:01:00.0") {
		t.Errorf("Expected bdf=0000:01:00.0 in queue logger output, got: %s", output)
	}
	if !strings.Contains(output, "qid=1") {
		t.Errorf("Expected qid=1 in output, got: %s", output)
	}
}

func TestLoggerWithCommand(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true, NoColor: true}

	logger := NewLogger(config)
	cmdLogger := logger.WithCommand(123, 0x06)
	cmdLogger.Debug("submitting command")

	output := buf.String()
	if !strings.Contains(output, "cid=123") {
		t.Errorf("Expected cid=123 in output, got: %s", output)
	}
	if !strings.Contains(output, "opcode=6") {
		t.Errorf("Expected opcode=6 in output, got: %s", output)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true, NoColor: true}

	logger := NewLogger(config)
	testErr := errors.New("test error")
	errorLogger := logger.WithError(testErr)
	errorLogger.Error("operation failed")

	output := buf.String()
	if !strings.Contains(output, "test error") {
		t.Errorf("Expected 'test error' in output, got: %s", output)
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: "text", Output: &buf, Sync: true, NoColor: true}

	SetDefault(NewLogger(config))

	Debug("debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("Expected debug message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("Expected key=value, got: %s", output)
	}

	buf.Reset()
	Info("info message")
	output = buf.String()
	if !strings.Contains(output, "info message") {
		t.Errorf("Expected info message, got: %s", output)
	}

	buf.Reset()
	Warn("warning message")
	output = buf.String()
	if !strings.Contains(output, "warning message") {
		t.Errorf("Expected warning message, got: %s", output)
	}

	buf.Reset()
	Error("error message")
	output = buf.String()
	if !strings.Contains(output, "error message") {
		t.Errorf("Expected error message, got: %s", output)
	}
}
