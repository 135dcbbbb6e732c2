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
		want   string
	}{
		{
			name:   "default config",
			config: nil,
			want:   "text",
		},
		{
			name: "json format",
			config: &Config{
				Level:  LevelInfo,
				Format: "json",
				Output: &bytes.Buffer{},
			},
			want: "json",
		},
		{
			name: "text format",
			config: &Config{
				Level:  LevelDebug,
				Format: "text",
				Output: &bytes.Buffer{},
			},
			want: "text",
		},
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
	config := &Config{
		Level:   LevelDebug,
		Format:  "text",
		Output:  &buf,
		Sync:    true,
		NoColor: true,
	}

	logger := NewLogger(config)

	portLogger := logger.WithPort("ttyS0")
	portLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "port=ttyS0") {
		t.Errorf("Expected port=ttyS0 in output, got: %s", output)
	}

	buf.Reset()
	requestLogger := portLogger.WithRequest(7, "WRITE")
	requestLogger.Info("request message")

	output = buf.String()
	if !strings.Contains(output, "port=ttyS0") {
		t.Errorf("Expected port=ttyS0 in request logger output, got: %s", output)
	}
	if !strings.Contains(output, "tag=7") {
		t.Errorf("Expected tag=7 in output, got: %s", output)
	}
}

func TestLoggerWithRequest(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{
		Level:   LevelDebug,
		Format:  "text",
		Output:  &buf,
		Sync:    true,
		NoColor: true,
	}

	logger := NewLogger(config)
	requestLogger := logger.WithRequest(123, "READ")
	requestLogger.Debug("processing request")

	output := buf.String()
	if !strings.Contains(output, "tag=123") {
		t.Errorf("Expected tag=123 in output, got: %s", output)
	}
	if !strings.Contains(output, "op=READ") {
		t.Errorf("Expected op=READ in output, got: %s", output)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{
		Level:   LevelDebug,
		Format:  "text",
		Output:  &buf,
		Sync:    true,
		NoColor: true,
	}

	logger := NewLogger(config)
	testErr := errors.New("test error")
	errorLogger := logger.WithError(testErr)
	errorLogger.Error("operation failed")

	output := buf.String()
	if !strings.Contains(output, "test error") {
		t.Errorf("Expected 'test error' in output, got: %s", output)
	}
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{
		Level:  LevelDebug,
		Format: "json",
		Output: &buf,
		Sync:   true,
	}

	logger := NewLogger(config).WithPort("ttyS0")
	logger.Warn("backpressure engaged", "bytes_free", 12)

	output := buf.String()
	if !strings.Contains(output, `"msg":"backpressure engaged"`) {
		t.Errorf("Expected msg field in json output, got: %s", output)
	}
	if !strings.Contains(output, `"port":"ttyS0"`) {
		t.Errorf("Expected port field in json output, got: %s", output)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Format: "text", Output: &buf})
	logger.Debug("should not appear")
	logger.Info("should not appear either")
	if buf.Len() != 0 {
		t.Errorf("Expected no output below configured level, got: %s", buf.String())
	}

	logger.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Errorf("Expected warn message, got: %s", buf.String())
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{
		Level:   LevelDebug,
		Format:  "text",
		Output:  &buf,
		Sync:    true,
		NoColor: true,
	}

	SetDefault(NewLogger(config))
	t.Cleanup(func() { SetDefault(NewLogger(nil)) })

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
