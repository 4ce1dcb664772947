package logging

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/arcline/gateway/internal/config"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"bogus", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			logger, err := New(Config{Level: tt.level})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer logger.Sync()
			if !logger.Core().Enabled(tt.want) {
				t.Errorf("level %q should enable %v", tt.level, tt.want)
			}
			if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
				t.Errorf("level %q should not enable %v", tt.level, tt.want-1)
			}
		})
	}
}

// The loader's logging section converts directly into this package's Config;
// main wires the two together with exactly this conversion.
func TestNewFromLoaderConfig(t *testing.T) {
	loaded := config.LoggingConfig{
		Level:      "warn",
		MaxSizeMB:  10,
		MaxBackups: 3,
	}

	logger, err := New(Config(loaded))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Error("warn level should be enabled")
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info level should be disabled at warn")
	}
}

func TestNewFileOutput(t *testing.T) {
	file := filepath.Join(t.TempDir(), "gateway.log")

	logger, err := New(Config{Level: "info", File: file})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("started")
	logger.Sync()

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("log file should exist: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file should contain the written entry")
	}
}
