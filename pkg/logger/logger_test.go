package logger

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		wantLevel zapcore.Level
	}{
		{
			name: "Development Config",
			config: Config{
				Level:       "debug",
				Environment: "development",
				ServiceName: "multisyncstats",
				NodeID:      "lobby-1",
			},
			wantLevel: zapcore.DebugLevel,
		},
		{
			name: "Production Config",
			config: Config{
				Level:       "info",
				Environment: "production",
				ServiceName: "multisyncstats",
				NodeID:      "survival-2",
			},
			wantLevel: zapcore.InfoLevel,
		},
		{
			name: "Invalid Level Defaults to Info",
			config: Config{
				Level:       "invalid",
				Environment: "development",
				ServiceName: "multisyncstats",
			},
			wantLevel: zapcore.InfoLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if !l.zap.Core().Enabled(tt.wantLevel) {
				t.Errorf("Expected level %v to be enabled", tt.wantLevel)
			}
			if tt.wantLevel > zapcore.DebugLevel && l.zap.Core().Enabled(zapcore.DebugLevel) {
				t.Errorf("Expected debug to be disabled at %v", tt.wantLevel)
			}
		})
	}
}

func TestLoggerOutput(t *testing.T) {
	core, observed := observer.New(zap.InfoLevel)
	l := FromZap(zap.New(core))

	l.Info("flush complete", zap.Int("applied", 3))
	if observed.Len() != 1 {
		t.Fatalf("Expected 1 log entry, got %d", observed.Len())
	}
	entry := observed.All()[0]
	if entry.Message != "flush complete" {
		t.Errorf("Expected message 'flush complete', got '%s'", entry.Message)
	}
	if entry.ContextMap()["applied"] != int64(3) {
		t.Errorf("Expected applied=3, got %v", entry.ContextMap()["applied"])
	}

	observed.TakeAll()
	l.Error("flush failed", errors.New("connection refused"))
	entry = observed.All()[0]
	if entry.Level != zapcore.ErrorLevel {
		t.Errorf("Expected error level, got %v", entry.Level)
	}
	if entry.ContextMap()["error"] != "connection refused" {
		t.Errorf("Expected error field, got %v", entry.ContextMap()["error"])
	}

	observed.TakeAll()
	l.Debug("debug message")
	if observed.Len() != 0 {
		t.Errorf("Expected 0 log entries, got %d", observed.Len())
	}
}

func TestWithAndNamed(t *testing.T) {
	core, observed := observer.New(zap.InfoLevel)
	l := FromZap(zap.New(core))

	child := l.Named("engine").With(zap.String("player", "p-1"))
	child.Warn("pull failed")

	entry := observed.All()[0]
	if entry.LoggerName != "engine" {
		t.Errorf("Expected logger name engine, got %q", entry.LoggerName)
	}
	if entry.ContextMap()["player"] != "p-1" {
		t.Errorf("Expected player=p-1, got %v", entry.ContextMap()["player"])
	}
}

func TestNop(t *testing.T) {
	l := NewNop()
	l.Info("ignored")
	l.Error("ignored", errors.New("x"))
}
