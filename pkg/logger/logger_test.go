package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func withObservedLogger(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	original := defaultLogger
	t.Cleanup(func() { defaultLogger = original })

	core, recorded := observer.New(level)
	defaultLogger = zap.New(core)
	return recorded
}

func TestLoggingWithFields(t *testing.T) {
	recorded := withObservedLogger(t, zapcore.InfoLevel)

	Info("flushed memtable", "records", 128, "bytes", 4096)

	logs := recorded.All()
	if len(logs) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(logs))
	}
	entry := logs[0]
	if entry.Message != "flushed memtable" {
		t.Errorf("unexpected message %q", entry.Message)
	}
	if len(entry.Context) != 2 {
		t.Errorf("expected 2 context fields, got %d", len(entry.Context))
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		name      string
		level     zapcore.Level
		logFunc   func(string, ...interface{})
		shouldLog bool
	}{
		{"debug suppressed at info", zapcore.InfoLevel, Debug, false},
		{"info passes at info", zapcore.InfoLevel, Info, true},
		{"info suppressed at warn", zapcore.WarnLevel, Info, false},
		{"error passes at warn", zapcore.WarnLevel, Error, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorded := withObservedLogger(t, tt.level)
			tt.logFunc("probe")
			if got := len(recorded.All()); (got > 0) != tt.shouldLog {
				t.Errorf("shouldLog=%v but recorded %d entries", tt.shouldLog, got)
			}
		})
	}
}

func TestWithChildLogger(t *testing.T) {
	recorded := withObservedLogger(t, zapcore.InfoLevel)

	child := With("component", "compactor")
	child.Infow("compacted level", "level", 1)

	logs := recorded.All()
	if len(logs) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(logs))
	}
	found := false
	for _, field := range logs[0].Context {
		if field.Key == "component" && field.String == "compactor" {
			found = true
		}
	}
	if !found {
		t.Errorf("child logger dropped its bound field: %v", logs[0].Context)
	}
}

func TestDefaultLoggerInitialized(t *testing.T) {
	if defaultLogger == nil {
		t.Fatal("default logger should be initialized at import")
	}
	Info("init probe")
}
