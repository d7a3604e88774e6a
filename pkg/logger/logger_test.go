package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// capture swaps the package logger for an observer that records everything;
// filtering is left to the atomic level.
func capture(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	orig := sugar
	sugar = zap.New(core).Sugar()
	t.Cleanup(func() {
		sugar = orig
		Init("info")
	})
	return logs
}

func TestInitAndLevelString(t *testing.T) {
	Init("debug")
	if got := LevelString(); got != "debug" {
		t.Fatalf("LevelString() = %q, want %q", got, "debug")
	}
	Init("WARN")
	if got := LevelString(); got != "warn" {
		t.Fatalf("LevelString() = %q, want %q", got, "warn")
	}
	Init("Error")
	if got := LevelString(); got != "error" {
		t.Fatalf("LevelString() = %q, want %q", got, "error")
	}
	Init("nonsense")
	if got := LevelString(); got != "info" {
		t.Fatalf("LevelString() = %q, want %q for unknown input", got, "info")
	}
}

func TestLevelFilteringAndPrintln(t *testing.T) {
	logs := capture(t)

	Init("warn")
	Debugf("debug-msg")
	Infof("info-msg")
	Warnf("warn-msg")
	Errorf("error-msg")

	if logs.FilterMessage("debug-msg").Len() != 0 {
		t.Fatalf("debug messages should be suppressed at warn level")
	}
	if logs.FilterMessage("info-msg").Len() != 0 {
		t.Fatalf("info messages should be suppressed at warn level")
	}
	if logs.FilterMessage("warn-msg").Len() != 1 {
		t.Fatalf("warn message missing: %v", logs.All())
	}
	if logs.FilterMessage("error-msg").Len() != 1 {
		t.Fatalf("error message missing: %v", logs.All())
	}

	Println("hello")
	if logs.FilterMessage("hello").Len() != 0 {
		t.Fatalf("Println should be suppressed at warn level")
	}

	Init("info")
	Println("hello", "world")
	if logs.FilterMessage("hello world").Len() != 1 {
		t.Fatalf("Println expected at info level, got: %v", logs.All())
	}
}

func TestWithCarriesFields(t *testing.T) {
	logs := capture(t)
	Init("info")

	With("provider", "cognito").Infow("jwks refreshed", "keys", 2)
	With("provider", "cognito").Debugw("hidden")

	entries := logs.FilterMessage("jwks refreshed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["provider"] != "cognito" {
		t.Fatalf("missing provider field: %v", ctx)
	}
	if logs.FilterMessage("hidden").Len() != 0 {
		t.Fatalf("child logger should honour the atomic level")
	}
}
