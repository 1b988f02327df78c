package pkg

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

// captureLogs routes the Log functions to a buffer for the duration of t.
func captureLogs(t *testing.T, lvl slog.Level) *bytes.Buffer {
	t.Helper()
	prevLogger, prevLevel := Logger(), GetLogLevel()
	t.Cleanup(func() {
		SetLogger(prevLogger)
		SetLogLevel(prevLevel)
	})
	var buf bytes.Buffer
	SetLogLevel(lvl)
	SetLogger(NewTextLogger(&buf, nil))
	return &buf
}

// =============================================================================
// Level Tests
// =============================================================================

func TestSetLogLevel(t *testing.T) {
	prev := GetLogLevel()
	defer SetLogLevel(prev)

	for _, lvl := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		SetLogLevel(lvl)
		if got := GetLogLevel(); got != lvl {
			t.Errorf("GetLogLevel() = %v, want %v", got, lvl)
		}
	}
}

func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		name string
		log  func(Component, string, ...any)
		min  slog.Level
		want bool
	}{
		{"debug below info", LogDebug, slog.LevelInfo, false},
		{"debug at debug", LogDebug, slog.LevelDebug, true},
		{"info at warn", LogInfo, slog.LevelWarn, false},
		{"warn at warn", LogWarn, slog.LevelWarn, true},
		{"error at warn", LogError, slog.LevelWarn, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t, tt.min)
			tt.log(ComponentRing, "ring wrapped", "slot", 1)
			if got := buf.Len() > 0; got != tt.want {
				t.Errorf("emitted = %v, want %v (%q)", got, tt.want, buf.String())
			}
		})
	}
}

// =============================================================================
// Output Tests
// =============================================================================

func TestLogFunctions_Level(t *testing.T) {
	tests := []struct {
		log  func(Component, string, ...any)
		want string
	}{
		{LogDebug, "level=DEBUG"},
		{LogInfo, "level=INFO"},
		{LogWarn, "level=WARN"},
		{LogError, "level=ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			buf := captureLogs(t, slog.LevelDebug)
			tt.log(ComponentHost, "device enumerated", "address", 1)
			out := buf.String()
			for _, want := range []string{tt.want, "component=host", "address=1"} {
				if !strings.Contains(out, want) {
					t.Errorf("output %q missing %q", out, want)
				}
			}
		})
	}
}

func TestLogComponentAttribute(t *testing.T) {
	buf := captureLogs(t, slog.LevelDebug)
	LogDebug(ComponentCommand, "command completed", "type", "No Op")

	out := buf.String()
	for _, want := range []string{"command completed", "component=command", `type="No Op"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestNewJSONLogger(t *testing.T) {
	buf := captureLogs(t, slog.LevelInfo)
	SetLogger(NewJSONLogger(buf, nil))
	LogInfo(ComponentEvent, "interrupter enabled", "index", 0)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["msg"] != "interrupter enabled" || rec["component"] != "event" {
		t.Errorf("record = %v", rec)
	}
}

func TestSetLogger_NilRestoresDefault(t *testing.T) {
	buf := captureLogs(t, slog.LevelDebug)
	SetLogger(nil)
	LogError(ComponentController, "not captured")
	if buf.Len() != 0 {
		t.Errorf("nil SetLogger kept the previous logger: %q", buf.String())
	}
	if Logger() == nil {
		t.Error("Logger() = nil")
	}
}
