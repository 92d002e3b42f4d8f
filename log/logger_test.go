package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := newLoggerWithWriter(Meta{Component: "engine", InstanceID: "e-1"}, DebugLevel, &buf)

	l.Info("segment committed", map[string]any{"start": 0, "stop": 4096})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["message"] != "segment committed" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v", entry["level"])
	}
	if entry["component"] != "engine" || entry["instance_id"] != "e-1" {
		t.Errorf("context fields missing: %v", entry)
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["stop"] != float64(4096) {
		t.Errorf("fields = %v", entry["fields"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("timestamp missing")
	}
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := newLoggerWithWriter(Meta{}, WarnLevel, &buf)
	l.Debug("hidden", nil)
	l.Info("hidden", nil)
	l.Warn("shown", nil)

	if got := strings.Count(buf.String(), "\n"); got != 1 {
		t.Errorf("got %d lines, want 1: %q", got, buf.String())
	}
}

func TestLogger_Named(t *testing.T) {
	var buf bytes.Buffer
	l := newLoggerWithWriter(Meta{Component: "cli"}, DebugLevel, &buf).Named("stage", "q-7")
	l.Debug("drained", nil)
	if !strings.Contains(buf.String(), `"instance_id":"q-7"`) {
		t.Errorf("child logger lost instance id: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"": InfoLevel, "DEBUG": DebugLevel, "warning": WarnLevel, "error": ErrorLevel} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
