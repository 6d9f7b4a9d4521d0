package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, WarnLevel)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines at WarnLevel, got %d: %q", len(lines), buf.String())
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	if entry.Level != "WARN" {
		t.Errorf("expected WARN level, got %s", entry.Level)
	}
	if entry.Message != "warn message" {
		t.Errorf("unexpected message: %s", entry.Message)
	}
}

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	logger.Info("conflict resolved",
		Sequence("orders_id"),
		ConflictType("update_update"),
		Resolution("default_apply_change"),
		Uint64("lsn", 42),
	)

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	if entry.Fields["sequence"] != "orders_id" {
		t.Errorf("missing sequence field: %v", entry.Fields)
	}
	if entry.Fields["conflict_type"] != "update_update" {
		t.Errorf("missing conflict_type field: %v", entry.Fields)
	}
	if entry.Fields["lsn"] != float64(42) {
		t.Errorf("missing lsn field: %v", entry.Fields)
	}
}

func TestWithPresetFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewJSONLogger(&buf, InfoLevel)
	child := base.With(Component("sequencer"))

	child.Info("election started")

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v", err)
	}
	if entry.Fields["component"] != "sequencer" {
		t.Errorf("preset field not carried: %v", entry.Fields)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"ERROR":   ErrorLevel,
		"bogus":   InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	// Must not panic and With must return a usable logger
	logger.Info("ignored")
	logger.With(String("k", "v")).Error("also ignored")
}
