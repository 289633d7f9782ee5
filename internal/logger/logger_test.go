package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_FanOut(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	log, events, err := New(&console, dir, false)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var entries []Entry
	events.SetSink(func(e Entry) { entries = append(entries, e) })

	log.Debug("hidden from console")
	log.Info("transfer started", "job", "j1")
	log.With("job", "j2").Warn("retrying part", "attempt", 2)

	out := console.String()
	if strings.Contains(out, "hidden from console") {
		t.Error("debug record reached the console at info level")
	}
	if !strings.Contains(out, "transfer started job=j1") {
		t.Errorf("console missing info line: %q", out)
	}
	if !strings.Contains(out, "retrying part job=j2 attempt=2") {
		t.Errorf("console missing warn attrs: %q", out)
	}

	if len(entries) != 1 || entries[0].Message != "retrying part" || entries[0].Level != "WARN" {
		t.Fatalf("event sink got %+v", entries)
	}

	data, err := os.ReadFile(filepath.Join(dir, "logs", "transfer.json"))
	if err != nil {
		t.Fatalf("read json log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("json log has %d lines, want 3", len(lines))
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("bad json line: %v", err)
	}
	if rec["msg"] != "transfer started" || rec["job"] != "j1" {
		t.Errorf("unexpected json record %v", rec)
	}
}

func TestNew_NoDataDir(t *testing.T) {
	var console bytes.Buffer
	log, _, err := New(&console, "", true)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	log.Debug("visible")
	if !strings.Contains(console.String(), "visible") {
		t.Error("debug logging not enabled")
	}
}

func TestEventHandler_NoSink(t *testing.T) {
	h := NewEventHandler()
	log := slog.New(h)
	log.Error("nobody listening")
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should not be forwarded")
	}
}
