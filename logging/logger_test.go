package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewWritesJSONWithTimestampKey(t *testing.T) {
	var out bytes.Buffer
	logger, err := New(Options{Level: "debug", Format: "json", Output: &out})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Named("coordinator").Info("connect attempt", zap.String("type", "tcp"), zap.Int("attempt", 1))
	_ = logger.Sync()

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", out.String(), err)
	}
	if entry["message"] != "connect attempt" {
		t.Fatalf("unexpected message: %v", entry["message"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("timestamp key missing: %v", entry)
	}
	if entry["logger"] != "coordinator" {
		t.Fatalf("unexpected logger name: %v", entry["logger"])
	}
	if entry["type"] != "tcp" {
		t.Fatalf("unexpected type field: %v", entry["type"])
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var out bytes.Buffer
	logger, err := New(Options{Level: "warn", Output: &out})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	_ = logger.Sync()

	if strings.Contains(out.String(), "hidden") {
		t.Fatalf("info line written at warn level: %q", out.String())
	}
	if !strings.Contains(out.String(), "shown") {
		t.Fatalf("warn line missing: %q", out.String())
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatalf("expected invalid format error")
	}
}

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "linkbridge.log")
	logger, err := New(Options{File: path, Output: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("to file")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), "to file") {
		t.Fatalf("log file missing entry: %q", raw)
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatalf("expected no-op logger")
	}
	logger := zap.NewExample()
	if OrNop(logger) != logger {
		t.Fatalf("expected same logger")
	}
}
