package main

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hfpredict/config"
)

func TestLogFileNameForDate(t *testing.T) {
	when := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if got := logFileNameForDate(when); got != "22-Jan-2026.log" {
		t.Fatalf("expected 22-Jan-2026.log, got %q", got)
	}
	parsed, ok := parseLogFileDate("22-Jan-2026.log")
	if !ok || !parsed.Equal(time.Date(2026, time.January, 22, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("parse = %v %v", parsed, ok)
	}
	if _, ok := parseLogFileDate("notes.txt"); ok {
		t.Fatalf("expected non-log file to be rejected")
	}
}

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"20-Jan-2026.log", "21-Jan-2026.log", "22-Jan-2026.log", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	now := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if err := cleanupOldLogs(dir, now, 2); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "20-Jan-2026.log")); !os.IsNotExist(err) {
		t.Fatalf("expected oldest log removed, stat err = %v", err)
	}
	for _, name := range []string{"21-Jan-2026.log", "22-Jan-2026.log", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to remain: %v", name, err)
		}
	}
}

func TestDailyFileSinkRotatesAtMidnight(t *testing.T) {
	dir := t.TempDir()
	sink, err := newDailyFileSink(dir, 7)
	if err != nil {
		t.Fatalf("newDailyFileSink: %v", err)
	}
	day1 := time.Date(2026, time.January, 22, 23, 59, 0, 0, time.UTC)
	sink.WriteLine("first", day1)
	sink.WriteLine("second", day1.Add(2*time.Minute))
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	first, _ := os.ReadFile(filepath.Join(dir, "22-Jan-2026.log"))
	second, _ := os.ReadFile(filepath.Join(dir, "23-Jan-2026.log"))
	if string(first) != "2026/01/22 23:59:00 first\n" {
		t.Fatalf("day one = %q", first)
	}
	if string(second) != "2026/01/23 00:01:00 second\n" {
		t.Fatalf("day two = %q", second)
	}
}

func TestLogFanoutSplitsLinesAcrossSinks(t *testing.T) {
	var console bytes.Buffer
	fanout, err := setupLogging(config.LoggingConfig{Enabled: true, Dir: t.TempDir(), RetentionDays: 2}, &console)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	defer fanout.Close()
	if !fanout.hasFile() {
		t.Fatalf("file sink should be attached")
	}

	logger := log.New(fanout, "", 0)
	logger.Print("rbn: connected")
	fanout.Write([]byte("partial "))
	fanout.Write([]byte("line\n"))
	fanout.WriteFileOnlyLine("stats only", time.Now())

	out := console.String()
	if !strings.Contains(out, " rbn: connected\n") || !strings.Contains(out, " partial line\n") {
		t.Fatalf("console = %q", out)
	}
	if strings.Contains(out, "stats only") {
		t.Fatalf("file-only line leaked to console")
	}
}

func TestSetupLoggingDisabledHasNoFile(t *testing.T) {
	fanout, err := setupLogging(config.LoggingConfig{}, &bytes.Buffer{})
	if err != nil || fanout.hasFile() {
		t.Fatalf("disabled logging: err=%v file=%v", err, fanout.hasFile())
	}
}
