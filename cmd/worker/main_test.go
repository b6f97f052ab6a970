package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"insight-worker/internal/config"
)

func TestApplyStartFlagsOnlyOverridesChanged(t *testing.T) {
	cmd := startCmd()
	if err := cmd.Flags().Parse([]string{"--max-jobs", "5", "--log-level", "debug"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	var f startFlags
	f.maxJobs, _ = cmd.Flags().GetInt("max-jobs")
	f.logLevel, _ = cmd.Flags().GetString("log-level")
	f.interval, _ = cmd.Flags().GetInt("interval")

	cfg := config.Config{PollIntervalSeconds: 10, MaxJobs: 0, Concurrency: 2, LogLevel: "info"}
	applyStartFlags(cmd, f, &cfg)

	if cfg.MaxJobs != 5 || cfg.LogLevel != "debug" {
		t.Fatalf("changed flags not applied: %+v", cfg)
	}
	if cfg.PollIntervalSeconds != 10 || cfg.Concurrency != 2 {
		t.Fatalf("unchanged flags overrode env values: %+v", cfg)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.Config{LogLevel: "warn", LogFormat: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "job_id", "job-1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, `"job_id":"job-1"`) {
		t.Fatalf("expected json record, got %s", out)
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("debug should be disabled")
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.pid")
	if err := writePIDFile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("expected %d, got %d", os.Getpid(), pid)
	}

	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := readPIDFile(path); err == nil {
		t.Fatalf("expected error for malformed pid file")
	}
}

func TestStopWithoutPIDFile(t *testing.T) {
	cmd := stopCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())
	if err := runStop(cmd, filepath.Join(t.TempDir(), "missing.pid"), 0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(out.String(), "no background worker") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
