package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
usage:
  limits:
    basic: 10
    startup: 100
    enterprise: 1000
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "relaystatus.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.Sync.Overlap != time.Hour || cfg.Schedule.StaleAfter != 30*time.Minute {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Sync, cfg.Schedule)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Schedule.BatchSize != 10 || cfg.Storage.QueueSize != 1024 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Usage.Limits.Startup != 100 {
		t.Fatalf("expected limits from file, got %+v", cfg.Usage.Limits)
	}
}

func TestParseRejectsMissingLimits(t *testing.T) {
	_, err := Parse([]byte("usage:\n  limits:\n    basic: 10\n"))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestParseReadsDurations(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig + "sync:\n  overlap: 90m\nschedule:\n  staleAfter: 1h\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.Sync.Overlap != 90*time.Minute || cfg.Schedule.StaleAfter != time.Hour {
		t.Fatalf("unexpected durations: %s %s", cfg.Sync.Overlap, cfg.Schedule.StaleAfter)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("RELAYSTATUS_ADDR", ":9090")
	t.Setenv("RELAYSTATUS_QUEUE_SIZE", "nope")
	cfg, err := Parse([]byte(minimalConfig + "http:\n  addr: \":7070\"\nstorage:\n  queueSize: 64\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("expected env addr, got %s", cfg.HTTP.Addr)
	}
	if cfg.Storage.QueueSize != 64 {
		t.Fatalf("expected invalid env to fall back to file value, got %d", cfg.Storage.QueueSize)
	}
}

func TestStorageProfiles(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig + "storage:\n  profile: durable-local\n  dataDir: /var/lib/rs\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	dsns, err := cfg.StorageDSNs()
	if err != nil {
		t.Fatalf("dsns failed: %v", err)
	}
	if dsns.State != "file:///var/lib/rs/state.json" || !strings.HasPrefix(dsns.Store, "sqlite://") {
		t.Fatalf("unexpected durable-local dsns: %+v", dsns)
	}

	cfg, err = Parse([]byte(minimalConfig + "storage:\n  profile: memory\n  storeDSN: sqlite:///tmp/x.db\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	dsns, _ = cfg.StorageDSNs()
	if dsns.Queue != "memory://" || dsns.Store != "sqlite:///tmp/x.db" {
		t.Fatalf("expected explicit dsn to win, got %+v", dsns)
	}

	if _, err := Parse([]byte(minimalConfig + "storage:\n  profile: production\n")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected production without dsn to fail, got %v", err)
	}
	if _, err := Parse([]byte(minimalConfig + "storage:\n  profile: floppy\n")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected unknown profile to fail, got %v", err)
	}
}

func TestWatcherReloadsLimits(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalConfig)
	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("new watcher failed: %v", err)
	}
	changed := make(chan int, 1)
	w.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg.Usage.Limits.Basic:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for w.Limits().Basic != 25 {
		writeConfig(t, dir, strings.Replace(minimalConfig, "basic: 10", "basic: 25", 1))
		select {
		case <-changed:
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatalf("expected reload to pick up new limits, still %+v", w.Limits())
		}
	}

	writeConfig(t, dir, "usage: [")
	time.Sleep(100 * time.Millisecond)
	if w.Limits().Basic != 25 {
		t.Fatalf("expected invalid edit to keep previous limits, got %+v", w.Limits())
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("RELAYSTATUS_TEST_INT", "42")
	t.Setenv("RELAYSTATUS_TEST_INT_BAD", "many")
	t.Setenv("RELAYSTATUS_TEST_DURATION", "150ms")
	t.Setenv("RELAYSTATUS_TEST_DURATION_BAD", "soon")
	t.Setenv("RELAYSTATUS_TEST_STRING", "  value  ")

	if got := intEnv("RELAYSTATUS_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if got := intEnv("RELAYSTATUS_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	if got := durationEnv("RELAYSTATUS_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
	if got := durationEnv("RELAYSTATUS_TEST_DURATION_BAD", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
	if got := stringEnv("RELAYSTATUS_TEST_STRING", "x"); got != "value" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	if got := intEnv("RELAYSTATUS_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
}
