package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sendgate/sendgate/internal/experiment"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	content := `
server:
  hostname: "send.test.com"

api:
  listen_addr: ":9080"
  api_key: "test-api-key"

storage:
  path: "/tmp/test.db"
  ledger_path: "/tmp/ledger.db"
  flush_interval: 5s

scheduler:
  batch_size: 25
  poll_interval: 2s
  concurrency: 2
  retry_backoff: 30s

warmup:
  schedule: "30 2 * * *"
  graduation_ratio: 0.9

experiment:
  score_weights:
    open_rate:
      open: 0.5
      click: 0.3
      reply: 0.2
      unsubscribe: 0.4
      bounce: 0.4

logging:
  level: "debug"
  format: "text"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Hostname != "send.test.com" {
		t.Errorf("Hostname = %v, want send.test.com", cfg.Server.Hostname)
	}
	if cfg.API.ListenAddr != ":9080" || cfg.API.APIKey != "test-api-key" {
		t.Errorf("API = %+v", cfg.API)
	}
	if cfg.Storage.Path != "/tmp/test.db" || cfg.Storage.FlushInterval != 5*time.Second {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Scheduler.BatchSize != 25 || cfg.Scheduler.RetryBackoff != 30*time.Second {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Warmup.Schedule != "30 2 * * *" || cfg.Warmup.GraduationRatio != 0.9 {
		t.Errorf("Warmup = %+v", cfg.Warmup)
	}
	w, ok := cfg.Experiment.ScoreWeights[experiment.CriterionOpenRate]
	if !ok || w.Open != 0.5 {
		t.Errorf("ScoreWeights = %+v", cfg.Experiment.ScoreWeights)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %v, want :8080", cfg.API.ListenAddr)
	}
	if cfg.Scheduler.BatchSize != 50 || cfg.Scheduler.PollInterval != 5*time.Second {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Warmup.GraduationRatio != 0.8 || cfg.Warmup.Schedule == "" {
		t.Errorf("Warmup = %+v", cfg.Warmup)
	}
	if cfg.Metrics.ListenAddr != ":9090" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad log level", "logging:\n  level: verbose\n"},
		{"bad graduation ratio", "warmup:\n  graduation_ratio: 1.5\n"},
		{"unknown criterion", "experiment:\n  score_weights:\n    best_rate:\n      open: 1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
