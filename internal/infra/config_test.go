package infra

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Queue.BatchSize != 10 {
		t.Fatalf("expected batch size 10, got %d", cfg.Queue.BatchSize)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Fatalf("expected max retries 3, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Credentials.CacheTTL != 50*time.Minute {
		t.Fatalf("expected 50m cache ttl, got %s", cfg.Credentials.CacheTTL)
	}
	if cfg.Credentials.ExpiryMargin != 2*time.Minute || cfg.Credentials.ResolveTimeout != 30*time.Second {
		t.Fatalf("unexpected credentials margins %+v", cfg.Credentials)
	}
	if cfg.Actions.BusinessHoursStart != 9 || cfg.Actions.BusinessHoursEnd != 18 {
		t.Fatalf("unexpected business hours [%d, %d)", cfg.Actions.BusinessHoursStart, cfg.Actions.BusinessHoursEnd)
	}
	if cfg.Deployment.DefaultAgent != "NOX" {
		t.Fatalf("expected default agent NOX, got %s", cfg.Deployment.DefaultAgent)
	}
	if cfg.Deployment.FreshnessWindow != time.Hour {
		t.Fatalf("expected freshness 1h, got %s", cfg.Deployment.FreshnessWindow)
	}
	if cfg.Inference.HistorySize != 5 {
		t.Fatalf("expected history size 5, got %d", cfg.Inference.HistorySize)
	}
	if cfg.Integrations.TicketsURL != "" || cfg.Integrations.Timeout != 15*time.Second {
		t.Fatalf("integrations are off by default, got %+v", cfg.Integrations)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("QUEUE_BATCH_SIZE", "25")
	t.Setenv("ACTIONS_BUSINESS_HOURS_START", "8")

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Queue.BatchSize != 25 {
		t.Fatalf("expected batch size 25 from env, got %d", cfg.Queue.BatchSize)
	}
	if cfg.Actions.BusinessHoursStart != 8 {
		t.Fatalf("expected business hours start 8 from env, got %d", cfg.Actions.BusinessHoursStart)
	}
}

func TestLoadConfigRejectsInvertedWindow(t *testing.T) {
	t.Setenv("ACTIONS_BUSINESS_HOURS_START", "19")

	if _, err := LoadConfig(nil); err == nil {
		t.Fatal("expected error for inverted business hours window")
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger(LoggerConfig{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"}); err != nil {
		t.Fatalf("build console logger: %v", err)
	}
}
