package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultMatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Protocol.Timeout() != 10*time.Second {
		t.Fatalf("protocol timeout = %v, want 10s", cfg.Protocol.Timeout())
	}
	if cfg.Polling.Enabled {
		t.Fatalf("polling must default to disabled")
	}
	if cfg.Messages.MaxFetchIterations != 30 {
		t.Fatalf("maxFetchIterations = %d, want 30", cfg.Messages.MaxFetchIterations)
	}
	if cfg.Announcements.FetchLimit != 500 {
		t.Fatalf("fetchLimit = %d, want 500", cfg.Announcements.FetchLimit)
	}
	if cfg.SessionRecovery.KilledRetryDelay() != 15*time.Minute {
		t.Fatalf("killedRetryDelay = %v, want 15m", cfg.SessionRecovery.KilledRetryDelay())
	}
}

func TestLoadOverridesDefaultsAndRequiresBaseURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	partial := map[string]interface{}{
		"protocol": map[string]interface{}{"baseUrl": "https://board.example.com"},
		"polling":  map[string]interface{}{"enabled": true},
	}
	b, _ := json.Marshal(partial)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Protocol.BaseURL != "https://board.example.com" {
		t.Fatalf("baseUrl not loaded")
	}
	if !cfg.Polling.Enabled {
		t.Fatalf("polling.enabled override not applied")
	}
	if cfg.Messages.RetryDelayMs != 5000 {
		t.Fatalf("unset fields must keep their default, got retryDelayMs=%d", cfg.Messages.RetryDelayMs)
	}
}

func TestLoadMissingBaseURLFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing protocol.baseUrl")
	}
}
