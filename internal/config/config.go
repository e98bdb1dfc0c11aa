// Package config assembles the daemon's configuration surface, mirroring
// spec.md §6's sections (protocol, polling, messages, announcements,
// sessionRecovery) as a single loadable struct. Grounded on the
// teacher's cmd/mesh-api/main.go flag assembly, generalized here from
// command-line flags into a JSON file with the same documented
// defaults, since a long-running daemon (rather than a one-shot CLI
// invocation) needs a config surface that survives a restart unchanged.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Protocol mirrors spec.md §6's `protocol` section.
type Protocol struct {
	BaseURL       string        `json:"baseUrl"`
	TimeoutMs     int           `json:"timeoutMs"`
	RetryAttempts int           `json:"retryAttempts"`
}

// Timeout returns the protocol timeout as a time.Duration.
func (p Protocol) Timeout() time.Duration { return time.Duration(p.TimeoutMs) * time.Millisecond }

// Polling mirrors spec.md §6's `polling` section.
type Polling struct {
	Enabled                    bool `json:"enabled"`
	MessagesIntervalMs         int  `json:"messagesIntervalMs"`
	AnnouncementsIntervalMs    int  `json:"announcementsIntervalMs"`
	SessionRefreshIntervalMs   int  `json:"sessionRefreshIntervalMs"`
	ResendFailedIntervalMs     int  `json:"resendFailedIntervalMs"`
}

func (p Polling) MessagesInterval() time.Duration {
	return time.Duration(p.MessagesIntervalMs) * time.Millisecond
}
func (p Polling) AnnouncementsInterval() time.Duration {
	return time.Duration(p.AnnouncementsIntervalMs) * time.Millisecond
}
func (p Polling) SessionRefreshInterval() time.Duration {
	return time.Duration(p.SessionRefreshIntervalMs) * time.Millisecond
}
func (p Polling) ResendFailedInterval() time.Duration {
	return time.Duration(p.ResendFailedIntervalMs) * time.Millisecond
}

// Messages mirrors spec.md §6's `messages` section.
type Messages struct {
	FetchDelayMs           int `json:"fetchDelayMs"`
	MaxFetchIterations     int `json:"maxFetchIterations"`
	DeduplicationWindowMs  int `json:"deduplicationWindowMs"`
	RetryDelayMs           int `json:"retryDelayMs"`
}

func (m Messages) FetchDelay() time.Duration { return time.Duration(m.FetchDelayMs) * time.Millisecond }
func (m Messages) RetryDelay() time.Duration { return time.Duration(m.RetryDelayMs) * time.Millisecond }

// Announcements mirrors spec.md §6's `announcements` section.
type Announcements struct {
	FetchLimit        int   `json:"fetchLimit"`
	BrokenThresholdMs int64 `json:"brokenThresholdMs"`
	RetryDelayMs      int   `json:"retryDelayMs"`
}

func (a Announcements) RetryDelay() time.Duration { return time.Duration(a.RetryDelayMs) * time.Millisecond }

// SessionRecovery mirrors spec.md §6's `sessionRecovery` section.
type SessionRecovery struct {
	KilledRetryDelayMs   int `json:"killedRetryDelayMs"`
	JitterMs             int `json:"jitterMs"`
	SaturatedRetryDelayMs int `json:"saturatedRetryDelayMs"`
}

func (s SessionRecovery) KilledRetryDelay() time.Duration {
	return time.Duration(s.KilledRetryDelayMs) * time.Millisecond
}
func (s SessionRecovery) Jitter() time.Duration { return time.Duration(s.JitterMs) * time.Millisecond }
func (s SessionRecovery) SaturatedRetryDelay() time.Duration {
	return time.Duration(s.SaturatedRetryDelayMs) * time.Millisecond
}

// AdminAPI configures the read-only admin HTTP surface.
type AdminAPI struct {
	Enabled    bool `json:"enabled"`
	Port       int  `json:"port"`
	EnableCORS bool `json:"enableCors"`
	RateLimit  int  `json:"rateLimit"`
}

// Config is the daemon's complete configuration surface.
type Config struct {
	DataDir         string          `json:"dataDir"`
	Debug           bool            `json:"debug"`
	Protocol        Protocol        `json:"protocol"`
	Polling         Polling         `json:"polling"`
	Messages        Messages        `json:"messages"`
	Announcements   Announcements   `json:"announcements"`
	SessionRecovery SessionRecovery `json:"sessionRecovery"`
	AdminAPI        AdminAPI        `json:"adminApi"`
}

// Default returns the configuration with every documented spec default
// filled in, baseUrl left empty for the caller to supply.
func Default() Config {
	return Config{
		DataDir: "./zentalk-data",
		Protocol: Protocol{
			TimeoutMs:     10000,
			RetryAttempts: 3,
		},
		Polling: Polling{
			Enabled:                  false,
			MessagesIntervalMs:       5000,
			AnnouncementsIntervalMs:  10000,
			SessionRefreshIntervalMs: 30000,
			ResendFailedIntervalMs:   3000,
		},
		Messages: Messages{
			FetchDelayMs:          100,
			MaxFetchIterations:    30,
			DeduplicationWindowMs: 30000,
			RetryDelayMs:          5000,
		},
		Announcements: Announcements{
			FetchLimit:        500,
			BrokenThresholdMs: 3600000,
			RetryDelayMs:      15000,
		},
		SessionRecovery: SessionRecovery{
			KilledRetryDelayMs:    900000,
			JitterMs:              120000,
			SaturatedRetryDelayMs: 300000,
		},
		AdminAPI: AdminAPI{
			Enabled:    true,
			Port:       8090,
			EnableCORS: true,
			RateLimit:  120,
		},
	}
}

// Load reads a JSON config file, starting from Default() so any field
// the file omits keeps its documented default.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if cfg.Protocol.BaseURL == "" {
		return cfg, fmt.Errorf("config: protocol.baseUrl is required")
	}
	return cfg, nil
}
