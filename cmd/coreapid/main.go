// Command coreapid runs the end-to-end-encrypted messenger core as a
// long-lived daemon: it wires storage, the ratchet session adapter,
// transport, the receive/send pipelines, and the periodic orchestrator
// together, then serves a read-only admin HTTP surface until signaled to
// stop. Grounded on the teacher's cmd/mesh-api/main.go and cmd/relay/main.go
// shape: flag-parsed startup, a banner, then block on SIGINT/SIGTERM for
// graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/zentalk/core/internal/adminapi"
	"github.com/zentalk/core/internal/announce"
	"github.com/zentalk/core/internal/config"
	"github.com/zentalk/core/internal/corelog"
	"github.com/zentalk/core/internal/discussion"
	"github.com/zentalk/core/internal/events"
	"github.com/zentalk/core/internal/identity"
	"github.com/zentalk/core/internal/model"
	"github.com/zentalk/core/internal/orchestrator"
	"github.com/zentalk/core/internal/ratchet"
	"github.com/zentalk/core/internal/receiver"
	"github.com/zentalk/core/internal/sender"
	"github.com/zentalk/core/internal/sessionadapter"
	"github.com/zentalk/core/internal/sessionrefresh"
	"github.com/zentalk/core/internal/store"
	"github.com/zentalk/core/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to a JSON config file (protocol.baseUrl is required)")
	dataDir := flag.String("data", "./zentalk-data", "Data directory for the sqlite store and identity key")
	baseURL := flag.String("board-url", "", "Message board base URL (overrides config file)")
	flag.Parse()

	fmt.Println("zentalk core daemon")
	fmt.Println("====================")

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *baseURL != "" {
		cfg.Protocol.BaseURL = *baseURL
	}
	if cfg.Protocol.BaseURL == "" {
		log.Fatal("protocol.baseUrl must be set via -config or -board-url")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("creating data directory: %v", err)
	}

	id, err := identity.LoadOrGenerate(filepath.Join(cfg.DataDir, "identity.key"))
	if err != nil {
		log.Fatalf("loading identity: %v", err)
	}
	fmt.Printf("identity: %s\n", id.Owner)

	st, err := store.Open(filepath.Join(cfg.DataDir, "core.db"))
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	logger := corelog.New("core", cfg.Debug)

	manager, err := ratchet.NewManager(ratchet.WithIdentityKeyPair(id.Private, id.Public))
	if err != nil {
		log.Fatalf("creating ratchet manager: %v", err)
	}
	adapter, err := sessionadapter.New(manager, st.SessionStoreFor(id.Owner))
	if err != nil {
		log.Fatalf("restoring sessions: %v", err)
	}

	machine := discussion.New(st, id.Owner, cfg.Announcements.BrokenThresholdMs)

	dispatch := events.NewDispatcher(64, func(evt events.Event) {
		logger.Infof("event: %s peer=%s row=%d", evt.Kind, evt.Peer, evt.RowID)
	})
	defer dispatch.Close()

	transportClient := transport.New(transport.Config{
		BaseURL:       cfg.Protocol.BaseURL,
		Timeout:       cfg.Protocol.Timeout(),
		RetryAttempts: cfg.Protocol.RetryAttempts,
	})

	recv := receiver.New(id.Owner, adapter, fetchAdapter{transportClient}, st, machine, dispatch, logger, receiver.Config{
		FetchDelay:            cfg.Messages.FetchDelay(),
		MaxFetchIterations:    cfg.Messages.MaxFetchIterations,
		DeduplicationWindowMs: cfg.Messages.DeduplicationWindowMs,
	})

	pipeline := sender.New(id.Owner, adapter, transportClient, st, machine, dispatch, logger, sender.Config{
		RetryDelay: cfg.Messages.RetryDelay(),
	})

	poller := announce.New(id.Owner, adapter, transportClient, st, machine, logger, announce.Config{
		FetchLimit: cfg.Announcements.FetchLimit,
	})

	refresher := sessionrefresh.New(id.Owner, adapter, st, logger, sessionrefresh.Config{
		KilledRetryDelay:    cfg.SessionRecovery.KilledRetryDelay(),
		Jitter:              cfg.SessionRecovery.Jitter(),
		SaturatedRetryDelay: cfg.SessionRecovery.SaturatedRetryDelay(),
	})

	orch := orchestrator.New(id.Owner, recv, poller, refresher, resendAdapter{pipeline}, logger, orchestrator.Config{
		Enabled:                cfg.Polling.Enabled,
		MessagesInterval:       cfg.Polling.MessagesInterval(),
		AnnouncementsInterval:  cfg.Polling.AnnouncementsInterval(),
		SessionRefreshInterval: cfg.Polling.SessionRefreshInterval(),
		ResendFailedInterval:   cfg.Polling.ResendFailedInterval(),
	})
	orch.Start()
	defer orch.Stop()

	var adminServer *adminapi.Server
	adminCtx, adminCancel := context.WithCancel(context.Background())
	defer adminCancel()
	if cfg.AdminAPI.Enabled {
		adminServer = adminapi.NewServer(id.Owner, st, adapter, logger, adminapi.Config{
			Port:       cfg.AdminAPI.Port,
			EnableCORS: cfg.AdminAPI.EnableCORS,
			RateLimit:  cfg.AdminAPI.RateLimit,
		})
		go func() {
			if err := adminServer.Start(adminCtx); err != nil {
				logger.Warnf("adminapi: %v", err)
			}
		}()
		fmt.Printf("admin api listening on :%d\n", cfg.AdminAPI.Port)
	}

	fmt.Println("daemon ready, polling enabled:", cfg.Polling.Enabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down...")
	adminCancel()
	orch.Stop()
	if adminServer != nil {
		if err := adminServer.Stop(); err != nil {
			logger.Warnf("adminapi shutdown: %v", err)
		}
	}
}

// fetchAdapter adapts transport.Client's []transport.Slot return shape to
// receiver.Transport's []receiver.Ciphertext, the two being structurally
// identical but nominally distinct types across package boundaries.
type fetchAdapter struct {
	client *transport.Client
}

func (f fetchAdapter) Fetch(seekers []model.Seeker) ([]receiver.Ciphertext, error) {
	slots, err := f.client.Fetch(seekers)
	if err != nil {
		return nil, err
	}
	out := make([]receiver.Ciphertext, len(slots))
	for i, s := range slots {
		out[i] = receiver.Ciphertext{Seeker: s.Seeker, Ciphertext: s.Ciphertext}
	}
	return out, nil
}

// resendAdapter narrows *sender.Pipeline to orchestrator.Resender.
type resendAdapter struct {
	pipeline *sender.Pipeline
}

func (r resendAdapter) ResendFailed() { r.pipeline.ResendFailed() }
