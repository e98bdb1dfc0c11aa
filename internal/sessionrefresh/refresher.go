// Package sessionrefresh drives spec.md §4.6's session-refresh periodic
// task: draining ratchet.Manager.Refresh for Killed/Saturated
// transitions and re-establishing those sessions after the configured
// backoff, grounded on the teacher's pkg/network/reconnect.go pattern of
// a delay-then-retry loop separate from the condition that triggered it.
package sessionrefresh

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/zentalk/core/internal/model"
	"github.com/zentalk/core/internal/ratchet"
	"github.com/zentalk/core/internal/store"
)

// Logger is the minimal logging surface the refresher depends on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Adapter is the narrow ratchet surface the refresher needs.
type Adapter interface {
	Refresh(now time.Time) []ratchet.Event
	EstablishOutgoing(peer, us model.UserId, peerPublicKey [32]byte) (ratchet.Announcement, error)
}

// Store is the narrow persistence surface the refresher needs.
type Store interface {
	GetContact(owner, peer model.UserId) (store.Contact, error)
	EnqueuePendingAnnouncement(owner, peer model.UserId, announcement []byte, now time.Time) (int64, error)
}

// Config mirrors spec.md §6's `sessionRecovery` section.
type Config struct {
	KilledRetryDelay    time.Duration
	Jitter              time.Duration
	SaturatedRetryDelay time.Duration
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		KilledRetryDelay:    15 * time.Minute,
		Jitter:              2 * time.Minute,
		SaturatedRetryDelay: 5 * time.Minute,
	}
}

// Refresher implements orchestrator.SessionRefresher.
type Refresher struct {
	owner   model.UserId
	adapter Adapter
	store   Store
	log     Logger
	cfg     Config

	mu        sync.Mutex
	nextRetry map[model.UserId]time.Time
	jitter    func(max time.Duration) time.Duration
}

// New constructs a Refresher.
func New(owner model.UserId, adapter Adapter, st Store, log Logger, cfg Config) *Refresher {
	return &Refresher{
		owner:     owner,
		adapter:   adapter,
		store:     st,
		log:       log,
		cfg:       cfg,
		nextRetry: make(map[model.UserId]time.Time),
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// WithJitter overrides the jitter function, for deterministic tests.
func (r *Refresher) WithJitter(fn func(max time.Duration) time.Duration) { r.jitter = fn }

// RefreshOnce drains the ratchet's Killed/Saturated transitions,
// schedules a backoff-and-jitter retry for each, and re-establishes any
// session whose retry time has arrived.
func (r *Refresher) RefreshOnce(now time.Time) error {
	r.mu.Lock()
	for _, ev := range r.adapter.Refresh(now) {
		switch ev.To {
		case model.SessionKilled:
			r.nextRetry[ev.Peer] = now.Add(r.cfg.KilledRetryDelay).Add(r.jitter(r.cfg.Jitter))
		case model.SessionSaturated:
			r.nextRetry[ev.Peer] = now.Add(r.cfg.SaturatedRetryDelay).Add(r.jitter(r.cfg.Jitter))
		}
	}

	due := make([]model.UserId, 0)
	for peer, at := range r.nextRetry {
		if !now.Before(at) {
			due = append(due, peer)
		}
	}
	r.mu.Unlock()

	for _, peer := range due {
		if err := r.attemptRenewal(peer, now); err != nil {
			r.log.Warnf("sessionrefresh: renewing %s: %v", peer, err)
			r.mu.Lock()
			r.nextRetry[peer] = now.Add(r.cfg.KilledRetryDelay).Add(r.jitter(r.cfg.Jitter))
			r.mu.Unlock()
			continue
		}
		r.mu.Lock()
		delete(r.nextRetry, peer)
		r.mu.Unlock()
	}
	return nil
}

func (r *Refresher) attemptRenewal(peer model.UserId, now time.Time) error {
	contact, err := r.store.GetContact(r.owner, peer)
	if err != nil {
		return fmt.Errorf("loading contact: %w", err)
	}
	if !contact.HasPublicKey {
		return fmt.Errorf("no cached public key for %s", peer)
	}

	ann, err := r.adapter.EstablishOutgoing(peer, r.owner, contact.PublicKey)
	if err != nil {
		return fmt.Errorf("re-establishing session: %w", err)
	}
	if _, err := r.store.EnqueuePendingAnnouncement(r.owner, peer, ann.Encode(), now); err != nil {
		return fmt.Errorf("queuing renewal announcement: %w", err)
	}
	r.log.Debugf("sessionrefresh: re-established session with %s", peer)
	return nil
}
