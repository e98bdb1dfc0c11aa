// Package orchestrator drives the four periodic tasks of spec.md §4.6
// on independent, configurable intervals, grounded on the teacher's
// pkg/network/reconnect.go keepaliveLoop: a time.Ticker paired with a
// running-flag check at each suspension point.
package orchestrator

import (
	"sync"
	"time"

	"github.com/zentalk/core/internal/model"
)

// Logger is the minimal logging surface the orchestrator depends on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Receiver is the fetch-loop surface the messages task drives.
type Receiver interface {
	Run() (int, error)
}

// AnnouncementPoller drives the announcements task: pulling new
// announcements from the board and turning them into PENDING (RECEIVED)
// discussions.
type AnnouncementPoller interface {
	PollOnce() error
}

// SessionRefresher drives the session keep-alive / refresh task.
type SessionRefresher interface {
	RefreshOnce(now time.Time) error
}

// Resender drives the resend-failed task.
type Resender interface {
	ResendFailed()
}

// Config mirrors spec.md §6's `polling` section.
type Config struct {
	Enabled                bool
	MessagesInterval       time.Duration
	AnnouncementsInterval  time.Duration
	SessionRefreshInterval time.Duration
	ResendFailedInterval   time.Duration
}

// DefaultConfig matches spec.md §6's documented defaults. Polling is
// disabled by default so test harnesses opt in explicitly.
func DefaultConfig() Config {
	return Config{
		Enabled:                false,
		MessagesInterval:       5 * time.Second,
		AnnouncementsInterval:  10 * time.Second,
		SessionRefreshInterval: 30 * time.Second,
		ResendFailedInterval:   3 * time.Second,
	}
}

// Orchestrator owns the four periodic tasks for one local identity.
type Orchestrator struct {
	owner    model.UserId
	receiver Receiver
	announce AnnouncementPoller
	refresh  SessionRefresher
	resend   Resender
	log      Logger
	cfg      Config

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
}

// New constructs an Orchestrator. Any of receiver/announce/refresh/resend
// may be nil, in which case that task is never scheduled — useful for
// test harnesses that only want to exercise a subset.
func New(owner model.UserId, receiver Receiver, announce AnnouncementPoller, refresh SessionRefresher, resend Resender, log Logger, cfg Config) *Orchestrator {
	return &Orchestrator{owner: owner, receiver: receiver, announce: announce, refresh: refresh, resend: resend, log: log, cfg: cfg, now: time.Now}
}

// Start launches the four periodic tasks as separate goroutines, each
// ticking on its own configured interval. It is a no-op if cfg.Enabled
// is false (the polling.enabled=false kill switch of spec.md §4.6) or if
// the orchestrator is already running.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.cfg.Enabled || o.running {
		return
	}
	o.running = true
	o.stop = make(chan struct{})

	if o.receiver != nil {
		o.spawn(o.cfg.MessagesInterval, func() {
			if _, err := o.receiver.Run(); err != nil {
				o.log.Warnf("orchestrator: messages task: %v", err)
			}
		})
	}
	if o.announce != nil {
		o.spawn(o.cfg.AnnouncementsInterval, func() {
			if err := o.announce.PollOnce(); err != nil {
				o.log.Warnf("orchestrator: announcements task: %v", err)
			}
		})
	}
	if o.refresh != nil {
		o.spawn(o.cfg.SessionRefreshInterval, func() {
			if err := o.refresh.RefreshOnce(o.now()); err != nil {
				o.log.Warnf("orchestrator: session-refresh task: %v", err)
			}
		})
	}
	if o.resend != nil {
		o.spawn(o.cfg.ResendFailedInterval, func() {
			o.resend.ResendFailed()
		})
	}
}

// spawn runs fn on a ticker until stop is closed. Each task run is
// expected to internally serialize with the store's global write lock
// (spec.md §5); the orchestrator itself only owns scheduling.
func (o *Orchestrator) spawn(interval time.Duration, fn func()) {
	o.wg.Add(1)
	stop := o.stop
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// Stop halts all running tasks and waits for their current iteration to
// finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stop)
	o.mu.Unlock()
	o.wg.Wait()
}
