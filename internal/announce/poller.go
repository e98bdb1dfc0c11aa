// Package announce drains and feeds the message board's announcement
// channel: posting locally-initiated announcements that still need to
// reach the board, and turning newly-fetched announcements into PENDING
// discussions or accepted offers. Each polling tick posts outbound
// announcements first and then fetches inbound ones; draining both
// directions inside one tick is grounded on the teacher's
// pkg/network/session_manager.go.
package announce

import (
	"fmt"
	"time"

	"github.com/zentalk/core/internal/discussion"
	"github.com/zentalk/core/internal/model"
	"github.com/zentalk/core/internal/ratchet"
	"github.com/zentalk/core/internal/store"
	"github.com/zentalk/core/internal/transport"
)

// Logger is the minimal logging surface the poller depends on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Adapter is the narrow ratchet surface the poller needs.
type Adapter interface {
	FeedIncomingAnnouncement(us model.UserId, data []byte) (*ratchet.PeerOffer, error)
}

// Transport is the narrow message-board surface the poller needs.
type Transport interface {
	PostAnnouncement(announcement []byte) (string, error)
	FetchAnnouncements(cursor string, limit int) ([]transport.AnnouncementRecord, error)
}

// Store is the narrow persistence surface the poller needs.
type Store interface {
	ListPendingAnnouncements(owner model.UserId) ([]store.PendingAnnouncement, error)
	DeletePendingAnnouncement(rowID int64) error
	GetAnnouncementCursor(owner model.UserId) (string, error)
	SetAnnouncementCursor(owner model.UserId, cursor string) error
}

// Config mirrors spec.md §6's `announcements` section.
type Config struct {
	FetchLimit int
}

// DefaultConfig matches spec.md §6's documented default.
func DefaultConfig() Config {
	return Config{FetchLimit: 500}
}

// Poller implements orchestrator.AnnouncementPoller.
type Poller struct {
	owner    model.UserId
	adapter  Adapter
	transport Transport
	store    Store
	machine  *discussion.Machine
	log      Logger
	cfg      Config
	now      func() time.Time
}

// New constructs a Poller.
func New(owner model.UserId, adapter Adapter, transport Transport, st Store, machine *discussion.Machine, log Logger, cfg Config) *Poller {
	return &Poller{owner: owner, adapter: adapter, transport: transport, store: st, machine: machine, log: log, cfg: cfg, now: time.Now}
}

// WithClock overrides the poller's clock, for deterministic tests.
func (p *Poller) WithClock(fn func() time.Time) { p.now = fn }

// PollOnce posts any still-pending outgoing announcements, then fetches
// and processes every new announcement since the last cursor.
func (p *Poller) PollOnce() error {
	if err := p.postPending(); err != nil {
		return err
	}
	return p.fetchNew()
}

func (p *Poller) postPending() error {
	pending, err := p.store.ListPendingAnnouncements(p.owner)
	if err != nil {
		return fmt.Errorf("announce: listing pending: %w", err)
	}

	now := p.now()
	for _, ann := range pending {
		_, err := p.transport.PostAnnouncement(ann.Announcement)
		ok := err == nil
		if mErr := p.machine.OnAnnouncementResult(ann.Peer, ok, now); mErr != nil {
			p.log.Warnf("announce: recording result for %s: %v", ann.Peer, mErr)
		}
		if !ok {
			p.log.Warnf("announce: posting to board for %s: %v", ann.Peer, err)
			continue
		}
		if err := p.store.DeletePendingAnnouncement(ann.RowID); err != nil {
			p.log.Warnf("announce: clearing posted announcement for %s: %v", ann.Peer, err)
		}
	}
	return nil
}

func (p *Poller) fetchNew() error {
	cursor, err := p.store.GetAnnouncementCursor(p.owner)
	if err != nil {
		return fmt.Errorf("announce: loading cursor: %w", err)
	}

	records, err := p.transport.FetchAnnouncements(cursor, p.cfg.FetchLimit)
	if err != nil {
		return fmt.Errorf("announce: fetching: %w", err)
	}

	now := p.now()
	lastCursor := cursor
	for _, rec := range records {
		offer, err := p.adapter.FeedIncomingAnnouncement(p.owner, rec.Announcement)
		if err != nil {
			p.log.Warnf("announce: feeding announcement (counter %s): %v", rec.Counter, err)
		} else if offer != nil {
			if err := p.machine.OnAnnouncementReceived(offer.From, now); err != nil {
				p.log.Warnf("announce: recording received announcement from %s: %v", offer.From, err)
			}
		}
		lastCursor = rec.Counter
	}

	if lastCursor != cursor {
		if err := p.store.SetAnnouncementCursor(p.owner, lastCursor); err != nil {
			return fmt.Errorf("announce: saving cursor: %w", err)
		}
	}
	return nil
}
