// Package discussion implements the discussion state machine of
// spec.md §4.3: it reconciles a Discussion's persisted status with the
// ratchet session's status and decides the side effects (post an
// announcement, drain a queue, mark broken) that follow each trigger.
package discussion

import (
	"fmt"
	"time"

	"github.com/zentalk/core/internal/model"
	"github.com/zentalk/core/internal/store"
)

// Store is the subset of *store.Store the state machine needs, kept
// narrow so tests can substitute a fake.
type Store interface {
	GetDiscussion(owner, peer model.UserId) (store.Discussion, error)
	UpsertDiscussion(d store.Discussion) error
	UpdateMessageStatus(rowID int64, status model.MessageStatus) error
}

// Machine drives discussion transitions for one local identity.
type Machine struct {
	store              Store
	owner              model.UserId
	brokenThresholdMs  int64
}

// New returns a Machine scoped to one local identity.
func New(s Store, owner model.UserId, brokenThresholdMs int64) *Machine {
	return &Machine{store: s, owner: owner, brokenThresholdMs: brokenThresholdMs}
}

// OnLocalInitiate records a new INITIATED discussion the instant the
// local user starts a conversation, before the announcement has even
// been posted. The caller posts the announcement afterward and calls
// OnAnnouncementResult with the outcome.
func (m *Machine) OnLocalInitiate(peer model.UserId, now time.Time) error {
	return m.store.UpsertDiscussion(store.Discussion{
		Owner:      m.owner,
		Peer:       peer,
		Direction:  model.DirectionInitiated,
		Status:     model.DiscussionPending,
		WeAccepted: true,
		UpdatedAt:  now,
	})
}

// OnAnnouncementReceived records a new RECEIVED discussion the instant
// an announcement arrives, surfaced to the UI for consent before it can
// become ACTIVE.
func (m *Machine) OnAnnouncementReceived(peer model.UserId, now time.Time) error {
	d, err := m.store.GetDiscussion(m.owner, peer)
	if err == nil {
		// Already known (e.g. a stale re-announcement); leave status as-is.
		_ = d
		return nil
	}
	if err != store.ErrNotFound {
		return fmt.Errorf("discussion: reading existing discussion: %w", err)
	}
	return m.store.UpsertDiscussion(store.Discussion{
		Owner:      m.owner,
		Peer:       peer,
		Direction:  model.DirectionReceived,
		Status:     model.DiscussionPending,
		WeAccepted: false,
		UpdatedAt:  now,
	})
}

// OnUserAccepts moves a PENDING(RECEIVED) discussion to ACTIVE once the
// local user consents and the ratchet has accepted the peer offer. The
// caller is responsible for calling Adapter.AcceptPeerOffer first and
// for draining the WAITING_SESSION queue afterward.
func (m *Machine) OnUserAccepts(peer model.UserId, now time.Time) error {
	d, err := m.store.GetDiscussion(m.owner, peer)
	if err != nil {
		return fmt.Errorf("discussion: loading discussion: %w", err)
	}
	d.WeAccepted = true
	d.Status = model.DiscussionActive
	d.UpdatedAt = now
	return m.store.UpsertDiscussion(d)
}

// OnSessionActive reacts to the ratchet reporting Active for peer
// (either because we initiated and the peer replied, or because we
// accepted their offer), moving the discussion to ACTIVE so the sender
// pipeline treats it as stable.
func (m *Machine) OnSessionActive(peer model.UserId, now time.Time) error {
	d, err := m.store.GetDiscussion(m.owner, peer)
	if err != nil {
		return fmt.Errorf("discussion: loading discussion: %w", err)
	}
	if d.Status == model.DiscussionActive {
		return nil
	}
	d.Status = model.DiscussionActive
	d.UpdatedAt = now
	return m.store.UpsertDiscussion(d)
}

// OnAnnouncementResult records the outcome of posting (or re-posting) an
// announcement for a PENDING discussion. Resolves the open question of
// spec.md §9: the threshold is measured at the start of this retry
// attempt, against the updatedAt the previous attempt wrote — never
// against a value computed before that write landed.
func (m *Machine) OnAnnouncementResult(peer model.UserId, ok bool, now time.Time) error {
	d, err := m.store.GetDiscussion(m.owner, peer)
	if err != nil {
		return fmt.Errorf("discussion: loading discussion: %w", err)
	}
	if ok {
		d.Status = model.DiscussionPending
		d.UpdatedAt = now
		return m.store.UpsertDiscussion(d)
	}
	d.Status = m.evaluateAnnouncementRetry(d, now)
	d.UpdatedAt = now
	return m.store.UpsertDiscussion(d)
}

// evaluateAnnouncementRetry implements spec.md §9's resolved open
// question: BROKEN if this retry attempt starts more than
// brokenThresholdMs after the updatedAt the previous attempt recorded,
// SEND_FAILED otherwise (left for the next orchestrator cycle to retry).
func (m *Machine) evaluateAnnouncementRetry(d store.Discussion, now time.Time) model.DiscussionStatus {
	elapsed := now.Sub(d.UpdatedAt).Milliseconds()
	if elapsed > m.brokenThresholdMs {
		return model.DiscussionBroken
	}
	return model.DiscussionSendFailed
}

// EncryptOutcome classifies why an Encrypt call failed, mirroring the
// ratchet status the adapter observed. Transient statuses schedule
// session renewal without marking the discussion BROKEN; only an
// unrecoverable crypto failure does.
type EncryptOutcome int

const (
	EncryptOK EncryptOutcome = iota
	EncryptKilled
	EncryptSaturated
	EncryptUnrecoverable
)

// OnEncryptFailure resolves spec.md §9's second open question: Killed
// and Saturated are transient (renewal is triggered elsewhere, by the
// orchestrator's session-refresh task observing the ratchet status
// directly); only EncryptUnrecoverable marks the discussion BROKEN and
// fails the message that triggered it.
func (m *Machine) OnEncryptFailure(peer model.UserId, failedMessageRowID int64, outcome EncryptOutcome, now time.Time) error {
	if outcome != EncryptUnrecoverable {
		return nil
	}
	if err := m.store.UpdateMessageStatus(failedMessageRowID, model.MessageFailed); err != nil {
		return fmt.Errorf("discussion: marking message failed: %w", err)
	}
	d, err := m.store.GetDiscussion(m.owner, peer)
	if err != nil {
		return fmt.Errorf("discussion: loading discussion: %w", err)
	}
	d.Status = model.DiscussionBroken
	d.UpdatedAt = now
	return m.store.UpsertDiscussion(d)
}

// IsStable reports spec.md §4.3's "stable state": ACTIVE discussion
// status combined with an Active ratchet session, the only combination
// in which outgoing messages bypass the WAITING_SESSION queue.
func IsStable(discussionStatus model.DiscussionStatus, sessionStatus model.SessionStatus) bool {
	return discussionStatus == model.DiscussionActive && sessionStatus == model.SessionActive
}

// RecordLastMessage denormalizes the newest message's summary fields
// onto the discussion row, called by both the sender (on an admit that
// sends at once, and when a queued or failed message is transmitted) and
// the receiver (on store) so invariant 6 (lastMessage* tracks the newest
// message by timestamp) holds without a join on every discussion list.
func (m *Machine) RecordLastMessage(peer model.UserId, id model.MessageId, content string, timestamp time.Time) error {
	d, err := m.store.GetDiscussion(m.owner, peer)
	if err != nil {
		return fmt.Errorf("discussion: loading discussion: %w", err)
	}
	if d.HasLastMessage && !timestamp.After(d.LastMessageAt) {
		return nil
	}
	d.HasLastMessage = true
	d.LastMessageID = id
	d.LastMessageContent = content
	d.LastMessageAt = timestamp
	return m.store.UpsertDiscussion(d)
}

// RecordSync updates a discussion's lastSyncTimestamp, called by the
// receiver after storing a decrypted message (spec.md §4.4.2 step 4) to
// mark when this discussion last received data from a fetch cycle.
func (m *Machine) RecordSync(peer model.UserId, syncedAt time.Time) error {
	d, err := m.store.GetDiscussion(m.owner, peer)
	if err != nil {
		return fmt.Errorf("discussion: loading discussion: %w", err)
	}
	d.HasLastSync = true
	d.LastSyncAt = syncedAt
	return m.store.UpsertDiscussion(d)
}
