package discussion

import (
	"testing"
	"time"

	"github.com/zentalk/core/internal/model"
	"github.com/zentalk/core/internal/store"
)

type fakeStore struct {
	discussions map[model.UserId]store.Discussion
	failed      map[int64]model.MessageStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{discussions: map[model.UserId]store.Discussion{}, failed: map[int64]model.MessageStatus{}}
}

func (f *fakeStore) GetDiscussion(owner, peer model.UserId) (store.Discussion, error) {
	d, ok := f.discussions[peer]
	if !ok {
		return store.Discussion{}, store.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) UpsertDiscussion(d store.Discussion) error {
	f.discussions[d.Peer] = d
	return nil
}

func (f *fakeStore) UpdateMessageStatus(rowID int64, status model.MessageStatus) error {
	f.failed[rowID] = status
	return nil
}

func testPeer(b byte) model.UserId {
	var u model.UserId
	u[0] = b
	return u
}

func TestOnLocalInitiateCreatesPendingInitiated(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, testPeer(0), 3600000)
	peer := testPeer(1)

	if err := m.OnLocalInitiate(peer, time.Unix(100, 0)); err != nil {
		t.Fatalf("OnLocalInitiate: %v", err)
	}
	d := fs.discussions[peer]
	if d.Status != model.DiscussionPending || d.Direction != model.DirectionInitiated || !d.WeAccepted {
		t.Fatalf("unexpected discussion: %+v", d)
	}
}

func TestOnAnnouncementReceivedCreatesPendingNotAccepted(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, testPeer(0), 3600000)
	peer := testPeer(1)

	if err := m.OnAnnouncementReceived(peer, time.Unix(100, 0)); err != nil {
		t.Fatalf("OnAnnouncementReceived: %v", err)
	}
	d := fs.discussions[peer]
	if d.Status != model.DiscussionPending || d.Direction != model.DirectionReceived || d.WeAccepted {
		t.Fatalf("unexpected discussion: %+v", d)
	}

	// A duplicate announcement for an already-known discussion is a no-op.
	if err := m.OnAnnouncementReceived(peer, time.Unix(200, 0)); err != nil {
		t.Fatalf("OnAnnouncementReceived duplicate: %v", err)
	}
	if fs.discussions[peer].UpdatedAt.Unix() != 100 {
		t.Fatalf("duplicate announcement should not touch updatedAt")
	}
}

func TestOnUserAcceptsMarksActive(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, testPeer(0), 3600000)
	peer := testPeer(1)
	_ = m.OnAnnouncementReceived(peer, time.Unix(1, 0))

	if err := m.OnUserAccepts(peer, time.Unix(2, 0)); err != nil {
		t.Fatalf("OnUserAccepts: %v", err)
	}
	d := fs.discussions[peer]
	if d.Status != model.DiscussionActive || !d.WeAccepted {
		t.Fatalf("unexpected discussion: %+v", d)
	}
}

func TestAnnouncementRetryWithinThresholdIsSendFailed(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, testPeer(0), 3600000) // 1 hour
	peer := testPeer(1)
	_ = m.OnLocalInitiate(peer, time.Unix(1000, 0))

	if err := m.OnAnnouncementResult(peer, false, time.Unix(1500, 0)); err != nil {
		t.Fatalf("OnAnnouncementResult: %v", err)
	}
	if got := fs.discussions[peer].Status; got != model.DiscussionSendFailed {
		t.Fatalf("status = %v, want SEND_FAILED", got)
	}
}

func TestAnnouncementRetryPastThresholdIsBroken(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, testPeer(0), 1000) // 1 second
	peer := testPeer(1)
	_ = m.OnLocalInitiate(peer, time.Unix(1000, 0))

	if err := m.OnAnnouncementResult(peer, false, time.Unix(1003, 0)); err != nil {
		t.Fatalf("OnAnnouncementResult: %v", err)
	}
	if got := fs.discussions[peer].Status; got != model.DiscussionBroken {
		t.Fatalf("status = %v, want BROKEN", got)
	}
}

func TestAnnouncementRetryThresholdMeasuredAgainstPreviousAttempt(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, testPeer(0), 1000)
	peer := testPeer(1)
	_ = m.OnLocalInitiate(peer, time.Unix(1000, 0))

	// First failed retry at t=1003 marks BROKEN and writes updatedAt=1003.
	_ = m.OnAnnouncementResult(peer, false, time.Unix(1003, 0))
	if fs.discussions[peer].Status != model.DiscussionBroken {
		t.Fatalf("expected BROKEN after first retry")
	}

	// A later success resets to PENDING with a fresh updatedAt.
	_ = m.OnAnnouncementResult(peer, true, time.Unix(1004, 0))
	if fs.discussions[peer].Status != model.DiscussionPending {
		t.Fatalf("expected PENDING after successful repost")
	}

	// The next retry's threshold must be measured against 1004, not 1000.
	// 0.5ms after 1004 is within the 1s threshold (4s after 1000 would not be).
	_ = m.OnAnnouncementResult(peer, false, time.Unix(1004, 500*1000))
	if got := fs.discussions[peer].Status; got != model.DiscussionSendFailed {
		t.Fatalf("status = %v, want SEND_FAILED (threshold measured against 1004)", got)
	}
}

func TestOnEncryptFailureTransientDoesNotBreakDiscussion(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, testPeer(0), 3600000)
	peer := testPeer(1)
	_ = m.OnLocalInitiate(peer, time.Unix(1, 0))
	_ = m.OnSessionActive(peer, time.Unix(2, 0))

	if err := m.OnEncryptFailure(peer, 42, EncryptSaturated, time.Unix(3, 0)); err != nil {
		t.Fatalf("OnEncryptFailure: %v", err)
	}
	if fs.discussions[peer].Status != model.DiscussionActive {
		t.Fatalf("transient encrypt failure must not change discussion status")
	}
	if _, marked := fs.failed[42]; marked {
		t.Fatalf("transient encrypt failure must not mark the message failed")
	}
}

func TestOnEncryptFailureUnrecoverableBreaksDiscussion(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, testPeer(0), 3600000)
	peer := testPeer(1)
	_ = m.OnLocalInitiate(peer, time.Unix(1, 0))
	_ = m.OnSessionActive(peer, time.Unix(2, 0))

	if err := m.OnEncryptFailure(peer, 42, EncryptUnrecoverable, time.Unix(3, 0)); err != nil {
		t.Fatalf("OnEncryptFailure: %v", err)
	}
	if fs.discussions[peer].Status != model.DiscussionBroken {
		t.Fatalf("unrecoverable encrypt failure must mark discussion BROKEN")
	}
	if fs.failed[42] != model.MessageFailed {
		t.Fatalf("unrecoverable encrypt failure must mark the message FAILED")
	}
}

func TestIsStable(t *testing.T) {
	if !IsStable(model.DiscussionActive, model.SessionActive) {
		t.Fatalf("ACTIVE discussion + Active session should be stable")
	}
	if IsStable(model.DiscussionActive, model.SessionSaturated) {
		t.Fatalf("Saturated session should not be stable")
	}
	if IsStable(model.DiscussionPending, model.SessionActive) {
		t.Fatalf("PENDING discussion should not be stable")
	}
}

func TestRecordLastMessageOnlyAdvancesForward(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, testPeer(0), 3600000)
	peer := testPeer(1)
	_ = m.OnLocalInitiate(peer, time.Unix(1, 0))

	id1 := model.MessageId{1}
	if err := m.RecordLastMessage(peer, id1, "hi", time.Unix(100, 0)); err != nil {
		t.Fatalf("RecordLastMessage: %v", err)
	}
	if fs.discussions[peer].LastMessageContent != "hi" {
		t.Fatalf("expected lastMessage to be recorded")
	}

	// An older message must not overwrite the newer one.
	id0 := model.MessageId{0}
	if err := m.RecordLastMessage(peer, id0, "stale", time.Unix(50, 0)); err != nil {
		t.Fatalf("RecordLastMessage stale: %v", err)
	}
	if fs.discussions[peer].LastMessageContent != "hi" {
		t.Fatalf("stale message must not overwrite newer lastMessage")
	}
}

func TestRecordSync(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, testPeer(0), 3600000)
	peer := testPeer(1)
	_ = m.OnLocalInitiate(peer, time.Unix(1, 0))

	if fs.discussions[peer].HasLastSync {
		t.Fatalf("lastSyncTimestamp must be unset before any sync")
	}
	if err := m.RecordSync(peer, time.Unix(500, 0)); err != nil {
		t.Fatalf("RecordSync: %v", err)
	}
	if !fs.discussions[peer].HasLastSync || fs.discussions[peer].LastSyncAt.Unix() != 500 {
		t.Fatalf("expected lastSyncTimestamp recorded, got %+v", fs.discussions[peer])
	}
}
