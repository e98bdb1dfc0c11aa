package ratchet

import (
	"bytes"
	"testing"
	"time"

	"github.com/zentalk/core/internal/model"
)

func newTestUser(b byte) model.UserId {
	var u model.UserId
	u[0] = b
	return u
}

func mustManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestHandshakeThenBidirectionalExchange(t *testing.T) {
	alice := newTestUser(1)
	bob := newTestUser(2)

	mgrAlice := mustManager(t)
	mgrBob := mustManager(t)

	// Alice already has Bob's identity public key cached, as if from his
	// key-bundle announcement (spec.md §3, Contact.peer public keys blob).
	ann, err := mgrAlice.EstablishOutgoing(bob, alice, mgrBob.OwnPublicKey())
	if err != nil {
		t.Fatalf("EstablishOutgoing: %v", err)
	}
	if got := mgrAlice.PeerSessionStatus(bob); got != model.SessionSelfRequested {
		t.Fatalf("alice status = %v, want SelfRequested", got)
	}

	offer, err := mgrBob.FeedIncomingAnnouncement(bob, ann.Encode())
	if err != nil {
		t.Fatalf("FeedIncomingAnnouncement: %v", err)
	}
	if offer == nil || offer.From != alice {
		t.Fatalf("offer = %+v, want From=alice", offer)
	}
	if got := mgrBob.PeerSessionStatus(alice); got != model.SessionPeerRequested {
		t.Fatalf("bob status = %v, want PeerRequested", got)
	}

	if err := mgrBob.AcceptPeerOffer(alice); err != nil {
		t.Fatalf("AcceptPeerOffer: %v", err)
	}
	if got := mgrBob.PeerSessionStatus(alice); got != model.SessionActive {
		t.Fatalf("bob status after accept = %v, want Active", got)
	}

	// Alice cannot send yet: still SelfRequested until Bob's first reply
	// is decrypted.
	if _, _, err := mgrAlice.Encrypt(bob, []byte("too early")); err == nil {
		t.Fatalf("Encrypt succeeded before Active")
	}

	seeker, envelope, err := mgrBob.Encrypt(alice, []byte("hello alice"))
	if err != nil {
		t.Fatalf("bob Encrypt: %v", err)
	}

	seekers := mgrAlice.ReadSeekers()
	if len(seekers) != 1 || !seekers[0].Seeker.Equal(seeker) {
		t.Fatalf("alice ReadSeekers = %v, want match for %v", seekers, seeker)
	}

	in, err := mgrAlice.FeedIncoming(seeker, envelope)
	if err != nil {
		t.Fatalf("alice FeedIncoming: %v", err)
	}
	if in == nil {
		t.Fatalf("alice FeedIncoming returned nil, want decrypted message")
	}
	if !bytes.Equal(in.Plaintext, []byte("hello alice")) {
		t.Fatalf("plaintext = %q, want %q", in.Plaintext, "hello alice")
	}
	if in.Sender != bob {
		t.Fatalf("sender = %v, want bob", in.Sender)
	}
	if got := mgrAlice.PeerSessionStatus(bob); got != model.SessionActive {
		t.Fatalf("alice status after first reply = %v, want Active", got)
	}

	// Now alice can reply, and her envelope carries the ack for bob's
	// message alice just consumed.
	replySeeker, replyEnvelope, err := mgrAlice.Encrypt(bob, []byte("hi bob"))
	if err != nil {
		t.Fatalf("alice Encrypt: %v", err)
	}
	bobIn, err := mgrBob.FeedIncoming(replySeeker, replyEnvelope)
	if err != nil {
		t.Fatalf("bob FeedIncoming: %v", err)
	}
	if bobIn == nil {
		t.Fatalf("bob FeedIncoming returned nil")
	}
	if len(bobIn.AcknowledgedSeekers) != 1 || !bobIn.AcknowledgedSeekers[0].Equal(seeker) {
		t.Fatalf("acks = %v, want [%v]", bobIn.AcknowledgedSeekers, seeker)
	}
}

func TestFeedIncomingUnrelatedSeekerReturnsNil(t *testing.T) {
	mgr := mustManager(t)
	in, err := mgr.FeedIncoming(model.Seeker(bytes.Repeat([]byte{0xAB}, seekerSize)), []byte("garbage"))
	if err != nil {
		t.Fatalf("FeedIncoming error = %v, want nil", err)
	}
	if in != nil {
		t.Fatalf("FeedIncoming = %+v, want nil", in)
	}
}

func TestRefreshKillsStalePendingSession(t *testing.T) {
	alice := newTestUser(1)
	bob := newTestUser(2)

	mgrBob := mustManager(t)
	mgr := mustManager(t, WithPendingEstablishTimeout(time.Millisecond))
	if _, err := mgr.EstablishOutgoing(bob, alice, mgrBob.OwnPublicKey()); err != nil {
		t.Fatalf("EstablishOutgoing: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	events := mgr.Refresh(time.Now())
	if len(events) != 1 || events[0].To != model.SessionKilled {
		t.Fatalf("events = %+v, want one Killed transition", events)
	}
	if got := mgr.PeerSessionStatus(bob); got != model.SessionKilled {
		t.Fatalf("status = %v, want Killed", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	alice := newTestUser(1)
	bob := newTestUser(2)
	mgrBob := mustManager(t)

	mgr := mustManager(t)
	if _, err := mgr.EstablishOutgoing(bob, alice, mgrBob.OwnPublicKey()); err != nil {
		t.Fatalf("EstablishOutgoing: %v", err)
	}
	snap, ok := mgr.Snapshot(bob)
	if !ok {
		t.Fatalf("Snapshot: not found")
	}

	restored := mustManager(t)
	restored.LoadSnapshot(bob, snap)
	if got := restored.PeerSessionStatus(bob); got != model.SessionSelfRequested {
		t.Fatalf("restored status = %v, want SelfRequested", got)
	}
}
