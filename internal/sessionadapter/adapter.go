// Package sessionadapter wraps internal/ratchet.Manager with the
// durability guarantee spec.md §3's invariant 4 demands: every call that
// mutates ratchet state persists the result before returning, so a crash
// between encrypting a message and writing it to disk can never leave
// the chain key advanced without a durable record of what was sent.
package sessionadapter

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/zentalk/core/internal/model"
	"github.com/zentalk/core/internal/ratchet"
)

// SessionStore is the persistence contract internal/store implements.
// Adapter depends on this narrow interface, not on internal/store
// directly, to keep the two packages free of an import cycle (store will
// need internal/model, not internal/ratchet's key material).
type SessionStore interface {
	SaveSession(peer model.UserId, blob []byte) error
	LoadSessions() (map[model.UserId][]byte, error)
}

// Adapter is the spec.md §4.1 Session Adapter contract. Production code
// takes *RatchetAdapter; tests can substitute a fake.
type Adapter interface {
	PeerSessionStatus(peer model.UserId) model.SessionStatus
	ReadSeekers() []ratchet.PeerSeeker
	Encrypt(peer model.UserId, plaintext []byte) (model.Seeker, []byte, error)
	FeedIncoming(seeker model.Seeker, ciphertext []byte) (*ratchet.Incoming, error)
	EstablishOutgoing(peer, us model.UserId, peerPublicKey [32]byte) (ratchet.Announcement, error)
	FeedIncomingAnnouncement(us model.UserId, data []byte) (*ratchet.PeerOffer, error)
	AcceptPeerOffer(peer model.UserId) error
	Refresh(now time.Time) []ratchet.Event
	OwnPublicKey() [32]byte
}

// RatchetAdapter is the production Adapter, backed by a real
// ratchet.Manager and a durable SessionStore.
type RatchetAdapter struct {
	manager *ratchet.Manager
	store   SessionStore
}

// New constructs a RatchetAdapter and restores every persisted session
// from store before returning, so the ratchet is immediately consistent
// with the last durable state.
func New(manager *ratchet.Manager, store SessionStore) (*RatchetAdapter, error) {
	a := &RatchetAdapter{manager: manager, store: store}
	blobs, err := store.LoadSessions()
	if err != nil {
		return nil, fmt.Errorf("sessionadapter: loading persisted sessions: %w", err)
	}
	for peer, blob := range blobs {
		snap, err := decodeSnapshot(blob)
		if err != nil {
			return nil, fmt.Errorf("sessionadapter: decoding session for %s: %w", peer, err)
		}
		manager.LoadSnapshot(peer, snap)
	}
	return a, nil
}

func (a *RatchetAdapter) PeerSessionStatus(peer model.UserId) model.SessionStatus {
	return a.manager.PeerSessionStatus(peer)
}

func (a *RatchetAdapter) ReadSeekers() []ratchet.PeerSeeker {
	return a.manager.ReadSeekers()
}

func (a *RatchetAdapter) OwnPublicKey() [32]byte {
	return a.manager.OwnPublicKey()
}

func (a *RatchetAdapter) Encrypt(peer model.UserId, plaintext []byte) (model.Seeker, []byte, error) {
	seeker, ciphertext, err := a.manager.Encrypt(peer, plaintext)
	if err != nil {
		return nil, nil, err
	}
	if err := a.persist(peer); err != nil {
		return nil, nil, err
	}
	return seeker, ciphertext, nil
}

func (a *RatchetAdapter) FeedIncoming(seeker model.Seeker, ciphertext []byte) (*ratchet.Incoming, error) {
	in, err := a.manager.FeedIncoming(seeker, ciphertext)
	if err != nil || in == nil {
		return in, err
	}
	if err := a.persist(in.Sender); err != nil {
		return nil, err
	}
	return in, nil
}

func (a *RatchetAdapter) EstablishOutgoing(peer, us model.UserId, peerPublicKey [32]byte) (ratchet.Announcement, error) {
	ann, err := a.manager.EstablishOutgoing(peer, us, peerPublicKey)
	if err != nil {
		return ratchet.Announcement{}, err
	}
	if err := a.persist(peer); err != nil {
		return ratchet.Announcement{}, err
	}
	return ann, nil
}

func (a *RatchetAdapter) FeedIncomingAnnouncement(us model.UserId, data []byte) (*ratchet.PeerOffer, error) {
	offer, err := a.manager.FeedIncomingAnnouncement(us, data)
	if err != nil || offer == nil {
		return offer, err
	}
	if err := a.persist(offer.From); err != nil {
		return nil, err
	}
	return offer, nil
}

func (a *RatchetAdapter) AcceptPeerOffer(peer model.UserId) error {
	if err := a.manager.AcceptPeerOffer(peer); err != nil {
		return err
	}
	return a.persist(peer)
}

func (a *RatchetAdapter) Refresh(now time.Time) []ratchet.Event {
	events := a.manager.Refresh(now)
	for _, ev := range events {
		// Best-effort: a failed persist here just means the next mutating
		// call on this peer retries the save with fresher state.
		_ = a.persist(ev.Peer)
	}
	return events
}

func (a *RatchetAdapter) persist(peer model.UserId) error {
	snap, ok := a.manager.Snapshot(peer)
	if !ok {
		return fmt.Errorf("sessionadapter: no session to persist for %s", peer)
	}
	blob, err := encodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("sessionadapter: encoding session for %s: %w", peer, err)
	}
	if err := a.store.SaveSession(peer, blob); err != nil {
		return fmt.Errorf("sessionadapter: persisting session for %s: %w", peer, err)
	}
	return nil
}

func encodeSnapshot(snap ratchet.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(blob []byte) (ratchet.Snapshot, error) {
	var snap ratchet.Snapshot
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&snap); err != nil {
		return snap, err
	}
	return snap, nil
}
