package store

import (
	"fmt"

	"github.com/zentalk/core/internal/model"
)

// OwnerSessionStore adapts Store to internal/sessionadapter.SessionStore
// for one local identity. The ratchet's Snapshot persistence (spec.md
// §6's "pre-existing library" with its own, unspecified storage) lives
// in its own table rather than one of the eight named ones.
type OwnerSessionStore struct {
	store *Store
	owner model.UserId
}

// SessionStoreFor scopes Store's ratchet-session table to one local
// identity, satisfying internal/sessionadapter.SessionStore.
func (s *Store) SessionStoreFor(owner model.UserId) *OwnerSessionStore {
	return &OwnerSessionStore{store: s, owner: owner}
}

func (o *OwnerSessionStore) SaveSession(peer model.UserId, blob []byte) error {
	return o.store.withWriteLock(func() error {
		_, err := o.store.db.Exec(
			`INSERT INTO ratchetSessions (owner, peer, blob) VALUES (?, ?, ?)
			 ON CONFLICT(owner, peer) DO UPDATE SET blob = excluded.blob`,
			o.owner[:], peer[:], blob,
		)
		if err != nil {
			return fmt.Errorf("store: saving ratchet session: %w", err)
		}
		return nil
	})
}

func (o *OwnerSessionStore) LoadSessions() (map[model.UserId][]byte, error) {
	rows, err := o.store.db.Query(`SELECT peer, blob FROM ratchetSessions WHERE owner = ?`, o.owner[:])
	if err != nil {
		return nil, fmt.Errorf("store: loading ratchet sessions: %w", err)
	}
	defer rows.Close()

	out := map[model.UserId][]byte{}
	for rows.Next() {
		var peerBytes, blob []byte
		if err := rows.Scan(&peerBytes, &blob); err != nil {
			return nil, fmt.Errorf("store: scanning ratchet session: %w", err)
		}
		var peer model.UserId
		copy(peer[:], peerBytes)
		out[peer] = blob
	}
	return out, rows.Err()
}
