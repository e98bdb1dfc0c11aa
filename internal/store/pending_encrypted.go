package store

import (
	"fmt"
	"time"

	"github.com/zentalk/core/internal/model"
)

// PendingEncryptedMessage is spec.md §3's intermediate buffer for the
// receiver: ciphertext is persisted here the instant it is fetched, and
// removed once Session.feed_incoming has decrypted it successfully, so a
// crash between fetch and decrypt loses nothing and never double-fetches
// from the transport.
type PendingEncryptedMessage struct {
	Owner      model.UserId
	Seeker     model.Seeker
	Ciphertext []byte
	FetchedAt  time.Time
}

// SavePendingEncrypted persists one fetched ciphertext slot, idempotent
// so re-fetching the same seeker before it's decrypted just refreshes
// fetchedAt.
func (s *Store) SavePendingEncrypted(owner model.UserId, seeker model.Seeker, ciphertext []byte, fetchedAt time.Time) error {
	return s.withWriteLock(func() error {
		_, err := s.db.Exec(
			`INSERT INTO pendingEncryptedMessages (owner, seeker, ciphertext, fetched_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(owner, seeker) DO UPDATE SET
				ciphertext = excluded.ciphertext,
				fetched_at = excluded.fetched_at`,
			owner[:], seeker[:], ciphertext, fetchedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("store: saving pending encrypted message: %w", err)
		}
		return nil
	})
}

// DeletePendingEncrypted removes a buffered ciphertext once it has been
// decrypted successfully.
func (s *Store) DeletePendingEncrypted(owner model.UserId, seeker model.Seeker) error {
	return s.withWriteLock(func() error {
		_, err := s.db.Exec(
			`DELETE FROM pendingEncryptedMessages WHERE owner = ? AND seeker = ?`,
			owner[:], seeker[:],
		)
		if err != nil {
			return fmt.Errorf("store: deleting pending encrypted message: %w", err)
		}
		return nil
	})
}

// ListPendingEncrypted returns every ciphertext still awaiting decrypt,
// used to recover work left behind by a crash between fetch and decrypt.
func (s *Store) ListPendingEncrypted(owner model.UserId) ([]PendingEncryptedMessage, error) {
	rows, err := s.db.Query(
		`SELECT seeker, ciphertext, fetched_at FROM pendingEncryptedMessages WHERE owner = ?`,
		owner[:],
	)
	if err != nil {
		return nil, fmt.Errorf("store: listing pending encrypted messages: %w", err)
	}
	defer rows.Close()

	var out []PendingEncryptedMessage
	for rows.Next() {
		var p PendingEncryptedMessage
		var seekerBytes []byte
		var fetchedAt int64
		if err := rows.Scan(&seekerBytes, &p.Ciphertext, &fetchedAt); err != nil {
			return nil, fmt.Errorf("store: scanning pending encrypted message: %w", err)
		}
		p.Owner = owner
		p.Seeker = model.Seeker(seekerBytes)
		p.FetchedAt = time.Unix(fetchedAt, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}
