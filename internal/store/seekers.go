package store

import (
	"fmt"

	"github.com/zentalk/core/internal/model"
)

// ReplaceActiveSeekers wholesale-replaces the set of tokens the core must
// currently poll, matching spec.md §4.4's description of activeSeekers as
// a snapshot rather than an append-only log; the receiver calls it once,
// at the end of each fetch run.
func (s *Store) ReplaceActiveSeekers(owner model.UserId, seekers map[model.UserId]model.Seeker) error {
	return s.withWriteLock(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: beginning seeker replace: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM activeSeekers WHERE owner = ?`, owner[:]); err != nil {
			return fmt.Errorf("store: clearing active seekers: %w", err)
		}
		for peer, seeker := range seekers {
			if _, err := tx.Exec(
				`INSERT INTO activeSeekers (owner, peer, seeker) VALUES (?, ?, ?)`,
				owner[:], peer[:], []byte(seeker),
			); err != nil {
				return fmt.Errorf("store: inserting active seeker: %w", err)
			}
		}
		return tx.Commit()
	})
}

// ListActiveSeekers returns the current read-seeker snapshot.
func (s *Store) ListActiveSeekers(owner model.UserId) (map[model.UserId]model.Seeker, error) {
	rows, err := s.db.Query(`SELECT peer, seeker FROM activeSeekers WHERE owner = ?`, owner[:])
	if err != nil {
		return nil, fmt.Errorf("store: listing active seekers: %w", err)
	}
	defer rows.Close()

	out := map[model.UserId]model.Seeker{}
	for rows.Next() {
		var peerBytes, seekerBytes []byte
		if err := rows.Scan(&peerBytes, &seekerBytes); err != nil {
			return nil, fmt.Errorf("store: scanning active seeker: %w", err)
		}
		var peer model.UserId
		copy(peer[:], peerBytes)
		out[peer] = model.Seeker(seekerBytes)
	}
	return out, rows.Err()
}
