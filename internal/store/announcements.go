package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zentalk/core/internal/model"
)

// PendingAnnouncement is an EstablishOutgoing result awaiting
// transport.PostAnnouncement, queued the same way outgoing messages are
// so a crash between EstablishOutgoing and the network post still
// retries with the exact same bytes on restart.
type PendingAnnouncement struct {
	RowID        int64
	Owner        model.UserId
	Peer         model.UserId
	Announcement []byte
	CreatedAt    time.Time
}

// EnqueuePendingAnnouncement records an announcement that still needs to
// be posted to the message board.
func (s *Store) EnqueuePendingAnnouncement(owner, peer model.UserId, announcement []byte, now time.Time) (int64, error) {
	var rowID int64
	err := s.withWriteLock(func() error {
		result, err := s.db.Exec(
			`INSERT INTO pendingAnnouncements (owner, peer, announcement, created_at) VALUES (?, ?, ?, ?)`,
			owner[:], peer[:], announcement, now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("store: enqueuing announcement: %w", err)
		}
		rowID, err = result.LastInsertId()
		return err
	})
	return rowID, err
}

// ListPendingAnnouncements returns every announcement still waiting to be
// posted, across all peers.
func (s *Store) ListPendingAnnouncements(owner model.UserId) ([]PendingAnnouncement, error) {
	rows, err := s.db.Query(
		`SELECT id, peer, announcement, created_at FROM pendingAnnouncements WHERE owner = ? ORDER BY id ASC`,
		owner[:],
	)
	if err != nil {
		return nil, fmt.Errorf("store: listing pending announcements: %w", err)
	}
	defer rows.Close()

	var out []PendingAnnouncement
	for rows.Next() {
		var p PendingAnnouncement
		var peerBytes []byte
		var createdAt int64
		if err := rows.Scan(&p.RowID, &peerBytes, &p.Announcement, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scanning pending announcement: %w", err)
		}
		p.Owner = owner
		copy(p.Peer[:], peerBytes)
		p.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePendingAnnouncement removes an announcement once it has been
// successfully posted.
func (s *Store) DeletePendingAnnouncement(rowID int64) error {
	return s.withWriteLock(func() error {
		_, err := s.db.Exec(`DELETE FROM pendingAnnouncements WHERE id = ?`, rowID)
		if err != nil {
			return fmt.Errorf("store: deleting pending announcement: %w", err)
		}
		return nil
	})
}

// GetAnnouncementCursor returns the opaque pagination cursor
// fetch_announcements should resume from, or generates and persists a
// fresh one (a locally-minted UUID, since a brand-new account has no
// server-issued cursor yet) if none exists.
func (s *Store) GetAnnouncementCursor(owner model.UserId) (string, error) {
	var cursor string
	err := s.db.QueryRow(`SELECT cursor FROM announcementCursors WHERE owner = ?`, owner[:]).Scan(&cursor)
	if err == nil {
		return cursor, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("store: reading announcement cursor: %w", err)
	}

	cursor = uuid.NewString()
	if err := s.SetAnnouncementCursor(owner, cursor); err != nil {
		return "", err
	}
	return cursor, nil
}

// SetAnnouncementCursor persists the cursor returned by the transport's
// last fetch_announcements call.
func (s *Store) SetAnnouncementCursor(owner model.UserId, cursor string) error {
	return s.withWriteLock(func() error {
		_, err := s.db.Exec(
			`INSERT INTO announcementCursors (owner, cursor) VALUES (?, ?)
			 ON CONFLICT(owner) DO UPDATE SET cursor = excluded.cursor`,
			owner[:], cursor,
		)
		if err != nil {
			return fmt.Errorf("store: setting announcement cursor: %w", err)
		}
		return nil
	})
}
