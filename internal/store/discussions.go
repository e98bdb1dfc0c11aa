package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/zentalk/core/internal/model"
)

// Discussion mirrors spec.md §3/§4.3: one row per peer relationship,
// combining the locally-observed direction and acceptance state with
// the discussion state machine's status. LastMessage* is denormalized
// off the messages table so a discussion list view never needs a join.
type Discussion struct {
	Owner              model.UserId
	Peer               model.UserId
	Direction          model.DiscussionDirection
	Status             model.DiscussionStatus
	WeAccepted         bool
	UnreadCount        int
	LastMessageID      model.MessageId
	HasLastMessage     bool
	LastMessageContent string
	LastMessageAt      time.Time
	HasLastSync        bool
	LastSyncAt         time.Time
	UpdatedAt          time.Time
}

// UpsertDiscussion inserts or replaces a discussion row wholesale. The
// state machine is the only caller; it always writes the full row after
// computing a transition.
func (s *Store) UpsertDiscussion(d Discussion) error {
	return s.withWriteLock(func() error {
		var lastID interface{}
		var lastAt interface{}
		if d.HasLastMessage {
			lastID = d.LastMessageID[:]
			lastAt = d.LastMessageAt.Unix()
		}
		var syncAt interface{}
		if d.HasLastSync {
			syncAt = d.LastSyncAt.Unix()
		}
		_, err := s.db.Exec(
			`INSERT INTO discussions (owner, peer, direction, status, we_accepted, unread_count,
				last_message_id, last_message_content, last_message_timestamp, last_sync_timestamp, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(owner, peer) DO UPDATE SET
				direction = excluded.direction,
				status = excluded.status,
				we_accepted = excluded.we_accepted,
				unread_count = excluded.unread_count,
				last_message_id = excluded.last_message_id,
				last_message_content = excluded.last_message_content,
				last_message_timestamp = excluded.last_message_timestamp,
				last_sync_timestamp = excluded.last_sync_timestamp,
				updated_at = excluded.updated_at`,
			d.Owner[:], d.Peer[:], int(d.Direction), int(d.Status),
			boolToInt(d.WeAccepted), d.UnreadCount, lastID, d.LastMessageContent, lastAt, syncAt, d.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("store: upserting discussion: %w", err)
		}
		return nil
	})
}

// GetDiscussion returns a peer's discussion row, or ErrNotFound.
func (s *Store) GetDiscussion(owner, peer model.UserId) (Discussion, error) {
	row := s.db.QueryRow(
		`SELECT direction, status, we_accepted, unread_count,
			last_message_id, last_message_content, last_message_timestamp, last_sync_timestamp, updated_at
		 FROM discussions WHERE owner = ? AND peer = ?`,
		owner[:], peer[:],
	)
	return scanDiscussion(row, owner, peer)
}

// ListDiscussionsByStatus returns every discussion in a given status.
func (s *Store) ListDiscussionsByStatus(owner model.UserId, status model.DiscussionStatus) ([]Discussion, error) {
	rows, err := s.db.Query(
		`SELECT peer, direction, status, we_accepted, unread_count,
			last_message_id, last_message_content, last_message_timestamp, last_sync_timestamp, updated_at
		 FROM discussions WHERE owner = ? AND status = ?`,
		owner[:], int(status),
	)
	if err != nil {
		return nil, fmt.Errorf("store: listing discussions by status: %w", err)
	}
	defer rows.Close()
	return scanDiscussions(rows, owner)
}

// ListAllDiscussions returns every discussion owned by owner.
func (s *Store) ListAllDiscussions(owner model.UserId) ([]Discussion, error) {
	rows, err := s.db.Query(
		`SELECT peer, direction, status, we_accepted, unread_count,
			last_message_id, last_message_content, last_message_timestamp, last_sync_timestamp, updated_at
		 FROM discussions WHERE owner = ?`,
		owner[:],
	)
	if err != nil {
		return nil, fmt.Errorf("store: listing discussions: %w", err)
	}
	defer rows.Close()
	return scanDiscussions(rows, owner)
}

func scanDiscussions(rows *sql.Rows, owner model.UserId) ([]Discussion, error) {
	var out []Discussion
	for rows.Next() {
		var peerBytes []byte
		var d Discussion
		var direction, dstatus int
		var weAccepted int64
		var lastID, lastContent sql.NullString
		var lastAt, syncAt sql.NullInt64
		var updatedAt int64
		if err := rows.Scan(&peerBytes, &direction, &dstatus, &weAccepted, &d.UnreadCount,
			&lastID, &lastContent, &lastAt, &syncAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning discussion: %w", err)
		}
		d.Owner = owner
		copy(d.Peer[:], peerBytes)
		applyScannedDiscussion(&d, direction, dstatus, weAccepted, lastID, lastContent, lastAt, syncAt, updatedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDiscussion(row scannable, owner, peer model.UserId) (Discussion, error) {
	var d Discussion
	var direction, dstatus int
	var weAccepted int64
	var lastID, lastContent sql.NullString
	var lastAt, syncAt sql.NullInt64
	var updatedAt int64
	err := row.Scan(&direction, &dstatus, &weAccepted, &d.UnreadCount, &lastID, &lastContent, &lastAt, &syncAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Discussion{}, ErrNotFound
	}
	if err != nil {
		return Discussion{}, fmt.Errorf("store: scanning discussion: %w", err)
	}
	d.Owner = owner
	d.Peer = peer
	applyScannedDiscussion(&d, direction, dstatus, weAccepted, lastID, lastContent, lastAt, syncAt, updatedAt)
	return d, nil
}

func applyScannedDiscussion(d *Discussion, direction, dstatus int, weAccepted int64,
	lastID, lastContent sql.NullString, lastAt, syncAt sql.NullInt64, updatedAt int64) {
	d.Direction = model.DiscussionDirection(direction)
	d.Status = model.DiscussionStatus(dstatus)
	d.WeAccepted = intToBool(weAccepted)
	d.UpdatedAt = time.Unix(updatedAt, 0)
	if lastAt.Valid {
		d.HasLastMessage = true
		copy(d.LastMessageID[:], []byte(lastID.String))
		d.LastMessageContent = lastContent.String
		d.LastMessageAt = time.Unix(lastAt.Int64, 0)
	}
	if syncAt.Valid {
		d.HasLastSync = true
		d.LastSyncAt = time.Unix(syncAt.Int64, 0)
	}
}
