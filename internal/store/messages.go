package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/zentalk/core/internal/model"
)

// Message mirrors spec.md §3's Message entity: the decoded wire payload
// plus delivery bookkeeping and, for outgoing rows, the serialized
// plaintext/seeker/ciphertext the sender pipeline produced or will
// reuse on retry.
type Message struct {
	RowID             int64
	Owner             model.UserId
	Peer              model.UserId
	MessageID         model.MessageId
	Direction         model.MessageDirection
	Status            model.MessageStatus
	Type              model.MessageType
	Content           string
	CitedMsgID        model.MessageId
	HasCitedMsgID     bool
	CitedContactID    model.UserId
	HasCitedContact   bool
	ForwardedContent  string
	SerializedContent []byte
	Seeker            model.Seeker
	Ciphertext        []byte
	WhenToSend        *time.Time
	Timestamp         time.Time
}

const messageColumns = `id, owner, peer, message_id, direction, status, type, content,
	cited_msg_id, cited_contact_id, forwarded_content, serialized_content,
	seeker, ciphertext, when_to_send, timestamp`

// SaveMessage inserts a new message row and returns its assigned RowID.
func (s *Store) SaveMessage(m Message) (int64, error) {
	var rowID int64
	err := s.withWriteLock(func() error {
		var cited, citedContact, whenToSend interface{}
		if m.HasCitedMsgID {
			cited = m.CitedMsgID[:]
		}
		if m.HasCitedContact {
			citedContact = m.CitedContactID[:]
		}
		if m.WhenToSend != nil {
			whenToSend = m.WhenToSend.Unix()
		}
		result, err := s.db.Exec(
			`INSERT INTO messages (
				owner, peer, message_id, direction, status, type, content,
				cited_msg_id, cited_contact_id, forwarded_content, serialized_content,
				seeker, ciphertext, when_to_send, timestamp
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.Owner[:], m.Peer[:], m.MessageID[:], int(m.Direction), int(m.Status), int(m.Type), m.Content,
			cited, citedContact, m.ForwardedContent, nullableBytes(m.SerializedContent),
			nullableBytes(m.Seeker), nullableBytes(m.Ciphertext), whenToSend, m.Timestamp.Unix(),
		)
		if err != nil {
			return fmt.Errorf("store: saving message: %w", err)
		}
		rowID, err = result.LastInsertId()
		return err
	})
	return rowID, err
}

// UpdateMessageStatus transitions a message row's status.
func (s *Store) UpdateMessageStatus(rowID int64, status model.MessageStatus) error {
	return s.withWriteLock(func() error {
		_, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, int(status), rowID)
		if err != nil {
			return fmt.Errorf("store: updating message status: %w", err)
		}
		return nil
	})
}

// SetSerializedContent records the wire-encoded plaintext on a row so a
// later retry can reuse it without re-serializing (spec.md §4.5.1 step 3).
func (s *Store) SetSerializedContent(rowID int64, serialized []byte) error {
	return s.withWriteLock(func() error {
		_, err := s.db.Exec(`UPDATE messages SET serialized_content = ? WHERE id = ?`, serialized, rowID)
		if err != nil {
			return fmt.Errorf("store: recording serialized content: %w", err)
		}
		return nil
	})
}

// SetMessageSeekerAndCiphertext records the result of an encrypt call on
// a message row, used immediately before transitioning it to SENDING.
func (s *Store) SetMessageSeekerAndCiphertext(rowID int64, seeker model.Seeker, ciphertext []byte) error {
	return s.withWriteLock(func() error {
		_, err := s.db.Exec(
			`UPDATE messages SET seeker = ?, ciphertext = ? WHERE id = ?`,
			nullableBytes(seeker), nullableBytes(ciphertext), rowID,
		)
		if err != nil {
			return fmt.Errorf("store: recording message ciphertext: %w", err)
		}
		return nil
	})
}

// FailMessage transitions a row to FAILED, preserving seeker/ciphertext
// (spec.md §4.5.2 step 4) and recording when a resend should be tried.
func (s *Store) FailMessage(rowID int64, whenToSend time.Time) error {
	return s.withWriteLock(func() error {
		_, err := s.db.Exec(
			`UPDATE messages SET status = ?, when_to_send = ? WHERE id = ?`,
			int(model.MessageFailed), whenToSend.Unix(), rowID,
		)
		if err != nil {
			return fmt.Errorf("store: failing message: %w", err)
		}
		return nil
	})
}

// MarkSent transitions a row to SENT and clears whenToSend.
func (s *Store) MarkSent(rowID int64) error {
	return s.withWriteLock(func() error {
		_, err := s.db.Exec(
			`UPDATE messages SET status = ?, when_to_send = NULL WHERE id = ?`,
			int(model.MessageSent), rowID,
		)
		if err != nil {
			return fmt.Errorf("store: marking sent: %w", err)
		}
		return nil
	})
}

// GetMessageByID looks up a message by its wire-level MessageId within
// one peer/direction, used by the receiver to resolve a REPLY's cited
// message.
func (s *Store) GetMessageByID(owner, peer model.UserId, direction model.MessageDirection, id model.MessageId) (Message, error) {
	row := s.db.QueryRow(
		`SELECT `+messageColumns+` FROM messages WHERE owner = ? AND peer = ? AND direction = ? AND message_id = ?`,
		owner[:], peer[:], int(direction), id[:],
	)
	return scanMessage(row)
}

// ListMessagesByPeerAndStatus returns every message for a peer in a given
// status, ordered by timestamp (strict FIFO).
func (s *Store) ListMessagesByPeerAndStatus(owner, peer model.UserId, status model.MessageStatus) ([]Message, error) {
	return s.queryMessages(
		`SELECT `+messageColumns+` FROM messages WHERE owner = ? AND peer = ? AND status = ? ORDER BY timestamp ASC, id ASC`,
		owner[:], peer[:], int(status),
	)
}

// ListMessagesByPeerAndStatuses returns every message for a peer whose
// status is one of statuses, ordered by timestamp (strict FIFO). Used by
// the sender's encrypt+transmit stage, which treats WAITING_SESSION and
// READY as one combined backlog (spec.md §4.5.2).
func (s *Store) ListMessagesByPeerAndStatuses(owner, peer model.UserId, statuses ...model.MessageStatus) ([]Message, error) {
	placeholders := make([]string, len(statuses))
	args := []interface{}{owner[:], peer[:]}
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, int(st))
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE owner = ? AND peer = ? AND status IN (` +
		strings.Join(placeholders, ",") + `) ORDER BY timestamp ASC, id ASC`
	return s.queryMessages(query, args...)
}

// ListMessagesByOwnerAndStatus returns every message across all peers in
// a given status, used by resend-failed which sweeps the whole account.
func (s *Store) ListMessagesByOwnerAndStatus(owner model.UserId, status model.MessageStatus) ([]Message, error) {
	return s.queryMessages(
		`SELECT `+messageColumns+` FROM messages WHERE owner = ? AND status = ? ORDER BY timestamp ASC, id ASC`,
		owner[:], int(status),
	)
}

func (s *Store) queryMessages(query string, args ...interface{}) ([]Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRead zeroes a discussion's unread counter, used when the UI layer
// reports the peer's conversation as viewed.
func (s *Store) MarkRead(owner, peer model.UserId) error {
	return s.withWriteLock(func() error {
		_, err := s.db.Exec(
			`UPDATE discussions SET unread_count = 0 WHERE owner = ? AND peer = ?`,
			owner[:], peer[:],
		)
		if err != nil {
			return fmt.Errorf("store: marking read: %w", err)
		}
		return nil
	})
}

// IncrementUnread bumps a discussion's unread counter by one, called
// when a non-KEEP_ALIVE incoming message is stored.
func (s *Store) IncrementUnread(owner, peer model.UserId) error {
	return s.withWriteLock(func() error {
		_, err := s.db.Exec(
			`UPDATE discussions SET unread_count = unread_count + 1 WHERE owner = ? AND peer = ?`,
			owner[:], peer[:],
		)
		if err != nil {
			return fmt.Errorf("store: incrementing unread: %w", err)
		}
		return nil
	})
}

// MarkDeliveredBySeeker transitions every SENT outgoing message whose
// seeker matches to DELIVERED, used by the receiver's acknowledge step
// (spec.md §4.4.3) against the aggregated ack set of one fetch batch.
func (s *Store) MarkDeliveredBySeeker(owner model.UserId, seeker model.Seeker) error {
	return s.withWriteLock(func() error {
		_, err := s.db.Exec(
			`UPDATE messages SET status = ? WHERE owner = ? AND direction = ? AND status = ? AND seeker = ?`,
			int(model.MessageDelivered), owner[:], int(model.DirectionOut), int(model.MessageSent), []byte(seeker),
		)
		if err != nil {
			return fmt.Errorf("store: marking delivered by seeker: %w", err)
		}
		return nil
	})
}

// DeleteDeliveredKeepAlives removes KEEP_ALIVE messages once delivered;
// they carry no user-visible content, so storage is waste once confirmed.
func (s *Store) DeleteDeliveredKeepAlives(owner model.UserId) error {
	return s.withWriteLock(func() error {
		_, err := s.db.Exec(
			`DELETE FROM messages WHERE owner = ? AND type = ? AND status = ?`,
			owner[:], int(model.MessageKeepAlive), int(model.MessageDelivered),
		)
		if err != nil {
			return fmt.Errorf("store: deleting delivered keep-alives: %w", err)
		}
		return nil
	})
}

// HasDuplicateIncoming reports whether an incoming message with the same
// content already exists for (owner, peer) within ±windowMs of ts, the
// duplicate-suppression check of spec.md §4.4.2 step 2.
func (s *Store) HasDuplicateIncoming(owner, peer model.UserId, content string, ts time.Time, windowMs int64) (bool, error) {
	lo := ts.UnixMilli() - windowMs
	hi := ts.UnixMilli() + windowMs
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages
		 WHERE owner = ? AND peer = ? AND direction = ? AND content = ?
		   AND timestamp * 1000 BETWEEN ? AND ?`,
		owner[:], peer[:], int(model.DirectionIn), content, lo, hi,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: checking duplicate incoming: %w", err)
	}
	return count > 0, nil
}

func scanMessage(row scannable) (Message, error) {
	var m Message
	var ownerBytes, peerBytes, idBytes, cited, citedContact, serialized, seeker, ciphertext []byte
	var direction, mstatus, mtype int
	var whenToSend sql.NullInt64
	var timestamp int64
	err := row.Scan(&m.RowID, &ownerBytes, &peerBytes, &idBytes, &direction, &mstatus, &mtype, &m.Content,
		&cited, &citedContact, &m.ForwardedContent, &serialized, &seeker, &ciphertext, &whenToSend, &timestamp)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("store: scanning message: %w", err)
	}
	copy(m.Owner[:], ownerBytes)
	copy(m.Peer[:], peerBytes)
	copy(m.MessageID[:], idBytes)
	m.Direction = model.MessageDirection(direction)
	m.Status = model.MessageStatus(mstatus)
	m.Type = model.MessageType(mtype)
	if len(cited) == len(m.CitedMsgID) {
		copy(m.CitedMsgID[:], cited)
		m.HasCitedMsgID = true
	}
	if len(citedContact) == len(m.CitedContactID) {
		copy(m.CitedContactID[:], citedContact)
		m.HasCitedContact = true
	}
	m.SerializedContent = serialized
	m.Seeker = seeker
	m.Ciphertext = ciphertext
	if whenToSend.Valid {
		t := time.Unix(whenToSend.Int64, 0)
		m.WhenToSend = &t
	}
	m.Timestamp = time.Unix(timestamp, 0)
	return m, nil
}
