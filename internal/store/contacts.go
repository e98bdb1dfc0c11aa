package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/zentalk/core/internal/model"
)

// Contact mirrors spec.md §3's Contact entity: a peer identity, its
// cached key bundle (needed before EstablishOutgoing can run), and
// presence bookkeeping.
type Contact struct {
	Owner       model.UserId
	Peer        model.UserId
	DisplayName string
	PublicKey   [32]byte
	HasPublicKey bool
	LastSeen    *time.Time
	AddedAt     time.Time
}

// SaveContact inserts or replaces a contact row.
func (s *Store) SaveContact(c Contact) error {
	return s.withWriteLock(func() error {
		var pub interface{}
		if c.HasPublicKey {
			pub = c.PublicKey[:]
		}
		var lastSeen interface{}
		if c.LastSeen != nil {
			lastSeen = c.LastSeen.Unix()
		}
		_, err := s.db.Exec(
			`INSERT INTO contacts (owner, peer, display_name, public_key, last_seen, added_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(owner, peer) DO UPDATE SET
				display_name = excluded.display_name,
				public_key = excluded.public_key,
				last_seen = excluded.last_seen`,
			c.Owner[:], c.Peer[:], c.DisplayName, pub, lastSeen, c.AddedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("store: saving contact: %w", err)
		}
		return nil
	})
}

// TouchLastSeen updates a contact's last-seen timestamp. The receive path
// does not call it; the timestamp changes only through an explicit call.
func (s *Store) TouchLastSeen(owner, peer model.UserId, at time.Time) error {
	return s.withWriteLock(func() error {
		_, err := s.db.Exec(
			`UPDATE contacts SET last_seen = ? WHERE owner = ? AND peer = ?`,
			at.Unix(), owner[:], peer[:],
		)
		if err != nil {
			return fmt.Errorf("store: touching last seen: %w", err)
		}
		return nil
	})
}

// GetContact returns a single contact, or ErrNotFound.
func (s *Store) GetContact(owner, peer model.UserId) (Contact, error) {
	row := s.db.QueryRow(
		`SELECT peer, display_name, public_key, last_seen, added_at
		 FROM contacts WHERE owner = ? AND peer = ?`,
		owner[:], peer[:],
	)
	return scanContact(row, owner)
}

// ListContacts returns every contact owned by owner.
func (s *Store) ListContacts(owner model.UserId) ([]Contact, error) {
	rows, err := s.db.Query(
		`SELECT peer, display_name, public_key, last_seen, added_at
		 FROM contacts WHERE owner = ?`,
		owner[:],
	)
	if err != nil {
		return nil, fmt.Errorf("store: listing contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows, owner)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanContact(row scannable, owner model.UserId) (Contact, error) {
	var (
		peerBytes []byte
		pubBytes  []byte
		lastSeen  sql.NullInt64
		addedAt   int64
		c         Contact
	)
	if err := row.Scan(&peerBytes, &c.DisplayName, &pubBytes, &lastSeen, &addedAt); err != nil {
		if err == sql.ErrNoRows {
			return Contact{}, ErrNotFound
		}
		return Contact{}, fmt.Errorf("store: scanning contact: %w", err)
	}
	c.Owner = owner
	copy(c.Peer[:], peerBytes)
	if len(pubBytes) == 32 {
		copy(c.PublicKey[:], pubBytes)
		c.HasPublicKey = true
	}
	if lastSeen.Valid {
		t := time.Unix(lastSeen.Int64, 0)
		c.LastSeen = &t
	}
	c.AddedAt = time.Unix(addedAt, 0)
	return c, nil
}
