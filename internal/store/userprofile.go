package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/zentalk/core/internal/model"
)

// UserProfile is the single local-identity row of spec.md §3.
type UserProfile struct {
	Owner       model.UserId
	DisplayName string
	UpdatedAt   time.Time
}

// SaveUserProfile inserts or replaces the local profile row.
func (s *Store) SaveUserProfile(p UserProfile) error {
	return s.withWriteLock(func() error {
		_, err := s.db.Exec(
			`INSERT INTO userProfile (owner, display_name, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(owner) DO UPDATE SET display_name = excluded.display_name, updated_at = excluded.updated_at`,
			p.Owner[:], p.DisplayName, p.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("store: saving user profile: %w", err)
		}
		return nil
	})
}

// GetUserProfile returns the local profile row, or ErrNotFound.
func (s *Store) GetUserProfile(owner model.UserId) (UserProfile, error) {
	var p UserProfile
	var updatedAt int64
	err := s.db.QueryRow(
		`SELECT display_name, updated_at FROM userProfile WHERE owner = ?`, owner[:],
	).Scan(&p.DisplayName, &updatedAt)
	if err == sql.ErrNoRows {
		return UserProfile{}, ErrNotFound
	}
	if err != nil {
		return UserProfile{}, fmt.Errorf("store: reading user profile: %w", err)
	}
	p.Owner = owner
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return p, nil
}
