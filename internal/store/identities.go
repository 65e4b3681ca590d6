// ABOUTME: Identity mapping between transport identifiers and numeric ids
// ABOUTME: Users map to positive ids, rooms to negative ids, both from one sequence

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ResolveIdentity returns the numeric id for a transport identifier,
// allocating one on first sight.
func (s *SQLiteStore) ResolveIdentity(ctx context.Context, kind IdentityKind, externalID string) (int64, error) {
	if externalID == "" || (kind != IdentityUser && kind != IdentityRoom) {
		return 0, ErrInvalidIdentity
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (kind, external_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(kind, external_id) DO NOTHING
	`, string(kind), externalID, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("inserting identity: %w", err)
	}

	var rowID int64
	err = s.db.QueryRowContext(ctx,
		`SELECT rowid FROM identities WHERE kind = ? AND external_id = ?`,
		string(kind), externalID).Scan(&rowID)
	if err != nil {
		return 0, fmt.Errorf("querying identity: %w", err)
	}

	return numericID(kind, rowID), nil
}

// LookupIdentity returns the identity behind a numeric id.
// Returns ErrNotFound if no identity has that id.
func (s *SQLiteStore) LookupIdentity(ctx context.Context, id int64) (*Identity, error) {
	kind, rowID, err := splitNumericID(id)
	if err != nil {
		return nil, err
	}

	var ident Identity
	var dmRoom sql.NullString
	var createdAt string
	err = s.db.QueryRowContext(ctx, `
		SELECT kind, external_id, dm_room, created_at
		FROM identities
		WHERE rowid = ? AND kind = ?
	`, rowID, string(kind)).Scan(&ident.Kind, &ident.ExternalID, &dmRoom, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying identity: %w", err)
	}

	ident.ID = id
	ident.DMRoom = dmRoom.String
	ident.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &ident, nil
}

// SetDMRoom records the private room a user talks to the bot in.
func (s *SQLiteStore) SetDMRoom(ctx context.Context, userID int64, roomID string) error {
	kind, rowID, err := splitNumericID(userID)
	if err != nil {
		return err
	}
	if kind != IdentityUser {
		return ErrInvalidIdentity
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE identities SET dm_room = ? WHERE rowid = ? AND kind = 'user'`, roomID, rowID)
	if err != nil {
		return fmt.Errorf("setting dm room: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func numericID(kind IdentityKind, rowID int64) int64 {
	if kind == IdentityRoom {
		return -rowID
	}
	return rowID
}

func splitNumericID(id int64) (IdentityKind, int64, error) {
	switch {
	case id > 0:
		return IdentityUser, id, nil
	case id < 0:
		return IdentityRoom, -id, nil
	default:
		return "", 0, ErrInvalidIdentity
	}
}
