// ABOUTME: User persistence for SQLiteStore: profile, verification, premium
// ABOUTME: Also owns the single-slot pending request stored on the user row

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const userColumns = `user_id, display_name, username, verified, verify_expiry, premium,
	premium_plan, premium_expiry, is_admin, pending_group_id, pending_query, pending_at,
	total_searches, created_at, last_active`

// GetUser retrieves a user by id.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var verified, premium, isAdmin int
	var verifyExpiry, premiumExpiry, pendingQuery, pendingAt sql.NullString
	var pendingGroup sql.NullInt64
	var createdAt, lastActive string

	err := row.Scan(
		&u.ID,
		&u.DisplayName,
		&u.Username,
		&verified,
		&verifyExpiry,
		&premium,
		&u.PremiumPlan,
		&premiumExpiry,
		&isAdmin,
		&pendingGroup,
		&pendingQuery,
		&pendingAt,
		&u.TotalSearches,
		&createdAt,
		&lastActive,
	)
	if err != nil {
		return nil, err
	}

	u.Verified = verified != 0
	u.Premium = premium != 0
	u.IsAdmin = isAdmin != 0

	if u.VerifyExpiry, err = parseOptionalTime(verifyExpiry); err != nil {
		return nil, fmt.Errorf("parsing verify_expiry: %w", err)
	}
	if u.PremiumExpiry, err = parseOptionalTime(premiumExpiry); err != nil {
		return nil, fmt.Errorf("parsing premium_expiry: %w", err)
	}
	if pendingGroup.Valid {
		u.Pending = &PendingRequest{
			GroupID: pendingGroup.Int64,
			Query:   pendingQuery.String,
		}
		if at, err := parseOptionalTime(pendingAt); err == nil && at != nil {
			u.Pending.CreatedAt = *at
		}
	}
	if u.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if u.LastActive, err = time.Parse(time.RFC3339, lastActive); err != nil {
		return nil, fmt.Errorf("parsing last_active: %w", err)
	}

	return &u, nil
}

// EnsureUser inserts the user if missing. Existing rows only get their
// profile fields, admin flag and last_active refreshed.
func (s *SQLiteStore) EnsureUser(ctx context.Context, u *User) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, display_name, username, is_admin, premium_plan, created_at, last_active)
		VALUES (?, ?, ?, ?, 'free', ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE users.display_name END,
			username = CASE WHEN excluded.username != '' THEN excluded.username ELSE users.username END,
			is_admin = excluded.is_admin,
			last_active = excluded.last_active
	`, u.ID, u.DisplayName, u.Username, boolToInt(u.IsAdmin), now, now)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

// SetVerified marks the user verified until expiry.
func (s *SQLiteStore) SetVerified(ctx context.Context, id int64, expiry time.Time) error {
	return s.updateUser(ctx, "setting verified",
		`UPDATE users SET verified = 1, verify_expiry = ? WHERE user_id = ?`,
		formatTime(expiry), id)
}

// ClearVerified resets the verification flag and expiry.
func (s *SQLiteStore) ClearVerified(ctx context.Context, id int64) error {
	return s.updateUser(ctx, "clearing verified",
		`UPDATE users SET verified = 0, verify_expiry = NULL WHERE user_id = ?`, id)
}

// SetPremium grants a plan; a nil expiry never expires.
func (s *SQLiteStore) SetPremium(ctx context.Context, id int64, plan string, expiry *time.Time) error {
	if plan == "" {
		plan = "premium"
	}
	return s.updateUser(ctx, "setting premium",
		`UPDATE users SET premium = 1, premium_plan = ?, premium_expiry = ? WHERE user_id = ?`,
		plan, formatOptionalTime(expiry), id)
}

// RemovePremium returns the user to the free plan.
func (s *SQLiteStore) RemovePremium(ctx context.Context, id int64) error {
	return s.updateUser(ctx, "removing premium",
		`UPDATE users SET premium = 0, premium_plan = 'free', premium_expiry = NULL WHERE user_id = ?`, id)
}

// IncrementSearches bumps the user's delivered search counter.
func (s *SQLiteStore) IncrementSearches(ctx context.Context, id int64) error {
	return s.updateUser(ctx, "incrementing searches",
		`UPDATE users SET total_searches = total_searches + 1, last_active = ? WHERE user_id = ?`,
		formatTime(time.Now()), id)
}

// SetPending overwrites the user's pending request.
func (s *SQLiteStore) SetPending(ctx context.Context, id int64, groupID int64, query string) error {
	return s.updateUser(ctx, "saving pending request",
		`UPDATE users SET pending_group_id = ?, pending_query = ?, pending_at = ? WHERE user_id = ?`,
		groupID, query, formatTime(time.Now()), id)
}

// GetPending returns the user's pending request, or nil if there is none.
func (s *SQLiteStore) GetPending(ctx context.Context, id int64) (*PendingRequest, error) {
	u, err := s.GetUser(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u.Pending, nil
}

// ClearPending empties the pending slot. Clearing an empty slot is not an error.
func (s *SQLiteStore) ClearPending(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET pending_group_id = NULL, pending_query = NULL, pending_at = NULL WHERE user_id = ?`, id)
	if err != nil {
		return fmt.Errorf("clearing pending request: %w", err)
	}
	return nil
}

// updateUser runs a single-row update and maps zero affected rows to ErrNotFound.
func (s *SQLiteStore) updateUser(ctx context.Context, action, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated user", "action", action)
	return nil
}
