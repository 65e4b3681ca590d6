// ABOUTME: Group settings persistence for SQLiteStore
// ABOUTME: Nullable columns keep "unset" distinct from an explicit false

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetGroupSettings retrieves a group's settings.
// Returns ErrNotFound if the group has never been registered.
func (s *SQLiteStore) GetGroupSettings(ctx context.Context, groupID int64) (*GroupSettings, error) {
	query := `
		SELECT group_id, title, active, verification_on, membership_channel, shortlink_host,
			shortlink_api_key, tutorial_url, caption, protect_content, link_mode,
			auto_delete_secs, created_at, updated_at
		FROM groups
		WHERE group_id = ?
	`

	var g GroupSettings
	var active int
	var verificationOn, protectContent, linkMode, autoDelete sql.NullInt64
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, query, groupID).Scan(
		&g.GroupID,
		&g.Title,
		&active,
		&verificationOn,
		&g.MembershipChannel,
		&g.ShortlinkHost,
		&g.ShortlinkAPIKey,
		&g.TutorialURL,
		&g.Caption,
		&protectContent,
		&linkMode,
		&autoDelete,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying group settings: %w", err)
	}

	g.Active = active != 0
	g.VerificationOn = scanOptionalBool(verificationOn)
	g.ProtectContent = scanOptionalBool(protectContent)
	g.LinkMode = scanOptionalBool(linkMode)
	if autoDelete.Valid {
		d := time.Duration(autoDelete.Int64) * time.Second
		g.AutoDelete = &d
	}

	g.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	g.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &g, nil
}

// UpsertGroupSettings writes every settings column for the group.
func (s *SQLiteStore) UpsertGroupSettings(ctx context.Context, g *GroupSettings) error {
	now := formatTime(time.Now())

	var autoDelete any
	if g.AutoDelete != nil {
		autoDelete = int64(g.AutoDelete.Seconds())
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (group_id, title, active, verification_on, membership_channel,
			shortlink_host, shortlink_api_key, tutorial_url, caption, protect_content,
			link_mode, auto_delete_secs, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE groups.title END,
			verification_on = excluded.verification_on,
			membership_channel = excluded.membership_channel,
			shortlink_host = excluded.shortlink_host,
			shortlink_api_key = excluded.shortlink_api_key,
			tutorial_url = excluded.tutorial_url,
			caption = excluded.caption,
			protect_content = excluded.protect_content,
			link_mode = excluded.link_mode,
			auto_delete_secs = excluded.auto_delete_secs,
			updated_at = excluded.updated_at
	`,
		g.GroupID,
		g.Title,
		optionalBool(g.VerificationOn),
		g.MembershipChannel,
		g.ShortlinkHost,
		g.ShortlinkAPIKey,
		g.TutorialURL,
		g.Caption,
		optionalBool(g.ProtectContent),
		optionalBool(g.LinkMode),
		autoDelete,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upserting group settings: %w", err)
	}

	s.logger.Debug("upserted group settings", "group_id", g.GroupID)
	return nil
}

// RegisterGroup records (or reactivates) a group without touching its settings.
func (s *SQLiteStore) RegisterGroup(ctx context.Context, groupID int64, title string) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (group_id, title, active, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			active = 1,
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE groups.title END,
			updated_at = excluded.updated_at
	`, groupID, title, now, now)
	if err != nil {
		return fmt.Errorf("registering group: %w", err)
	}
	return nil
}

// DeactivateGroup marks a group inactive after the bot left it.
func (s *SQLiteStore) DeactivateGroup(ctx context.Context, groupID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE groups SET active = 0, updated_at = ? WHERE group_id = ?`,
		formatTime(time.Now()), groupID)
	if err != nil {
		return fmt.Errorf("deactivating group: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
