// ABOUTME: Delivery audit records for SQLiteStore
// ABOUTME: One row per delivery attempt with attempted and sent counts

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveDelivery records a delivery attempt.
func (s *SQLiteStore) SaveDelivery(ctx context.Context, rec *DeliveryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (delivery_id, user_id, group_id, query, attempted, sent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, rec.GroupID, rec.Query, rec.Attempted, rec.Sent, formatTime(rec.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("delivery %s already recorded: %w", rec.ID, err)
		}
		return fmt.Errorf("inserting delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns a user's most recent deliveries, newest first.
func (s *SQLiteStore) ListDeliveries(ctx context.Context, userID int64, limit int) ([]*DeliveryRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT delivery_id, user_id, group_id, query, attempted, sent, created_at
		FROM deliveries
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*DeliveryRecord
	for rows.Next() {
		var r DeliveryRecord
		var createdAt string
		if err := rows.Scan(&r.ID, &r.UserID, &r.GroupID, &r.Query, &r.Attempted, &r.Sent, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		r.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}
