// ABOUTME: Indexed file persistence for SQLiteStore
// ABOUTME: Names are stored normalized so LIKE searches are case and punctuation blind

package store

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// NormalizeName lowercases a file name and turns separators and punctuation
// into single spaces, so "The.Matrix_1999.mkv" becomes "the matrix 1999 mkv".
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastSpace := true
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// SaveFile upserts a file by its transport reference.
func (s *SQLiteStore) SaveFile(ctx context.Context, f *File) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.IndexedAt.IsZero() {
		f.IndexedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (file_id, group_id, file_ref, file_name, normalized_name, file_size,
			mime_type, file_type, caption, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_ref) DO UPDATE SET
			group_id = excluded.group_id,
			file_name = excluded.file_name,
			normalized_name = excluded.normalized_name,
			file_size = excluded.file_size,
			mime_type = excluded.mime_type,
			file_type = excluded.file_type,
			caption = excluded.caption,
			indexed_at = excluded.indexed_at
	`,
		f.ID,
		f.GroupID,
		f.FileRef,
		f.FileName,
		NormalizeName(f.FileName),
		f.FileSize,
		f.MimeType,
		f.FileType,
		f.Caption,
		formatTime(f.IndexedAt),
	)
	if err != nil {
		return fmt.Errorf("saving file: %w", err)
	}
	return nil
}

// SearchFiles returns files whose normalized names contain every term.
// Files in the shared library (group 0) match in every group.
// If limit is 0 or negative, a default limit of 10 is used.
func (s *SQLiteStore) SearchFiles(ctx context.Context, groupID int64, terms []string, limit int) ([]*File, error) {
	if limit <= 0 {
		limit = 10
	}

	var args []any
	query := `SELECT file_id, group_id, file_ref, file_name, file_size, mime_type, file_type, caption, indexed_at
		FROM files WHERE 1=1`

	if groupID != 0 {
		query += ` AND group_id IN (?, 0)`
		args = append(args, groupID)
	}
	matched := 0
	for _, term := range terms {
		term = NormalizeName(term)
		if term == "" {
			continue
		}
		query += ` AND normalized_name LIKE ?`
		args = append(args, "%"+term+"%")
		matched++
	}
	if matched == 0 {
		return nil, nil
	}

	query += ` ORDER BY length(normalized_name) ASC, indexed_at DESC LIMIT ?`
	args = append(args, limit)

	return s.queryFiles(ctx, query, args...)
}

// ListFiles returns the newest files visible to a group, including the
// shared library (all groups for groupID 0).
func (s *SQLiteStore) ListFiles(ctx context.Context, groupID int64, limit int) ([]*File, error) {
	if limit <= 0 {
		limit = 100
	}

	var args []any
	query := `SELECT file_id, group_id, file_ref, file_name, file_size, mime_type, file_type, caption, indexed_at
		FROM files`
	if groupID != 0 {
		query += ` WHERE group_id IN (?, 0)`
		args = append(args, groupID)
	}
	query += ` ORDER BY indexed_at DESC LIMIT ?`
	args = append(args, limit)

	return s.queryFiles(ctx, query, args...)
}

// DeleteFiles removes a group's files, optionally only those whose name contains nameContains.
func (s *SQLiteStore) DeleteFiles(ctx context.Context, groupID int64, nameContains string) (int, error) {
	var args []any
	query := `DELETE FROM files WHERE 1=1`
	if groupID != 0 {
		query += ` AND group_id = ?`
		args = append(args, groupID)
	}
	if n := NormalizeName(nameContains); n != "" {
		query += ` AND normalized_name LIKE ?`
		args = append(args, "%"+n+"%")
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting files: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) queryFiles(ctx context.Context, query string, args ...any) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []*File
	for rows.Next() {
		var f File
		var indexedAt string
		if err := rows.Scan(&f.ID, &f.GroupID, &f.FileRef, &f.FileName, &f.FileSize,
			&f.MimeType, &f.FileType, &f.Caption, &indexedAt); err != nil {
			return nil, fmt.Errorf("scanning file: %w", err)
		}
		f.IndexedAt, err = time.Parse(time.RFC3339, indexedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing indexed_at: %w", err)
		}
		files = append(files, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating files: %w", err)
	}
	return files, nil
}
