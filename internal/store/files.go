package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"insight-worker/internal/models"
)

// CreateFileParams describes an uploaded file row.
type CreateFileParams struct {
	Filename     string
	OriginalName string
	Path         string
	MimeType     string
	Size         int64
}

// CreateFile registers an uploaded file. Uploads normally arrive through the
// API; the worker only reads this table.
func (s *Store) CreateFile(ctx context.Context, p CreateFileParams) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO files (id, filename, original_name, file_path, mime_type, file_size, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'uploaded')
	`, id, p.Filename, emptyToNil(p.OriginalName), emptyToNil(p.Path), emptyToNil(p.MimeType), p.Size)
	if err != nil {
		return "", fmt.Errorf("insert file: %w", err)
	}
	return id, nil
}

// Resolve maps a file id to the locator of its stored bytes. Files that are
// missing, not yet uploaded, or have no path resolve to ErrFileNotFound.
func (s *Store) Resolve(ctx context.Context, fileID string) (models.Locator, error) {
	if _, err := uuid.Parse(fileID); err != nil {
		return "", fmt.Errorf("file %q: %w", fileID, ErrFileNotFound)
	}
	var path pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT file_path FROM files WHERE id = $1 AND status = 'uploaded'
	`, fileID).Scan(&path)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && (!path.Valid || path.String == "")) {
		return "", fmt.Errorf("file %s: %w", fileID, ErrFileNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve file %s: %w", fileID, err)
	}
	return models.Locator(path.String), nil
}
