package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/genbridge/gateway/internal/domain"
)

// FileStore is the sqlite-backed file_mappings table: the OpenAI file id ↔
// Upstream file id ↔ session ↔ cached bytes association spec's "shared
// resource policy" names as single-writer-per-entry, read by the Router's
// Files handler and (indirectly, on a session mismatch) by the Router's
// re-upload path. Grounded on file_upload_service.py's FileUploadService,
// translated from its in-process dict to a table so file metadata survives
// a restart the way conversation bindings and accounts already do.
type FileStore struct {
	db *sql.DB
}

func NewFileStore(db *sql.DB) *FileStore {
	return &FileStore{db: db}
}

func (s *FileStore) Create(ctx context.Context, m *domain.FileMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_mappings (openai_file_id, upstream_file_id, session_name, mime_type, bytes, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		m.OpenAIFileID, m.UpstreamFileID, m.SessionName, m.MimeType, m.Bytes)
	if err != nil {
		return fmt.Errorf("file store: create %q: %w", m.OpenAIFileID, err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, openAIFileID string) (*domain.FileMapping, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT openai_file_id, upstream_file_id, session_name, mime_type, bytes, created_at
		FROM file_mappings WHERE openai_file_id = ?`, openAIFileID)

	var m domain.FileMapping
	err := row.Scan(&m.OpenAIFileID, &m.UpstreamFileID, &m.SessionName, &m.MimeType, &m.Bytes, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("file store: get %q: %w", openAIFileID, err)
	}
	return &m, true, nil
}

func (s *FileStore) UpdateSession(ctx context.Context, openAIFileID, upstreamFileID, sessionName string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE file_mappings SET upstream_file_id = ?, session_name = ? WHERE openai_file_id = ?`,
		upstreamFileID, sessionName, openAIFileID)
	if err != nil {
		return fmt.Errorf("file store: update session for %q: %w", openAIFileID, err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, openAIFileID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_mappings WHERE openai_file_id = ?`, openAIFileID)
	if err != nil {
		return false, fmt.Errorf("file store: delete %q: %w", openAIFileID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("file store: delete %q: %w", openAIFileID, err)
	}
	return n > 0, nil
}
