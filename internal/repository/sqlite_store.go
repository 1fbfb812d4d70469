package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/genbridge/gateway/internal/domain"
)

// OpenSqlite opens the gateway's embedded database file and applies any
// pending migrations, the way the teacher's Postgres bootstrap opened its
// pool and called ApplyMigrations before serving traffic.
func OpenSqlite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY churn
	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// SqliteAccountStore is a store.Persistence backed by the accounts table,
// used when no separate account-replication backend is configured.
type SqliteAccountStore struct {
	db *sql.DB
}

func NewSqliteAccountStore(db *sql.DB) *SqliteAccountStore {
	return &SqliteAccountStore{db: db}
}

func (s *SqliteAccountStore) LoadAccounts() ([]domain.Account, error) {
	rows, err := s.db.Query(`
		SELECT team_id, cses_idx, secure_cses, host_coses, user_agent, refresh_at, available, note
		FROM accounts ORDER BY team_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite account store: load accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var a domain.Account
		var refreshAt time.Time
		var available int
		if err := rows.Scan(&a.TeamID, &a.CSesIdx, &a.SecureCSes, &a.HostCOses, &a.UserAgent, &refreshAt, &available, &a.Note); err != nil {
			return nil, fmt.Errorf("sqlite account store: scan account: %w", err)
		}
		a.RefreshAt = refreshAt
		a.Available = available != 0
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite account store: iterate accounts: %w", err)
	}
	return out, nil
}

func (s *SqliteAccountStore) UpsertAccount(a *domain.Account) error {
	_, err := s.db.Exec(`
		INSERT INTO accounts (team_id, cses_idx, secure_cses, host_coses, user_agent, refresh_at, available, note, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(team_id) DO UPDATE SET
			cses_idx=excluded.cses_idx, secure_cses=excluded.secure_cses, host_coses=excluded.host_coses,
			user_agent=excluded.user_agent, refresh_at=excluded.refresh_at, available=excluded.available,
			note=excluded.note, updated_at=CURRENT_TIMESTAMP`,
		a.TeamID, a.CSesIdx, a.SecureCSes, a.HostCOses, a.UserAgent, a.RefreshAt, boolToInt(a.Available), a.Note)
	if err != nil {
		return fmt.Errorf("sqlite account store: upsert %q: %w", a.TeamID, err)
	}
	return nil
}

func (s *SqliteAccountStore) DeleteAccount(teamID string) error {
	if _, err := s.db.Exec(`DELETE FROM accounts WHERE team_id = ?`, teamID); err != nil {
		return fmt.Errorf("sqlite account store: delete %q: %w", teamID, err)
	}
	return nil
}

// SqliteBindingStore is the sqlite-backed binder.Persistence used when
// config.RedisURL is unset. Unlike redisBindingStore's client-side SCAN
// filter, ListStaleBindings is a plain indexed range query here.
type SqliteBindingStore struct {
	db *sql.DB
}

func NewSqliteBindingStore(db *sql.DB) *SqliteBindingStore {
	return &SqliteBindingStore{db: db}
}

func (s *SqliteBindingStore) LoadBinding(ctx context.Context, conversationID string) (*domain.Binding, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, account_index, team_id, upstream_session_name, image_dir_path, user_id, created_at, updated_at
		FROM conversation_bindings WHERE conversation_id = ?`, conversationID)

	var b domain.Binding
	err := row.Scan(&b.ConversationID, &b.AccountIndex, &b.TeamID, &b.UpstreamSessionName, &b.ImageDirPath, &b.UserID, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite binding store: load %q: %w", conversationID, err)
	}
	return &b, true, nil
}

func (s *SqliteBindingStore) UpsertBinding(ctx context.Context, b *domain.Binding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_bindings
			(conversation_id, account_index, team_id, upstream_session_name, image_dir_path, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			account_index=excluded.account_index, team_id=excluded.team_id,
			upstream_session_name=excluded.upstream_session_name, image_dir_path=excluded.image_dir_path,
			user_id=excluded.user_id, updated_at=excluded.updated_at`,
		b.ConversationID, b.AccountIndex, b.TeamID, b.UpstreamSessionName, b.ImageDirPath, b.UserID, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite binding store: upsert %q: %w", b.ConversationID, err)
	}
	return nil
}

func (s *SqliteBindingStore) DeleteBinding(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_bindings WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("sqlite binding store: delete %q: %w", conversationID, err)
	}
	return nil
}

func (s *SqliteBindingStore) ListStaleBindings(ctx context.Context, before time.Time) ([]domain.Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, account_index, team_id, upstream_session_name, image_dir_path, user_id, created_at, updated_at
		FROM conversation_bindings WHERE updated_at < ?`, before)
	if err != nil {
		return nil, fmt.Errorf("sqlite binding store: list stale: %w", err)
	}
	defer rows.Close()

	var out []domain.Binding
	for rows.Next() {
		var b domain.Binding
		if err := rows.Scan(&b.ConversationID, &b.AccountIndex, &b.TeamID, &b.UpstreamSessionName, &b.ImageDirPath, &b.UserID, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite binding store: scan stale: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite binding store: iterate stale: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
