package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"github.com/genbridge/gateway/migrations"
)

// schemaMigrationsTableDDL tracks which embedded migration files have been
// applied to the sqlite database and their checksum at the time they were
// applied.
const schemaMigrationsTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	filename   TEXT PRIMARY KEY,
	checksum   TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const nonTransactionalMigrationSuffix = "_notx.sql"

// applyMu serializes ApplyMigrations across goroutines in this process.
// sqlite has no advisory-lock equivalent to guard against concurrent
// migrators the way Postgres does; since every deployment of this gateway
// runs its own embedded sqlite file (no shared-cluster migration race to
// guard against), a process-local mutex is the right-sized replacement for
// the teacher's pg_advisory_lock.
var applyMu sync.Mutex

// ApplyMigrations applies the embedded SQL migrations to db. Safe to call on
// every startup: already-applied migrations are skipped (by filename), and a
// changed checksum on a previously-applied file aborts the run.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("nil sql db")
	}
	return applyMigrationsFS(ctx, db, migrations.FS)
}

func applyMigrationsFS(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	if db == nil {
		return errors.New("nil sql db")
	}

	applyMu.Lock()
	defer applyMu.Unlock()

	if _, err := db.ExecContext(ctx, schemaMigrationsTableDDL); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files) // zero-padded numeric prefixes (001_init.sql, 002_...) order execution

	for _, name := range files {
		contentBytes, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		content := strings.TrimSpace(string(contentBytes))
		if content == "" {
			continue
		}

		sum := sha256.Sum256([]byte(content))
		checksum := hex.EncodeToString(sum[:])

		var existing string
		rowErr := db.QueryRowContext(ctx, "SELECT checksum FROM schema_migrations WHERE filename = ?", name).Scan(&existing)
		if rowErr == nil {
			if existing != checksum {
				return fmt.Errorf(
					"migration %s checksum mismatch (db=%s file=%s): the migration file was modified after being applied; create a new migration instead of editing an applied one",
					name, existing, checksum,
				)
			}
			continue
		}
		if !errors.Is(rowErr, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", name, rowErr)
		}

		nonTx, err := validateMigrationExecutionMode(name, content)
		if err != nil {
			return fmt.Errorf("validate migration %s: %w", name, err)
		}

		if nonTx {
			// *_notx.sql: PRAGMA/VACUUM statements that sqlite refuses inside a
			// transaction. Run each statement on its own.
			statements := splitSQLStatements(content)
			for i, stmt := range statements {
				trimmed := strings.TrimSpace(stmt)
				if trimmed == "" || stripSQLLineComment(trimmed) == "" {
					continue
				}
				if _, err := db.ExecContext(ctx, trimmed); err != nil {
					return fmt.Errorf("apply migration %s (non-tx statement %d): %w", name, i+1, err)
				}
			}
			if _, err := db.ExecContext(ctx, "INSERT INTO schema_migrations (filename, checksum) VALUES (?, ?)", name, checksum); err != nil {
				return fmt.Errorf("record migration %s (non-tx): %w", name, err)
			}
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}

		if _, err := tx.ExecContext(ctx, content); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (filename, checksum) VALUES (?, ?)", name, checksum); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}

		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}

	return nil
}

// validateMigrationExecutionMode decides whether a migration must run
// outside a transaction. sqlite rejects PRAGMA statements that change
// connection-level state (journal_mode, etc.) and VACUUM inside a
// transaction, the way Postgres rejects CREATE INDEX CONCURRENTLY — so
// those statements are confined to *_notx.sql the same way the teacher
// confined CONCURRENTLY statements.
func validateMigrationExecutionMode(name, content string) (bool, error) {
	normalizedName := strings.ToLower(strings.TrimSpace(name))
	upperContent := strings.ToUpper(content)
	nonTx := strings.HasSuffix(normalizedName, nonTransactionalMigrationSuffix)

	if !nonTx {
		if strings.Contains(upperContent, "VACUUM") || strings.Contains(upperContent, "PRAGMA") {
			return false, errors.New("VACUUM/PRAGMA statements must be placed in *_notx.sql migrations")
		}
		return false, nil
	}

	if strings.Contains(upperContent, "BEGIN") || strings.Contains(upperContent, "COMMIT") || strings.Contains(upperContent, "ROLLBACK") {
		return false, errors.New("*_notx.sql must not contain transaction control statements (BEGIN/COMMIT/ROLLBACK)")
	}

	statements := splitSQLStatements(content)
	for _, stmt := range statements {
		normalizedStmt := strings.ToUpper(stripSQLLineComment(strings.TrimSpace(stmt)))
		if normalizedStmt == "" {
			continue
		}
		if !strings.HasPrefix(normalizedStmt, "VACUUM") && !strings.HasPrefix(normalizedStmt, "PRAGMA") {
			return false, errors.New("*_notx.sql currently only supports VACUUM/PRAGMA statements")
		}
	}

	return true, nil
}

func splitSQLStatements(content string) []string {
	parts := strings.Split(content, ";")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func stripSQLLineComment(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if idx := strings.Index(line, "--"); idx >= 0 {
			lines[i] = line[:idx]
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
