package security

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"wxbridge/internal/domain"

	_ "modernc.org/sqlite"
)

// migration is one schema step, applied once and tracked in schema_version.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "paired_users allow-list",
		SQL: `
		CREATE TABLE IF NOT EXISTS paired_users (
			user_id      TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			approved_at  TEXT NOT NULL,
			approved_by  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_paired_users_approved ON paired_users(approved_at);
		`,
	},
}

// Store is the SQLite-backed allow-list. Entries are never removed.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ domain.AllowList = (*Store)(nil)

// OpenStore opens (creating if needed) the allow-list database at dbPath.
func OpenStore(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s, err := NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database and applies pending migrations.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current := 0
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
		s.logger.Info("migration applied", "version", m.Version, "description", m.Description)
	}
	return nil
}

// IsAllowed reports whether userID is on the allow-list.
func (s *Store) IsAllowed(ctx context.Context, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM paired_users WHERE user_id = ?", userID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check allow-list: %w", err)
	}
	return count > 0, nil
}

// Allow appends rec unless the user is already present, in which case
// the existing entry is left untouched and false is returned.
func (s *Store) Allow(ctx context.Context, rec domain.PairingRecord) (bool, error) {
	if rec.UserID == "" {
		return false, fmt.Errorf("allow: empty user id")
	}
	if rec.ApprovedAt.IsZero() {
		rec.ApprovedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO paired_users (user_id, display_name, approved_at, approved_by)
		 VALUES (?, ?, ?, ?)`,
		rec.UserID, rec.DisplayName, rec.ApprovedAt.UTC().Format(time.RFC3339Nano), rec.ApprovedBy,
	)
	if err != nil {
		return false, fmt.Errorf("allow %s: %w", rec.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("allow %s: %w", rec.UserID, err)
	}
	return n > 0, nil
}

// List returns every entry, oldest approval first.
func (s *Store) List(ctx context.Context) ([]domain.PairingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, display_name, approved_at, approved_by FROM paired_users ORDER BY approved_at, user_id")
	if err != nil {
		return nil, fmt.Errorf("list allow-list: %w", err)
	}
	defer rows.Close()

	var out []domain.PairingRecord
	for rows.Next() {
		var rec domain.PairingRecord
		var approvedAt string
		if err := rows.Scan(&rec.UserID, &rec.DisplayName, &approvedAt, &rec.ApprovedBy); err != nil {
			return nil, fmt.Errorf("scan allow-list: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, approvedAt); err == nil {
			rec.ApprovedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM paired_users").Scan(&n); err != nil {
		return 0, fmt.Errorf("count allow-list: %w", err)
	}
	return n, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
