package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Register the pure-Go sqlite driver.
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed Ledger.
type Store struct {
	db   *sql.DB
	path string
}

const connPragmas = "_pragma=busy_timeout(5000)" +
	"&_pragma=journal_mode(WAL)" +
	"&_pragma=synchronous(NORMAL)" +
	"&_pragma=cache_size(-64000)" +
	"&_pragma=foreign_keys(ON)"

// Open opens (creating when needed) the usage database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Pragmas are per connection, so they travel in the DSN and apply to
	// every connection the pool opens.
	db, err := sql.Open("sqlite", path+"?"+connPragmas)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) createSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS usage (
		user_id TEXT NOT NULL,
		day TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, day)
	);
	CREATE INDEX IF NOT EXISTS idx_usage_day ON usage(day);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Increment performs an atomic upsert that adds to existing counters.
func (s *Store) Increment(ctx context.Context, userID string, day time.Time, inputTokens, outputTokens int64) error {
	query := `
		INSERT INTO usage (user_id, day, input_tokens, output_tokens)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, day) DO UPDATE SET
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens
	`
	if _, err := s.db.ExecContext(ctx, query, userID, Day(day), inputTokens, outputTokens); err != nil {
		return fmt.Errorf("increment usage for %s: %w", userID, err)
	}
	return nil
}

// SumSince returns input+output tokens for the user's rows with day >= since.
func (s *Store) SumSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(input_tokens + output_tokens), 0)
		FROM usage
		WHERE user_id = ? AND day >= ?
	`
	var total int64
	if err := s.db.QueryRowContext(ctx, query, userID, Day(since)).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum usage for %s: %w", userID, err)
	}
	return total, nil
}

// Prune deletes rows older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM usage WHERE day < ?", Day(before))
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	return result.RowsAffected()
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}
