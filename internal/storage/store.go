package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "resfarm/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a request/item/resource id is unknown.
var ErrNotFound = errors.New("not found")

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}

// Store owns all scheduling state: requests, batches, items, resource usage
// counters and dynamic settings. Every multi-row step that must be consistent
// runs in one transaction.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d;", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- small row helpers ----

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := unixToTime(v.Int64)
	return &t
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
