// Package store is the fabric's persistence layer: a per-entity keyed
// value store (C8's entity store) plus an append-only transaction log,
// backed by Postgres when DATABASE_URL is set and falling back to a local
// SQLite file otherwise — the same dual-driver convention the rest of the
// stack uses for local development versus production.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Kind tags the entity type half of a {kind}:{id} store key.
type Kind string

const (
	KindAgent       Kind = "agent"
	KindWallet      Kind = "wallet"
	KindEscrow      Kind = "escrow"
	KindTask        Kind = "task"
	KindBucket      Kind = "bucket"
	KindTool        Kind = "tool"
)

// Store wraps a *sql.DB with driver-aware SQL and holds the JSON-valued
// entity table plus the append-only log table.
type Store struct {
	db       *sql.DB
	driver   string // "postgres" or "sqlite3"
	logger   *zap.Logger
}

// Open connects to Postgres if databaseURL is non-empty, else to a local
// SQLite file at sqlitePath, and runs migrations on either.
func Open(ctx context.Context, databaseURL, sqlitePath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		db     *sql.DB
		err    error
		driver string
	)
	if databaseURL != "" {
		driver = "postgres"
		db, err = sql.Open("postgres", databaseURL)
		logger.Info("store: using postgres", zap.String("driver", driver))
	} else {
		driver = "sqlite3"
		db, err = sql.Open("sqlite3", sqlitePath+"?_busy_timeout=5000&_journal_mode=WAL")
		logger.Info("store: using local sqlite", zap.String("path", sqlitePath))
	}
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db, driver: driver, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// OpenWithDB wraps an already-open *sql.DB, used by tests that want an
// in-memory sqlite handle.
func OpenWithDB(ctx context.Context, db *sql.DB, driver string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{db: db, driver: driver, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) placeholder(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *Store) migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, name := range names {
		var exists int
		row := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM schema_migrations WHERE version = %s", s.placeholder(1)),
			name)
		if err := row.Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if exists > 0 {
			continue
		}

		sqlBytes, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO schema_migrations (version) VALUES (%s)", s.placeholder(1)),
			name); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		s.logger.Info("store: applied migration", zap.String("name", name))
	}
	return nil
}

func key(kind Kind, id string) string { return fmt.Sprintf("%s:%s", kind, id) }

// Put upserts an opaque JSON value for {kind}:{id}. Called only from
// within the owning actor's shard — the store itself does not serialize
// read-modify-write, that is the actor's job (see internal/actor).
func (s *Store) Put(ctx context.Context, kind Kind, id string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", kind, err)
	}
	k := key(kind, id)
	var query string
	if s.driver == "postgres" {
		query = `INSERT INTO entities (key, kind, value) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = CURRENT_TIMESTAMP`
	} else {
		query = `INSERT INTO entities (key, kind, value) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`
	}
	_, err = s.db.ExecContext(ctx, query, k, string(kind), string(b))
	return err
}

// Get loads the JSON value for {kind}:{id} into dst. Returns
// sql.ErrNoRows (unwrapped) if absent so callers can translate to
// apierr.NotFound.
func (s *Store) Get(ctx context.Context, kind Kind, id string, dst any) error {
	k := key(kind, id)
	ph := s.placeholder(1)
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT value FROM entities WHERE key = %s", ph), k)
	var raw string
	if err := row.Scan(&raw); err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), dst)
}

// List calls fn once per stored entity of a kind with its raw JSON. Used
// sparingly (API-key lookup, timer recovery at boot) — not a general query
// surface.
func (s *Store) List(ctx context.Context, kind Kind, fn func(raw []byte) error) error {
	ph := s.placeholder(1)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT value FROM entities WHERE kind = %s", ph), string(kind))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		if err := fn([]byte(raw)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// DB exposes the underlying handle for components that need their own
// small read-only queries.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) IsPostgres() bool { return s.driver == "postgres" }
