// Package sqlite is the embedded offsync backend. A single database file holds
// one table per entity type, the sync queue, the conflict log and the
// metadata slot.
//
// The database runs in WAL mode so readers never wait on the writer. Writers
// are serialized in-process and every record write is its own transaction.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offsync/internal/compression"
	"github.com/cybertec-postgresql/offsync/internal/model"
	"github.com/cybertec-postgresql/offsync/internal/queue"
	"github.com/cybertec-postgresql/offsync/internal/retry"
	"github.com/cybertec-postgresql/offsync/internal/store"
)

var (
	_ store.Store = (*DB)(nil)
	_ queue.Queue = (*DB)(nil)
)

// DB implements store.Store and queue.Queue on one SQLite file
type DB struct {
	conn  *sql.DB
	path  string
	codec *compression.Codec
	mu    sync.Mutex // serializes writers
	now   func() time.Time
}

// Option customizes Open
type Option func(*options)

type options struct {
	compress bool
	level    int
}

// WithCompression enables or disables zstd compression of payload blobs.
// Existing compressed rows remain readable either way.
func WithCompression(enabled bool, level int) Option {
	return func(o *options) {
		o.compress = enabled
		o.level = level
	}
}

// Open opens or creates the database at path and applies the schema
func Open(ctx context.Context, path string, opts ...Option) (*DB, error) {
	o := options{compress: true, level: 2}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_txlock=immediate"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	err = retry.Do(ctx, retry.LocalStore(), "sqlite ping", func(ctx context.Context) error {
		return conn.PingContext(ctx)
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	codec, err := compression.NewCodec(o.level, o.compress)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn, path: path, codec: codec, now: time.Now}
	if err := db.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"path":        path,
		"compression": o.compress,
	}).Info("Opened local store")
	return db, nil
}

// Close checkpoints the WAL and closes the database
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logrus.WithError(err).Warn("Failed to checkpoint WAL")
	}
	err := db.conn.Close()
	db.conn = nil
	_ = db.codec.Close()
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (db *DB) initSchema(ctx context.Context) error {
	var stmts []string
	for _, t := range model.EntityTypes {
		table := "records_" + string(t)
		stmts = append(stmts,
			`CREATE TABLE IF NOT EXISTS `+table+` (
				entity_id      TEXT PRIMARY KEY,
				payload        BLOB NOT NULL,
				version        INTEGER NOT NULL,
				remote_version INTEGER NOT NULL DEFAULT 0,
				last_modified  INTEGER NOT NULL,
				field_modified TEXT,
				sync_status    TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_`+table+`_status ON `+table+`(sync_status)`,
			`CREATE INDEX IF NOT EXISTS idx_`+table+`_modified ON `+table+`(last_modified)`,
		)
	}
	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id              TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			entity_type     TEXT NOT NULL,
			entity_id       TEXT NOT NULL,
			payload         BLOB,
			base_version    INTEGER NOT NULL DEFAULT 0,
			priority        INTEGER NOT NULL DEFAULT 0,
			enqueued_at     INTEGER NOT NULL,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT NOT NULL DEFAULT '',
			conflict_id     TEXT NOT NULL DEFAULT '',
			parked          INTEGER NOT NULL DEFAULT 0,
			failed_at       INTEGER NOT NULL DEFAULT 0,
			park_reason     TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_drain ON sync_queue(parked, priority DESC, enqueued_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(entity_type, entity_id)`,
		`CREATE TABLE IF NOT EXISTS conflicts (
			id            TEXT PRIMARY KEY,
			entity_type   TEXT NOT NULL,
			entity_id     TEXT NOT NULL,
			conflict_type TEXT NOT NULL,
			operation_id  TEXT NOT NULL DEFAULT '',
			local_record  TEXT NOT NULL,
			remote_record TEXT NOT NULL,
			detected_at   INTEGER NOT NULL,
			resolved      INTEGER NOT NULL DEFAULT 0,
			resolution    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_open ON conflicts(resolved, detected_at)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	)

	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// write runs fn in a transaction while holding the writer lock
func (db *DB) write(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return model.NewStorageError(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return model.NewStorageError(op, err)
	}
	return nil
}

func tableFor(t model.EntityType) (string, error) {
	if _, err := model.KindOf(t); err != nil {
		return "", err
	}
	return "records_" + string(t), nil
}

func notFound(what string, key ...string) error {
	return fmt.Errorf("%w: %s %s", model.ErrNotFound, what, strings.Join(key, "/"))
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
