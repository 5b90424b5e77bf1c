package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/thoughtd/internal/eventlog"

	_ "modernc.org/sqlite"
)

const instrumentationName = "github.com/fyrsmithlabs/thoughtd/internal/store"

// ErrNotFound is returned when a thought does not exist for the tenant.
var ErrNotFound = errors.New("not found")

// Options configures a SQLiteStore.
type Options struct {
	// ExpectedItems and FalsePositiveRate size a tenant's fingerprint set the
	// first time the tenant submits. Later changes do not affect existing tenants.
	ExpectedItems     uint
	FalsePositiveRate float64
	BusyTimeout       time.Duration
	Logger            *zap.Logger
}

// SQLiteStore persists thoughts and event logs in SQLite.
type SQLiteStore struct {
	db      *sql.DB
	logger  *zap.Logger
	tracer  trace.Tracer
	signals *signals

	bloomBits   uint
	bloomHashes uint
}

var _ eventlog.Log = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path. Parent
// directories are created.
func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ExpectedItems == 0 {
		opts.ExpectedItems = 100_000
	}
	if opts.FalsePositiveRate <= 0 || opts.FalsePositiveRate >= 1 {
		opts.FalsePositiveRate = 0.001
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers; every multi-statement
	// operation runs inside one transaction on it.
	db.SetMaxOpenConns(1)

	m, k := bloom.EstimateParameters(opts.ExpectedItems, opts.FalsePositiveRate)
	s := &SQLiteStore{
		db:          db,
		logger:      logger.Named("store"),
		tracer:      otel.Tracer(instrumentationName),
		signals:     newSignals(),
		bloomBits:   m,
		bloomHashes: k,
	}

	if err := s.createSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("sqlite store initialized",
		zap.String("path", path),
		zap.Uint("bloom_bits", m),
		zap.Uint("bloom_hashes", k))
	return s, nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS thoughts (
			tenant      TEXT NOT NULL,
			id          TEXT NOT NULL,
			content     TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			chain_id    TEXT NOT NULL DEFAULT '',
			sequence    INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			PRIMARY KEY (tenant, id)
		);

		CREATE INDEX IF NOT EXISTS idx_thoughts_fingerprint
			ON thoughts(tenant, fingerprint);

		CREATE VIRTUAL TABLE IF NOT EXISTS thoughts_fts USING fts5(
			content,
			tenant UNINDEXED,
			thought_id UNINDEXED,
			tokenize = 'porter unicode61'
		);

		CREATE TABLE IF NOT EXISTS fingerprint_params (
			tenant TEXT PRIMARY KEY,
			bits   INTEGER NOT NULL,
			hashes INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS fingerprint_bits (
			tenant TEXT NOT NULL,
			bit    INTEGER NOT NULL,
			PRIMARY KEY (tenant, bit)
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS streams (
			name          TEXT PRIMARY KEY,
			tenant        TEXT NOT NULL UNIQUE,
			last_position INTEGER NOT NULL DEFAULT 0,
			created_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS events (
			tenant      TEXT NOT NULL,
			position    INTEGER NOT NULL,
			fields      TEXT NOT NULL,
			appended_at INTEGER NOT NULL,
			PRIMARY KEY (tenant, position)
		);

		CREATE TABLE IF NOT EXISTS consumer_groups (
			tenant         TEXT NOT NULL,
			name           TEXT NOT NULL,
			last_delivered INTEGER NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL,
			PRIMARY KEY (tenant, name)
		);

		CREATE TABLE IF NOT EXISTS pending (
			tenant         TEXT NOT NULL,
			group_name     TEXT NOT NULL,
			position       INTEGER NOT NULL,
			consumer       TEXT NOT NULL,
			delivered_at   INTEGER NOT NULL,
			delivery_count INTEGER NOT NULL,
			PRIMARY KEY (tenant, group_name, position)
		);

		CREATE TABLE IF NOT EXISTS parked (
			tenant     TEXT NOT NULL,
			group_name TEXT NOT NULL,
			position   INTEGER NOT NULL,
			thought_id TEXT NOT NULL DEFAULT '',
			reason     TEXT NOT NULL,
			attempts   INTEGER NOT NULL,
			parked_at  INTEGER NOT NULL,
			PRIMARY KEY (tenant, group_name, position)
		);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Signal wakes claims blocked on the tenant's stream. Appends made through
// this store signal automatically; callers relay appends observed elsewhere.
func (s *SQLiteStore) Signal(tenant string) {
	s.signals.broadcast(tenant)
}

// withTx runs fn inside a write transaction.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// unavailable tags infrastructure failures so callers can classify them.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, eventlog.ErrUnavailable, err)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func nowNanos() int64 {
	return time.Now().UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
