// Package ledger keeps a durable history of delivery attempts in SQLite so
// the CLI can report what was last delivered to each user's device. It is
// bookkeeping only: nothing in the upload path reads it back.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Delivery statuses.
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// dirPerms matches the token directory: history names files and paths.
const dirPerms = 0o700

const (
	sqlInsertDelivery = `INSERT INTO deliveries
		(id, username, local_path, remote_path, size, chunks, content_hash, rev,
		 hash_verified, status, error_msg, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlSelectColumns = `SELECT id, username, local_path, remote_path, size, chunks,
		content_hash, rev, hash_verified, status, error_msg, started_at, finished_at
		FROM deliveries`

	sqlListByUser = sqlSelectColumns + ` WHERE username = ? ORDER BY finished_at DESC, rowid DESC LIMIT ?`

	sqlLastDelivered = sqlSelectColumns +
		` WHERE username = ? AND status = 'delivered' ORDER BY finished_at DESC, rowid DESC LIMIT 1`
)

// Delivery is one upload attempt.
type Delivery struct {
	ID           string
	Username     string
	LocalPath    string
	RemotePath   string
	Size         int64
	Chunks       int
	ContentHash  string
	Rev          string
	HashVerified bool
	Status       string
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Ledger is the delivery history. Safe for use by one process; SQLite
// serializes writers.
type Ledger struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// Open opens (creating if needed) the database at dbPath and applies
// pending migrations.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), dirPerms); err != nil {
		return nil, fmt.Errorf("ledger: creating directory for %s: %w", dbPath, err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("delivery ledger opened", slog.String("db_path", dbPath))

	return &Ledger{db: db, logger: logger, nowFunc: time.Now}, nil
}

// runMigrations applies all pending schema migrations to the database.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ledger: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("ledger: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("ledger: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Record stores d and returns it with ID and timestamps filled in.
func (l *Ledger) Record(ctx context.Context, d Delivery) (Delivery, error) {
	if d.Username == "" {
		return d, errors.New("ledger: delivery has no username")
	}

	if d.Status != StatusDelivered && d.Status != StatusFailed {
		return d, fmt.Errorf("ledger: unknown status %q", d.Status)
	}

	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	if d.FinishedAt.IsZero() {
		d.FinishedAt = l.nowFunc()
	}

	if d.StartedAt.IsZero() {
		d.StartedAt = d.FinishedAt
	}

	_, err := l.db.ExecContext(ctx, sqlInsertDelivery,
		d.ID, d.Username, d.LocalPath, d.RemotePath, d.Size, d.Chunks, d.ContentHash, d.Rev,
		d.HashVerified, d.Status, d.Error, d.StartedAt.UnixNano(), d.FinishedAt.UnixNano(),
	)
	if err != nil {
		return d, fmt.Errorf("ledger: recording delivery: %w", err)
	}

	l.logger.Debug("delivery recorded",
		slog.String("id", d.ID),
		slog.String("user", d.Username),
		slog.String("status", d.Status),
	)

	return d, nil
}

// Last returns the most recent successful delivery for username, or nil if
// there is none.
func (l *Ledger) Last(ctx context.Context, username string) (*Delivery, error) {
	d, err := scanDelivery(l.db.QueryRowContext(ctx, sqlLastDelivered, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil delivery means none recorded
	}

	if err != nil {
		return nil, fmt.Errorf("ledger: reading last delivery: %w", err)
	}

	return d, nil
}

// List returns up to limit attempts for username, newest first.
func (l *Ledger) List(ctx context.Context, username string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := l.db.QueryContext(ctx, sqlListByUser, username, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery

	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scanning delivery: %w", err)
		}

		out = append(out, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating deliveries: %w", err)
	}

	return out, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDelivery(s scanner) (*Delivery, error) {
	var (
		d                 Delivery
		started, finished int64
	)

	err := s.Scan(&d.ID, &d.Username, &d.LocalPath, &d.RemotePath, &d.Size, &d.Chunks,
		&d.ContentHash, &d.Rev, &d.HashVerified, &d.Status, &d.Error, &started, &finished)
	if err != nil {
		return nil, err
	}

	d.StartedAt = time.Unix(0, started).UTC()
	d.FinishedAt = time.Unix(0, finished).UTC()

	return &d, nil
}
