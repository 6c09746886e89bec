// Package backup keeps a short history of todo file contents in the cache
// database so an unwanted overwrite can be undone.
//
// A snapshot is taken after every successful load and before every save.
// Snapshots older than the retention window are pruned on each write, and
// a snapshot identical to the newest one for the same path is skipped.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/todosync/todosync/internal/cache"
)

// DefaultRetention is how long snapshots are kept.
const DefaultRetention = 48 * time.Hour

const writeTimeout = 5 * time.Second

// ErrNotFound is returned by Get for an unknown snapshot.
var ErrNotFound = errors.New("backup not found")

// Entry is one stored snapshot.
type Entry struct {
	ID        int64
	Path      string
	Contents  string
	CreatedAt time.Time
}

// History stores snapshots in the "history" table.
type History struct {
	db        *sql.DB
	retention time.Duration
	logger    *zap.Logger

	// now is replaced in tests.
	now func() time.Time
}

// New ensures the history table exists. retention <= 0 means
// DefaultRetention.
func New(db *cache.DB, retention time.Duration, logger *zap.Logger) (*History, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &History{
		db:        db.RawDB(),
		retention: retention,
		logger:    logger.Named("backup"),
		now:       time.Now,
	}
	if err := h.initSchema(context.Background()); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *History) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL,
		contents TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_path_created ON history(path, created_at);
	`
	if _, err := h.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return nil
}

// Backup stores a snapshot and logs any failure. It satisfies the sync
// engine's backup sink.
func (h *History) Backup(path, contents string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := h.Save(ctx, path, contents); err != nil {
		h.logger.Warn("failed to back up file", zap.String("path", path), zap.Error(err))
	}
}

// Save stores a snapshot of contents for path and prunes expired ones.
func (h *History) Save(ctx context.Context, path, contents string) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest string
	err = tx.QueryRowContext(ctx,
		`SELECT contents FROM history WHERE path = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		path,
	).Scan(&latest)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read latest backup: %w", err)
	case latest == contents:
		return nil
	}

	now := h.now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history (path, contents, created_at) VALUES (?, ?, ?)`,
		path, contents, now.UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to insert backup: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM history WHERE created_at < ?`,
		now.Add(-h.retention).UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to prune backups: %w", err)
	}

	return tx.Commit()
}

// List returns snapshots for path, newest first. An empty path lists all
// paths. limit <= 0 means no limit.
func (h *History) List(ctx context.Context, path string, limit int) ([]Entry, error) {
	query := `SELECT id, path, contents, created_at FROM history`
	var args []any
	if path != "" {
		query += ` WHERE path = ?`
		args = append(args, path)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate backups: %w", err)
	}
	return entries, nil
}

// Get returns one snapshot by id.
func (h *History) Get(ctx context.Context, id int64) (Entry, error) {
	row := h.db.QueryRowContext(ctx,
		`SELECT id, path, contents, created_at FROM history WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e       Entry
		created int64
	)
	if err := s.Scan(&e.ID, &e.Path, &e.Contents, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("failed to scan backup: %w", err)
	}
	e.CreatedAt = time.Unix(0, created)
	return e, nil
}
