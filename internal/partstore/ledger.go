package partstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/partdl/internal/utils"
	_ "modernc.org/sqlite"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	namespace    TEXT PRIMARY KEY,
	object_id    TEXT NOT NULL,
	etag         TEXT NOT NULL DEFAULT '',
	total_size   INTEGER NOT NULL,
	segment_size INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS segments (
	namespace    TEXT NOT NULL,
	idx          INTEGER NOT NULL,
	size         INTEGER NOT NULL,
	completed_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, idx)
);`

// Ledger records which source and segmentation a set of stored parts
// belongs to, so parts from a changed object are never merged.
type Ledger struct {
	db *sql.DB
}

func OpenLedger(dbPath string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Begin registers a session. If a previous session under the same namespace
// saw a different object or segmentation it reports stale; with force the
// old records are dropped, otherwise ErrSourceChanged is returned.
func (l *Ledger) Begin(ctx context.Context, namespace string, obj utils.RemoteObject, segmentSize int64, force bool) (bool, error) {
	var etag string
	var total, segSize int64
	err := l.db.QueryRowContext(ctx,
		`SELECT etag, total_size, segment_size FROM sessions WHERE namespace = ?`, namespace,
	).Scan(&etag, &total, &segSize)
	stale := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, fmt.Errorf("failed to read ledger: %w", err)
	default:
		etagChanged := etag != "" && obj.ETag != "" && etag != obj.ETag
		stale = etagChanged || total != obj.TotalSize || segSize != segmentSize
	}
	if stale && !force {
		return true, fmt.Errorf("%s: %w (use --force to discard stored parts)", namespace, utils.ErrSourceChanged)
	}
	if stale {
		log.Warn().Str("op", "partstore/ledger").Msgf("discarding stale records for %s", namespace)
		if _, err := l.db.ExecContext(ctx, `DELETE FROM segments WHERE namespace = ?`, namespace); err != nil {
			return true, fmt.Errorf("failed to reset ledger: %w", err)
		}
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO sessions (namespace, object_id, etag, total_size, segment_size, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace) DO UPDATE SET
			object_id = excluded.object_id,
			etag = excluded.etag,
			total_size = excluded.total_size,
			segment_size = excluded.segment_size,
			updated_at = excluded.updated_at`,
		namespace, obj.ID, obj.ETag, obj.TotalSize, segmentSize, time.Now().Unix())
	if err != nil {
		return stale, fmt.Errorf("failed to record session: %w", err)
	}
	return stale, nil
}

func (l *Ledger) MarkDone(ctx context.Context, namespace string, index int, size int64) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO segments (namespace, idx, size, completed_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, idx) DO UPDATE SET size = excluded.size, completed_at = excluded.completed_at`,
		namespace, index, size, time.Now().Unix())
	return err
}

// Completed returns the recorded size of every finalized segment.
func (l *Ledger) Completed(ctx context.Context, namespace string) (map[int]int64, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT idx, size FROM segments WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	done := make(map[int]int64)
	for rows.Next() {
		var idx int
		var size int64
		if err := rows.Scan(&idx, &size); err != nil {
			return nil, err
		}
		done[idx] = size
	}
	return done, rows.Err()
}

func (l *Ledger) Forget(ctx context.Context, namespace string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM segments WHERE namespace = ?`, namespace); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx, `DELETE FROM sessions WHERE namespace = ?`, namespace)
	return err
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
