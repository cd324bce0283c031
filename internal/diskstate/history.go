package diskstate

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// historySchema follows a single-statement,
// IF-NOT-EXISTS schema, scoped to execution history instead of chat
// sessions/messages.
const historySchema = `
CREATE TABLE IF NOT EXISTS executions (
	id           TEXT PRIMARY KEY,
	harness_id   TEXT NOT NULL,
	cwd          TEXT,
	status       TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at DESC);
`

// HistoryRecord is one persisted execution's durable summary — the broker's
// own in-memory Execution is authoritative while live; this is what
// survives past its GC deadline for later inspection.
type HistoryRecord struct {
	ID          string
	HarnessID   string
	Cwd         string
	Status      string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// HistoryStore persists a rolling window of completed executions to SQLite,
// grounded on internal/session/sqlite.go's WAL/busy-timeout pragma set and
// IF-NOT-EXISTS schema style.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore opens (creating if absent) the execution-history
// database at dir/history.db, or an in-memory database when dir is empty.
func NewHistoryStore(dir string) (*HistoryStore, error) {
	dsn := ":memory:"
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		dsn = filepath.Join(dir, "history.db")
	}
	if dsn != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// Record upserts one execution's current state. The broker calls this on
// every status transition; write failures are logged by the caller and
// never block the in-memory path, per its persistent-store policy.
func (h *HistoryStore) Record(ctx context.Context, rec HistoryRecord) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO executions (id, harness_id, cwd, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at
	`, rec.ID, rec.HarnessID, rec.Cwd, rec.Status, rec.CreatedAt, nullTime(rec.CompletedAt))
	if err != nil {
		return fmt.Errorf("record execution %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns a previously recorded execution by id.
func (h *HistoryStore) Get(ctx context.Context, id string) (*HistoryRecord, error) {
	row := h.db.QueryRowContext(ctx,
		`SELECT id, harness_id, cwd, status, created_at, completed_at FROM executions WHERE id = ?`, id)

	var rec HistoryRecord
	var cwd sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.HarnessID, &cwd, &rec.Status, &rec.CreatedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	rec.Cwd = cwd.String
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// Recent returns the most recently created executions, newest first.
func (h *HistoryStore) Recent(ctx context.Context, limit int) ([]HistoryRecord, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, harness_id, cwd, status, created_at, completed_at FROM executions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent executions: %w", err)
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		var cwd sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.HarnessID, &cwd, &rec.Status, &rec.CreatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		rec.Cwd = cwd.String
		if completedAt.Valid {
			t := completedAt.Time
			rec.CompletedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes completed executions older than olderThan, bounding the
// history database's growth the same way a periodic cleanup() would bound a
// session table by age.
func (h *HistoryStore) Prune(ctx context.Context, olderThan time.Time) error {
	_, err := h.db.ExecContext(ctx,
		`DELETE FROM executions WHERE completed_at IS NOT NULL AND completed_at < ?`, olderThan)
	if err != nil {
		return fmt.Errorf("prune execution history: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (h *HistoryStore) Close() error {
	return h.db.Close()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
