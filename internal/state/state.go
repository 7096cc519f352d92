// Package state implements the state tracker: a durable, SQLite-backed
// record of each worker's last-known lifecycle state, keyed by worker
// identity.
//
// The tracker exists because operator sessions and process lifetimes
// are shorter than worker drain times. The database file, not any
// process's memory, is the source of truth for "where did we leave
// this worker".
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/terrpan/foldgate/internal/worker"
)

// Record is the persisted lifecycle state for one worker. Records are
// never deleted: the current row is overwritten, and every write is
// also appended to the history table.
type Record struct {
	Identity       worker.Identity       `json:"identity"`
	LastKnownState worker.LifecycleState `json:"last_known_state"`
	RecordedAt     time.Time             `json:"recorded_at"`
	RecordedBy     string                `json:"recorded_by"`
}

const schema = `
CREATE TABLE IF NOT EXISTS worker_current (
	provider    TEXT NOT NULL,
	name        TEXT NOT NULL,
	address     TEXT NOT NULL,
	state       TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	recorded_by TEXT NOT NULL,
	PRIMARY KEY (provider, name)
);

CREATE TABLE IF NOT EXISTS worker_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	provider    TEXT NOT NULL,
	name        TEXT NOT NULL,
	address     TEXT NOT NULL,
	state       TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	recorded_by TEXT NOT NULL
);
`

// Tracker stores worker lifecycle states in a SQLite database file.
// Writes for different workers never conflict; writes for the same
// worker are serialized by the database.
type Tracker struct {
	db *sql.DB
}

// Open opens (creating if needed) the tracker database at path with
// WAL journal mode and a busy timeout, and applies the schema.
func Open(path string) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	// The pragmas go in the DSN so they apply to every pooled
	// connection, not just the one that happens to run an Exec.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema to %s: %w", path, err)
	}

	return &Tracker{db: db}, nil
}

// Close releases the database handle.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// Record stores st as the worker's current state and appends it to the
// history. who identifies the operator or session making the write.
func (t *Tracker) Record(ctx context.Context, id worker.Identity, st worker.LifecycleState, who string) error {
	if !st.Valid() {
		return fmt.Errorf("invalid lifecycle state %q", st)
	}
	if who == "" {
		return fmt.Errorf("recorded_by is required")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin state tx: %w", err)
	}
	defer tx.Rollback()

	// Re-recording the current state is idempotent; anything else must
	// be a legal lifecycle transition.
	var prev string
	err = tx.QueryRowContext(ctx, `
		SELECT state FROM worker_current
		WHERE provider = ? AND name = ?`,
		id.Provider, id.Name).Scan(&prev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First observation.
	case err != nil:
		return fmt.Errorf("reading current state for %s: %w", id, err)
	default:
		cur := worker.LifecycleState(prev)
		if cur != st && !cur.CanTransition(st) {
			return fmt.Errorf("illegal lifecycle transition %s -> %s for %s", cur, st, id)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO worker_current (provider, name, address, state, recorded_at, recorded_by)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, name) DO UPDATE SET
			address = excluded.address,
			state = excluded.state,
			recorded_at = excluded.recorded_at,
			recorded_by = excluded.recorded_by`,
		id.Provider, id.Name, id.Address, string(st), now, who)
	if err != nil {
		return fmt.Errorf("upserting current state for %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO worker_history (provider, name, address, state, recorded_at, recorded_by)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id.Provider, id.Name, id.Address, string(st), now, who)
	if err != nil {
		return fmt.Errorf("appending history for %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state tx: %w", err)
	}

	return nil
}

// Get returns the worker's current record, or nil if the worker has
// never been observed.
func (t *Tracker) Get(ctx context.Context, id worker.Identity) (*Record, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT address, state, recorded_at, recorded_by
		FROM worker_current
		WHERE provider = ? AND name = ?`,
		id.Provider, id.Name)

	var address, st, at, by string
	if err := row.Scan(&address, &st, &at, &by); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state for %s: %w", id, err)
	}

	recordedAt, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return nil, fmt.Errorf("parsing recorded_at for %s: %w", id, err)
	}

	return &Record{
		Identity:       worker.Identity{Provider: id.Provider, Name: id.Name, Address: address},
		LastKnownState: worker.LifecycleState(st),
		RecordedAt:     recordedAt,
		RecordedBy:     by,
	}, nil
}

// Age returns how long ago the worker's current state was recorded.
// A worker that was never observed has no age and returns an error.
func (t *Tracker) Age(ctx context.Context, id worker.Identity) (time.Duration, error) {
	rec, err := t.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, fmt.Errorf("worker %s has no recorded state", id)
	}
	return time.Since(rec.RecordedAt), nil
}

// List returns the current record of every worker ever observed,
// ordered by provider then name.
func (t *Tracker) List(ctx context.Context) ([]Record, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT provider, name, address, state, recorded_at, recorded_by
		FROM worker_current
		ORDER BY provider, name`)
	if err != nil {
		return nil, fmt.Errorf("listing worker states: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var provider, name, address, st, at, by string
		if err := rows.Scan(&provider, &name, &address, &st, &at, &by); err != nil {
			return nil, fmt.Errorf("scanning worker state: %w", err)
		}
		recordedAt, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parsing recorded_at for %s/%s: %w", provider, name, err)
		}
		records = append(records, Record{
			Identity:       worker.Identity{Provider: provider, Name: name, Address: address},
			LastKnownState: worker.LifecycleState(st),
			RecordedAt:     recordedAt,
			RecordedBy:     by,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating worker states: %w", err)
	}

	return records, nil
}

// History returns every recorded state for the worker in write order.
func (t *Tracker) History(ctx context.Context, id worker.Identity) ([]Record, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT address, state, recorded_at, recorded_by
		FROM worker_history
		WHERE provider = ? AND name = ?
		ORDER BY id`,
		id.Provider, id.Name)
	if err != nil {
		return nil, fmt.Errorf("reading history for %s: %w", id, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var address, st, at, by string
		if err := rows.Scan(&address, &st, &at, &by); err != nil {
			return nil, fmt.Errorf("scanning history for %s: %w", id, err)
		}
		recordedAt, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parsing recorded_at for %s: %w", id, err)
		}
		records = append(records, Record{
			Identity:       worker.Identity{Provider: id.Provider, Name: id.Name, Address: address},
			LastKnownState: worker.LifecycleState(st),
			RecordedAt:     recordedAt,
			RecordedBy:     by,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history for %s: %w", id, err)
	}

	return records, nil
}
