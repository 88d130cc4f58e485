package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"tunnel/pkg/logging"

	"github.com/dustin/go-humanize"
	ps "github.com/mitchellh/go-ps"
	_ "modernc.org/sqlite"
)

// Entry is one session as recorded by the process that owns it.
type Entry struct {
	SessionID     string
	TargetID      string
	TargetName    string
	LocalAddr     string
	LocalPort     int
	PID           int
	State         string
	Relay         string
	LastError     string
	StartedAt     time.Time
	UpdatedAt     time.Time
	StopRequested bool
	// Alive is computed on read: the owning process still exists.
	Alive bool
}

// Age renders how long ago the session started, e.g. "3 minutes ago".
func (e Entry) Age() string { return humanize.Time(e.StartedAt) }

// terminal reports whether the recorded state is final.
func (e Entry) terminal() bool { return e.State == "closed" || e.State == "error" }

// Registry records the sessions of every tunnel process on the machine, so that list and
// stop work across processes.
type Registry struct {
	db   *sql.DB
	path string
	// processAlive is swapped out in tests
	processAlive func(pid int) bool
	now          func() time.Time
}

// Open opens (creating if needed) the registry database at path.
func Open(ctx context.Context, path string) (*Registry, error) {
	if path == "" {
		return nil, errors.New("registry path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	// several processes share the file; wait on locks instead of failing with SQLITE_BUSY
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping registry: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		logging.Debug("Registry", "Could not restrict permissions of %s: %v", path, err)
	}

	r := &Registry{db: db, path: path, processAlive: processAlive, now: time.Now}
	if err := r.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	logging.Debug("Registry", "Session registry opened at %s", path)
	return r, nil
}

func (r *Registry) initializeSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id     TEXT PRIMARY KEY,
		target_id      TEXT NOT NULL,
		target_name    TEXT NOT NULL,
		local_addr     TEXT NOT NULL,
		local_port     INTEGER NOT NULL,
		pid            INTEGER NOT NULL,
		state          TEXT NOT NULL,
		relay          TEXT NOT NULL DEFAULT '',
		last_error     TEXT NOT NULL DEFAULT '',
		started_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		stop_requested INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_target ON sessions(target_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_pid ON sessions(pid);
	`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Path returns the database file.
func (r *Registry) Path() string { return r.path }

// Close closes the database.
func (r *Registry) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Upsert records the current view of a session. The stop request flag is preserved.
func (r *Registry) Upsert(ctx context.Context, e Entry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = r.now()
	}
	query := `
		INSERT INTO sessions (session_id, target_id, target_name, local_addr, local_port, pid, state, relay, last_error, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			relay = excluded.relay,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		e.SessionID, e.TargetID, e.TargetName, e.LocalAddr, e.LocalPort, e.PID, e.State, e.Relay, e.LastError,
		e.StartedAt.UnixNano(), e.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", e.SessionID, err)
	}
	return nil
}

// Remove deletes a session row.
func (r *Registry) Remove(ctx context.Context, sessionID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to remove session %s: %w", sessionID, err)
	}
	return nil
}

// List returns every recorded session, oldest first, with liveness filled in.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, target_id, target_name, local_addr, local_port, pid, state, relay, last_error, started_at, updated_at, stop_requested
		FROM sessions ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                Entry
			started, updated int64
			stopRequested    int
		)
		if err := rows.Scan(&e.SessionID, &e.TargetID, &e.TargetName, &e.LocalAddr, &e.LocalPort, &e.PID,
			&e.State, &e.Relay, &e.LastError, &started, &updated, &stopRequested); err != nil {
			return nil, fmt.Errorf("failed to read session row: %w", err)
		}
		e.StartedAt = time.Unix(0, started)
		e.UpdatedAt = time.Unix(0, updated)
		e.StopRequested = stopRequested != 0
		e.Alive = r.processAlive(e.PID)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Active returns the sessions that are not terminal and whose process is still running.
func (r *Registry) Active(ctx context.Context) ([]Entry, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, e := range all {
		if e.Alive && !e.terminal() {
			active = append(active, e)
		}
	}
	return active, nil
}

// RequestStop flags the live sessions of targetID for their owning process to stop. An
// empty targetID flags every live session. It returns the number of sessions flagged.
func (r *Registry) RequestStop(ctx context.Context, targetID string) (int, error) {
	active, err := r.Active(ctx)
	if err != nil {
		return 0, err
	}
	var ids []any
	for _, e := range active {
		if targetID == "" || e.TargetID == targetID {
			ids = append(ids, e.SessionID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := `UPDATE sessions SET stop_requested = 1 WHERE session_id IN (` + placeholders + `)`
	if _, err := r.db.ExecContext(ctx, query, ids...); err != nil {
		return 0, fmt.Errorf("failed to request stop: %w", err)
	}
	return len(ids), nil
}

// StopRequests returns the IDs of pid's sessions that another process asked to stop.
func (r *Registry) StopRequests(ctx context.Context, pid int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT session_id FROM sessions WHERE pid = ? AND stop_requested = 1 AND state NOT IN ('closed', 'error')`, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to read stop requests: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Prune deletes rows of processes that no longer run and terminal rows older than
// olderThan. It returns the number of rows deleted.
func (r *Registry) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	all, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-olderThan)
	pruned := 0
	for _, e := range all {
		if e.Alive && !(e.terminal() && e.UpdatedAt.Before(cutoff)) {
			continue
		}
		if err := r.Remove(ctx, e.SessionID); err != nil {
			return pruned, err
		}
		logging.Debug("Registry", "Pruned session %s (%s, pid %d, %s)", e.SessionID, e.TargetID, e.PID, e.State)
		pruned++
	}
	return pruned, nil
}

// processAlive reports whether a process with pid exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := ps.FindProcess(pid)
	if err != nil {
		logging.Debug("Registry", "Looking up process %d: %v", pid, err)
		return false
	}
	return p != nil
}
