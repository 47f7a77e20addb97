package update

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists updates and leases in SQLite.
// Use ":memory:" for an in-memory database, or a file path for persistent storage.
type Store struct {
	db *sql.DB
}

// NewStore opens (and if needed initializes) the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows a single writer; serialize access through one
	// connection so concurrent triggers queue instead of failing with
	// SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS updates (
		id TEXT PRIMARY KEY,
		course_key TEXT NOT NULL,
		request_ip TEXT NOT NULL DEFAULT '',
		commit_hash TEXT,
		status TEXT NOT NULL,
		log TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_updates_course ON updates(course_key, created_at);
	-- At most one non-terminal update per course, enforced by the database
	-- so the invariant holds across processes.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_updates_active
		ON updates(course_key) WHERE status IN ('pending','running');
	CREATE TABLE IF NOT EXISTS leases (
		course_key TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create records a new pending update for a course.
//
// Conflict policy: if a pending update exists it is superseded, marked
// skipped and replaced by the new one (the newest trigger wins). If a
// running update exists the trigger is rejected with ErrCourseBusy; the
// course is triggerable again once the run reaches a terminal status.
func (s *Store) Create(ctx context.Context, courseKey, requestIP string) (*Update, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var activeID string
	var activeStatus Status
	err = tx.QueryRowContext(ctx,
		`SELECT id, status FROM updates WHERE course_key = ? AND status IN ('pending','running')`,
		courseKey,
	).Scan(&activeID, &activeStatus)
	switch {
	case err == sql.ErrNoRows:
		// no active update
	case err != nil:
		return nil, fmt.Errorf("query active update: %w", err)
	case activeStatus == StatusRunning:
		return nil, &ErrCourseBusy{CourseKey: courseKey}
	default:
		// Supersede the queued-but-not-started update.
		now := time.Now().UnixMilli()
		_, err = tx.ExecContext(ctx,
			`UPDATE updates SET status = ?, log = log || ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
			StatusSkipped, "superseded by a newer trigger\n", now, activeID,
		)
		if err != nil {
			return nil, fmt.Errorf("supersede pending update: %w", err)
		}
	}

	u := &Update{
		ID:        uuid.NewString(),
		CourseKey: courseKey,
		RequestIP: requestIP,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO updates (id, course_key, request_ip, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.CourseKey, u.RequestIP, u.Status, u.CreatedAt.UnixMilli(), u.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race against a concurrent trigger.
			return nil, &ErrCourseBusy{CourseKey: courseKey}
		}
		return nil, fmt.Errorf("insert update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, &ErrCourseBusy{CourseKey: courseKey}
		}
		return nil, fmt.Errorf("commit: %w", err)
	}
	return u, nil
}

// ClaimRunning transitions a pending update to running. It returns false
// when the update is no longer pending (superseded or already claimed),
// in which case the caller must not run the pipeline for it.
func (s *Store) ClaimRunning(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE updates SET status = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		StatusRunning, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return false, fmt.Errorf("claim update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetCommit records the resolved commit hash on a running update.
func (s *Store) SetCommit(ctx context.Context, id, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE updates SET commit_hash = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
		hash, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("set commit: %w", err)
	}
	return nil
}

// SaveLog snapshots the in-progress log of a running update so viewers
// see output while the build runs.
func (s *Store) SaveLog(ctx context.Context, id, log string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE updates SET log = ?, updated_at = ? WHERE id = ? AND status IN ('pending','running')`,
		log, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("save log: %w", err)
	}
	return nil
}

// Finish moves an update to a terminal status with its final log.
// Terminal updates are never modified again.
func (s *Store) Finish(ctx context.Context, id string, status Status, log string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish called with non-terminal status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE updates SET status = ?, log = ?, updated_at = ? WHERE id = ? AND status IN ('pending','running')`,
		status, log, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("finish update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one update by id.
func (s *Store) Get(ctx context.Context, id string) (*Update, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, course_key, request_ip, commit_hash, status, log, created_at, updated_at FROM updates WHERE id = ?`,
		id,
	)
	u, err := scanUpdate(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return u, err
}

// List returns a course's updates, most recent first.
func (s *Store) List(ctx context.Context, courseKey string, limit int) ([]*Update, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, course_key, request_ip, commit_hash, status, log, created_at, updated_at
		 FROM updates WHERE course_key = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		courseKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query updates: %w", err)
	}
	defer rows.Close()
	return scanUpdates(rows)
}

// RecentFinished returns the course's success/failed updates, most recent
// first. The fetcher walks this chain to compute changed files since the
// last successful build.
func (s *Store) RecentFinished(ctx context.Context, courseKey string, limit int) ([]*Update, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, course_key, request_ip, commit_hash, status, log, created_at, updated_at
		 FROM updates WHERE course_key = ? AND status IN ('success','failed')
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		courseKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query finished updates: %w", err)
	}
	defer rows.Close()
	return scanUpdates(rows)
}

// PruneHistory deletes a course's terminal updates beyond the newest keep.
func (s *Store) PruneHistory(ctx context.Context, courseKey string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM updates WHERE course_key = ? AND status IN ('success','failed','skipped') AND id NOT IN (
			SELECT id FROM updates WHERE course_key = ? AND status IN ('success','failed','skipped')
			ORDER BY created_at DESC, id DESC LIMIT ?
		)`,
		courseKey, courseKey, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

// ReclaimOrphaned forces running updates whose lease has expired (or
// vanished) into failed, so a crashed worker never wedges a course. It
// returns the ids it reclaimed.
func (s *Store) ReclaimOrphaned(ctx context.Context) ([]string, error) {
	now := time.Now().UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id FROM updates u
		 LEFT JOIN leases l ON l.course_key = u.course_key
		 WHERE u.status = 'running' AND (l.course_key IS NULL OR l.expires_at < ?)`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("query orphaned updates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		_, err := s.db.ExecContext(ctx,
			`UPDATE updates SET status = ?, log = log || ?, updated_at = ? WHERE id = ? AND status = 'running'`,
			StatusFailed, "\nbuild worker lost; update reclaimed as failed\n", now, id,
		)
		if err != nil {
			return ids, fmt.Errorf("reclaim update %s: %w", id, err)
		}
	}
	return ids, nil
}

// ReclaimStalePending fails pending updates that have sat untouched
// longer than olderThan. A pending update is normally picked up within
// seconds; one this old means the queued job was dropped after
// exhausting its delivery budget, and without intervention it would
// block the course forever. Returns the ids it reclaimed.
func (s *Store) ReclaimStalePending(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM updates WHERE status = 'pending' AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale pending updates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	for _, id := range ids {
		_, err := s.db.ExecContext(ctx,
			`UPDATE updates SET status = ?, log = log || ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
			StatusFailed, "\nbuild job was never picked up; update reclaimed as failed\n", now, id,
		)
		if err != nil {
			return ids, fmt.Errorf("reclaim stale update %s: %w", id, err)
		}
	}
	return ids, nil
}

func scanUpdate(row interface{ Scan(...any) error }) (*Update, error) {
	var u Update
	var commit sql.NullString
	var createdMilli, updatedMilli int64
	err := row.Scan(&u.ID, &u.CourseKey, &u.RequestIP, &commit, &u.Status, &u.Log, &createdMilli, &updatedMilli)
	if err != nil {
		return nil, err
	}
	u.CommitHash = commit.String
	u.CreatedAt = time.UnixMilli(createdMilli)
	u.UpdatedAt = time.UnixMilli(updatedMilli)
	return &u, nil
}

func scanUpdates(rows *sql.Rows) ([]*Update, error) {
	var updates []*Update
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return updates, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
