package update

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AcquireLease takes the per-course build lease for holder. The lease is
// persisted so it survives process restarts and is honored by workers in
// other processes. An unexpired lease held by someone else yields
// ErrLeaseHeld.
func (s *Store) AcquireLease(ctx context.Context, courseKey, holder string, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UnixMilli()
	expires := time.Now().Add(ttl).UnixMilli()

	var curHolder string
	var curExpires int64
	err = tx.QueryRowContext(ctx,
		`SELECT holder, expires_at FROM leases WHERE course_key = ?`, courseKey,
	).Scan(&curHolder, &curExpires)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO leases (course_key, holder, expires_at) VALUES (?, ?, ?)`,
			courseKey, holder, expires,
		)
		if err != nil {
			return fmt.Errorf("insert lease: %w", err)
		}
	case err != nil:
		return fmt.Errorf("query lease: %w", err)
	case curHolder == holder || curExpires < now:
		// Re-acquire our own lease or reclaim an expired one.
		_, err = tx.ExecContext(ctx,
			`UPDATE leases SET holder = ?, expires_at = ? WHERE course_key = ?`,
			holder, expires, courseKey,
		)
		if err != nil {
			return fmt.Errorf("update lease: %w", err)
		}
	default:
		return &ErrLeaseHeld{CourseKey: courseKey, Holder: curHolder}
	}

	return tx.Commit()
}

// RenewLease extends the lease expiry; only the current holder may renew.
// Long builds renew periodically so the janitor does not reclaim them.
func (s *Store) RenewLease(ctx context.Context, courseKey, holder string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE course_key = ? AND holder = ?`,
		time.Now().Add(ttl).UnixMilli(), courseKey, holder,
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrLeaseHeld{CourseKey: courseKey, Holder: "unknown"}
	}
	return nil
}

// ReleaseLease drops the lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, courseKey, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE course_key = ? AND holder = ?`,
		courseKey, holder,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
