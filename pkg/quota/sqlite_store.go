package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteBusyTimeoutMs is how long a connection waits on another process's
// write lock before failing with SQLITE_BUSY.
const sqliteBusyTimeoutMs = 5000

// SQLiteDSN returns the data source name for a database file shared by
// several processes: every pooled connection waits out another writer's lock.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, sqliteBusyTimeoutMs)
}

// SQLiteStore implements Store on SQLite for single-node ("lite") deployments.
// Timestamps are stored as UTC unix nanoseconds so range scans compare numerically.
// Several processes may share one database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db and creates the schema if missing.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS user_quotas (
		user_address TEXT PRIMARY KEY,
		monthly_cap REAL NOT NULL,
		current_usage REAL NOT NULL DEFAULT 0,
		last_reset_ns INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS quota_holds (
		id TEXT PRIMARY KEY,
		user_address TEXT NOT NULL,
		amount REAL NOT NULL,
		expires_ns INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_quota_holds_user ON quota_holds(user_address, expires_ns);
	CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		user_address TEXT NOT NULL,
		amount REAL NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		tx_hash TEXT NOT NULL DEFAULT '',
		timestamp_ns INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_records_user_time ON usage_records(user_address, timestamp_ns);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("sqlite quota migrate: %w", err)
	}
	return nil
}

// immediate runs fn inside BEGIN IMMEDIATE on a pinned connection, so the
// database write lock is held from the first read to the commit.
func (s *SQLiteStore) immediate(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", sqliteBusyTimeoutMs)); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(conn); err != nil {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, userAddress string) (*Quota, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_address, monthly_cap, current_usage, last_reset_ns FROM user_quotas WHERE user_address = ?`,
		userAddress)
	q, err := scanSQLiteQuota(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}
	return q, nil
}

// Upsert replaces the user's record wholesale. Gates never call it; it seeds
// and restores records.
func (s *SQLiteStore) Upsert(ctx context.Context, q *Quota) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_quotas (user_address, monthly_cap, current_usage, last_reset_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_address) DO UPDATE SET
			monthly_cap = excluded.monthly_cap,
			current_usage = excluded.current_usage,
			last_reset_ns = excluded.last_reset_ns
	`, q.UserAddress, q.MonthlyCap, q.CurrentUsage, q.LastResetDate.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to persist quota: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, q *Quota) (*Quota, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_quotas (user_address, monthly_cap, current_usage, last_reset_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_address) DO NOTHING
	`, q.UserAddress, q.MonthlyCap, q.CurrentUsage, q.LastResetDate.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to create quota: %w", err)
	}
	stored, err := s.Get(ctx, q.UserAddress)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, ErrNotFound
	}
	return stored, nil
}

func (s *SQLiteStore) ResetMonth(ctx context.Context, userAddress string, monthStart, now time.Time) (*Quota, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE user_quotas SET current_usage = 0, last_reset_ns = ?
		WHERE user_address = ? AND last_reset_ns < ?
		RETURNING user_address, monthly_cap, current_usage, last_reset_ns
	`, now.UTC().UnixNano(), userAddress, monthStart.UTC().UnixNano())
	q, err := scanSQLiteQuota(row)
	if err == nil {
		return q, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to reset quota: %w", err)
	}
	// Already reset this month, possibly by another process.
	q, err = s.Get(ctx, userAddress)
	if err != nil {
		return nil, false, err
	}
	if q == nil {
		return nil, false, ErrNotFound
	}
	return q, false, nil
}

func (s *SQLiteStore) SetMonthlyCap(ctx context.Context, userAddress string, monthlyCap float64) (*Quota, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE user_quotas SET monthly_cap = ?
		WHERE user_address = ?
		RETURNING user_address, monthly_cap, current_usage, last_reset_ns
	`, monthlyCap, userAddress)
	q, err := scanSQLiteQuota(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update monthly cap: %w", err)
	}
	return q, nil
}

func (s *SQLiteStore) Increment(ctx context.Context, rec UsageRecord) (*Quota, error) {
	var q *Quota
	err := s.immediate(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO usage_records (id, user_address, amount, task_id, tx_hash, timestamp_ns)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.UserAddress, rec.Amount, rec.TaskID, rec.TxHash, rec.Timestamp.UTC().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert usage record: %w", err)
		}

		row := conn.QueryRowContext(ctx, `
			UPDATE user_quotas SET current_usage = current_usage + ?
			WHERE user_address = ?
			RETURNING user_address, monthly_cap, current_usage, last_reset_ns
		`, rec.Amount, rec.UserAddress)
		q, err = scanSQLiteQuota(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to increment usage: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (s *SQLiteStore) Hold(ctx context.Context, h Hold, now time.Time) (*Quota, float64, bool, error) {
	var (
		q        *Quota
		held     float64
		admitted bool
	)
	nowNs := now.UTC().UnixNano()
	err := s.immediate(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			`SELECT user_address, monthly_cap, current_usage, last_reset_ns FROM user_quotas WHERE user_address = ?`,
			h.UserAddress)
		var err error
		q, err = scanSQLiteQuota(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get quota: %w", err)
		}

		if _, err := conn.ExecContext(ctx,
			`DELETE FROM quota_holds WHERE user_address = ? AND expires_ns <= ?`, h.UserAddress, nowNs); err != nil {
			return fmt.Errorf("failed to expire holds: %w", err)
		}
		if err := conn.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(amount), 0.0) FROM quota_holds WHERE user_address = ?`, h.UserAddress,
		).Scan(&held); err != nil {
			return fmt.Errorf("failed to sum holds: %w", err)
		}

		admitted = withinCap(q, held, h.Amount)
		if !admitted {
			return nil
		}
		_, err = conn.ExecContext(ctx, `
			INSERT INTO quota_holds (id, user_address, amount, expires_ns) VALUES (?, ?, ?, ?)
		`, h.ID, h.UserAddress, h.Amount, h.ExpiresAt.UTC().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert hold: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, false, err
	}
	return q, held, admitted, nil
}

func (s *SQLiteStore) Held(ctx context.Context, userAddress string, now time.Time) (float64, error) {
	var held float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0.0) FROM quota_holds WHERE user_address = ? AND expires_ns > ?`,
		userAddress, now.UTC().UnixNano(),
	).Scan(&held)
	if err != nil {
		return 0, fmt.Errorf("failed to sum holds: %w", err)
	}
	return held, nil
}

func (s *SQLiteStore) ReleaseHold(ctx context.Context, userAddress, holdID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM quota_holds WHERE id = ? AND user_address = ?`, holdID, userAddress)
	if err != nil {
		return fmt.Errorf("failed to release hold: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUsage(ctx context.Context, userAddress string, period Period) ([]UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_address, amount, task_id, tx_hash, timestamp_ns
		FROM usage_records
		WHERE user_address = ? AND timestamp_ns >= ? AND timestamp_ns < ?
		ORDER BY timestamp_ns ASC
	`, userAddress, period.Start.UTC().UnixNano(), period.End.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []UsageRecord
	for rows.Next() {
		var r UsageRecord
		var ts int64
		if err := rows.Scan(&r.ID, &r.UserAddress, &r.Amount, &r.TaskID, &r.TxHash, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSQLiteQuota(row *sql.Row) (*Quota, error) {
	var q Quota
	var resetNs int64
	if err := row.Scan(&q.UserAddress, &q.MonthlyCap, &q.CurrentUsage, &resetNs); err != nil {
		return nil, err
	}
	q.LastResetDate = time.Unix(0, resetNs).UTC()
	return &q, nil
}
