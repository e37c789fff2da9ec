package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS user_quotas (
	user_address TEXT PRIMARY KEY,
	monthly_cap DOUBLE PRECISION NOT NULL,
	current_usage DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_reset_date TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS quota_holds (
	id TEXT PRIMARY KEY,
	user_address TEXT NOT NULL,
	amount DOUBLE PRECISION NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quota_holds_user ON quota_holds(user_address, expires_at);
CREATE TABLE IF NOT EXISTS usage_records (
	id TEXT PRIMARY KEY,
	user_address TEXT NOT NULL,
	amount DOUBLE PRECISION NOT NULL,
	task_id TEXT,
	tx_hash TEXT,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_records_user_time ON usage_records(user_address, timestamp);
`

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the necessary database tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, userAddress string) (*Quota, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT user_address, monthly_cap, current_usage, last_reset_date FROM user_quotas WHERE user_address = $1",
		userAddress)

	q, err := scanPostgresQuota(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found is valid, the gate will initialize
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}
	return q, nil
}

// Upsert replaces the user's record wholesale. Gates never call it; it seeds
// and restores records.
func (s *PostgresStore) Upsert(ctx context.Context, q *Quota) error {
	query := `
		INSERT INTO user_quotas (user_address, monthly_cap, current_usage, last_reset_date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_address) DO UPDATE SET
			monthly_cap = EXCLUDED.monthly_cap,
			current_usage = EXCLUDED.current_usage,
			last_reset_date = EXCLUDED.last_reset_date
	`
	_, err := s.db.ExecContext(ctx, query, q.UserAddress, q.MonthlyCap, q.CurrentUsage, q.LastResetDate)
	if err != nil {
		return fmt.Errorf("failed to persist quota: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, q *Quota) (*Quota, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_quotas (user_address, monthly_cap, current_usage, last_reset_date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_address) DO NOTHING
	`, q.UserAddress, q.MonthlyCap, q.CurrentUsage, q.LastResetDate)
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

// ResetMonth is a conditional UPDATE: only the first caller in a new month
// matches the row, later callers read the already reset record.
func (s *PostgresStore) ResetMonth(ctx context.Context, userAddress string, monthStart, now time.Time) (*Quota, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE user_quotas SET current_usage = 0, last_reset_date = $2
		WHERE user_address = $1 AND last_reset_date < $3
		RETURNING user_address, monthly_cap, current_usage, last_reset_date
	`, userAddress, now, monthStart)
	q, err := scanPostgresQuota(row)
	if err == nil {
		return q, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to reset quota: %w", err)
	}
	q, err = s.Get(ctx, userAddress)
	if err != nil {
		return nil, false, err
	}
	if q == nil {
		return nil, false, ErrNotFound
	}
	return q, false, nil
}

func (s *PostgresStore) SetMonthlyCap(ctx context.Context, userAddress string, monthlyCap float64) (*Quota, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE user_quotas SET monthly_cap = $2
		WHERE user_address = $1
		RETURNING user_address, monthly_cap, current_usage, last_reset_date
	`, userAddress, monthlyCap)
	q, err := scanPostgresQuota(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update monthly cap: %w", err)
	}
	return q, nil
}

// Increment inserts the usage record and bumps current_usage in one transaction.
// The UPDATE is a relative increment so concurrent writers never lose updates.
func (s *PostgresStore) Increment(ctx context.Context, rec UsageRecord) (*Quota, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_records (id, user_address, amount, task_id, tx_hash, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.UserAddress, rec.Amount, rec.TaskID, rec.TxHash, rec.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to insert usage record: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE user_quotas SET current_usage = current_usage + $2
		WHERE user_address = $1
		RETURNING user_address, monthly_cap, current_usage, last_reset_date
	`, rec.UserAddress, rec.Amount)

	q, err := scanPostgresQuota(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit usage: %w", err)
	}
	return q, nil
}

// Hold locks the quota row with SELECT ... FOR UPDATE, so concurrent holds
// for one user are decided one after another.
func (s *PostgresStore) Hold(ctx context.Context, h Hold, now time.Time) (*Quota, float64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT user_address, monthly_cap, current_usage, last_reset_date
		FROM user_quotas WHERE user_address = $1 FOR UPDATE
	`, h.UserAddress)
	q, err := scanPostgresQuota(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, ErrNotFound
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to lock quota: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM quota_holds WHERE user_address = $1 AND expires_at <= $2", h.UserAddress, now); err != nil {
		return nil, 0, false, fmt.Errorf("failed to expire holds: %w", err)
	}
	var held float64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM quota_holds WHERE user_address = $1", h.UserAddress,
	).Scan(&held); err != nil {
		return nil, 0, false, fmt.Errorf("failed to sum holds: %w", err)
	}

	admitted := withinCap(q, held, h.Amount)
	if admitted {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO quota_holds (id, user_address, amount, expires_at) VALUES ($1, $2, $3, $4)
		`, h.ID, h.UserAddress, h.Amount, h.ExpiresAt); err != nil {
			return nil, 0, false, fmt.Errorf("failed to insert hold: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, false, fmt.Errorf("failed to commit hold: %w", err)
	}
	return q, held, admitted, nil
}

func (s *PostgresStore) Held(ctx context.Context, userAddress string, now time.Time) (float64, error) {
	var held float64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM quota_holds WHERE user_address = $1 AND expires_at > $2",
		userAddress, now,
	).Scan(&held)
	if err != nil {
		return 0, fmt.Errorf("failed to sum holds: %w", err)
	}
	return held, nil
}

func (s *PostgresStore) ReleaseHold(ctx context.Context, userAddress, holdID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM quota_holds WHERE id = $1 AND user_address = $2", holdID, userAddress)
	if err != nil {
		return fmt.Errorf("failed to release hold: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsage(ctx context.Context, userAddress string, period Period) ([]UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_address, amount, COALESCE(task_id, ''), COALESCE(tx_hash, ''), timestamp
		FROM usage_records
		WHERE user_address = $1 AND timestamp >= $2 AND timestamp < $3
		ORDER BY timestamp ASC
	`, userAddress, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []UsageRecord
	for rows.Next() {
		var r UsageRecord
		if err := rows.Scan(&r.ID, &r.UserAddress, &r.Amount, &r.TaskID, &r.TxHash, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanPostgresQuota(row *sql.Row) (*Quota, error) {
	var q Quota
	if err := row.Scan(&q.UserAddress, &q.MonthlyCap, &q.CurrentUsage, &q.LastResetDate); err != nil {
		return nil, err
	}
	return &q, nil
}
