package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const outboxSchema = `
CREATE TABLE IF NOT EXISTS settlement_outbox (
	id TEXT PRIMARY KEY,
	settlement_json JSONB NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	scheduled_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_settlement_outbox_pending ON settlement_outbox(status, scheduled_at);
`

// PostgresOutbox implements Outbox using PostgreSQL.
type PostgresOutbox struct {
	db *sql.DB
}

func NewPostgresOutbox(db *sql.DB) *PostgresOutbox {
	return &PostgresOutbox{db: db}
}

// Init creates the outbox table.
func (s *PostgresOutbox) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, outboxSchema)
	return err
}

func (s *PostgresOutbox) Enqueue(ctx context.Context, st Settlement, cause error) error {
	if err := st.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	attempts, lastErr := 0, ""
	if cause != nil {
		attempts, lastErr = 1, cause.Error()
	}

	query := `
		INSERT INTO settlement_outbox (id, settlement_json, status, attempts, last_error, scheduled_at)
		VALUES ($1, $2, 'PENDING', $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query, st.ID, payload, attempts, lastErr, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to enqueue settlement: %w", err)
	}
	return nil
}

func (s *PostgresOutbox) Pending(ctx context.Context) ([]*OutboxRecord, error) {
	query := `
		SELECT settlement_json, status, attempts, last_error, scheduled_at
		FROM settlement_outbox
		WHERE status = 'PENDING'
		ORDER BY scheduled_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var results []*OutboxRecord
	for rows.Next() {
		var payload []byte
		rec := &OutboxRecord{}
		if err := rows.Scan(&payload, &rec.Status, &rec.Attempts, &rec.LastError, &rec.Scheduled); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &rec.Settlement); err != nil {
			return nil, fmt.Errorf("corrupt settlement JSON in outbox: %w", err)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *PostgresOutbox) MarkAttempt(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.update(ctx, `UPDATE settlement_outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, id, msg)
}

func (s *PostgresOutbox) MarkDone(ctx context.Context, id string) error {
	return s.update(ctx, `UPDATE settlement_outbox SET status = 'DONE' WHERE id = $1`, id)
}

func (s *PostgresOutbox) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
