package settlement_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Mindburn-Labs/jurybox/pkg/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile_MemoryOutbox(t *testing.T) {
	ctx := context.Background()
	box := settlement.NewMemoryOutbox()

	first := sampleSettlement()
	second := sampleSettlement()
	second.ID = "set-2"
	require.NoError(t, box.Enqueue(ctx, first, errors.New("gateway down")))
	require.NoError(t, box.Enqueue(ctx, second, nil))
	require.NoError(t, box.Enqueue(ctx, first, nil), "duplicate enqueue is a no-op")

	pending, err := box.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	failing := settlement.NotifierFunc(func(ctx context.Context, s settlement.Settlement) error {
		if s.ID == "set-2" {
			return errors.New("still down")
		}
		return nil
	})
	delivered, err := settlement.Reconcile(ctx, box, failing, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	pending, err = box.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "set-2", pending[0].Settlement.ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "still down", pending[0].LastError)

	assert.ErrorIs(t, box.MarkDone(ctx, "missing"), settlement.ErrRecordNotFound)
}

func TestPostgresOutbox(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	box := settlement.NewPostgresOutbox(db)
	ctx := context.Background()
	s := sampleSettlement()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settlement_outbox")).
		WithArgs("set-1", sqlmock.AnyArg(), 1, "timeout", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, box.Enqueue(ctx, s, errors.New("timeout")))

	payload := `{"id":"set-1","request_id":"req-1","user_address":"0xabc","amount":3,"payouts":[],"created_at":"2026-03-17T12:00:00Z"}`
	mock.ExpectQuery(regexp.QuoteMeta("SELECT settlement_json, status, attempts, last_error, scheduled_at")).
		WillReturnRows(sqlmock.NewRows([]string{"settlement_json", "status", "attempts", "last_error", "scheduled_at"}).
			AddRow([]byte(payload), "PENDING", 1, "timeout", time.Now()))
	pending, err := box.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "0xabc", pending[0].Settlement.UserAddress)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE settlement_outbox SET status = 'DONE'")).
		WithArgs("set-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, box.MarkDone(ctx, "set-1"))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE settlement_outbox SET attempts = attempts + 1")).
		WithArgs("gone", "boom").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, box.MarkAttempt(ctx, "gone", errors.New("boom")), settlement.ErrRecordNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}
