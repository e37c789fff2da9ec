package quota

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quotaColumns = []string{"user_address", "monthly_cap", "current_usage", "last_reset_date"}

const selectQuota = "SELECT user_address, monthly_cap, current_usage, last_reset_date FROM user_quotas WHERE user_address = $1"

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()
	reset := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(selectQuota)).
		WithArgs("0xabc").
		WillReturnRows(sqlmock.NewRows(quotaColumns).AddRow("0xabc", 100.0, 42.5, reset))

	q, err := store.Get(ctx, "0xabc")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, 42.5, q.CurrentUsage)
	assert.Equal(t, reset, q.LastResetDate)

	// Empty result set: not found is not an error.
	mock.ExpectQuery(regexp.QuoteMeta(selectQuota)).
		WithArgs("0xnew").
		WillReturnRows(sqlmock.NewRows(quotaColumns))

	q, err = store.Get(ctx, "0xnew")
	require.NoError(t, err)
	assert.Nil(t, q)

	mock.ExpectQuery(regexp.QuoteMeta(selectQuota)).
		WithArgs("0xdown").
		WillReturnError(errors.New("connection reset"))

	_, err = store.Get(ctx, "0xdown")
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	reset := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_quotas")).
		WithArgs("0xabc", 250.0, 10.0, reset).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Upsert(context.Background(), &Quota{
		UserAddress:   "0xabc",
		MonthlyCap:    250,
		CurrentUsage:  10,
		LastResetDate: reset,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Increment(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ts := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)
	rec := UsageRecord{ID: "rec-1", UserAddress: "0xabc", Amount: 7.5, TaskID: "req-1", Timestamp: ts}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_records")).
		WithArgs("rec-1", "0xabc", 7.5, "req-1", "", ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE user_quotas SET current_usage = current_usage + $2")).
		WithArgs("0xabc", 7.5).
		WillReturnRows(sqlmock.NewRows(quotaColumns).AddRow("0xabc", 100.0, 57.5, ts))
	mock.ExpectCommit()

	q, err := store.Increment(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 57.5, q.CurrentUsage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementMissingQuotaRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	rec := UsageRecord{ID: "rec-1", UserAddress: "0xnone", Amount: 1, Timestamp: time.Now()}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_records")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE user_quotas")).
		WithArgs("0xnone", 1.0).
		WillReturnRows(sqlmock.NewRows(quotaColumns))
	mock.ExpectRollback()

	_, err = store.Increment(context.Background(), rec)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListUsage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	period := MonthOf(time.Date(2026, time.March, 17, 0, 0, 0, 0, time.UTC))
	ts := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_address, amount")).
		WithArgs("0xabc", period.Start, period.End).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_address", "amount", "task_id", "tx_hash", "timestamp"}).
			AddRow("rec-1", "0xabc", 3.0, "req-1", "", ts).
			AddRow("rec-2", "0xabc", 4.0, "", "0xfeed", ts.Add(time.Hour)))

	records, err := store.ListUsage(context.Background(), "0xabc", period)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "req-1", records[0].TaskID)
	assert.Equal(t, "0xfeed", records[1].TxHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateKeepsExistingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	now := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (user_address) DO NOTHING")).
		WithArgs("0xabc", 100.0, 0.0, now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(selectQuota)).
		WithArgs("0xabc").
		WillReturnRows(sqlmock.NewRows(quotaColumns).AddRow("0xabc", 250.0, 40.0, now.AddDate(0, 0, -3)))

	q, err := store.Create(context.Background(), &Quota{UserAddress: "0xabc", MonthlyCap: 100, LastResetDate: now})
	require.NoError(t, err)
	assert.Equal(t, 250.0, q.MonthlyCap)
	assert.Equal(t, 40.0, q.CurrentUsage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResetMonthIsConditional(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Date(2026, time.April, 1, 0, 0, 5, 0, time.UTC)
	monthStart := MonthOf(now).Start
	const resetQuery = "UPDATE user_quotas SET current_usage = 0, last_reset_date = $2"

	mock.ExpectQuery(regexp.QuoteMeta(resetQuery)).
		WithArgs("0xabc", now, monthStart).
		WillReturnRows(sqlmock.NewRows(quotaColumns).AddRow("0xabc", 100.0, 0.0, now))

	q, reset, err := store.ResetMonth(ctx, "0xabc", monthStart, now)
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, 0.0, q.CurrentUsage)

	// Another process got there first: no row matches, the stored row is read back.
	mock.ExpectQuery(regexp.QuoteMeta(resetQuery)).
		WithArgs("0xabc", now, monthStart).
		WillReturnRows(sqlmock.NewRows(quotaColumns))
	mock.ExpectQuery(regexp.QuoteMeta(selectQuota)).
		WithArgs("0xabc").
		WillReturnRows(sqlmock.NewRows(quotaColumns).AddRow("0xabc", 100.0, 12.0, now))

	q, reset, err = store.ResetMonth(ctx, "0xabc", monthStart, now)
	require.NoError(t, err)
	assert.False(t, reset)
	assert.Equal(t, 12.0, q.CurrentUsage)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetMonthlyCapTouchesCapOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	reset := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE user_quotas SET monthly_cap = $2")).
		WithArgs("0xabc", 200.0).
		WillReturnRows(sqlmock.NewRows(quotaColumns).AddRow("0xabc", 200.0, 60.0, reset))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE user_quotas SET monthly_cap = $2")).
		WithArgs("0xnone", 200.0).
		WillReturnRows(sqlmock.NewRows(quotaColumns))

	q, err := store.SetMonthlyCap(context.Background(), "0xabc", 200)
	require.NoError(t, err)
	assert.Equal(t, 60.0, q.CurrentUsage)

	_, err = store.SetMonthlyCap(context.Background(), "0xnone", 200)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Hold(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)
	reset := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	h := Hold{ID: "hold-1", UserAddress: "0xabc", Amount: 30, ExpiresAt: now.Add(time.Hour)}

	expectLockAndSum := func(held float64) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
			WithArgs("0xabc").
			WillReturnRows(sqlmock.NewRows(quotaColumns).AddRow("0xabc", 100.0, 20.0, reset))
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM quota_holds WHERE user_address = $1 AND expires_at <= $2")).
			WithArgs("0xabc", now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(amount), 0) FROM quota_holds")).
			WithArgs("0xabc").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(held))
	}

	// 20 used + 40 held + 30 fits under 100.
	expectLockAndSum(40)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO quota_holds")).
		WithArgs("hold-1", "0xabc", 30.0, h.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	q, held, admitted, err := store.Hold(ctx, h, now)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, 40.0, held)
	assert.Equal(t, 20.0, q.CurrentUsage)

	// 20 used + 60 held + 30 does not: nothing is inserted.
	expectLockAndSum(60)
	mock.ExpectCommit()

	_, held, admitted, err = store.Hold(ctx, h, now)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, 60.0, held)

	assert.NoError(t, mock.ExpectationsWereMet())
}
