package quota_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Mindburn-Labs/jurybox/pkg/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC)

func newGate(t *testing.T, store quota.Store) *quota.Gate {
	t.Helper()
	return quota.NewGate(store, quota.DefaultConfig(), quota.WithClock(func() time.Time { return fixedNow }))
}

// seeder is implemented by every store; gates never overwrite whole records.
type seeder interface {
	Upsert(ctx context.Context, q *quota.Quota) error
}

func seed(t *testing.T, store seeder, user string, monthlyCap, usage float64, lastReset time.Time) {
	t.Helper()
	require.NoError(t, store.Upsert(context.Background(), &quota.Quota{
		UserAddress:   user,
		MonthlyCap:    monthlyCap,
		CurrentUsage:  usage,
		LastResetDate: lastReset,
	}))
}

func TestCheckQuota_CapBoundary(t *testing.T) {
	store := quota.NewMemoryStore()
	seed(t, store, "0xabc", 100, 90, fixedNow)
	gate := newGate(t, store)
	ctx := context.Background()

	denied, err := gate.CheckQuota(ctx, "0xabc", 20)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 10.0, denied.RemainingQuota)
	assert.Equal(t, 90.0, denied.CurrentUsage)
	assert.Equal(t, 100.0, denied.MonthlyCap)
	assert.Contains(t, denied.Reason, "monthly cap exceeded")

	allowed, err := gate.CheckQuota(ctx, "0xabc", 10)
	require.NoError(t, err)
	assert.True(t, allowed.Allowed)
	assert.Empty(t, allowed.Reason)
}

func TestCheckQuota_LazyDefault(t *testing.T) {
	store := quota.NewMemoryStore()
	gate := newGate(t, store)

	d, err := gate.CheckQuota(context.Background(), "0xnew", 25)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, quota.DefaultMonthlyCap, d.MonthlyCap)
	assert.Equal(t, 0.0, d.CurrentUsage)
	assert.Equal(t, time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC), d.ResetDate)

	q, err := store.Get(context.Background(), "0xnew")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, fixedNow, q.LastResetDate)
}

func TestCheckQuota_CalendarMonthReset(t *testing.T) {
	ctx := context.Background()

	t.Run("previous month resets regardless of elapsed days", func(t *testing.T) {
		store := quota.NewMemoryStore()
		// one day earlier, but a different calendar month
		gate := quota.NewGate(store, quota.DefaultConfig(), quota.WithClock(func() time.Time {
			return time.Date(2026, time.April, 1, 0, 0, 1, 0, time.UTC)
		}))
		seed(t, store, "0xabc", 100, 95, time.Date(2026, time.March, 31, 23, 0, 0, 0, time.UTC))

		status, err := gate.Status(ctx, "0xabc")
		require.NoError(t, err)
		assert.Equal(t, 0.0, status.CurrentUsage)
		assert.Equal(t, time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC), status.ResetDate)
	})

	t.Run("same month 29 days later does not reset", func(t *testing.T) {
		store := quota.NewMemoryStore()
		gate := newGate(t, store)
		seed(t, store, "0xabc", 100, 95, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))

		d, err := gate.CheckQuota(ctx, "0xabc", 10)
		require.NoError(t, err)
		assert.Equal(t, 95.0, d.CurrentUsage)
		assert.False(t, d.Allowed)
	})

	t.Run("same month a year ago resets", func(t *testing.T) {
		store := quota.NewMemoryStore()
		gate := newGate(t, store)
		seed(t, store, "0xabc", 100, 95, fixedNow.AddDate(-1, 0, 0))

		d, err := gate.CheckQuota(ctx, "0xabc", 10)
		require.NoError(t, err)
		assert.Equal(t, 0.0, d.CurrentUsage)
		assert.True(t, d.Allowed)
	})
}

func TestRecordUsage(t *testing.T) {
	store := quota.NewMemoryStore()
	gate := newGate(t, store)
	ctx := context.Background()

	q, err := gate.RecordUsage(ctx, quota.UsageRecord{UserAddress: "0xabc", Amount: 12.5, TaskID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, 12.5, q.CurrentUsage)

	records, err := gate.Usage(ctx, "0xabc", quota.MonthOf(fixedNow))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0].ID)
	assert.Equal(t, "req-1", records[0].TaskID)
	assert.Equal(t, fixedNow, records[0].Timestamp)

	_, err = gate.RecordUsage(ctx, quota.UsageRecord{UserAddress: "0xabc", Amount: -1})
	assert.ErrorIs(t, err, quota.ErrNegativeAmount)
	_, err = gate.RecordUsage(ctx, quota.UsageRecord{Amount: 1})
	assert.ErrorIs(t, err, quota.ErrEmptyUser)
}

func TestUpdateMonthlyCap_KeepsUsage(t *testing.T) {
	store := quota.NewMemoryStore()
	seed(t, store, "0xabc", 100, 80, fixedNow)
	gate := newGate(t, store)
	ctx := context.Background()

	q, err := gate.UpdateMonthlyCap(ctx, "0xabc", 200)
	require.NoError(t, err)
	assert.Equal(t, 200.0, q.MonthlyCap)
	assert.Equal(t, 80.0, q.CurrentUsage)

	d, err := gate.CheckQuota(ctx, "0xabc", 120)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

// Concurrent recording for one user must not lose updates, and admission
// decisions reflect the state at the time they were made.
func TestRecordUsage_ConcurrentNoLostUpdates(t *testing.T) {
	store := quota.NewMemoryStore()
	gate := newGate(t, store)
	ctx := context.Background()

	before, err := gate.CheckQuota(ctx, "0xabc", 50)
	require.NoError(t, err)
	assert.True(t, before.Allowed)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := gate.RecordUsage(ctx, quota.UsageRecord{UserAddress: "0xabc", Amount: 60})
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	after, err := gate.CheckQuota(ctx, "0xabc", 50)
	require.NoError(t, err)
	assert.False(t, after.Allowed)
	assert.Equal(t, 120.0, after.CurrentUsage)
	assert.Equal(t, 0.0, after.RemainingQuota)

	records, err := gate.Usage(ctx, "0xabc", quota.MonthOf(fixedNow))
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRecordUsage_ManyWriters(t *testing.T) {
	store := quota.NewMemoryStore()
	gate := newGate(t, store)
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.RecordUsage(ctx, quota.UsageRecord{UserAddress: "0xabc", Amount: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	status, err := gate.Status(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, float64(writers), status.CurrentUsage)
}

func TestReserve_PreventsJointOverrun(t *testing.T) {
	store := quota.NewMemoryStore()
	gate := newGate(t, store)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted []*quota.Reservation
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, r, err := gate.Reserve(ctx, "0xabc", 60)
			assert.NoError(t, err)
			if d.Allowed {
				mu.Lock()
				admitted = append(admitted, r)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, admitted, 1, "only one of two 60-unit reservations fits a 100 cap")

	status, err := gate.Status(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 60.0, status.Reserved)
	assert.Equal(t, 40.0, status.RemainingQuota)

	admitted[0].Release(ctx)
	admitted[0].Release(ctx)

	d, r, err := gate.Reserve(ctx, "0xabc", 60)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	require.NotNil(t, r)
	r.Release(ctx)

	var nilReservation *quota.Reservation
	nilReservation.Release(ctx)
}

func TestReserve_ExpiredHoldsStopCounting(t *testing.T) {
	store := quota.NewMemoryStore()
	now := fixedNow
	gate := quota.NewGate(store, quota.Config{HoldTTL: time.Minute}, quota.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	d, r, err := gate.Reserve(ctx, "0xabc", 80)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, fixedNow.Add(time.Minute), r.ExpiresAt)

	d, _, err = gate.Reserve(ctx, "0xabc", 30)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 80.0, d.Reserved)

	// An unreleased hold from a crashed run lapses.
	now = fixedNow.Add(time.Minute)
	d, r2, err := gate.Reserve(ctx, "0xabc", 30)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0.0, d.Reserved)
	r2.Release(ctx)
}

func TestUpdateMonthlyCap_KeepsConcurrentUsage(t *testing.T) {
	store := quota.NewMemoryStore()
	seed(t, store, "0xabc", 100, 0, fixedNow)
	capGate := newGate(t, store)
	recordGate := newGate(t, store)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := recordGate.RecordUsage(ctx, quota.UsageRecord{UserAddress: "0xabc", Amount: 1})
			assert.NoError(t, err)
		}()
		go func(i int) {
			defer wg.Done()
			_, err := capGate.UpdateMonthlyCap(ctx, "0xabc", float64(200+i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	q, err := store.Get(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 20.0, q.CurrentUsage)
	assert.GreaterOrEqual(t, q.MonthlyCap, 200.0)
}

type failingStore struct {
	quota.MemoryStore
}

func (f *failingStore) Get(ctx context.Context, user string) (*quota.Quota, error) {
	return nil, errors.New("connection refused")
}

func TestCheckQuota_FailClosed(t *testing.T) {
	gate := newGate(t, &failingStore{})

	d, err := gate.CheckQuota(context.Background(), "0xabc", 1)
	require.Error(t, err)
	require.NotNil(t, d)
	assert.False(t, d.Allowed)

	d, r, err := gate.Reserve(context.Background(), "0xabc", 1)
	require.Error(t, err)
	assert.False(t, d.Allowed)
	assert.Nil(t, r)
}

func TestCheckQuota_Validation(t *testing.T) {
	gate := newGate(t, quota.NewMemoryStore())

	_, err := gate.CheckQuota(context.Background(), "", 1)
	assert.ErrorIs(t, err, quota.ErrEmptyUser)
	_, err = gate.CheckQuota(context.Background(), "0xabc", -1)
	assert.ErrorIs(t, err, quota.ErrNegativeAmount)
}

func TestNextResetDate(t *testing.T) {
	assert.Equal(t, time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC),
		quota.NextResetDate(time.Date(2026, time.December, 31, 23, 59, 59, 0, time.UTC)))
	assert.Equal(t, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		quota.NextResetDate(time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)))
}
