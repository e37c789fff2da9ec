package settlement_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mindburn-Labs/jurybox/pkg/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastBackoff = settlement.BackoffPolicy{
	Base:        time.Millisecond,
	Max:         2 * time.Millisecond,
	MaxJitter:   time.Millisecond,
	MaxAttempts: 3,
}

func sampleSettlement() settlement.Settlement {
	return settlement.Settlement{
		ID:          "set-1",
		RequestID:   "req-1",
		UserAddress: "0xabc",
		Amount:      3,
		Payouts:     []settlement.Payout{{AgentID: "a", Amount: 1}, {AgentID: "b", Amount: 2}},
		CreatedAt:   time.Date(2026, time.March, 17, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var got settlement.Settlement
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "set-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := settlement.NewWebhookNotifier(srv.URL,
		settlement.WithBackoff(fastBackoff),
		settlement.WithBearerToken("s3cret"),
	)
	require.NoError(t, n.Settle(context.Background(), sampleSettlement()))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3.0, got.Amount)
	assert.Len(t, got.Payouts, 2)
}

func TestWebhookNotifier_ClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown payer", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	n := settlement.NewWebhookNotifier(srv.URL, settlement.WithBackoff(fastBackoff))
	err := n.Settle(context.Background(), sampleSettlement())
	require.Error(t, err)

	var se *settlement.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.Equal(t, "unknown payer", se.Body)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookNotifier_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	policy := fastBackoff
	policy.MaxAttempts = 1
	n := settlement.NewWebhookNotifier(srv.URL, settlement.WithBackoff(policy))
	for i := 0; i < 5; i++ {
		assert.Error(t, n.Settle(context.Background(), sampleSettlement()))
	}
	assert.ErrorIs(t, n.Settle(context.Background(), sampleSettlement()), settlement.ErrCircuitOpen)
}

func TestWebhookNotifier_RejectsInvalidSettlement(t *testing.T) {
	n := settlement.NewWebhookNotifier("http://127.0.0.1:1")
	err := n.Settle(context.Background(), settlement.Settlement{Amount: 1})
	assert.ErrorIs(t, err, settlement.ErrInvalidSettlement)
}

func TestBackoffPolicy_Delay(t *testing.T) {
	p := settlement.BackoffPolicy{Base: 100 * time.Millisecond, Max: time.Second, MaxJitter: 50 * time.Millisecond}

	d0 := p.Delay("set-1", 0)
	assert.GreaterOrEqual(t, d0, 100*time.Millisecond)
	assert.Less(t, d0, 150*time.Millisecond)
	assert.Equal(t, d0, p.Delay("set-1", 0), "jitter is deterministic")

	d2 := p.Delay("set-1", 2)
	assert.GreaterOrEqual(t, d2, 400*time.Millisecond)

	capped := p.Delay("set-1", 40)
	assert.GreaterOrEqual(t, capped, time.Second)
	assert.Less(t, capped, time.Second+50*time.Millisecond)

	noJitter := settlement.BackoffPolicy{Base: 10 * time.Millisecond}
	assert.Equal(t, 40*time.Millisecond, noJitter.Delay("x", 2))
}
