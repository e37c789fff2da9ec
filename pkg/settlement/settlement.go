// Package settlement notifies billing of confirmed evaluation spend and keeps
// failed notifications in an outbox until they are reconciled.
package settlement

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidSettlement is returned for settlements missing an ID or payer.
var ErrInvalidSettlement = errors.New("settlement: invalid settlement")

// Payout is one judge's share of a settlement.
type Payout struct {
	AgentID string  `json:"agent_id"`
	Amount  float64 `json:"amount"`
}

// Settlement is the confirmed spend for one completed evaluation.
type Settlement struct {
	ID            string    `json:"id"`
	RequestID     string    `json:"request_id"`
	UserAddress   string    `json:"user_address"`
	Amount        float64   `json:"amount"`
	Payouts       []Payout  `json:"payouts"`
	UsageRecordID string    `json:"usage_record_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate checks the fields every notifier relies on.
func (s Settlement) Validate() error {
	if s.ID == "" || s.UserAddress == "" {
		return ErrInvalidSettlement
	}
	if s.Amount < 0 {
		return ErrInvalidSettlement
	}
	return nil
}

// Notifier delivers a settlement to the billing side.
type Notifier interface {
	Settle(ctx context.Context, s Settlement) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, s Settlement) error

func (f NotifierFunc) Settle(ctx context.Context, s Settlement) error { return f(ctx, s) }
