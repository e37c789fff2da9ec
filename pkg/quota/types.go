// Package quota caps how much a requester may spend on evaluations per
// calendar month. Usage resets on the first check in a new month, and every
// recorded spend is kept as an append-only audit record.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyUser is returned when no user address is given.
	ErrEmptyUser = errors.New("quota: user address must not be empty")
	// ErrNegativeAmount is returned for negative spend or cap values.
	ErrNegativeAmount = errors.New("quota: amount must not be negative")
	// ErrNotFound is returned by stores when a user has no quota record.
	ErrNotFound = errors.New("quota: record not found")
)

const (
	// DefaultMonthlyCap is the cap given to users seen for the first time.
	DefaultMonthlyCap = 100.0
	// DefaultHoldTTL bounds how long an unreleased hold counts against a cap.
	DefaultHoldTTL = time.Hour
)

// Config configures a Gate.
type Config struct {
	DefaultMonthlyCap float64       `json:"default_monthly_cap" yaml:"default_monthly_cap"`
	HoldTTL           time.Duration `json:"hold_ttl" yaml:"hold_ttl"`
}

// DefaultConfig returns the gate defaults.
func DefaultConfig() Config {
	return Config{DefaultMonthlyCap: DefaultMonthlyCap, HoldTTL: DefaultHoldTTL}
}

// Quota is a user's monthly allowance and what has been spent against it.
type Quota struct {
	UserAddress   string    `json:"user_address"`
	MonthlyCap    float64   `json:"monthly_cap"`
	CurrentUsage  float64   `json:"current_usage"`
	LastResetDate time.Time `json:"last_reset_date"`
}

// Remaining returns how much of the cap is left, floored at zero.
func (q *Quota) Remaining() float64 {
	return max(0, q.MonthlyCap-q.CurrentUsage)
}

// ResetDate returns when usage next returns to zero.
func (q *Quota) ResetDate() time.Time {
	return NextResetDate(q.LastResetDate)
}

// UsageRecord is an immutable audit entry for one confirmed spend.
type UsageRecord struct {
	ID          string    `json:"id"`
	UserAddress string    `json:"user_address"`
	Amount      float64   `json:"amount"`
	TaskID      string    `json:"task_id,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Validate checks that the record has valid fields.
func (r UsageRecord) Validate() error {
	if r.UserAddress == "" {
		return ErrEmptyUser
	}
	if r.Amount < 0 {
		return ErrNegativeAmount
	}
	return nil
}

// Hold is spend admitted by Reserve. It counts against the cap until it is
// released or until ExpiresAt, whichever comes first.
type Hold struct {
	ID          string    `json:"id"`
	UserAddress string    `json:"user_address"`
	Amount      float64   `json:"amount"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// withinCap is the admission rule shared by the gate and every store.
func withinCap(q *Quota, held, amount float64) bool {
	return q.CurrentUsage+held+amount <= q.MonthlyCap
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed         bool      `json:"allowed"`
	UserAddress     string    `json:"user_address"`
	RequestedAmount float64   `json:"requested_amount"`
	CurrentUsage    float64   `json:"current_usage"`
	Reserved        float64   `json:"reserved"`
	MonthlyCap      float64   `json:"monthly_cap"`
	RemainingQuota  float64   `json:"remaining_quota"`
	ResetDate       time.Time `json:"reset_date"`
	Reason          string    `json:"reason,omitempty"`
}

// Period is a half-open time range [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// MonthOf returns the calendar month (UTC) containing t.
func MonthOf(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// NextResetDate returns the first instant of the calendar month after t.
func NextResetDate(t time.Time) time.Time {
	return MonthOf(t).End
}

// Store persists quotas, holds and the usage log.
//
// Every write is a targeted, atomic operation on the stored row, never a
// read-modify-write of the whole record, so gates in different processes
// sharing one store cannot overwrite each other's usage.
type Store interface {
	// Get returns the user's quota, or (nil, nil) when none exists yet.
	Get(ctx context.Context, userAddress string) (*Quota, error)

	// Create stores q unless the user already has a record and returns the
	// record stored afterwards.
	Create(ctx context.Context, q *Quota) (*Quota, error)

	// ResetMonth zeroes current usage and sets the reset date to now, but
	// only when the stored reset date is before monthStart. It returns the
	// stored record and whether this call reset it, or ErrNotFound.
	ResetMonth(ctx context.Context, userAddress string, monthStart, now time.Time) (*Quota, bool, error)

	// SetMonthlyCap changes the cap alone and returns the updated record,
	// or ErrNotFound.
	SetMonthlyCap(ctx context.Context, userAddress string, monthlyCap float64) (*Quota, error)

	// Increment appends rec to the usage log and adds rec.Amount to the
	// user's current usage as one atomic step. It returns the updated quota,
	// or ErrNotFound when the user has no quota record.
	Increment(ctx context.Context, rec UsageRecord) (*Quota, error)

	// Hold records h if current usage plus the holds unexpired at now plus
	// h.Amount stays within the cap, deciding and recording in one atomic
	// step. It returns the quota and the unexpired held total before h.
	Hold(ctx context.Context, h Hold, now time.Time) (q *Quota, held float64, admitted bool, err error)

	// Held returns the sum of the user's holds unexpired at now.
	Held(ctx context.Context, userAddress string, now time.Time) (float64, error)

	// ReleaseHold deletes a hold. Unknown ids are not an error.
	ReleaseHold(ctx context.Context, userAddress, holdID string) error

	// ListUsage returns the user's usage records inside period, oldest first.
	ListUsage(ctx context.Context, userAddress string, period Period) ([]UsageRecord, error)
}

func formatAmount(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
