package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Gate admits and records evaluation spend against monthly caps.
//
// Admission, reset, cap changes and recording are each a single atomic store
// operation, so gates in separate processes over one store stay consistent.
// Holds taken by Reserve live in the store and count against the cap until
// they are released or expire. Within a process, calls for the same user are
// additionally serialized to keep store contention low.
type Gate struct {
	store  Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// NewGate creates a gate over the given store.
func NewGate(store Store, cfg Config, opts ...Option) *Gate {
	if cfg.DefaultMonthlyCap <= 0 {
		cfg.DefaultMonthlyCap = DefaultMonthlyCap
	}
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = DefaultHoldTTL
	}
	g := &Gate{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
		locks:  make(map[string]*userLock),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "quota")
	return g
}

// lock serializes this process's calls for one user. The entry is dropped
// when its last holder unlocks, so idle users cost nothing.
func (g *Gate) lock(userAddress string) (unlock func()) {
	g.mu.Lock()
	l, ok := g.locks[userAddress]
	if !ok {
		l = &userLock{}
		g.locks[userAddress] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, userAddress)
		}
		g.mu.Unlock()
	}
}

// load returns the user's quota, creating it with the default cap or
// applying the calendar-month reset as needed.
func (g *Gate) load(ctx context.Context, userAddress string) (*Quota, error) {
	q, err := g.store.Get(ctx, userAddress)
	if err != nil {
		return nil, fmt.Errorf("quota: load %s: %w", userAddress, err)
	}

	now := g.now().UTC()
	if q == nil {
		q, err = g.store.Create(ctx, &Quota{
			UserAddress:   userAddress,
			MonthlyCap:    g.cfg.DefaultMonthlyCap,
			LastResetDate: now,
		})
		if err != nil {
			return nil, fmt.Errorf("quota: create %s: %w", userAddress, err)
		}
		g.logger.InfoContext(ctx, "quota initialized", "user", userAddress, "monthly_cap", q.MonthlyCap)
	}

	monthStart := MonthOf(now).Start
	if !q.LastResetDate.Before(monthStart) {
		return q, nil
	}
	previous := q.CurrentUsage
	q, reset, err := g.store.ResetMonth(ctx, userAddress, monthStart, now)
	if err != nil {
		return nil, fmt.Errorf("quota: reset %s: %w", userAddress, err)
	}
	if reset {
		g.logger.InfoContext(ctx, "quota reset for new month",
			"user", userAddress,
			"previous_usage", previous,
		)
	}
	return q, nil
}

func (g *Gate) decide(q *Quota, held, amount float64) *Decision {
	committed := q.CurrentUsage + held
	d := &Decision{
		Allowed:         withinCap(q, held, amount),
		UserAddress:     q.UserAddress,
		RequestedAmount: amount,
		CurrentUsage:    q.CurrentUsage,
		Reserved:        held,
		MonthlyCap:      q.MonthlyCap,
		RemainingQuota:  max(0, q.MonthlyCap-committed),
		ResetDate:       q.ResetDate(),
	}
	if !d.Allowed {
		d.Reason = fmt.Sprintf("monthly cap exceeded: %s > %s",
			formatAmount(committed+amount), formatAmount(q.MonthlyCap))
	}
	return d
}

func failedDecision(userAddress string, amount float64) *Decision {
	return &Decision{UserAddress: userAddress, RequestedAmount: amount, Reason: "quota check failed"}
}

func validate(userAddress string, amount float64) error {
	if userAddress == "" {
		return ErrEmptyUser
	}
	if amount < 0 {
		return ErrNegativeAmount
	}
	return nil
}

// CheckQuota reports whether spending amount would keep the user within the
// monthly cap. It does not reserve anything. Store failures return an error
// and a denied decision.
func (g *Gate) CheckQuota(ctx context.Context, userAddress string, amount float64) (*Decision, error) {
	if err := validate(userAddress, amount); err != nil {
		return nil, err
	}
	unlock := g.lock(userAddress)
	defer unlock()

	q, err := g.load(ctx, userAddress)
	if err != nil {
		return failedDecision(userAddress, amount), err
	}
	held, err := g.store.Held(ctx, userAddress, g.now().UTC())
	if err != nil {
		return failedDecision(userAddress, amount), fmt.Errorf("quota: holds for %s: %w", userAddress, err)
	}
	return g.decide(q, held, amount), nil
}

// Status returns the user's current quota view (getQuotaStatus).
func (g *Gate) Status(ctx context.Context, userAddress string) (*Decision, error) {
	return g.CheckQuota(ctx, userAddress, 0)
}

// Reservation is a hold on admitted spend.
type Reservation struct {
	ID        string
	User      string
	Amount    float64
	ExpiresAt time.Time

	gate *Gate
	once sync.Once
}

// Release returns the held amount to the user's remaining quota. It is safe
// to call more than once and on a nil reservation. A failed release is
// logged and the hold lapses at ExpiresAt.
func (r *Reservation) Release(ctx context.Context) {
	if r == nil || r.gate == nil {
		return
	}
	r.once.Do(func() {
		if err := r.gate.store.ReleaseHold(ctx, r.User, r.ID); err != nil {
			r.gate.logger.WarnContext(ctx, "failed to release quota hold",
				"user", r.User,
				"hold", r.ID,
				"expires_at", r.ExpiresAt,
				"error", err,
			)
		}
	})
}

// Reserve checks amount like CheckQuota and, when allowed, holds it against
// the cap in the store so every gate sharing that store sees it. A denied
// decision returns a nil reservation.
func (g *Gate) Reserve(ctx context.Context, userAddress string, amount float64) (*Decision, *Reservation, error) {
	if err := validate(userAddress, amount); err != nil {
		return nil, nil, err
	}
	unlock := g.lock(userAddress)
	defer unlock()

	if _, err := g.load(ctx, userAddress); err != nil {
		return failedDecision(userAddress, amount), nil, err
	}
	now := g.now().UTC()
	h := Hold{
		ID:          uuid.NewString(),
		UserAddress: userAddress,
		Amount:      amount,
		ExpiresAt:   now.Add(g.cfg.HoldTTL),
	}
	q, held, admitted, err := g.store.Hold(ctx, h, now)
	if err != nil {
		return failedDecision(userAddress, amount), nil, fmt.Errorf("quota: reserve for %s: %w", userAddress, err)
	}

	d := g.decide(q, held, amount)
	if !admitted {
		d.Allowed = false
		if d.Reason == "" {
			d.Reason = "monthly cap exceeded"
		}
		g.logger.InfoContext(ctx, "quota denied", "user", userAddress, "amount", amount, "reason", d.Reason)
		return d, nil, nil
	}
	d.Allowed, d.Reason = true, ""
	return d, &Reservation{ID: h.ID, User: userAddress, Amount: amount, ExpiresAt: h.ExpiresAt, gate: g}, nil
}

// RecordUsage appends rec to the audit log and increments the user's usage.
// Recording is unconditional bookkeeping: admission happens earlier through
// CheckQuota or Reserve, so usage may end above the cap.
func (g *Gate) RecordUsage(ctx context.Context, rec UsageRecord) (*Quota, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = g.now().UTC()
	}

	unlock := g.lock(rec.UserAddress)
	defer unlock()

	if _, err := g.load(ctx, rec.UserAddress); err != nil {
		return nil, err
	}
	q, err := g.store.Increment(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("quota: record usage for %s: %w", rec.UserAddress, err)
	}
	g.logger.InfoContext(ctx, "usage recorded",
		"user", rec.UserAddress,
		"amount", rec.Amount,
		"task_id", rec.TaskID,
		"current_usage", q.CurrentUsage,
	)
	return q, nil
}

// UpdateMonthlyCap sets a new cap for the user without touching usage.
func (g *Gate) UpdateMonthlyCap(ctx context.Context, userAddress string, newCap float64) (*Quota, error) {
	if err := validate(userAddress, newCap); err != nil {
		return nil, err
	}
	unlock := g.lock(userAddress)
	defer unlock()

	if _, err := g.load(ctx, userAddress); err != nil {
		return nil, err
	}
	q, err := g.store.SetMonthlyCap(ctx, userAddress, newCap)
	if err != nil {
		return nil, fmt.Errorf("quota: update cap for %s: %w", userAddress, err)
	}
	g.logger.InfoContext(ctx, "monthly cap updated", "user", userAddress, "monthly_cap", newCap)
	return q, nil
}

// Usage lists the user's usage records within period.
func (g *Gate) Usage(ctx context.Context, userAddress string, period Period) ([]UsageRecord, error) {
	if userAddress == "" {
		return nil, ErrEmptyUser
	}
	return g.store.ListUsage(ctx, userAddress, period)
}
