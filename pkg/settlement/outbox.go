package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Outbox record states.
const (
	StatusPending = "PENDING"
	StatusDone    = "DONE"
)

// ErrRecordNotFound is returned when an outbox record does not exist.
var ErrRecordNotFound = errors.New("settlement: outbox record not found")

// OutboxRecord is a settlement waiting for delivery.
type OutboxRecord struct {
	Settlement Settlement `json:"settlement"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	Scheduled  time.Time  `json:"scheduled"`
}

// Outbox holds settlements whose notification failed. Usage for them has
// already been recorded, so they are retried and never reversed.
type Outbox interface {
	// Enqueue stores s as pending. Enqueueing the same settlement ID twice
	// keeps the first record.
	Enqueue(ctx context.Context, s Settlement, cause error) error
	// Pending lists pending records, oldest first.
	Pending(ctx context.Context) ([]*OutboxRecord, error)
	// MarkAttempt records a failed delivery attempt.
	MarkAttempt(ctx context.Context, id string, cause error) error
	// MarkDone marks a record delivered.
	MarkDone(ctx context.Context, id string) error
}

// Reconcile retries every pending settlement once through n. It returns how
// many were delivered; individual delivery failures are recorded on the
// record and do not stop the pass.
func Reconcile(ctx context.Context, box Outbox, n Notifier, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pending, err := box.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("settlement: list pending: %w", err)
	}

	delivered := 0
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		id := rec.Settlement.ID
		if err := n.Settle(ctx, rec.Settlement); err != nil {
			logger.WarnContext(ctx, "settlement still failing", "settlement_id", id, "attempts", rec.Attempts+1, "error", err)
			if mErr := box.MarkAttempt(ctx, id, err); mErr != nil {
				return delivered, mErr
			}
			continue
		}
		if err := box.MarkDone(ctx, id); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// MemoryOutbox implements Outbox in memory.
type MemoryOutbox struct {
	mu      sync.Mutex
	records map[string]*OutboxRecord
	now     func() time.Time
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{records: make(map[string]*OutboxRecord), now: time.Now}
}

func (o *MemoryOutbox) Enqueue(ctx context.Context, s Settlement, cause error) error {
	if err := s.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.records[s.ID]; exists {
		return nil
	}
	rec := &OutboxRecord{Settlement: s, Status: StatusPending, Scheduled: o.now()}
	if cause != nil {
		rec.Attempts = 1
		rec.LastError = cause.Error()
	}
	o.records[s.ID] = rec
	return nil
}

func (o *MemoryOutbox) Pending(ctx context.Context) ([]*OutboxRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*OutboxRecord
	for _, r := range o.records {
		if r.Status == StatusPending {
			val := *r
			out = append(out, &val)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scheduled.Equal(out[j].Scheduled) {
			return out[i].Settlement.ID < out[j].Settlement.ID
		}
		return out[i].Scheduled.Before(out[j].Scheduled)
	})
	return out, nil
}

func (o *MemoryOutbox) MarkAttempt(ctx context.Context, id string, cause error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	r.Attempts++
	if cause != nil {
		r.LastError = cause.Error()
	}
	return nil
}

func (o *MemoryOutbox) MarkDone(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	r.Status = StatusDone
	return nil
}
