package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in memory.
// Thread-safe via RWMutex.
type MemoryStore struct {
	mu     sync.RWMutex
	quotas map[string]*Quota
	holds  map[string]map[string]Hold
	usage  map[string][]UsageRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quotas: make(map[string]*Quota),
		holds:  make(map[string]map[string]Hold),
		usage:  make(map[string][]UsageRecord),
	}
}

func (s *MemoryStore) Get(ctx context.Context, userAddress string) (*Quota, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if q, ok := s.quotas[userAddress]; ok {
		// return copy to avoid race on mutation outside lock
		val := *q
		return &val, nil
	}
	return nil, nil
}

// Upsert replaces the user's record wholesale. Gates never call it; it seeds
// and restores records.
func (s *MemoryStore) Upsert(ctx context.Context, q *Quota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *q
	s.quotas[q.UserAddress] = &val
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, q *Quota) (*Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.quotas[q.UserAddress]
	if !ok {
		val := *q
		stored = &val
		s.quotas[q.UserAddress] = stored
	}
	val := *stored
	return &val, nil
}

func (s *MemoryStore) ResetMonth(ctx context.Context, userAddress string, monthStart, now time.Time) (*Quota, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[userAddress]
	if !ok {
		return nil, false, ErrNotFound
	}
	reset := q.LastResetDate.Before(monthStart)
	if reset {
		q.CurrentUsage = 0
		q.LastResetDate = now
	}
	val := *q
	return &val, reset, nil
}

func (s *MemoryStore) SetMonthlyCap(ctx context.Context, userAddress string, monthlyCap float64) (*Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[userAddress]
	if !ok {
		return nil, ErrNotFound
	}
	q.MonthlyCap = monthlyCap
	val := *q
	return &val, nil
}

func (s *MemoryStore) Increment(ctx context.Context, rec UsageRecord) (*Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[rec.UserAddress]
	if !ok {
		return nil, ErrNotFound
	}
	q.CurrentUsage += rec.Amount
	s.usage[rec.UserAddress] = append(s.usage[rec.UserAddress], rec)
	val := *q
	return &val, nil
}

func (s *MemoryStore) Hold(ctx context.Context, h Hold, now time.Time) (*Quota, float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[h.UserAddress]
	if !ok {
		return nil, 0, false, ErrNotFound
	}

	holds := s.holds[h.UserAddress]
	var held float64
	for id, existing := range holds {
		if !existing.ExpiresAt.After(now) {
			delete(holds, id)
			continue
		}
		held += existing.Amount
	}

	admitted := withinCap(q, held, h.Amount)
	if admitted {
		if holds == nil {
			holds = make(map[string]Hold)
			s.holds[h.UserAddress] = holds
		}
		holds[h.ID] = h
	}
	if len(holds) == 0 {
		delete(s.holds, h.UserAddress)
	}
	val := *q
	return &val, held, admitted, nil
}

func (s *MemoryStore) Held(ctx context.Context, userAddress string, now time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var held float64
	for _, h := range s.holds[userAddress] {
		if h.ExpiresAt.After(now) {
			held += h.Amount
		}
	}
	return held, nil
}

func (s *MemoryStore) ReleaseHold(ctx context.Context, userAddress, holdID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	holds := s.holds[userAddress]
	delete(holds, holdID)
	if len(holds) == 0 {
		delete(s.holds, userAddress)
	}
	return nil
}

func (s *MemoryStore) ListUsage(ctx context.Context, userAddress string, period Period) ([]UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UsageRecord
	for _, r := range s.usage[userAddress] {
		if period.Contains(r.Timestamp) {
			out = append(out, r)
		}
	}
	return out, nil
}
