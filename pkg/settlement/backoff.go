package settlement

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy bounds retry delays.
type BackoffPolicy struct {
	Base        time.Duration `json:"base" yaml:"base"`
	Max         time.Duration `json:"max" yaml:"max"`
	MaxJitter   time.Duration `json:"max_jitter" yaml:"max_jitter"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
}

// DefaultBackoffPolicy returns the notifier retry defaults.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        200 * time.Millisecond,
		Max:         5 * time.Second,
		MaxJitter:   100 * time.Millisecond,
		MaxAttempts: 4,
	}
}

// Delay returns the wait before retry number attempt (0-based) of the
// settlement with the given ID: base * 2^attempt capped at Max, plus a jitter
// derived from the ID and attempt so replays wait the same amount.
func (p BackoffPolicy) Delay(settlementID string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := time.Duration(int64(p.Base) * factor)
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	return delay + p.jitter(settlementID, attempt)
}

func (p BackoffPolicy) jitter(settlementID string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", settlementID, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive
}
