package orchestrator

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/jurybox/pkg/consensus"
)

// Reason is the failure code carried by a failed evaluation.
type Reason string

const (
	ReasonValidation               Reason = "VALIDATION"
	ReasonUnknownAlgorithm         Reason = "UNKNOWN_ALGORITHM"
	ReasonQuotaExceeded            Reason = "QUOTA_EXCEEDED"
	ReasonMissingMetadata          Reason = "MISSING_METADATA"
	ReasonDegenerateInput          Reason = "DEGENERATE_INPUT"
	ReasonNoScoresReceived         Reason = "NO_SCORES_RECEIVED"
	ReasonSettlementReconciliation Reason = "SETTLEMENT_RECONCILIATION"
	ReasonCanceled                 Reason = "CANCELED"
	ReasonInternal                 Reason = "INTERNAL"
)

// Validation reports whether the request was rejected before any round ran.
func (r Reason) Validation() bool {
	return r == ReasonValidation || r == ReasonUnknownAlgorithm
}

// Retryable reports whether running the same request again may succeed
// without changing it or the user's cap.
func (r Reason) Retryable() bool {
	return r == ReasonNoScoresReceived || r == ReasonCanceled || r == ReasonInternal
}

var (
	ErrValidation       = errors.New("orchestrator: invalid request")
	ErrQuotaExceeded    = errors.New("orchestrator: quota exceeded")
	ErrNoScoresReceived = errors.New("orchestrator: no scores received")
	ErrSettlement       = errors.New("orchestrator: settlement notification failed")
)

// Failure is returned for every evaluation that did not complete cleanly.
// Transcript holds whatever rounds ran before the failure. For
// ReasonSettlementReconciliation the evaluation itself completed and Run
// also returns its Output.
type Failure struct {
	Reason     Reason
	RequestID  string
	Progress   Progress
	Transcript *Transcript
	Err        error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("evaluation %s failed (%s): %v", f.RequestID, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// ReasonOf returns the failure reason of err, or "" when err is not a Failure.
func ReasonOf(err error) Reason {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ""
}

// consensusReason maps an engine error onto the failure taxonomy.
func consensusReason(err error) Reason {
	switch {
	case errors.Is(err, consensus.ErrMissingMetadata):
		return ReasonMissingMetadata
	case errors.Is(err, consensus.ErrDegenerateInput):
		return ReasonDegenerateInput
	case errors.Is(err, consensus.ErrUnknownAlgorithm):
		return ReasonUnknownAlgorithm
	default:
		return ReasonInternal
	}
}
