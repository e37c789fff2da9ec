package consensus

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingMetadata is returned when an algorithm needs agent reputation
	// data that the caller did not supply.
	ErrMissingMetadata = errors.New("consensus: agent metadata required")
	// ErrDegenerateInput is returned when the input leaves nothing to aggregate:
	// an empty score set, a trim that removes every value, or zero total weight.
	ErrDegenerateInput = errors.New("consensus: degenerate input")
	// ErrUnknownAlgorithm is returned for algorithm names outside the known set.
	ErrUnknownAlgorithm = errors.New("consensus: unknown algorithm")
)

// UnknownAlgorithmError names the rejected algorithm. It matches ErrUnknownAlgorithm.
type UnknownAlgorithmError struct {
	Name string
}

func (e *UnknownAlgorithmError) Error() string {
	return fmt.Sprintf("consensus: unknown algorithm %q", e.Name)
}

func (e *UnknownAlgorithmError) Is(target error) bool {
	return target == ErrUnknownAlgorithm
}
