package consensus

import (
	"fmt"
	"math"

	"github.com/Mindburn-Labs/jurybox/pkg/stats"
)

func newResult(alg Algorithm, scores ScoreSet, final, variance float64) *Result {
	return &Result{
		FinalScore:        final,
		Algorithm:         alg,
		IndividualScores:  scores.Clone(),
		Confidence:        stats.Confidence(variance),
		Variance:          variance,
		ConvergenceRounds: 1,
	}
}

func simpleAverage(scores ScoreSet) (*Result, error) {
	if len(scores) == 0 {
		return nil, fmt.Errorf("%w: no scores", ErrDegenerateInput)
	}
	values := stats.Values(scores)
	mean := stats.Mean(values)
	return newResult(SimpleAverage, scores, mean, stats.Variance(values, mean)), nil
}

// weightedAverage weighs each score by its agent's reputation. Scored agents
// with no matching entry in agents get weight 0 and drop out of the average.
func weightedAverage(scores ScoreSet, agents []Agent) (*Result, error) {
	if len(agents) == 0 {
		return nil, ErrMissingMetadata
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("%w: no scores", ErrDegenerateInput)
	}

	byID := make(map[string]Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}

	weights := make(map[string]float64, len(scores))
	var weighted, total float64
	for id, s := range scores {
		var w float64
		if a, ok := byID[id]; ok {
			w = stats.AgentWeight(a.Reputation)
		}
		weights[id] = w
		weighted += s * w
		total += w
	}
	if total <= 0 || math.IsNaN(total) {
		return nil, fmt.Errorf("%w: total agent weight is zero", ErrDegenerateInput)
	}

	final := weighted / total
	res := newResult(WeightedAverage, scores, final, stats.Variance(stats.Values(scores), final))
	res.Weights = weights
	return res, nil
}

func median(scores ScoreSet) (*Result, error) {
	if len(scores) == 0 {
		return nil, fmt.Errorf("%w: no scores", ErrDegenerateInput)
	}
	values := stats.Values(scores)
	n := len(values)

	var m float64
	if n%2 == 0 {
		m = (values[n/2-1] + values[n/2]) / 2
	} else {
		m = values[n/2]
	}
	return newResult(Median, scores, m, stats.Variance(values, m)), nil
}

// trimmedMean drops floor(n*trim) values from each end before averaging.
// Variance is measured over the values that survive the trim.
func trimmedMean(scores ScoreSet, trim float64) (*Result, error) {
	if trim < 0 || trim >= 0.5 {
		return nil, fmt.Errorf("%w: trim percent %.2f outside [0, 0.5)", ErrDegenerateInput, trim)
	}
	values := stats.Values(scores)
	drop := int(math.Floor(float64(len(values)) * trim))
	kept := values[drop : len(values)-drop]
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: trimming %d of %d values leaves nothing", ErrDegenerateInput, 2*drop, len(values))
	}
	mean := stats.Mean(kept)
	return newResult(TrimmedMean, scores, mean, stats.Variance(kept, mean)), nil
}
