// Package stats provides the statistical primitives used by the consensus engine:
// variance, confidence, reputation weighting, z-score outlier detection and
// round-to-round convergence. All functions are pure.
package stats

import (
	"math"
	"sort"
)

// confidenceDecay is the variance at which confidence reaches zero.
// Confidence is a linear heuristic, not a statistical guarantee.
const confidenceDecay = 10.0

// DefaultZThreshold is the z-score above which a score is flagged as an outlier.
const DefaultZThreshold = 2.0

// Reputation summarizes an agent's judging history.
type Reputation struct {
	AverageRating      float64 `json:"average_rating" yaml:"average_rating"`           // [0,10]
	CompletedJudgments int     `json:"completed_judgments" yaml:"completed_judgments"` // >= 0
	SuccessRate        float64 `json:"success_rate" yaml:"success_rate"`               // [0,1]
}

// Mean returns the arithmetic mean of values, or 0 when values is empty.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Variance returns the mean squared deviation of values around mean.
// An empty input has variance 0.
func Variance(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(values))
}

// Confidence maps a variance onto [0,1]: 1 - variance/10, floored at 0.
func Confidence(variance float64) float64 {
	return math.Max(0, 1-variance/confidenceDecay)
}

// AgentWeight computes a reputation-derived weight:
//
//	(averageRating/10) * (1 + ln(completedJudgments+1)/5) * successRate
//
// A brand-new agent (rating 0) weighs 0, so callers summing weights must
// handle a zero total.
func AgentWeight(r Reputation) float64 {
	completed := math.Max(0, float64(r.CompletedJudgments))
	experience := 1 + math.Log(completed+1)/5
	return (r.AverageRating / 10) * experience * r.SuccessRate
}

// OutlierReport is the result of DetectOutliers.
type OutlierReport struct {
	OutlierIDs  []string           `json:"outlier_ids"`
	CleanScores map[string]float64 `json:"clean_scores"`
	Mean        float64            `json:"mean"`
	StdDev      float64            `json:"std_dev"`
}

// IsOutlier reports whether id was flagged.
func (r OutlierReport) IsOutlier(id string) bool {
	for _, o := range r.OutlierIDs {
		if o == id {
			return true
		}
	}
	return false
}

// DetectOutliers flags every score whose population z-score reaches threshold
// (the bound is inclusive). When all scores are identical (stddev 0) nothing
// is flagged. The input map is not modified; flagged entries are only left
// out of CleanScores.
func DetectOutliers(scores map[string]float64, threshold float64) OutlierReport {
	values := Values(scores)
	mean := Mean(values)
	stddev := math.Sqrt(Variance(values, mean))

	report := OutlierReport{
		OutlierIDs:  []string{},
		CleanScores: make(map[string]float64, len(scores)),
		Mean:        mean,
		StdDev:      stddev,
	}

	for id, s := range scores {
		if stddev > 0 && math.Abs(s-mean)/stddev >= threshold {
			report.OutlierIDs = append(report.OutlierIDs, id)
			continue
		}
		report.CleanScores[id] = s
	}
	sort.Strings(report.OutlierIDs)
	return report
}

// ConvergenceDelta measures how much variance dropped between two score sets,
// as a fraction of the initial variance. It is 1 when the initial set already
// had no variance.
func ConvergenceDelta(initial, final map[string]float64) float64 {
	iv := Values(initial)
	fv := Values(final)
	vInitial := Variance(iv, Mean(iv))
	if vInitial == 0 {
		return 1
	}
	vFinal := Variance(fv, Mean(fv))
	return math.Max(0, (vInitial-vFinal)/vInitial)
}

// Values returns the scores of m in ascending order.
func Values(m map[string]float64) []float64 {
	out := make([]float64, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}
