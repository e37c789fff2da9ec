// Package consensus turns one round of judge scores into a single verdict.
//
// The set of algorithms is closed: each Algorithm constant maps to a case in
// Engine.Calculate. New strategies are added by adding a constant and a case.
package consensus

import (
	"github.com/Mindburn-Labs/jurybox/pkg/stats"
)

// Algorithm names a consensus strategy.
type Algorithm string

const (
	SimpleAverage        Algorithm = "simple_average"
	WeightedAverage      Algorithm = "weighted_average"
	Median               Algorithm = "median"
	TrimmedMean          Algorithm = "trimmed_mean"
	IterativeConvergence Algorithm = "iterative_convergence"
	Delphi               Algorithm = "delphi"
)

// Algorithms lists every accepted algorithm name.
var Algorithms = []Algorithm{
	SimpleAverage,
	WeightedAverage,
	Median,
	TrimmedMean,
	IterativeConvergence,
	Delphi,
}

// Iterative reports whether the algorithm relies on repeated discussion rounds.
func (a Algorithm) Iterative() bool {
	return a == IterativeConvergence || a == Delphi
}

// ParseAlgorithm resolves a name to an Algorithm. The empty name resolves to
// SimpleAverage; any other unknown name is rejected.
func ParseAlgorithm(name string) (Algorithm, error) {
	if name == "" {
		return SimpleAverage, nil
	}
	for _, a := range Algorithms {
		if string(a) == name {
			return a, nil
		}
	}
	return "", &UnknownAlgorithmError{Name: name}
}

// Agent is a judge taking part in an evaluation.
type Agent struct {
	ID             string           `json:"id" yaml:"id"`
	Reputation     stats.Reputation `json:"reputation" yaml:"reputation"`
	FeePerJudgment float64          `json:"fee_per_judgment" yaml:"fee_per_judgment"`
}

// ScoreSet maps agent IDs to the score each submitted in one round.
type ScoreSet map[string]float64

// Clone returns an independent copy of s.
func (s ScoreSet) Clone() ScoreSet {
	out := make(ScoreSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Result is the consensus reached over one score set.
type Result struct {
	FinalScore        float64            `json:"final_score"`
	Algorithm         Algorithm          `json:"algorithm"`
	IndividualScores  ScoreSet           `json:"individual_scores"`
	Weights           map[string]float64 `json:"weights,omitempty"`
	Confidence        float64            `json:"confidence"`
	Variance          float64            `json:"variance"`
	ConvergenceRounds int                `json:"convergence_rounds"`
}
