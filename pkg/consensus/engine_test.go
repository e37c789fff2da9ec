package consensus_test

import (
	"errors"
	"testing"

	"github.com/Mindburn-Labs/jurybox/pkg/consensus"
	"github.com/Mindburn-Labs/jurybox/pkg/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine() *consensus.Engine {
	return consensus.NewEngine(consensus.DefaultConfig())
}

func veteran(id string) consensus.Agent {
	return consensus.Agent{
		ID:         id,
		Reputation: stats.Reputation{AverageRating: 8, CompletedJudgments: 20, SuccessRate: 0.9},
	}
}

func TestSimpleAverage(t *testing.T) {
	res, err := newEngine().Calculate(consensus.SimpleAverage, consensus.ScoreSet{"a": 8, "b": 6, "c": 7}, nil)
	require.NoError(t, err)

	assert.InDelta(t, 7.0, res.FinalScore, 1e-12)
	assert.Equal(t, consensus.SimpleAverage, res.Algorithm)
	assert.Equal(t, 1, res.ConvergenceRounds)
	assert.InDelta(t, 2.0/3.0, res.Variance, 1e-12)
	assert.InDelta(t, 1-(2.0/3.0)/10, res.Confidence, 1e-12)
	assert.Nil(t, res.Weights)
}

func TestEmptyNameDefaultsToSimpleAverage(t *testing.T) {
	res, err := newEngine().Calculate("", consensus.ScoreSet{"a": 2, "b": 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, consensus.SimpleAverage, res.Algorithm)
	assert.Equal(t, 3.0, res.FinalScore)
}

func TestUnknownAlgorithmFailsClosed(t *testing.T) {
	_, err := newEngine().Calculate("majority_vote", consensus.ScoreSet{"a": 2}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, consensus.ErrUnknownAlgorithm)

	var unknown *consensus.UnknownAlgorithmError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "majority_vote", unknown.Name)
}

func TestMedian(t *testing.T) {
	e := newEngine()

	even, err := e.Calculate(consensus.Median, consensus.ScoreSet{"a": 8, "b": 2, "c": 6, "d": 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5.0, even.FinalScore)
	// variance around the median over all four values
	assert.Equal(t, 5.0, even.Variance)

	odd, err := e.Calculate(consensus.Median, consensus.ScoreSet{"a": 6, "b": 2, "c": 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4.0, odd.FinalScore)
}

func TestTrimmedMean(t *testing.T) {
	t.Run("identical scores", func(t *testing.T) {
		scores := consensus.ScoreSet{}
		for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
			scores[id] = 6.5
		}
		res, err := newEngine().Calculate(consensus.TrimmedMean, scores, nil)
		require.NoError(t, err)
		assert.Equal(t, 6.5, res.FinalScore)
		assert.Equal(t, 0.0, res.Variance)
		assert.Equal(t, 1.0, res.Confidence)
		assert.Len(t, res.IndividualScores, 10)
	})

	t.Run("drops extremes", func(t *testing.T) {
		scores := consensus.ScoreSet{"a": 0, "b": 5, "c": 5, "d": 5, "e": 5, "f": 5, "g": 5, "h": 5, "i": 5, "j": 10}
		res, err := newEngine().Calculate(consensus.TrimmedMean, scores, nil)
		require.NoError(t, err)
		assert.Equal(t, 5.0, res.FinalScore)
	})

	t.Run("trim removing everything is degenerate", func(t *testing.T) {
		e := consensus.NewEngine(consensus.Config{TrimPercent: 0.5})
		_, err := e.Calculate(consensus.TrimmedMean, consensus.ScoreSet{"a": 1, "b": 2}, nil)
		assert.ErrorIs(t, err, consensus.ErrDegenerateInput)
	})

	t.Run("empty set is degenerate", func(t *testing.T) {
		_, err := newEngine().Calculate(consensus.TrimmedMean, consensus.ScoreSet{}, nil)
		assert.ErrorIs(t, err, consensus.ErrDegenerateInput)
	})
}

func TestWeightedAverage(t *testing.T) {
	t.Run("requires agents", func(t *testing.T) {
		_, err := newEngine().Calculate(consensus.WeightedAverage, consensus.ScoreSet{"a": 5}, nil)
		assert.ErrorIs(t, err, consensus.ErrMissingMetadata)

		_, err = newEngine().Calculate(consensus.WeightedAverage, consensus.ScoreSet{"a": 5}, []consensus.Agent{})
		assert.ErrorIs(t, err, consensus.ErrMissingMetadata)
		assert.NotErrorIs(t, err, consensus.ErrDegenerateInput)
	})

	t.Run("weights by reputation", func(t *testing.T) {
		strong := veteran("a")
		weak := consensus.Agent{ID: "b", Reputation: stats.Reputation{AverageRating: 2, CompletedJudgments: 0, SuccessRate: 0.5}}

		res, err := newEngine().Calculate(consensus.WeightedAverage, consensus.ScoreSet{"a": 9, "b": 1}, []consensus.Agent{strong, weak})
		require.NoError(t, err)

		wa := stats.AgentWeight(strong.Reputation)
		wb := stats.AgentWeight(weak.Reputation)
		assert.InDelta(t, (9*wa+1*wb)/(wa+wb), res.FinalScore, 1e-12)
		assert.Greater(t, res.FinalScore, 5.0)
		assert.InDelta(t, wa, res.Weights["a"], 1e-12)
	})

	t.Run("unmatched agent contributes nothing", func(t *testing.T) {
		res, err := newEngine().Calculate(consensus.WeightedAverage, consensus.ScoreSet{"a": 8, "ghost": 0}, []consensus.Agent{veteran("a")})
		require.NoError(t, err)
		assert.InDelta(t, 8.0, res.FinalScore, 1e-12)
		assert.Equal(t, 0.0, res.Weights["ghost"])
	})

	t.Run("all new agents is degenerate", func(t *testing.T) {
		agents := []consensus.Agent{{ID: "a"}, {ID: "b"}}
		_, err := newEngine().Calculate(consensus.WeightedAverage, consensus.ScoreSet{"a": 3, "b": 4}, agents)
		assert.ErrorIs(t, err, consensus.ErrDegenerateInput)
	})
}

func TestIterativeAlgorithms(t *testing.T) {
	scores := consensus.ScoreSet{"a": 9, "b": 3}

	iter, err := newEngine().Calculate(consensus.IterativeConvergence, scores, nil)
	require.NoError(t, err)
	assert.Equal(t, consensus.IterativeConvergence, iter.Algorithm)
	assert.Equal(t, 6.0, iter.FinalScore)

	plain, err := newEngine().Calculate(consensus.Delphi, scores, nil)
	require.NoError(t, err)
	assert.Equal(t, consensus.Delphi, plain.Algorithm)
	assert.Equal(t, 6.0, plain.FinalScore)

	weak := consensus.Agent{ID: "b", Reputation: stats.Reputation{AverageRating: 1, SuccessRate: 0.2}}
	weighted, err := newEngine().Calculate(consensus.Delphi, scores, []consensus.Agent{veteran("a"), weak})
	require.NoError(t, err)
	assert.NotNil(t, weighted.Weights)
	assert.Greater(t, weighted.FinalScore, 6.0)

	assert.True(t, consensus.Delphi.Iterative())
	assert.False(t, consensus.Median.Iterative())
}

func TestCalculateDoesNotAliasInput(t *testing.T) {
	scores := consensus.ScoreSet{"a": 1, "b": 2}
	res, err := newEngine().Calculate(consensus.SimpleAverage, scores, nil)
	require.NoError(t, err)

	scores["a"] = 10
	assert.Equal(t, 1.0, res.IndividualScores["a"])
}

func TestParseAlgorithm(t *testing.T) {
	for _, a := range consensus.Algorithms {
		got, err := consensus.ParseAlgorithm(string(a))
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	_, err := consensus.ParseAlgorithm("SIMPLE_AVERAGE")
	assert.ErrorIs(t, err, consensus.ErrUnknownAlgorithm)
}
