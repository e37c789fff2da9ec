package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Mindburn-Labs/jurybox/pkg/consensus"
	"github.com/Mindburn-Labs/jurybox/pkg/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Round timeouts below the request bounds are only reachable from inside the
// package, which keeps these tests fast.
func newTestRun(t *testing.T, scorer Scorer, timeout time.Duration, ids ...string) (*Orchestrator, *run) {
	t.Helper()
	gate := quota.NewGate(quota.NewMemoryStore(), quota.DefaultConfig())
	o, err := New(consensus.NewEngine(consensus.DefaultConfig()), gate, scorer)
	require.NoError(t, err)

	var agents []consensus.Agent
	for _, id := range ids {
		agents = append(agents, consensus.Agent{ID: id})
	}
	r := &run{
		req: Request{ID: "req-t", Content: "x", Agents: agents},
		cfg: RoundConfig{RoundTimeout: timeout},
		progress: Progress{
			CurrentScores: consensus.ScoreSet{},
		},
	}
	return o, r
}

func slowScorer(slow map[string]bool) ScorerFunc {
	return func(ctx context.Context, a consensus.Agent, req ScoreRequest) (*ScoreResponse, error) {
		if slow[a.ID] {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &ScoreResponse{Score: 6}, nil
	}
}

func TestCollect_SlowAgentsDroppedAtDeadline(t *testing.T) {
	o, r := newTestRun(t, slowScorer(map[string]bool{"b": true}), 50*time.Millisecond, "a", "b", "c")

	start := time.Now()
	got, dropped := o.collect(context.Background(), r, 1, nil)
	assert.Less(t, time.Since(start), 5*time.Second)

	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].agentID)
	assert.Equal(t, "c", got[1].agentID)
	assert.Equal(t, []string{"b"}, dropped)
	assert.Equal(t, 2, r.progress.ScoresReceived)
	assert.Equal(t, consensus.ScoreSet{"a": 6, "c": 6}, r.progress.CurrentScores)
}

// The collector is held past the deadline by a slow observer while the other
// answers wait in the buffer; they arrived in time and must all be kept.
func TestCollect_BufferedAnswersSurviveDeadline(t *testing.T) {
	for i := 0; i < 10; i++ {
		o, r := newTestRun(t, slowScorer(nil), 30*time.Millisecond, "a", "b", "c")
		first := true
		r.observer = func(Progress) {
			if first {
				first = false
				time.Sleep(80 * time.Millisecond)
			}
		}

		got, dropped := o.collect(context.Background(), r, 1, nil)
		require.Len(t, got, 3, "iteration %d", i)
		assert.Empty(t, dropped)
		assert.Equal(t, 3, r.progress.ScoresReceived)
	}
}

func TestCollect_NoRespondersWithinDeadline(t *testing.T) {
	o, r := newTestRun(t, slowScorer(map[string]bool{"a": true, "b": true}), 20*time.Millisecond, "a", "b")

	got, dropped := o.collect(context.Background(), r, 1, nil)
	assert.Empty(t, got)
	assert.Equal(t, []string{"a", "b"}, dropped)
	assert.Zero(t, r.progress.ScoresReceived)
}

func TestCollect_BoundedConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	scorer := ScorerFunc(func(ctx context.Context, a consensus.Agent, req ScoreRequest) (*ScoreResponse, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return &ScoreResponse{Score: 5}, nil
	})
	o, r := newTestRun(t, scorer, time.Second, "a", "b", "c", "d")
	o.maxConcurrency = 1

	got, dropped := o.collect(context.Background(), r, 1, nil)
	assert.Len(t, got, 4)
	assert.Empty(t, dropped)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak)
}

func TestConsensusReason(t *testing.T) {
	assert.Equal(t, ReasonMissingMetadata, consensusReason(consensus.ErrMissingMetadata))
	assert.Equal(t, ReasonDegenerateInput, consensusReason(consensus.ErrDegenerateInput))
	assert.Equal(t, ReasonUnknownAlgorithm, consensusReason(&consensus.UnknownAlgorithmError{Name: "x"}))
	assert.Equal(t, ReasonInternal, consensusReason(assert.AnError))
}

func TestStopRules(t *testing.T) {
	rules, err := newStopRules()
	require.NoError(t, err)

	stop, err := rules.evaluate("variance < 1.5 || delta > 0.8", stopInput{Variance: 2, Delta: 0.9})
	require.NoError(t, err)
	assert.True(t, stop)

	stop, err = rules.evaluate("confidence >= 0.9 && outliers == 0", stopInput{Confidence: 0.5})
	require.NoError(t, err)
	assert.False(t, stop)

	_, err = rules.evaluate("unknown_var > 1", stopInput{})
	assert.Error(t, err)
}
