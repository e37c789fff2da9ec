package scoring

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/jurybox/pkg/consensus"
	"github.com/Mindburn-Labs/jurybox/pkg/orchestrator"
)

// ScriptedTurn is one canned answer. A turn with Silent set never answers,
// which lets dry runs exercise round timeouts.
type ScriptedTurn struct {
	Score      float64       `yaml:"score" json:"score"`
	Rationale  string        `yaml:"rationale" json:"rationale"`
	Confidence float64       `yaml:"confidence,omitempty" json:"confidence,omitempty"`
	Delay      time.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
	Silent     bool          `yaml:"silent,omitempty" json:"silent,omitempty"`
}

// ScriptedScorer replays per-agent, per-round answers. Round n uses the n-th
// turn; once an agent's script runs out its last turn repeats.
type ScriptedScorer struct {
	Turns map[string][]ScriptedTurn `yaml:"turns" json:"turns"`
}

// LoadScript reads a ScriptedScorer from a YAML file:
//
//	turns:
//	  judge-a:
//	    - {score: 8, rationale: "clear and correct"}
//	    - {score: 7.5, rationale: "revised"}
func LoadScript(path string) (*ScriptedScorer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	var s ScriptedScorer
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	return &s, nil
}

// Score implements orchestrator.Scorer.
func (s *ScriptedScorer) Score(ctx context.Context, agent consensus.Agent, req orchestrator.ScoreRequest) (*orchestrator.ScoreResponse, error) {
	turns := s.Turns[agent.ID]
	if len(turns) == 0 {
		return nil, fmt.Errorf("scoring: no script for agent %s", agent.ID)
	}
	turn := turns[min(max(req.Round, 1), len(turns))-1]

	if turn.Silent {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if turn.Delay > 0 {
		t := time.NewTimer(turn.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return &orchestrator.ScoreResponse{
		Score:      turn.Score,
		Rationale:  turn.Rationale,
		Confidence: turn.Confidence,
	}, nil
}
