// Package scoring provides judge implementations for the orchestrator.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/jurybox/pkg/consensus"
	"github.com/Mindburn-Labs/jurybox/pkg/llm"
	"github.com/Mindburn-Labs/jurybox/pkg/orchestrator"
)

// ErrUnparseable is returned when a judge reply holds no usable verdict.
var ErrUnparseable = errors.New("scoring: unparseable judge reply")

// LLMConfig configures an LLMScorer.
type LLMConfig struct {
	// Personas gives each agent ID its own system instructions. Agents
	// without an entry use a neutral judge persona.
	Personas map[string]string `json:"personas,omitempty" yaml:"personas,omitempty"`

	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`

	// RequestsPerSecond and Burst rate-limit calls per agent. Zero disables.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// LLMScorer asks a chat model to act as each judge.
type LLMScorer struct {
	client llm.Client
	cfg    LLMConfig
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLLMScorer creates a scorer backed by client.
func NewLLMScorer(client llm.Client, cfg LLMConfig, logger *slog.Logger) *LLMScorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMScorer{
		client:   client,
		cfg:      cfg,
		logger:   logger.With("component", "scoring"),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *LLMScorer) limiter(agentID string) *rate.Limiter {
	if s.cfg.RequestsPerSecond <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[agentID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), max(1, s.cfg.Burst))
		s.limiters[agentID] = l
	}
	return l
}

// Score implements orchestrator.Scorer.
func (s *LLMScorer) Score(ctx context.Context, agent consensus.Agent, req orchestrator.ScoreRequest) (*orchestrator.ScoreResponse, error) {
	if l := s.limiter(agent.ID); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, fmt.Errorf("scoring: rate limit wait for %s: %w", agent.ID, err)
		}
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: s.systemPrompt(agent, req)},
		{Role: llm.RoleUser, Content: userPrompt(agent.ID, req)},
	}
	resp, err := s.client.Chat(ctx, messages, &llm.SamplingOptions{
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("scoring: judge %s request failed: %w", agent.ID, err)
	}

	verdict, err := ParseVerdict(resp.Content)
	if err != nil {
		s.logger.WarnContext(ctx, "judge reply rejected",
			"agent", agent.ID,
			"round", req.Round,
			"error", err,
		)
		return nil, err
	}
	s.logger.DebugContext(ctx, "judge scored",
		"agent", agent.ID,
		"round", req.Round,
		"score", verdict.Score,
		"tokens", resp.Usage.TotalTokens,
	)
	return verdict, nil
}

func (s *LLMScorer) systemPrompt(agent consensus.Agent, req orchestrator.ScoreRequest) string {
	persona := s.cfg.Personas[agent.ID]
	if persona == "" {
		persona = "You are an impartial expert judge."
	}

	var b strings.Builder
	b.WriteString(persona)
	b.WriteString(`

Score the submitted content on a scale from 0 (worst) to 10 (best).

Response format (MUST be valid JSON):
{
  "score": 0.0-10.0,
  "rationale": "why you chose this score",
  "confidence": 0.0-1.0
}`)
	if len(req.Criteria) > 0 {
		b.WriteString("\n\nEvaluation criteria:")
		for _, c := range req.Criteria {
			b.WriteString("\n- ")
			b.WriteString(c)
		}
	}
	return b.String()
}

func userPrompt(self string, req orchestrator.ScoreRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Content to evaluate:\n%s", req.Content)

	if p := req.Prior; p != nil {
		fmt.Fprintf(&b, "\n\nThis is discussion round %d. In round %d the panel reached a consensus of %.2f with variance %.2f.",
			req.Round, p.Round, p.Consensus, p.Variance)
		b.WriteString("\nThe other judges said:")

		ids := make([]string, 0, len(p.Scores))
		for id := range p.Scores {
			if id != self {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(&b, "\n- %s scored %.1f: %s", id, p.Scores[id], p.Rationales[id])
		}
		if own, ok := p.Scores[self]; ok {
			fmt.Fprintf(&b, "\nYour previous score was %.1f.", own)
		}
		b.WriteString("\nReconsider your score in light of their arguments. Change it only if you are persuaded.")
	}
	return b.String()
}

// ParseVerdict extracts the JSON verdict from a judge reply. Text around the
// outermost braces is ignored.
func ParseVerdict(reply string) (*orchestrator.ScoreResponse, error) {
	reply = strings.TrimSpace(reply)
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start == -1 || end < start {
		return nil, fmt.Errorf("%w: no JSON found", ErrUnparseable)
	}

	var v struct {
		Score      *float64 `json:"score"`
		Rationale  string   `json:"rationale"`
		Confidence float64  `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if v.Score == nil {
		return nil, fmt.Errorf("%w: missing score", ErrUnparseable)
	}
	if math.IsNaN(*v.Score) || *v.Score < 0 || *v.Score > 10 {
		return nil, fmt.Errorf("%w: score %v outside [0, 10]", ErrUnparseable, *v.Score)
	}
	return &orchestrator.ScoreResponse{
		Score:      *v.Score,
		Rationale:  v.Rationale,
		Confidence: math.Min(1, math.Max(0, v.Confidence)),
	}, nil
}
