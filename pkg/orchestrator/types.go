package orchestrator

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/jurybox/pkg/consensus"
	"github.com/Mindburn-Labs/jurybox/pkg/quota"
)

// Status is the lifecycle state of one evaluation.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusScoring      Status = "scoring"
	StatusDiscussing   Status = "discussing"
	StatusConverging   Status = "converging"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Phase tags a transcript message.
type Phase string

const (
	PhaseScoring    Phase = "scoring"
	PhaseDiscussion Phase = "discussion"
	PhaseConsensus  Phase = "consensus"
)

// SystemSender is the AgentID of messages written by the orchestrator itself.
const SystemSender = "system"

// Round configuration bounds and defaults.
const (
	DefaultMaxDiscussionRounds  = 3
	DefaultRoundTimeout         = 60 * time.Second
	DefaultConvergenceThreshold = 0.5
	DefaultOutlierZThreshold    = 2.0

	MinDiscussionRounds = 1
	MaxDiscussionRounds = 10
	MinRoundTimeout     = 10 * time.Second
	MaxRoundTimeout     = 300 * time.Second
)

// RoundConfig controls the round loop of one evaluation.
type RoundConfig struct {
	MaxDiscussionRounds    int           `json:"max_discussion_rounds" yaml:"max_discussion_rounds"`
	RoundTimeout           time.Duration `json:"round_timeout" yaml:"round_timeout"`
	ConvergenceThreshold   float64       `json:"convergence_threshold" yaml:"convergence_threshold"`
	OutlierZThreshold      float64       `json:"outlier_z_threshold" yaml:"outlier_z_threshold"`
	EnableOutlierDetection bool          `json:"enable_outlier_detection" yaml:"enable_outlier_detection"`
	EnableDiscussion       bool          `json:"enable_discussion" yaml:"enable_discussion"`

	// StopRule is an optional CEL expression evaluated after every round.
	// When it yields true the evaluation converges early.
	StopRule string `json:"stop_rule,omitempty" yaml:"stop_rule,omitempty"`
}

// DefaultRoundConfig returns the round defaults.
func DefaultRoundConfig() RoundConfig {
	return RoundConfig{
		MaxDiscussionRounds:    DefaultMaxDiscussionRounds,
		RoundTimeout:           DefaultRoundTimeout,
		ConvergenceThreshold:   DefaultConvergenceThreshold,
		OutlierZThreshold:      DefaultOutlierZThreshold,
		EnableOutlierDetection: true,
		EnableDiscussion:       true,
	}
}

// withDefaults fills unset numeric fields. Flags are left as given.
func (c RoundConfig) withDefaults() RoundConfig {
	if c.MaxDiscussionRounds == 0 {
		c.MaxDiscussionRounds = DefaultMaxDiscussionRounds
	}
	if c.RoundTimeout == 0 {
		c.RoundTimeout = DefaultRoundTimeout
	}
	if c.ConvergenceThreshold == 0 {
		c.ConvergenceThreshold = DefaultConvergenceThreshold
	}
	if c.OutlierZThreshold == 0 {
		c.OutlierZThreshold = DefaultOutlierZThreshold
	}
	return c
}

// Request is one evaluation to run.
type Request struct {
	ID          string              `json:"id,omitempty" yaml:"id,omitempty"`
	UserAddress string              `json:"user_address" yaml:"user_address"`
	Content     string              `json:"content" yaml:"content"`
	Criteria    []string            `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	Agents      []consensus.Agent   `json:"agents" yaml:"agents"`
	Algorithm   consensus.Algorithm `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	Rounds      RoundConfig         `json:"rounds" yaml:"rounds"`
}

// ScoreRequest is what a judge is asked in one round.
type ScoreRequest struct {
	RequestID string        `json:"request_id"`
	Round     int           `json:"round"`
	Content   string        `json:"content"`
	Criteria  []string      `json:"criteria,omitempty"`
	Prior     *RoundContext `json:"prior,omitempty"`
}

// RoundContext summarizes the previous round for a discussion round.
type RoundContext struct {
	Round      int                `json:"round"`
	Consensus  float64            `json:"consensus"`
	Variance   float64            `json:"variance"`
	Scores     consensus.ScoreSet `json:"scores"`
	Rationales map[string]string  `json:"rationales,omitempty"`
	Outliers   []string           `json:"outliers,omitempty"`
}

// ScoreResponse is one judge's answer.
type ScoreResponse struct {
	Score      float64 `json:"score"`
	Rationale  string  `json:"rationale"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Scorer asks a judge for a score. Implementations must honor ctx; a call
// that outlives the round deadline is dropped.
type Scorer interface {
	Score(ctx context.Context, agent consensus.Agent, req ScoreRequest) (*ScoreResponse, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, agent consensus.Agent, req ScoreRequest) (*ScoreResponse, error)

func (f ScorerFunc) Score(ctx context.Context, agent consensus.Agent, req ScoreRequest) (*ScoreResponse, error) {
	return f(ctx, agent, req)
}

// QuotaGate admits and bills evaluations. *quota.Gate implements it.
type QuotaGate interface {
	Reserve(ctx context.Context, userAddress string, amount float64) (*quota.Decision, *quota.Reservation, error)
	RecordUsage(ctx context.Context, rec quota.UsageRecord) (*quota.Quota, error)
}

// Progress is a snapshot of a running evaluation.
type Progress struct {
	Status         Status             `json:"status"`
	CurrentRound   int                `json:"current_round"`
	TotalRounds    int                `json:"total_rounds"`
	ScoresReceived int                `json:"scores_received"`
	TotalAgents    int                `json:"total_agents"`
	CurrentScores  consensus.ScoreSet `json:"current_scores"`
	Variance       float64            `json:"variance"`
}

func (p Progress) clone() Progress {
	p.CurrentScores = p.CurrentScores.Clone()
	return p
}

// Message is one transcript entry.
type Message struct {
	AgentID    string    `json:"agent_id"`
	Phase      Phase     `json:"phase"`
	Score      *float64  `json:"score,omitempty"`
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence,omitempty"`
	Outlier    bool      `json:"outlier,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TranscriptRound holds the messages of one round.
type TranscriptRound struct {
	Round     int       `json:"round"`
	Variance  *float64  `json:"variance,omitempty"`
	Consensus *float64  `json:"consensus,omitempty"`
	Messages  []Message `json:"messages"`
}

// Transcript is the append-only audit log of an evaluation.
type Transcript struct {
	RequestID string            `json:"request_id"`
	Rounds    []TranscriptRound `json:"rounds"`
}

func (t *Transcript) clone() *Transcript {
	if t == nil {
		return nil
	}
	out := &Transcript{RequestID: t.RequestID, Rounds: make([]TranscriptRound, len(t.Rounds))}
	for i, r := range t.Rounds {
		r.Messages = append([]Message(nil), r.Messages...)
		out.Rounds[i] = r
	}
	return out
}

// AgentResult is one judge's outcome in a completed evaluation.
type AgentResult struct {
	AgentID        string  `json:"agent_id"`
	Responded      bool    `json:"responded"`
	RoundsScored   int     `json:"rounds_scored"`
	FinalScore     float64 `json:"final_score"`
	FinalRationale string  `json:"final_rationale,omitempty"`
	Outlier        bool    `json:"outlier"`
	Fee            float64 `json:"fee"`
}

// Output is the immutable result of a completed evaluation.
type Output struct {
	RequestID         string            `json:"request_id"`
	Progress          Progress          `json:"progress"`
	Transcript        *Transcript       `json:"transcript"`
	Consensus         *consensus.Result `json:"consensus"`
	IndividualResults []AgentResult     `json:"individual_results"`
	ConvergenceDelta  float64           `json:"convergence_delta"`
	TranscriptDigest  string            `json:"transcript_digest"`
	AmountCharged     float64           `json:"amount_charged"`
	UsageRecordID     string            `json:"usage_record_id"`
}
