// Package orchestrator drives one evaluation request through scoring rounds,
// consensus, optional discussion and billing.
//
// Run is the state machine:
//
//	initializing -> scoring -> (discussing -> scoring)* -> converging -> completed
//
// and any state may move to failed. An Orchestrator is safe for concurrent
// use; each Run owns its own progress and transcript.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/jurybox/pkg/consensus"
	"github.com/Mindburn-Labs/jurybox/pkg/quota"
	"github.com/Mindburn-Labs/jurybox/pkg/settlement"
	"github.com/Mindburn-Labs/jurybox/pkg/stats"
)

// Reconciler queues settlements whose notification failed.
// *settlement.MemoryOutbox and *settlement.PostgresOutbox implement it.
type Reconciler interface {
	Enqueue(ctx context.Context, s settlement.Settlement, cause error) error
}

// Metrics receives evaluation telemetry.
type Metrics interface {
	RecordRound(ctx context.Context, algorithm string, round, responders, outliers int, variance float64, d time.Duration)
	RecordEvaluation(ctx context.Context, algorithm string, status Status, reason Reason, rounds int, amount float64, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordRound(context.Context, string, int, int, int, float64, time.Duration) {}
func (noopMetrics) RecordEvaluation(context.Context, string, Status, Reason, int, float64, time.Duration) {
}

// Orchestrator runs evaluations against shared collaborators.
type Orchestrator struct {
	engine         *consensus.Engine
	gate           QuotaGate
	scorer         Scorer
	notifier       settlement.Notifier
	reconciler     Reconciler
	metrics        Metrics
	logger         *slog.Logger
	now            func() time.Time
	maxConcurrency int
	rules          *stopRules
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSettlement sets the notifier invoked after usage is recorded.
func WithSettlement(n settlement.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithReconciler sets where failed settlements are queued.
func WithReconciler(r Reconciler) Option {
	return func(o *Orchestrator) { o.reconciler = r }
}

// WithMetrics sets the telemetry sink.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides the time source used for transcript timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMaxConcurrency bounds the number of in-flight scorer calls per round.
// Zero means one call per agent.
func WithMaxConcurrency(n int) Option {
	return func(o *Orchestrator) { o.maxConcurrency = n }
}

// New wires an orchestrator. engine, gate and scorer are required.
func New(engine *consensus.Engine, gate QuotaGate, scorer Scorer, opts ...Option) (*Orchestrator, error) {
	if engine == nil || gate == nil || scorer == nil {
		return nil, fmt.Errorf("orchestrator: engine, quota gate and scorer are required")
	}
	rules, err := newStopRules()
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		engine:  engine,
		gate:    gate,
		scorer:  scorer,
		metrics: noopMetrics{},
		logger:  slog.Default(),
		now:     time.Now,
		rules:   rules,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o, nil
}

// RunOption configures a single Run.
type RunOption func(*run)

// WithProgressObserver registers fn to receive a copy of the progress after
// every state change. fn runs on the Run goroutine and must not block.
func WithProgressObserver(fn func(Progress)) RunOption {
	return func(r *run) { r.observer = fn }
}

// run is the per-request state. Only the Run goroutine touches it.
type run struct {
	req        Request
	cfg        RoundConfig
	alg        consensus.Algorithm
	discuss    bool
	started    time.Time
	progress   Progress
	transcript *Transcript
	observer   func(Progress)

	initialScores consensus.ScoreSet
	finalScores   consensus.ScoreSet
	scored        map[string]int
	lastScore     map[string]ScoreResponse
	outliers      map[string]bool
}

func (r *run) set(status Status) {
	r.progress.Status = status
	r.notify()
}

func (r *run) notify() {
	if r.observer != nil {
		r.observer(r.progress.clone())
	}
}

// Run executes req to completion.
//
// On success it returns the Output and a nil error. On failure it returns a
// *Failure and a nil Output, except for ReasonSettlementReconciliation where
// the evaluation completed and was billed: both the Output and the Failure
// are returned and the settlement is queued with the Reconciler.
func (o *Orchestrator) Run(ctx context.Context, req Request, opts ...RunOption) (*Output, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	r := &run{
		req:        req,
		started:    o.now(),
		transcript: &Transcript{RequestID: req.ID, Rounds: []TranscriptRound{}},
		scored:     make(map[string]int),
		lastScore:  make(map[string]ScoreResponse),
		outliers:   make(map[string]bool),
		progress: Progress{
			Status:        StatusInitializing,
			TotalAgents:   len(req.Agents),
			CurrentScores: consensus.ScoreSet{},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.notify()

	logger := o.logger.With("request_id", req.ID)

	if err := o.prepare(r); err != nil {
		return nil, o.fail(ctx, r, ReasonOf(err), err)
	}
	logger.InfoContext(ctx, "evaluation started",
		"user", req.UserAddress,
		"algorithm", r.alg,
		"agents", len(req.Agents),
		"max_rounds", r.progress.TotalRounds,
	)

	estimate := totalFees(req.Agents, nil)
	decision, reservation, err := o.gate.Reserve(ctx, req.UserAddress, estimate)
	if err != nil {
		return nil, o.fail(ctx, r, ReasonInternal, fmt.Errorf("quota admission: %w", err))
	}
	if !decision.Allowed {
		return nil, o.fail(ctx, r, ReasonQuotaExceeded, fmt.Errorf("%w: %s", ErrQuotaExceeded, decision.Reason))
	}
	defer reservation.Release(context.WithoutCancel(ctx))

	final, err := o.rounds(ctx, r, logger)
	if err != nil {
		return nil, o.fail(ctx, r, ReasonOf(err), err)
	}

	r.set(StatusConverging)
	final.ConvergenceRounds = r.progress.CurrentRound

	amount := totalFees(req.Agents, r.scored)
	out, err := o.output(r, final, amount)
	if err != nil {
		return nil, o.fail(ctx, r, ReasonInternal, err)
	}

	// Bookkeeping must not be lost to a caller that gives up now.
	billCtx := context.WithoutCancel(ctx)
	usageID := uuid.NewString()
	if _, err := o.gate.RecordUsage(billCtx, quota.UsageRecord{
		ID:          usageID,
		UserAddress: req.UserAddress,
		Amount:      amount,
		TaskID:      req.ID,
	}); err != nil {
		return nil, o.fail(ctx, r, ReasonInternal, fmt.Errorf("record usage: %w", err))
	}

	r.set(StatusCompleted)
	out.Progress = r.progress.clone()
	out.UsageRecordID = usageID

	o.metrics.RecordEvaluation(ctx, string(r.alg), StatusCompleted, "", out.Progress.CurrentRound, amount, o.now().Sub(r.started))
	logger.InfoContext(ctx, "evaluation completed",
		"final_score", final.FinalScore,
		"confidence", final.Confidence,
		"rounds", final.ConvergenceRounds,
		"amount", amount,
	)

	if err := o.settle(billCtx, r, out, logger); err != nil {
		return out, &Failure{
			Reason:     ReasonSettlementReconciliation,
			RequestID:  req.ID,
			Progress:   out.Progress,
			Transcript: out.Transcript,
			Err:        err,
		}
	}
	return out, nil
}

// prepare validates the request and resolves the round configuration.
func (o *Orchestrator) prepare(r *run) error {
	invalid := func(format string, args ...any) error {
		return &Failure{Reason: ReasonValidation, Err: fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)}
	}

	req := r.req
	if req.UserAddress == "" {
		return invalid("user address is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return invalid("content is required")
	}
	if len(req.Agents) == 0 {
		return invalid("at least one agent is required")
	}
	seen := make(map[string]bool, len(req.Agents))
	for _, a := range req.Agents {
		if a.ID == "" || a.ID == SystemSender {
			return invalid("invalid agent id %q", a.ID)
		}
		if seen[a.ID] {
			return invalid("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		if a.FeePerJudgment < 0 {
			return invalid("agent %s has a negative fee", a.ID)
		}
	}

	alg, err := consensus.ParseAlgorithm(string(req.Algorithm))
	if err != nil {
		return &Failure{Reason: ReasonUnknownAlgorithm, Err: err}
	}

	cfg := req.Rounds.withDefaults()
	if cfg.MaxDiscussionRounds < MinDiscussionRounds || cfg.MaxDiscussionRounds > MaxDiscussionRounds {
		return invalid("max discussion rounds %d outside [%d, %d]", cfg.MaxDiscussionRounds, MinDiscussionRounds, MaxDiscussionRounds)
	}
	if cfg.RoundTimeout < MinRoundTimeout || cfg.RoundTimeout > MaxRoundTimeout {
		return invalid("round timeout %s outside [%s, %s]", cfg.RoundTimeout, MinRoundTimeout, MaxRoundTimeout)
	}
	if cfg.ConvergenceThreshold < 0 {
		return invalid("convergence threshold must not be negative")
	}
	// With z > 1 at least one score always survives the filter.
	if cfg.OutlierZThreshold <= 1 {
		return invalid("outlier z threshold must be greater than 1")
	}
	if cfg.StopRule != "" {
		if _, err := o.rules.program(cfg.StopRule); err != nil {
			return invalid("stop rule: %v", err)
		}
	}

	r.cfg = cfg
	r.alg = alg
	r.discuss = cfg.EnableDiscussion || alg.Iterative()
	r.progress.TotalRounds = 1
	if r.discuss {
		r.progress.TotalRounds = cfg.MaxDiscussionRounds
	}
	return nil
}

// rounds runs scoring rounds until convergence and returns the last
// round's consensus.
func (o *Orchestrator) rounds(ctx context.Context, r *run, logger *slog.Logger) (*consensus.Result, error) {
	var prior *RoundContext
	agents := metadataAgents(r.req.Agents)

	for round := 1; ; round++ {
		roundStart := o.now()
		r.progress.CurrentRound = round
		r.progress.ScoresReceived = 0
		r.progress.CurrentScores = consensus.ScoreSet{}
		r.set(StatusScoring)

		responses, dropped := o.collect(ctx, r, round, prior)

		phase := PhaseScoring
		if round > 1 {
			phase = PhaseDiscussion
		}
		tr := TranscriptRound{Round: round, Messages: []Message{}}
		scores := make(consensus.ScoreSet, len(responses))
		for _, resp := range responses {
			scores[resp.agentID] = resp.resp.Score
		}

		if err := ctx.Err(); err != nil {
			tr.Messages = append(tr.Messages, o.scoreMessages(responses, phase, nil)...)
			tr.Messages = append(tr.Messages, o.systemMessage(phase, "evaluation canceled"))
			r.transcript.Rounds = append(r.transcript.Rounds, tr)
			return nil, &Failure{Reason: ReasonCanceled, Err: err}
		}
		for _, id := range dropped {
			tr.Messages = append(tr.Messages, o.systemMessage(phase, fmt.Sprintf("agent %s did not score this round", id)))
		}
		if len(responses) == 0 {
			r.transcript.Rounds = append(r.transcript.Rounds, tr)
			return nil, &Failure{Reason: ReasonNoScoresReceived, Err: fmt.Errorf("%w in round %d", ErrNoScoresReceived, round)}
		}

		clean := map[string]float64(scores)
		report := stats.OutlierReport{OutlierIDs: []string{}}
		if r.cfg.EnableOutlierDetection {
			report = stats.DetectOutliers(scores, r.cfg.OutlierZThreshold)
			clean = report.CleanScores
		}

		res, err := o.engine.Calculate(r.alg, consensus.ScoreSet(clean), agents)
		if err != nil {
			tr.Messages = append(tr.Messages, o.scoreMessages(responses, phase, report.IsOutlier)...)
			r.transcript.Rounds = append(r.transcript.Rounds, tr)
			return nil, &Failure{Reason: consensusReason(err), Err: err}
		}

		for _, resp := range responses {
			r.scored[resp.agentID]++
			r.lastScore[resp.agentID] = resp.resp
			r.outliers[resp.agentID] = report.IsOutlier(resp.agentID)
		}
		if r.initialScores == nil {
			r.initialScores = scores.Clone()
		}
		r.finalScores = scores

		variance, final := res.Variance, res.FinalScore
		tr.Variance, tr.Consensus = &variance, &final
		tr.Messages = append(tr.Messages, o.scoreMessages(responses, phase, report.IsOutlier)...)
		tr.Messages = append(tr.Messages, o.systemMessage(PhaseConsensus, fmt.Sprintf(
			"round %d consensus %.2f (variance %.3f, confidence %.2f, %d outliers)",
			round, res.FinalScore, res.Variance, res.Confidence, len(report.OutlierIDs))))
		r.transcript.Rounds = append(r.transcript.Rounds, tr)

		r.progress.Variance = res.Variance
		r.notify()
		o.metrics.RecordRound(ctx, string(r.alg), round, len(responses), len(report.OutlierIDs), res.Variance, o.now().Sub(roundStart))
		logger.DebugContext(ctx, "round complete",
			"round", round,
			"responders", len(responses),
			"outliers", len(report.OutlierIDs),
			"consensus", res.FinalScore,
			"variance", res.Variance,
		)

		if o.converged(ctx, r, res, scores, report, logger) {
			return res, nil
		}

		r.set(StatusDiscussing)
		prior = &RoundContext{
			Round:      round,
			Consensus:  res.FinalScore,
			Variance:   res.Variance,
			Scores:     scores.Clone(),
			Rationales: make(map[string]string, len(responses)),
			Outliers:   report.OutlierIDs,
		}
		for _, resp := range responses {
			prior.Rationales[resp.agentID] = resp.resp.Rationale
		}
	}
}

// converged decides whether the round just finished ends the evaluation.
func (o *Orchestrator) converged(ctx context.Context, r *run, res *consensus.Result, scores consensus.ScoreSet, report stats.OutlierReport, logger *slog.Logger) bool {
	round := r.progress.CurrentRound
	switch {
	case !r.discuss:
		return true
	case round >= r.cfg.MaxDiscussionRounds:
		return true
	case res.Variance <= r.cfg.ConvergenceThreshold:
		return true
	}
	if r.cfg.StopRule == "" {
		return false
	}
	stop, err := o.rules.evaluate(r.cfg.StopRule, stopInput{
		Round:      round,
		MaxRounds:  r.cfg.MaxDiscussionRounds,
		Responders: len(scores),
		Agents:     len(r.req.Agents),
		Outliers:   len(report.OutlierIDs),
		Variance:   res.Variance,
		Confidence: res.Confidence,
		Consensus:  res.FinalScore,
		Delta:      stats.ConvergenceDelta(r.initialScores, scores),
	})
	if err != nil {
		logger.WarnContext(ctx, "stop rule failed, continuing discussion", "round", round, "error", err)
		return false
	}
	return stop
}

type agentResponse struct {
	agentID string
	index   int
	resp    ScoreResponse
	at      time.Time
}

type agentOutcome struct {
	agentResponse
	err error
}

// collect fans the round out to every agent and gathers responses until all
// have answered, the round deadline passes, or ctx is canceled. Responses are
// returned in request agent order; dropped lists agents without a valid score.
func (o *Orchestrator) collect(ctx context.Context, r *run, round int, prior *RoundContext) ([]agentResponse, []string) {
	roundCtx, cancel := context.WithTimeout(ctx, r.cfg.RoundTimeout)
	defer cancel()

	sreq := ScoreRequest{
		RequestID: r.req.ID,
		Round:     round,
		Content:   r.req.Content,
		Criteria:  r.req.Criteria,
		Prior:     prior,
	}

	// Buffered so late agents never block after collection stops.
	results := make(chan agentOutcome, len(r.req.Agents))
	var g errgroup.Group
	if o.maxConcurrency > 0 {
		g.SetLimit(o.maxConcurrency)
	}
	go func() {
		for i, agent := range r.req.Agents {
			g.Go(func() error {
				if roundCtx.Err() != nil {
					results <- agentOutcome{agentResponse: agentResponse{agentID: agent.ID, index: i}, err: roundCtx.Err()}
					return nil
				}
				resp, err := o.scorer.Score(roundCtx, agent, sreq)
				out := agentOutcome{agentResponse: agentResponse{agentID: agent.ID, index: i, at: o.now()}, err: err}
				if err == nil && resp == nil {
					out.err = fmt.Errorf("empty response")
				}
				if out.err == nil {
					out.resp = *resp
				}
				results <- out
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	got := make([]agentResponse, 0, len(r.req.Agents))
	answered := make(map[string]bool, len(r.req.Agents))
	accept := func(res agentOutcome) {
		if res.err == nil && (res.resp.Score < 0 || res.resp.Score > 10) {
			res.err = fmt.Errorf("score %v outside [0, 10]", res.resp.Score)
		}
		if res.err != nil {
			o.logger.WarnContext(ctx, "agent dropped from round",
				"request_id", r.req.ID,
				"agent", res.agentID,
				"round", round,
				"error", res.err,
			)
			return
		}
		answered[res.agentID] = true
		got = append(got, res.agentResponse)
		r.progress.ScoresReceived = len(got)
		r.progress.CurrentScores[res.agentID] = res.resp.Score
		r.notify()
	}
collecting:
	for {
		select {
		case res, ok := <-results:
			if !ok {
				break collecting
			}
			accept(res)
		case <-roundCtx.Done():
			// Answers already buffered at the deadline still count.
			for {
				select {
				case res, ok := <-results:
					if !ok {
						break collecting
					}
					accept(res)
				default:
					break collecting
				}
			}
		}
	}

	sort.Slice(got, func(i, j int) bool { return got[i].index < got[j].index })
	var dropped []string
	for _, a := range r.req.Agents {
		if !answered[a.ID] {
			dropped = append(dropped, a.ID)
		}
	}
	return got, dropped
}

func (o *Orchestrator) scoreMessages(responses []agentResponse, phase Phase, isOutlier func(string) bool) []Message {
	msgs := make([]Message, 0, len(responses))
	for _, resp := range responses {
		score := resp.resp.Score
		msgs = append(msgs, Message{
			AgentID:    resp.agentID,
			Phase:      phase,
			Score:      &score,
			Content:    resp.resp.Rationale,
			Confidence: resp.resp.Confidence,
			Outlier:    isOutlier != nil && isOutlier(resp.agentID),
			Timestamp:  resp.at.UTC(),
		})
	}
	return msgs
}

func (o *Orchestrator) systemMessage(phase Phase, content string) Message {
	return Message{AgentID: SystemSender, Phase: phase, Content: content, Timestamp: o.now().UTC()}
}

func (o *Orchestrator) output(r *run, final *consensus.Result, amount float64) (*Output, error) {
	digest, err := Digest(r.transcript)
	if err != nil {
		return nil, err
	}

	results := make([]AgentResult, 0, len(r.req.Agents))
	for _, a := range r.req.Agents {
		ar := AgentResult{AgentID: a.ID, RoundsScored: r.scored[a.ID]}
		if ar.RoundsScored > 0 {
			last := r.lastScore[a.ID]
			ar.Responded = true
			ar.FinalScore = last.Score
			ar.FinalRationale = last.Rationale
			ar.Outlier = r.outliers[a.ID]
			ar.Fee = a.FeePerJudgment
		}
		results = append(results, ar)
	}

	return &Output{
		RequestID:         r.req.ID,
		Progress:          r.progress.clone(),
		Transcript:        r.transcript.clone(),
		Consensus:         final,
		IndividualResults: results,
		ConvergenceDelta:  stats.ConvergenceDelta(r.initialScores, r.finalScores),
		TranscriptDigest:  digest,
		AmountCharged:     amount,
	}, nil
}

func (o *Orchestrator) settle(ctx context.Context, r *run, out *Output, logger *slog.Logger) error {
	if o.notifier == nil {
		return nil
	}
	s := settlement.Settlement{
		ID:            uuid.NewString(),
		RequestID:     out.RequestID,
		UserAddress:   r.req.UserAddress,
		Amount:        out.AmountCharged,
		UsageRecordID: out.UsageRecordID,
		CreatedAt:     o.now().UTC(),
	}
	for _, ar := range out.IndividualResults {
		if ar.Responded {
			s.Payouts = append(s.Payouts, settlement.Payout{AgentID: ar.AgentID, Amount: ar.Fee})
		}
	}

	err := o.notifier.Settle(ctx, s)
	if err == nil {
		return nil
	}
	logger.ErrorContext(ctx, "settlement failed, queued for reconciliation",
		"settlement_id", s.ID,
		"amount", s.Amount,
		"error", err,
	)
	if o.reconciler != nil {
		if qErr := o.reconciler.Enqueue(ctx, s, err); qErr != nil {
			return fmt.Errorf("%w: %v (enqueue failed: %v)", ErrSettlement, err, qErr)
		}
	}
	return fmt.Errorf("%w: %w", ErrSettlement, err)
}

// fail moves the run to failed and builds the Failure returned to the caller.
func (o *Orchestrator) fail(ctx context.Context, r *run, reason Reason, err error) *Failure {
	if reason == "" {
		reason = ReasonInternal
	}
	if f, ok := err.(*Failure); ok {
		err = f.Err
	}
	r.set(StatusFailed)
	f := &Failure{
		Reason:     reason,
		RequestID:  r.req.ID,
		Progress:   r.progress.clone(),
		Transcript: r.transcript.clone(),
		Err:        err,
	}
	alg := string(r.alg)
	if alg == "" {
		alg = string(r.req.Algorithm)
	}
	o.metrics.RecordEvaluation(ctx, alg, StatusFailed, reason, r.progress.CurrentRound, 0, o.now().Sub(r.started))
	o.logger.WarnContext(ctx, "evaluation failed",
		"request_id", r.req.ID,
		"reason", reason,
		"round", r.progress.CurrentRound,
		"error", err,
	)
	return f
}

// totalFees sums the fees of agents, restricted to those present in scored
// when scored is non-nil.
func totalFees(agents []consensus.Agent, scored map[string]int) float64 {
	var total float64
	for _, a := range agents {
		if scored != nil && scored[a.ID] == 0 {
			continue
		}
		total += a.FeePerJudgment
	}
	return total
}

// metadataAgents returns the agents that carry reputation data, or nil when
// none do, so metadata-dependent algorithms can tell the difference.
func metadataAgents(agents []consensus.Agent) []consensus.Agent {
	var out []consensus.Agent
	for _, a := range agents {
		if a.Reputation != (stats.Reputation{}) {
			out = append(out, a)
		}
	}
	return out
}
