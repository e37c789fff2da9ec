package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/jurybox/pkg/orchestrator"
)

// Attribute keys on evaluation instruments.
var (
	AttrAlgorithm = attribute.Key("jurybox.algorithm")
	AttrStatus    = attribute.Key("jurybox.status")
	AttrReason    = attribute.Key("jurybox.reason")
	AttrRound     = attribute.Key("jurybox.round")
)

var durationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// EvaluationMetrics records orchestrator telemetry. It implements
// orchestrator.Metrics.
type EvaluationMetrics struct {
	evaluations   metric.Int64Counter
	evalDuration  metric.Float64Histogram
	evalRounds    metric.Int64Histogram
	amountCharged metric.Float64Counter

	rounds        metric.Int64Counter
	roundDuration metric.Float64Histogram
	responders    metric.Int64Histogram
	outliers      metric.Int64Counter
	variance      metric.Float64Histogram
}

var _ orchestrator.Metrics = (*EvaluationMetrics)(nil)

// NewEvaluationMetrics creates the instruments on meter.
func NewEvaluationMetrics(meter metric.Meter) (*EvaluationMetrics, error) {
	m := &EvaluationMetrics{}
	var err error

	if m.evaluations, err = meter.Int64Counter("jurybox.evaluations.total",
		metric.WithDescription("Evaluations finished, by terminal status and failure reason"),
		metric.WithUnit("{evaluation}"),
	); err != nil {
		return nil, err
	}
	if m.evalDuration, err = meter.Float64Histogram("jurybox.evaluation.duration",
		metric.WithDescription("Wall time of one evaluation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if m.evalRounds, err = meter.Int64Histogram("jurybox.evaluation.rounds",
		metric.WithDescription("Rounds run per evaluation"),
		metric.WithUnit("{round}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 6, 7, 8, 9, 10),
	); err != nil {
		return nil, err
	}
	if m.amountCharged, err = meter.Float64Counter("jurybox.usage.charged",
		metric.WithDescription("Amount recorded against user quotas"),
	); err != nil {
		return nil, err
	}
	if m.rounds, err = meter.Int64Counter("jurybox.rounds.total",
		metric.WithDescription("Scoring rounds completed"),
		metric.WithUnit("{round}"),
	); err != nil {
		return nil, err
	}
	if m.roundDuration, err = meter.Float64Histogram("jurybox.round.duration",
		metric.WithDescription("Wall time of one scoring round"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if m.responders, err = meter.Int64Histogram("jurybox.round.responders",
		metric.WithDescription("Agents that returned a valid score in a round"),
		metric.WithUnit("{agent}"),
	); err != nil {
		return nil, err
	}
	if m.outliers, err = meter.Int64Counter("jurybox.round.outliers",
		metric.WithDescription("Scores flagged as outliers"),
		metric.WithUnit("{score}"),
	); err != nil {
		return nil, err
	}
	if m.variance, err = meter.Float64Histogram("jurybox.round.variance",
		metric.WithDescription("Score variance at the end of a round"),
		metric.WithExplicitBucketBoundaries(0, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 25),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordRound records one finished scoring round.
func (m *EvaluationMetrics) RecordRound(ctx context.Context, algorithm string, round, responders, outliers int, variance float64, d time.Duration) {
	attrs := metric.WithAttributes(AttrAlgorithm.String(algorithm), AttrRound.Int(round))
	algOnly := metric.WithAttributes(AttrAlgorithm.String(algorithm))

	m.rounds.Add(ctx, 1, attrs)
	m.roundDuration.Record(ctx, d.Seconds(), attrs)
	m.responders.Record(ctx, int64(responders), algOnly)
	if outliers > 0 {
		m.outliers.Add(ctx, int64(outliers), algOnly)
	}
	m.variance.Record(ctx, variance, algOnly)
}

// RecordEvaluation records a terminal evaluation.
func (m *EvaluationMetrics) RecordEvaluation(ctx context.Context, algorithm string, status orchestrator.Status, reason orchestrator.Reason, rounds int, amount float64, d time.Duration) {
	attrs := []attribute.KeyValue{AttrAlgorithm.String(algorithm), AttrStatus.String(string(status))}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(string(reason)))
	}
	opt := metric.WithAttributes(attrs...)

	m.evaluations.Add(ctx, 1, opt)
	m.evalDuration.Record(ctx, d.Seconds(), opt)
	if rounds > 0 {
		m.evalRounds.Record(ctx, int64(rounds), metric.WithAttributes(AttrAlgorithm.String(algorithm)))
	}
	if amount > 0 {
		m.amountCharged.Add(ctx, amount, metric.WithAttributes(AttrAlgorithm.String(algorithm)))
	}
}
