package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("intake-metrics")

// IntakeMetrics provides metrics collection for the intake engine
type IntakeMetrics struct {
	sessionsCreatedCounter   metric.Int64Counter
	sessionsFinalizedCounter metric.Int64Counter
	turnsCounter             metric.Int64Counter
	defenseTriggersCounter   metric.Int64Counter
	routingOutcomesCounter   metric.Int64Counter
	sessionDurationHistogram metric.Float64Histogram
	sessionsActiveGauge      metric.Int64UpDownCounter
}

// NewIntakeMetrics creates a new intake metrics collector
func NewIntakeMetrics() (*IntakeMetrics, error) {
	sessionsCreatedCounter, err := meter.Int64Counter(
		"intake_engine.sessions.created",
		metric.WithDescription("Total number of intake sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	sessionsFinalizedCounter, err := meter.Int64Counter(
		"intake_engine.sessions.finalized",
		metric.WithDescription("Total number of sessions reaching a terminal state"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	turnsCounter, err := meter.Int64Counter(
		"intake_engine.turns.processed",
		metric.WithDescription("Total number of conversation turns processed"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		return nil, err
	}

	defenseTriggersCounter, err := meter.Int64Counter(
		"intake_engine.defense.triggers",
		metric.WithDescription("Total number of defense-layer verdicts other than allow"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		return nil, err
	}

	routingOutcomesCounter, err := meter.Int64Counter(
		"intake_engine.routing.outcomes",
		metric.WithDescription("Total number of routing decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	sessionDurationHistogram, err := meter.Float64Histogram(
		"intake_engine.session.duration",
		metric.WithDescription("Wall-clock duration of a session from creation to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	sessionsActiveGauge, err := meter.Int64UpDownCounter(
		"intake_engine.sessions.active",
		metric.WithDescription("Number of currently open sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	return &IntakeMetrics{
		sessionsCreatedCounter:   sessionsCreatedCounter,
		sessionsFinalizedCounter: sessionsFinalizedCounter,
		turnsCounter:             turnsCounter,
		defenseTriggersCounter:   defenseTriggersCounter,
		routingOutcomesCounter:   routingOutcomesCounter,
		sessionDurationHistogram: sessionDurationHistogram,
		sessionsActiveGauge:      sessionsActiveGauge,
	}, nil
}

// RecordSessionCreated records a new session
func (im *IntakeMetrics) RecordSessionCreated(ctx context.Context, tier string) {
	im.sessionsCreatedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tier.preselected", tier),
		),
	)
	im.sessionsActiveGauge.Add(ctx, 1)
}

// RecordSessionFinalized records a session reaching a terminal state
func (im *IntakeMetrics) RecordSessionFinalized(ctx context.Context, state string, turns int, duration time.Duration) {
	im.sessionsFinalizedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("session.state", state),
			attribute.Int("session.turns", turns),
		),
	)
	im.sessionDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("session.state", state),
		),
	)
	im.sessionsActiveGauge.Add(ctx, -1)
}

// RecordTurn records one processed conversation turn
func (im *IntakeMetrics) RecordTurn(ctx context.Context, inputVerdict, outputVerdict string) {
	im.turnsCounter.Add(ctx, 1)
	if inputVerdict != "" && inputVerdict != "allow" {
		im.defenseTriggersCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("defense.side", "input"),
				attribute.String("defense.verdict", inputVerdict),
			),
		)
	}
	if outputVerdict != "" && outputVerdict != "allow" {
		im.defenseTriggersCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("defense.side", "output"),
				attribute.String("defense.verdict", outputVerdict),
			),
		)
	}
}

// RecordRoutingOutcome records one routing decision
func (im *IntakeMetrics) RecordRoutingOutcome(ctx context.Context, outcome, tier string) {
	im.routingOutcomesCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("routing.outcome", outcome),
			attribute.String("routing.tier", tier),
		),
	)
}
