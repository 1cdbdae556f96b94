// Package telemetry holds the rewrite engine's spans and metric
// instruments. Both go through the global otel providers, which are no-ops
// unless the host installs an SDK.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const scope = "restack/rewrite"

var meter = otel.Meter(scope)

var (
	transactionsTotal metric.Int64Counter
	fallbacksTotal    metric.Int64Counter
	rewriteDuration   metric.Float64Histogram
	commitsRewritten  metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		transactionsTotal, err = meter.Int64Counter(
			"restack_transactions_total",
			metric.WithDescription("Rewrite transactions by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		fallbacksTotal, err = meter.Int64Counter(
			"restack_fallbacks_total",
			metric.WithDescription("Rewrites that fell back to on-disk execution"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		rewriteDuration, err = meter.Float64Histogram(
			"restack_rewrite_duration_seconds",
			metric.WithDescription("Wall time of rewrite transactions"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		commitsRewritten, err = meter.Int64Histogram(
			"restack_commits_rewritten",
			metric.WithDescription("Commits rewritten per transaction"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

// Outcome labels a finished transaction.
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeConflicted Outcome = "conflicted"
	OutcomeAborted    Outcome = "aborted"
	OutcomeDryRun     Outcome = "dry_run"
)

// RecordTransaction records one finished rewrite.
func RecordTransaction(ctx context.Context, label string, outcome Outcome, rewritten int, took time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("label", label),
		attribute.String("outcome", string(outcome)),
	)
	transactionsTotal.Add(ctx, 1, attrs)
	rewriteDuration.Record(ctx, took.Seconds(), attrs)
	commitsRewritten.Record(ctx, int64(rewritten), attrs)
}

// RecordFallback records an engagement of the on-disk path.
func RecordFallback(ctx context.Context, reason string) {
	if err := initMetrics(); err != nil {
		return
	}
	fallbacksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Tracer starts spans for engine states.
type Tracer struct {
	tracer  trace.Tracer
	enabled bool
}

// NewTracer returns a tracer. A disabled tracer returns no-op spans.
func NewTracer(enabled bool) *Tracer {
	return &Tracer{tracer: otel.Tracer(scope), enabled: enabled}
}

// Start opens a span named rewrite.<state>.
func (t *Tracer) Start(ctx context.Context, state string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "rewrite."+state,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// End closes span, recording err if set.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
