// Package detector runs the detection pipeline over one batch of transactions.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// DefaultScorerTimeout bounds the scorer call when none is configured.
const DefaultScorerTimeout = 30 * time.Second

// Detector wires profiling, encoding, scoring and the threshold policy.
// It holds no per-batch state and is safe for concurrent use.
type Detector struct {
	profiler *profile.Profiler
	encoder  *features.Encoder
	scorer   domain.Scorer
	policy   *policy.Policy
	timeout  time.Duration
}

// New creates a detector. observer receives profile and encoding events
// and may be nil; pol carries its own observer.
func New(cfg domain.DetectionConfig, scorer domain.Scorer, pol *policy.Policy, timeout time.Duration, observer domain.Observer) *Detector {
	if timeout <= 0 {
		timeout = DefaultScorerTimeout
	}
	return &Detector{
		profiler: profile.NewProfiler(cfg.ProfileWorkers, observer),
		encoder:  features.NewEncoder(cfg.ForeignCities, observer),
		scorer:   scorer,
		policy:   pol,
		timeout:  timeout,
	}
}

// Policy returns the rule policy used by the detector.
func (d *Detector) Policy() *policy.Policy {
	return d.policy
}

// Detect runs the pipeline and returns alerts in input order. An empty
// batch yields an empty result without calling the scorer. Any failure
// aborts the run and no alerts are returned.
func (d *Detector) Detect(ctx context.Context, txs []domain.Transaction) (*domain.DetectionResult, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "detect", telemetry.TransactionCount(len(txs)))
	defer span.End()

	if len(txs) == 0 {
		metrics.BatchesTotal.WithLabelValues("empty").Inc()
		return &domain.DetectionResult{Alerts: []domain.Alert{}, Errors: []domain.ErrorPoint{}}, nil
	}

	out, err := d.run(ctx, txs)
	if err != nil {
		fail(span, err)
		metrics.BatchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	asmStart := time.Now()
	alerts := alert.Assemble(txs, out.decisions)
	metrics.ObserveStage("assemble", asmStart)

	metrics.BatchesTotal.WithLabelValues("ok").Inc()
	metrics.TransactionsTotal.Add(float64(len(txs)))
	metrics.ThresholdGauge.Set(out.threshold)
	for _, a := range alerts {
		metrics.AlertsTotal.WithLabelValues(a.Reason).Inc()
	}
	metrics.BatchDuration.Observe(time.Since(start).Seconds())

	span.SetAttributes(
		telemetry.ClientCount(len(out.profiles)),
		telemetry.AlertCount(len(alerts)),
		telemetry.Threshold(out.threshold),
	)

	slog.Debug("detection complete",
		"transactions", len(txs),
		"clients", len(out.profiles),
		"alerts", len(alerts),
		"threshold", out.threshold,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &domain.DetectionResult{
		Alerts:           alerts,
		Threshold:        out.threshold,
		TransactionCount: len(txs),
		ClientCount:      len(out.profiles),
		Errors:           errorSeries(txs, out.decisions),
	}, nil
}

// DetectTransaction evaluates current against the client's history. The
// batch is history followed by current, so the threshold is relative to
// that batch.
func (d *Detector) DetectTransaction(ctx context.Context, history []domain.Transaction, current domain.Transaction) (*domain.TransactionResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "detect.transaction", telemetry.TransactionCount(len(history)+1))
	defer span.End()

	txs := make([]domain.Transaction, 0, len(history)+1)
	txs = append(txs, history...)
	txs = append(txs, current)

	out, err := d.run(ctx, txs)
	if err != nil {
		fail(span, err)
		metrics.BatchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.BatchesTotal.WithLabelValues("ok").Inc()
	metrics.TransactionsTotal.Inc()

	last := out.decisions[len(out.decisions)-1]
	if last.Matched {
		metrics.AlertsTotal.WithLabelValues(last.Reason).Inc()
	}
	result := alert.Verdict(current, last, len(history))
	result.ErrorSeries = errorSeries(txs, out.decisions)
	return result, nil
}

func errorSeries(txs []domain.Transaction, decisions []policy.Decision) []domain.ErrorPoint {
	series := make([]domain.ErrorPoint, len(decisions))
	for i, dec := range decisions {
		series[i] = domain.ErrorPoint{
			TransactionID:       txs[i].Key(),
			ReconstructionError: dec.ReconstructionError,
		}
	}
	return series
}

type runOutput struct {
	profiles  map[int]*domain.ClientProfile
	decisions []policy.Decision
	threshold float64
}

func (d *Detector) run(ctx context.Context, txs []domain.Transaction) (*runOutput, error) {
	stageStart := time.Now()
	sctx, span := telemetry.StartSpan(ctx, "detect.profile")
	profiles, err := d.profiler.Compute(sctx, txs)
	span.SetAttributes(telemetry.ClientCount(len(profiles)))
	span.End()
	if err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	metrics.ObserveStage("profile", stageStart)

	stageStart = time.Now()
	sctx, span = telemetry.StartSpan(ctx, "detect.encode")
	vectors, err := d.encoder.Encode(sctx, txs, profiles)
	span.End()
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	metrics.ObserveStage("encode", stageStart)

	stageStart = time.Now()
	matrix := features.Matrix(vectors)
	sctx, span = telemetry.StartSpan(ctx, "detect.score")
	reconstruction, err := d.score(sctx, matrix)
	span.End()
	if err != nil {
		return nil, err
	}
	metrics.ObserveStage("score", stageStart)

	stageStart = time.Now()
	sctx, span = telemetry.StartSpan(ctx, "detect.policy")
	decisions, threshold, err := d.policy.Evaluate(sctx, txs, profiles, vectors, reconstruction)
	span.SetAttributes(telemetry.Threshold(threshold))
	span.End()
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	metrics.ObserveStage("policy", stageStart)

	return &runOutput{
		profiles:  profiles,
		decisions: decisions,
		threshold: threshold,
	}, nil
}

// score calls the scorer once under the configured timeout and checks the
// result shape.
func (d *Detector) score(ctx context.Context, matrix [][]float64) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	reconstruction, err := d.scorer.Score(sctx, matrix)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || sctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: scorer timed out after %s", domain.ErrModel, d.timeout)
		}
		if errors.Is(err, domain.ErrModel) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrModel, err)
	}

	if err := scoring.CheckShape(matrix, reconstruction); err != nil {
		return nil, err
	}
	return reconstruction, nil
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
