// Package detect orchestrates the five detection layers over one uploaded
// batch: signature matching, behavioral accumulation, anomaly scoring,
// decision fusion and campaign correlation. A run is single-threaded over
// the records so the behavioral layer observes them in their original order.
package detect

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/detect/behavior"
	"github.com/lvonguyen/threatlens/internal/detect/correlation"
	"github.com/lvonguyen/threatlens/internal/detect/decision"
	"github.com/lvonguyen/threatlens/internal/detect/scoring"
	"github.com/lvonguyen/threatlens/internal/detect/signature"
	"github.com/lvonguyen/threatlens/internal/observability"
	"github.com/lvonguyen/threatlens/internal/records"
)

// Threats below this severity are computed but not surfaced; they appear
// only in aggregate statistics.
const surfaceFloor = decision.SeverityMedium

// Report is the outcome of one detection run.
type Report struct {
	Threats     []decision.UnifiedThreat `json:"threats"`
	Correlation correlation.Summary      `json:"correlation"`
	Statistics  Statistics               `json:"statistics"`
	ScoringMeta scoring.Meta             `json:"scoring_meta"`
	Retrained   bool                     `json:"retrained"`
}

// Options carries the optional observability wiring for a pipeline.
type Options struct {
	Logger  *zap.Logger
	Tracer  trace.Tracer
	Metrics *observability.Metrics
}

// Pipeline wires the five engines together.
type Pipeline struct {
	sig       *signature.Engine
	behav     *behavior.Engine
	scorer    *scoring.Engine
	decide    *decision.Engine
	correlate *correlation.Engine
	logger    *zap.Logger
	tracer    trace.Tracer
	metrics   *observability.Metrics
}

// New creates a pipeline around a trained scoring engine.
func New(scorer *scoring.Engine, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("detect")
	}
	return &Pipeline{
		sig:       signature.NewEngine(logger),
		behav:     behavior.NewEngine(logger),
		scorer:    scorer,
		decide:    decision.NewEngine(logger),
		correlate: correlation.NewEngine(logger),
		logger:    logger,
		tracer:    tracer,
		metrics:   opts.Metrics,
	}
}

// Detect runs the full pipeline over one batch. feats must be row-parallel
// to batch. On a feature width mismatch the selected model is retrained once
// on the batch's own features and scoring is retried; a second mismatch is
// fatal for the run.
func (p *Pipeline) Detect(ctx context.Context, batch []records.Record, feats [][]float64, modelType string) (*Report, error) {
	ctx, span := p.tracer.Start(ctx, "detect.run",
		trace.WithAttributes(
			attribute.Int("records", len(batch)),
			attribute.String("model", modelType),
		),
	)
	defer span.End()

	scores, raw, meta, retrained, err := p.scoreWithRecovery(ctx, feats, modelType)
	if err != nil {
		span.RecordError(err)
		p.countRun(modelType, "error")
		return nil, err
	}

	all := p.evaluateRecords(ctx, batch, scores, raw)
	surfaced := filterThreats(all)
	summary := p.correlateThreats(ctx, surfaced)

	stats := computeStatistics(len(batch), p.behav.TrackedIdentifiers(), surfaced)
	p.countThreats(surfaced, summary)
	p.countRun(modelType, "ok")

	p.logger.Info("detection run complete",
		zap.Int("records", len(batch)),
		zap.Int("threats", len(surfaced)),
		zap.Int("campaigns", summary.TotalCampaigns),
		zap.String("model", modelType),
		zap.Bool("retrained", retrained),
	)

	return &Report{
		Threats:     surfaced,
		Correlation: summary,
		Statistics:  stats,
		ScoringMeta: meta,
		Retrained:   retrained,
	}, nil
}

// Retrain refits the named model on explicit training data, for the retrain
// API surface.
func (p *Pipeline) Retrain(ctx context.Context, modelType string, training [][]float64) error {
	_, span := p.tracer.Start(ctx, "detect.retrain",
		trace.WithAttributes(
			attribute.String("model", modelType),
			attribute.Int("samples", len(training)),
		),
	)
	defer span.End()

	if err := p.scorer.Retrain(modelType, training); err != nil {
		span.RecordError(err)
		var unknown *scoring.UnknownModelError
		if errors.As(err, &unknown) {
			return err
		}
		return &RetrainFailedError{ModelType: modelType, Err: err}
	}
	if p.metrics != nil {
		p.metrics.ModelRetrains.WithLabelValues(modelType, "api").Inc()
	}
	return nil
}

// Scorer exposes the scoring engine for model persistence.
func (p *Pipeline) Scorer() *scoring.Engine { return p.scorer }

// scoreWithRecovery runs anomaly scoring with the one-shot
// retrain-on-mismatch recovery.
func (p *Pipeline) scoreWithRecovery(ctx context.Context, feats [][]float64, modelType string) ([]float64, []float64, scoring.Meta, bool, error) {
	_, span := p.tracer.Start(ctx, "detect.score")
	defer span.End()
	start := time.Now()
	defer p.observeStage("score", start)

	scores, raw, meta, err := p.scorer.Score(feats, modelType)
	if err == nil {
		p.countFallback(meta)
		return scores, raw, meta, false, nil
	}

	var mismatch *scoring.FeatureMismatchError
	if !errors.As(err, &mismatch) {
		return nil, nil, scoring.Meta{}, false, err
	}

	p.logger.Warn("feature width mismatch, retraining on batch",
		zap.String("model", modelType),
		zap.Int("got", mismatch.Got),
		zap.Int("want", mismatch.Want),
	)
	if err := p.scorer.Retrain(modelType, feats); err != nil {
		return nil, nil, scoring.Meta{}, false, &RetrainFailedError{ModelType: modelType, Err: err}
	}
	if p.metrics != nil {
		p.metrics.ModelRetrains.WithLabelValues(modelType, "feature_mismatch").Inc()
	}

	scores, raw, meta, err = p.scorer.Score(feats, modelType)
	if err != nil {
		if errors.As(err, &mismatch) {
			return nil, nil, scoring.Meta{}, true, &PersistentFeatureMismatchError{
				ModelType: modelType,
				Got:       mismatch.Got,
				Want:      mismatch.Want,
			}
		}
		return nil, nil, scoring.Meta{}, true, err
	}
	p.countFallback(meta)
	return scores, raw, meta, true, nil
}

// evaluateRecords runs the per-record layers in original order. Signature
// and decision are pure; the behavioral engine accumulates state, which is
// reset at the top of every run.
func (p *Pipeline) evaluateRecords(ctx context.Context, batch []records.Record, scores, raw []float64) []decision.UnifiedThreat {
	_, span := p.tracer.Start(ctx, "detect.evaluate")
	defer span.End()
	start := time.Now()
	defer p.observeStage("evaluate", start)

	p.behav.Reset()

	out := make([]decision.UnifiedThreat, 0, len(batch))
	for i, rec := range batch {
		sigVerdict := p.sig.Evaluate(rec.URI(), rec.UserAgent(), rec.ResponseSize(), rec.StatusCode())
		behavVerdict := p.behav.Observe(rec)

		var mlScore, rawScore float64
		if i < len(scores) {
			mlScore = scores[i]
		}
		if i < len(raw) {
			rawScore = raw[i]
		}
		out = append(out, p.decide.Decide(rec, i, sigVerdict, behavVerdict, mlScore, rawScore))
	}
	return out
}

func (p *Pipeline) correlateThreats(ctx context.Context, surfaced []decision.UnifiedThreat) correlation.Summary {
	_, span := p.tracer.Start(ctx, "detect.correlate")
	defer span.End()
	start := time.Now()
	defer p.observeStage("correlate", start)

	return p.correlate.Analyze(surfaced)
}

// filterThreats keeps medium and above, ranked by risk score descending.
// The sort is stable so equal scores keep record order.
func filterThreats(all []decision.UnifiedThreat) []decision.UnifiedThreat {
	surfaced := make([]decision.UnifiedThreat, 0, len(all))
	for _, t := range all {
		if decision.SeverityAtLeast(t.Severity, surfaceFloor) {
			surfaced = append(surfaced, t)
		}
	}
	sort.SliceStable(surfaced, func(i, j int) bool {
		return surfaced[i].RiskScore > surfaced[j].RiskScore
	})
	return surfaced
}

func (p *Pipeline) countThreats(surfaced []decision.UnifiedThreat, summary correlation.Summary) {
	if p.metrics == nil {
		return
	}
	for _, t := range surfaced {
		p.metrics.ThreatsDetected.WithLabelValues(t.Severity, t.DetectionLayer).Inc()
	}
	for _, c := range summary.Campaigns {
		p.metrics.CampaignsDetected.WithLabelValues(c.Type).Inc()
	}
}

func (p *Pipeline) countRun(modelType, status string) {
	if p.metrics != nil {
		p.metrics.DetectionRuns.WithLabelValues(modelType, status).Inc()
	}
}

func (p *Pipeline) countFallback(meta scoring.Meta) {
	if p.metrics != nil && meta.Fallback {
		p.metrics.ScoringFallbacks.WithLabelValues(meta.Model).Inc()
	}
}

func (p *Pipeline) observeStage(stage string, start time.Time) {
	if p.metrics != nil {
		p.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}
