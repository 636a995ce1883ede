package scoring

import (
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"
)

// Supported model types.
const (
	ModelIsolationForest = "isolation_forest"
	ModelAutoencoder     = "autoencoder"
)

// Meta summarizes one scoring pass for statistics and logging.
type Meta struct {
	Model        string  `json:"model"`
	AnomalyCount int     `json:"anomaly_count"`
	MeanScore    float64 `json:"mean_score"`
	StdScore     float64 `json:"std_score"`
	Fallback     bool    `json:"fallback,omitempty"`
}

// Engine runs anomaly scoring through the selected model. Scores returned by
// Score are already normalized to [0,1] relative to the batch; a score from
// one run is not comparable to a score from another.
type Engine struct {
	forest *ForestModel
	ae     *AutoencoderModel
	logger *zap.Logger
}

// NewEngine creates a scoring engine with both models trained on the given
// data. Pass DefaultTrainingData when no real corpus is available yet.
func NewEngine(training [][]float64, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{logger: logger}
	if err := e.retrainAll(training); err != nil {
		return nil, err
	}
	return e, nil
}

// NewEngineFromModels creates a scoring engine around previously trained
// model artifacts, e.g. loaded from the model store. Either model may be nil;
// scoring with a nil model fails with ModelUnavailableError at call time.
func NewEngineFromModels(forest *ForestModel, ae *AutoencoderModel, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{forest: forest, ae: ae, logger: logger}
}

// Forest returns the current isolation forest artifact for persistence.
func (e *Engine) Forest() *ForestModel { return e.forest }

// Autoencoder returns the current autoencoder artifact for persistence.
func (e *Engine) Autoencoder() *AutoencoderModel { return e.ae }

// Score runs the selected model over the feature matrix. scores are
// batch-normalized to [0,1], higher meaning more anomalous; raw carries the
// model's own scores in its native scale, row-aligned with scores.
// A FeatureMismatchError is returned unwrapped so callers can retrain.
func (e *Engine) Score(features [][]float64, modelType string) (scores, raw []float64, meta Meta, err error) {
	if len(features) == 0 {
		return nil, nil, Meta{Model: modelType}, nil
	}

	switch modelType {
	case ModelIsolationForest:
		if e.forest == nil {
			return nil, nil, Meta{}, &ModelUnavailableError{ModelType: modelType}
		}
		raw, anomalies, err := e.forest.Score(features)
		if err != nil {
			return nil, nil, Meta{}, err
		}
		// Lower raw score means more anomalous; invert during normalization.
		scores := normalizeInverted(raw)
		meta := Meta{Model: modelType, AnomalyCount: anomalies}
		meta.MeanScore, meta.StdScore = meanStd(scores)
		return scores, raw, meta, nil

	case ModelAutoencoder:
		if e.ae == nil {
			return nil, nil, Meta{}, &ModelUnavailableError{ModelType: modelType}
		}
		raw, fallback, err := e.ae.Score(features)
		if err != nil {
			return nil, nil, Meta{}, err
		}
		scores := normalize(raw)
		meta := Meta{Model: modelType, Fallback: fallback}
		meta.MeanScore, meta.StdScore = meanStd(scores)
		meta.AnomalyCount = countAbove(scores, quantile(scores, 0.8))
		if fallback {
			e.logger.Warn("autoencoder weights unavailable, scored with statistical fallback")
		}
		return scores, raw, meta, nil

	default:
		return nil, nil, Meta{}, &UnknownModelError{ModelType: modelType}
	}
}

// Retrain refits the named model on the given matrix. The other model keeps
// its current weights.
func (e *Engine) Retrain(modelType string, training [][]float64) error {
	switch modelType {
	case ModelIsolationForest:
		m, err := FitForest(training)
		if err != nil {
			return fmt.Errorf("retrain isolation forest: %w", err)
		}
		e.forest = m
		e.logger.Info("isolation forest retrained",
			zap.Int("samples", len(training)),
			zap.Int("features", m.Width),
		)
		return nil
	case ModelAutoencoder:
		m, err := FitAutoencoder(training)
		if err != nil {
			return fmt.Errorf("retrain autoencoder: %w", err)
		}
		e.ae = m
		e.logger.Info("autoencoder retrained",
			zap.Int("samples", len(training)),
			zap.Int("features", m.Width),
		)
		return nil
	default:
		return &UnknownModelError{ModelType: modelType}
	}
}

func (e *Engine) retrainAll(training [][]float64) error {
	if err := e.Retrain(ModelIsolationForest, training); err != nil {
		return err
	}
	return e.Retrain(ModelAutoencoder, training)
}

// DefaultTrainingData generates a synthetic corpus approximating benign
// traffic: mostly small gaussian noise with a contaminated tail, plus binary
// indicator columns at realistic base rates. Deterministic for a given width.
func DefaultTrainingData(width int) [][]float64 {
	const samples = 2000
	rng := rand.New(rand.NewSource(42))
	data := make([][]float64, samples)

	normalCount := samples * 9 / 10
	for i := 0; i < samples; i++ {
		row := make([]float64, width)
		if i < normalCount {
			for j := range row {
				row[j] = rng.NormFloat64() * 0.5
			}
			row[0] = bernoulli(rng, 0.05)
			if width > 1 {
				row[1] = bernoulli(rng, 0.02)
			}
			if width > 4 {
				row[4] = bernoulli(rng, 0.03)
			}
			if width > 5 {
				row[5] = bernoulli(rng, 0.01)
			}
		} else {
			for j := range row {
				row[j] = rng.Float64()*6 - 3
			}
			row[0] = bernoulli(rng, 0.5)
			if width > 1 {
				row[1] = bernoulli(rng, 0.3)
			}
		}
		data[i] = row
	}
	return data
}

func bernoulli(rng *rand.Rand, p float64) float64 {
	if rng.Float64() < p {
		return 1
	}
	return 0
}

// normalize min-max scales values to [0,1]. An all-equal batch maps to 0.5
// everywhere, since no sample is more anomalous than any other.
func normalize(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make([]float64, len(values))
	if hi == lo {
		for i := range out {
			out[i] = 0.5
		}
		return out
	}
	for i, v := range values {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}

// normalizeInverted is normalize with the scale flipped, for models where
// lower raw scores mean more anomalous.
func normalizeInverted(values []float64) []float64 {
	out := normalize(values)
	// An all-equal batch stays at 0.5 since 1-0.5 is its own mirror.
	for i := range out {
		out[i] = 1 - out[i]
	}
	return out
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		d := v - mean
		std += d * d
	}
	return mean, math.Sqrt(std / float64(len(values)))
}

func countAbove(values []float64, threshold float64) int {
	n := 0
	for _, v := range values {
		if v >= threshold {
			n++
		}
	}
	return n
}
