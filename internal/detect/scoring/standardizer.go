// Package scoring implements the third detection layer: statistical anomaly
// scoring over feature matrices. Two models sit behind one contract, an
// isolation forest and an autoencoder; both standardize inputs with the
// mean/std captured at training time and normalize their raw outputs
// batch-relative so a score is only comparable within its own run.
package scoring

import (
	"fmt"
	"math"
)

// FeatureMismatchError reports that a feature matrix has a different width
// than the model was trained on. Callers can recover by retraining on the
// offending batch.
type FeatureMismatchError struct {
	Got  int
	Want int
}

func (e *FeatureMismatchError) Error() string {
	return fmt.Sprintf("feature width mismatch: got %d features, model expects %d", e.Got, e.Want)
}

// UnknownModelError reports a model type outside the supported set.
type UnknownModelError struct {
	ModelType string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model type: %q", e.ModelType)
}

// ModelUnavailableError reports a supported model type whose trained artifact
// is not loaded in the engine.
type ModelUnavailableError struct {
	ModelType string
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("model %q has no trained artifact loaded", e.ModelType)
}

// checkRectangular rejects ragged matrices. Training data arrives as
// user-controlled JSON on the retrain surface, so row widths cannot be
// trusted.
func checkRectangular(x [][]float64) error {
	if len(x) == 0 {
		return nil
	}
	width := len(x[0])
	for i, row := range x {
		if len(row) != width {
			return fmt.Errorf("ragged matrix: row %d has %d features, row 0 has %d", i, len(row), width)
		}
	}
	return nil
}

// Standardizer holds per-feature mean and standard deviation captured at
// training time. Transform always uses these stored moments, never the
// batch's own.
type Standardizer struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitStandardizer computes per-feature mean and population standard
// deviation. Zero-variance features get std 1 so transforms stay finite.
func FitStandardizer(x [][]float64) *Standardizer {
	if len(x) == 0 {
		return &Standardizer{}
	}
	width := len(x[0])
	mean := make([]float64, width)
	std := make([]float64, width)

	for _, row := range x {
		for j, v := range row {
			mean[j] += v
		}
	}
	n := float64(len(x))
	for j := range mean {
		mean[j] /= n
	}
	for _, row := range x {
		for j, v := range row {
			d := v - mean[j]
			std[j] += d * d
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / n)
		if std[j] == 0 {
			std[j] = 1
		}
	}
	return &Standardizer{Mean: mean, Std: std}
}

// Width returns the feature width the standardizer was fit on.
func (s *Standardizer) Width() int { return len(s.Mean) }

// Transform scales x by the stored moments. Returns FeatureMismatchError when
// the row width differs from the training width.
func (s *Standardizer) Transform(x [][]float64) ([][]float64, error) {
	out := make([][]float64, len(x))
	for i, row := range x {
		if len(row) != s.Width() {
			return nil, &FeatureMismatchError{Got: len(row), Want: s.Width()}
		}
		scaled := make([]float64, len(row))
		for j, v := range row {
			scaled[j] = (v - s.Mean[j]) / s.Std[j]
		}
		out[i] = scaled
	}
	return out, nil
}
