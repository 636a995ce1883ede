package scoring

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// Encoding dimension of the bottleneck. Clamped to the feature width when
// training on narrow matrices.
const encodingDim = 8

// AutoencoderModel is a linear encoder-decoder fit in closed form: the
// components are the top right singular vectors of the standardized training
// matrix, so reconstruction is a projection onto the learned subspace.
// A model with no components operates in statistical fallback mode, scoring
// by mean absolute deviation from the batch's own per-feature mean.
type AutoencoderModel struct {
	Components [][]float64   `json:"components,omitempty"`
	Width      int           `json:"width"`
	Scaler     *Standardizer `json:"scaler"`
}

// FitAutoencoder trains the encoder-decoder on the raw training matrix via
// thin SVD of the standardized data.
func FitAutoencoder(training [][]float64) (*AutoencoderModel, error) {
	if len(training) == 0 || len(training[0]) == 0 {
		return nil, errors.New("empty training data")
	}
	if err := checkRectangular(training); err != nil {
		return nil, err
	}
	scaler := FitStandardizer(training)
	x, err := scaler.Transform(training)
	if err != nil {
		return nil, err
	}

	rows, cols := len(x), len(x[0])
	data := make([]float64, 0, rows*cols)
	for _, row := range x {
		data = append(data, row...)
	}
	m := mat.NewDense(rows, cols, data)

	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDThin); !ok {
		return nil, errors.New("svd factorization failed")
	}
	var v mat.Dense
	svd.VTo(&v)

	// The bottleneck must be strictly narrower than the input or the
	// projection is full rank and every reconstruction is exact.
	k := encodingDim
	if k >= cols {
		k = cols - 1
	}
	if k > rows {
		k = rows
	}
	if k < 1 {
		k = 1
	}
	components := make([][]float64, cols)
	for i := 0; i < cols; i++ {
		components[i] = make([]float64, k)
		for j := 0; j < k; j++ {
			components[i][j] = v.At(i, j)
		}
	}

	return &AutoencoderModel{
		Components: components,
		Width:      scaler.Width(),
		Scaler:     scaler,
	}, nil
}

// FallbackAutoencoder returns a model with a fitted standardizer but no
// learned components, used when no trained weights are available.
func FallbackAutoencoder(training [][]float64) (*AutoencoderModel, error) {
	if len(training) == 0 || len(training[0]) == 0 {
		return nil, errors.New("empty training data")
	}
	if err := checkRectangular(training); err != nil {
		return nil, err
	}
	scaler := FitStandardizer(training)
	return &AutoencoderModel{Width: scaler.Width(), Scaler: scaler}, nil
}

// HasWeights reports whether the model carries learned components or will
// score in fallback mode.
func (m *AutoencoderModel) HasWeights() bool { return len(m.Components) > 0 }

// Score standardizes the batch with the training-time moments and returns
// per-row reconstruction errors, higher meaning more anomalous. In fallback
// mode the error is the mean absolute deviation from the batch's per-feature
// mean. Raw errors are the caller's to normalize.
func (m *AutoencoderModel) Score(features [][]float64) (raw []float64, fallback bool, err error) {
	x, err := m.Scaler.Transform(features)
	if err != nil {
		return nil, false, err
	}
	if !m.HasWeights() {
		return m.fallbackScore(x), true, nil
	}

	width := m.Width
	k := len(m.Components[0])
	raw = make([]float64, len(x))
	encoded := make([]float64, k)
	for i, row := range x {
		for j := 0; j < k; j++ {
			var sum float64
			for f := 0; f < width; f++ {
				sum += row[f] * m.Components[f][j]
			}
			encoded[j] = sum
		}
		var sse float64
		for f := 0; f < width; f++ {
			var rec float64
			for j := 0; j < k; j++ {
				rec += encoded[j] * m.Components[f][j]
			}
			d := row[f] - rec
			sse += d * d
		}
		raw[i] = sse / float64(width)
	}
	return raw, false, nil
}

// fallbackScore computes mean absolute deviation of each standardized row
// from the batch's own per-feature mean.
func (m *AutoencoderModel) fallbackScore(x [][]float64) []float64 {
	if len(x) == 0 {
		return nil
	}
	width := len(x[0])
	colMean := make([]float64, width)
	for _, row := range x {
		for j, v := range row {
			colMean[j] += v
		}
	}
	for j := range colMean {
		colMean[j] /= float64(len(x))
	}

	out := make([]float64, len(x))
	for i, row := range x {
		var sum float64
		for j, v := range row {
			d := v - colMean[j]
			if d < 0 {
				d = -d
			}
			sum += d
		}
		out[i] = sum / float64(width)
	}
	return out
}
