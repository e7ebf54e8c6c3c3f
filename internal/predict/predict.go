// Package predict ranks the classes of a single image.
package predict

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/Brownie44l1/tl-classifier/internal/model"
	"github.com/Brownie44l1/tl-classifier/internal/preprocess"
)

// DefaultK is used when k <= 0.
const DefaultK = 5

// Result holds the top-K classes by descending probability. Probs and Labels
// are parallel.
type Result struct {
	Probs  []float32
	Labels []string
}

// Predict preprocesses the image at path and returns its top-k classes.
func Predict(ctx context.Context, path string, m *model.Model, k int) (*Result, error) {
	pixels, err := preprocess.ForSize(m.ImageSize()).Path(path)
	if err != nil {
		return nil, err
	}
	return Pixels(ctx, pixels, m, k)
}

// Pixels ranks one already preprocessed image.
func Pixels(ctx context.Context, pixels []float32, m *model.Model, k int) (*Result, error) {
	if len(pixels) != m.InputLen() {
		return nil, fmt.Errorf("expected %d input values, got %d", m.InputLen(), len(pixels))
	}

	out, err := m.Forward(ctx, model.Evaluating, pixels, 1)
	if err != nil {
		return nil, err
	}
	return TopK(out.Probs(), m.Labels(), k), nil
}

// TopK picks the k most probable classes from one row of probabilities. Ties
// are ordered by the lower class index.
func TopK(probs []float32, labels *model.LabelMap, k int) *Result {
	if k <= 0 {
		k = DefaultK
	}
	k = min(k, len(probs))

	// Stable sort of the negated values keeps equal probabilities in index
	// order.
	neg := make([]float64, len(probs))
	for i, p := range probs {
		neg[i] = -float64(p)
	}
	idx := make([]int, len(neg))
	floats.ArgsortStable(neg, idx)

	r := &Result{
		Probs:  make([]float32, k),
		Labels: make([]string, k),
	}
	for i := 0; i < k; i++ {
		r.Probs[i] = probs[idx[i]]
		r.Labels[i], _ = labels.Label(idx[i])
	}
	return r
}
