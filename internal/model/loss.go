package model

import (
	"fmt"
	"math"

	"github.com/born-ml/born/tensor"
	"gonum.org/v1/gonum/floats"
)

// Output is the result of a forward pass over n images.
type Output struct {
	logits  *Tensor
	n       int
	classes int
}

func (o *Output) Len() int     { return o.n }
func (o *Output) Classes() int { return o.classes }

// LogProbs returns the log-softmax of each row, row-major [n, classes].
func (o *Output) LogProbs() []float32 {
	data := o.logits.Raw().AsFloat32()
	out := make([]float32, len(data))
	row := make([]float64, o.classes)
	for i := 0; i < o.n; i++ {
		for j := range row {
			row[j] = float64(data[i*o.classes+j])
		}
		lse := floats.LogSumExp(row)
		for j := range row {
			out[i*o.classes+j] = float32(row[j] - lse)
		}
	}
	return out
}

// Probs returns exp(LogProbs()).
func (o *Output) Probs() []float32 {
	p := o.LogProbs()
	for i, v := range p {
		p[i] = float32(math.Exp(float64(v)))
	}
	return p
}

// Argmax returns the most probable class of each row. Ties go to the lower
// index.
func (o *Output) Argmax() []int {
	data := o.logits.Raw().AsFloat32()
	out := make([]int, o.n)
	row := make([]float64, o.classes)
	for i := range out {
		for j := range row {
			row[j] = float64(data[i*o.classes+j])
		}
		out[i] = floats.MaxIdx(row)
	}
	return out
}

// Loss is a scalar loss still attached to the tape it was computed on.
type Loss struct {
	t *Tensor
}

func (l *Loss) Value() float32 {
	return l.t.Raw().AsFloat32()[0]
}

// NLLLoss is the negative log-likelihood of the head's log-probabilities,
// averaged over the batch.
//
// The head's output already ends in log-softmax, and log-softmax is
// idempotent, so the engine's fused softmax cross-entropy over the fc2
// activations gives exactly the NLL of the log-probabilities.
type NLLLoss struct {
	backend Backend
}

func (l *NLLLoss) Forward(out *Output, targets []int32) (loss *Loss, err error) {
	if len(targets) != out.n {
		return nil, fmt.Errorf("got %d targets for %d outputs", len(targets), out.n)
	}
	for _, t := range targets {
		if t < 0 || int(t) >= out.classes {
			return nil, fmt.Errorf("%w: target %d outside 0..%d", ErrInvalidLabels, t, out.classes-1)
		}
	}

	defer guard("nll loss", &err)

	y, err := tensor.FromSlice(append([]int32(nil), targets...), tensor.Shape{len(targets)}, l.backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create target tensor: %w", err)
	}
	raw := l.backend.CrossEntropy(out.logits.Raw(), y.Raw())
	return &Loss{t: tensor.New[float32](raw, l.backend)}, nil
}
