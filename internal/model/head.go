package model

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"

	"github.com/Brownie44l1/tl-classifier/internal/optim"
)

// Head is the trainable classifier: fc1 → ReLU → fc2 → LogSoftmax(dim=1).
//
// Forward stops at the fc2 activations. The log-softmax is applied by
// Output.LogProbs and, during training, fused into the loss.
type Head struct {
	fc1  *nn.Linear[Backend]
	relu *nn.ReLU[Backend]
	fc2  *nn.Linear[Backend]
}

func newHead(in, hidden, out int, b Backend) *Head {
	return &Head{
		fc1:  nn.NewLinear[Backend](in, hidden, b),
		relu: nn.NewReLU[Backend](),
		fc2:  nn.NewLinear[Backend](hidden, out, b),
	}
}

func (h *Head) Forward(x *Tensor) *Tensor {
	x = h.fc1.Forward(x)
	x = h.relu.Forward(x)
	return h.fc2.Forward(x)
}

// Params lists the head parameters under their checkpoint names.
func (h *Head) Params() []optim.Named[Backend] {
	return []optim.Named[Backend]{
		{Name: "classifier.fc1.weight", Param: h.fc1.Weight()},
		{Name: "classifier.fc1.bias", Param: h.fc1.Bias()},
		{Name: "classifier.fc2.weight", Param: h.fc2.Weight()},
		{Name: "classifier.fc2.bias", Param: h.fc2.Bias()},
	}
}

// ParamState is the serialized form of one parameter.
type ParamState struct {
	Shape []int
	Data  []float32
}

func (h *Head) stateDict() map[string]ParamState {
	state := make(map[string]ParamState)
	for _, p := range h.Params() {
		t := p.Param.Tensor()
		state[p.Name] = ParamState{
			Shape: append([]int(nil), t.Shape()...),
			Data:  append([]float32(nil), t.Raw().AsFloat32()...),
		}
	}
	return state
}

func (h *Head) loadStateDict(state map[string]ParamState) error {
	params := h.Params()
	if len(state) != len(params) {
		return fmt.Errorf("%w: got %d parameters, head has %d", ErrStateMismatch, len(state), len(params))
	}

	// Validate everything before touching any weights.
	for _, p := range params {
		s, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrStateMismatch, p.Name)
		}
		want := p.Param.Tensor().Shape()
		if !want.Equal(tensor.Shape(s.Shape)) {
			return fmt.Errorf("%w: %s has shape %v, head expects %v", ErrStateMismatch, p.Name, s.Shape, want)
		}
		if len(s.Data) != want.NumElements() {
			return fmt.Errorf("%w: %s has %d values, want %d", ErrStateMismatch, p.Name, len(s.Data), want.NumElements())
		}
	}

	for _, p := range params {
		copy(p.Param.Tensor().Raw().AsFloat32(), state[p.Name].Data)
	}
	return nil
}
