package optim

import (
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBackend = *autodiff.Backend[tensor.Backend]

func newParam(t *testing.T, b testBackend, name string, values ...float32) Named[testBackend] {
	t.Helper()
	x, err := tensor.FromSlice(values, tensor.Shape{len(values)}, b)
	require.NoError(t, err)
	return Named[testBackend]{Name: name, Param: nn.NewParameter(name, x)}
}

func gradsFor(t *testing.T, b testBackend, p Named[testBackend], values ...float32) map[*tensor.RawTensor]*tensor.RawTensor {
	t.Helper()
	g, err := tensor.FromSlice(values, tensor.Shape{len(values)}, b)
	require.NoError(t, err)
	return map[*tensor.RawTensor]*tensor.RawTensor{p.Param.Tensor().Raw(): g.Raw()}
}

func TestAdamFirstStepMovesBySignTimesLR(t *testing.T) {
	b := autodiff.New[tensor.Backend](cpu.New())
	w := newParam(t, b, "w", 1, 1, 1)
	opt := NewAdam([]Named[testBackend]{w}, AdamConfig{})

	assert.Equal(t, DefaultAdamConfig(), opt.Config())

	require.NoError(t, opt.Step(gradsFor(t, b, w, 0.5, -2, 0)))
	got := w.Param.Tensor().Raw().AsFloat32()
	assert.InDelta(t, 0.999, got[0], 1e-5)
	assert.InDelta(t, 1.001, got[1], 1e-5)
	assert.InDelta(t, 1.0, got[2], 1e-6)
	assert.Equal(t, int64(1), opt.Steps())
}

func TestAdamSkipsParamsWithoutGradient(t *testing.T) {
	b := autodiff.New[tensor.Backend](cpu.New())
	w := newParam(t, b, "w", 3, 4)
	frozen := newParam(t, b, "frozen", 5, 6)
	opt := NewAdam([]Named[testBackend]{w, frozen}, DefaultAdamConfig())

	require.NoError(t, opt.Step(gradsFor(t, b, w, 1, 1)))
	assert.Equal(t, []float32{5, 6}, frozen.Param.Tensor().Raw().AsFloat32())
	assert.NotContains(t, opt.State().Moments, "frozen")
}

func TestAdamStateRoundTrip(t *testing.T) {
	b := autodiff.New[tensor.Backend](cpu.New())

	a := newParam(t, b, "w", 1, 2)
	optA := NewAdam([]Named[testBackend]{a}, DefaultAdamConfig())
	for i := 0; i < 3; i++ {
		require.NoError(t, optA.Step(gradsFor(t, b, a, 0.3, -0.1)))
	}

	c := newParam(t, b, "w", append([]float32(nil), a.Param.Tensor().Raw().AsFloat32()...)...)
	optC := NewAdam([]Named[testBackend]{c}, AdamConfig{LR: 0.5})
	require.NoError(t, optC.LoadState(optA.State()))
	assert.Equal(t, optA.Config(), optC.Config())
	assert.Equal(t, int64(3), optC.Steps())

	require.NoError(t, optA.Step(gradsFor(t, b, a, 0.2, 0.2)))
	require.NoError(t, optC.Step(gradsFor(t, b, c, 0.2, 0.2)))
	assert.Equal(t, a.Param.Tensor().Raw().AsFloat32(), c.Param.Tensor().Raw().AsFloat32())
}

func TestAdamLoadStateRejectsMismatch(t *testing.T) {
	b := autodiff.New[tensor.Backend](cpu.New())
	w := newParam(t, b, "w", 1, 2)
	opt := NewAdam([]Named[testBackend]{w}, DefaultAdamConfig())

	err := opt.LoadState(State{Moments: map[string]Moments{"other": {M: []float32{0, 0}, V: []float32{0, 0}}}})
	require.ErrorIs(t, err, ErrStateMismatch)

	err = opt.LoadState(State{Moments: map[string]Moments{"w": {M: []float32{0}, V: []float32{0}}}})
	require.ErrorIs(t, err, ErrStateMismatch)
}

func TestAdamStepRejectsWrongGradientSize(t *testing.T) {
	b := autodiff.New[tensor.Backend](cpu.New())
	w := newParam(t, b, "w", 1, 2)
	opt := NewAdam([]Named[testBackend]{w}, DefaultAdamConfig())

	require.Error(t, opt.Step(gradsFor(t, b, w, 1)))
}

func TestAdamSetLRAfterLoadState(t *testing.T) {
	b := autodiff.New[tensor.Backend](cpu.New())
	w := newParam(t, b, "w", 1, 1)
	opt := NewAdam([]Named[testBackend]{w}, DefaultAdamConfig())
	require.NoError(t, opt.Step(gradsFor(t, b, w, 1, -1)))
	saved := opt.State()

	resumed := NewAdam([]Named[testBackend]{newParam(t, b, "w", 1, 1)}, AdamConfig{LR: 0.1})
	require.NoError(t, resumed.LoadState(saved))
	assert.Equal(t, float32(0.001), resumed.Config().LR)

	resumed.SetLR(0.1)
	assert.Equal(t, float32(0.1), resumed.Config().LR)
	assert.Equal(t, float32(0.1), resumed.State().Config.LR)
	assert.Equal(t, saved.Config.Betas, resumed.Config().Betas)
	assert.Equal(t, saved.Moments, resumed.State().Moments)
	assert.Equal(t, int64(1), resumed.Steps())
}
