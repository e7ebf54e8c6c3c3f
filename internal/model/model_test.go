package model

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/tl-classifier/internal/backbone/backbonetest"
)

func images(colors ...[3]float32) []float32 {
	plane := 224 * 224
	out := make([]float32, 0, len(colors)*3*plane)
	for _, c := range colors {
		for ch := 0; ch < 3; ch++ {
			for i := 0; i < plane; i++ {
				out = append(out, c[ch])
			}
		}
	}
	return out
}

var (
	red  = [3]float32{2, -2, -2}
	blue = [3]float32{-2, -2, 2}
)

func newTestModel(t *testing.T, classes map[string]int, opts ...Option) (*Model, *backbonetest.Fake) {
	t.Helper()
	fake := backbonetest.New()
	m, _, _, err := Create(context.Background(), "densenet121", classes, append(opts, WithExtractor(fake))...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, fake
}

func TestCreateShapes(t *testing.T) {
	fake := backbonetest.New()
	classes := map[string]int{"a": 0, "b": 1, "c": 2}
	m, opt, crit, err := Create(context.Background(), "densenet121", classes, WithExtractor(fake), WithLearningRate(0.01))
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, "densenet121", m.Arch())
	assert.Equal(t, 3, m.NumClasses())
	assert.Equal(t, 3*224*224, m.InputLen())
	assert.Equal(t, "fake-backbone", m.Fingerprint())
	assert.NotNil(t, crit)
	assert.InDelta(t, 0.01, opt.Config().LR, 1e-9)

	shapes := map[string][]int{}
	for name, s := range m.StateDict() {
		shapes[name] = s.Shape
	}
	assert.Equal(t, map[string][]int{
		"classifier.fc1.weight": {500, 1024},
		"classifier.fc1.bias":   {500},
		"classifier.fc2.weight": {3, 500},
		"classifier.fc2.bias":   {3},
	}, shapes)
	assert.Len(t, opt.Params(), 4)

	out, err := m.Forward(context.Background(), Evaluating, images(red, blue), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Len())
	assert.Equal(t, 3, out.Classes())

	probs := out.Probs()
	require.Len(t, probs, 6)
	for i := 0; i < 2; i++ {
		assert.InDelta(t, 1.0, probs[i*3]+probs[i*3+1]+probs[i*3+2], 1e-5)
	}
	for i, lp := range out.LogProbs() {
		assert.InDelta(t, math.Log(float64(probs[i])), lp, 1e-4)
	}
}

func TestCreateErrors(t *testing.T) {
	ctx := context.Background()
	fake := backbonetest.New()

	_, _, _, err := Create(ctx, "vgg16", map[string]int{"a": 0}, WithExtractor(fake))
	require.ErrorIs(t, err, ErrUnsupportedArch)

	_, _, _, err = Create(ctx, "densenet121", map[string]int{"a": 0, "b": 0}, WithExtractor(fake))
	require.ErrorIs(t, err, ErrInvalidLabels)

	_, _, _, err = Create(ctx, "densenet121", map[string]int{}, WithExtractor(fake))
	require.ErrorIs(t, err, ErrInvalidLabels)

	narrow := backbonetest.New()
	narrow.W = 512
	_, _, _, err = Create(ctx, "densenet121", map[string]int{"a": 0}, WithExtractor(narrow))
	require.ErrorIs(t, err, ErrStateMismatch)
	assert.False(t, narrow.Closed, "a borrowed backbone is never closed")
}

func TestLabelMap(t *testing.T) {
	tests := []struct {
		name    string
		in      map[string]int
		wantErr bool
	}{
		{"valid", map[string]int{"roses": 1, "daisy": 0, "tulip": 2}, false},
		{"duplicate index", map[string]int{"a": 0, "b": 0}, true},
		{"negative", map[string]int{"a": -1}, true},
		{"gap", map[string]int{"a": 0, "b": 2}, true},
		{"empty label", map[string]int{"": 0}, true},
		{"empty", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewLabelMap(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidLabels)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, len(tt.in), l.Len())
			for label, idx := range tt.in {
				got, ok := l.Label(idx)
				require.True(t, ok)
				assert.Equal(t, label, got)
				back, ok := l.Index(label)
				require.True(t, ok)
				assert.Equal(t, idx, back)
			}
			assert.Equal(t, tt.in, l.ClassToIdx())
		})
	}

	l, err := LabelMapFromNames([]string{"b", "c", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, l.Labels())
	_, ok := l.Label(3)
	assert.False(t, ok)

	_, err = LabelMapFromNames([]string{"a", "a"})
	require.ErrorIs(t, err, ErrInvalidLabels)
}

func TestEvaluatingForwardIsDeterministic(t *testing.T) {
	m, _ := newTestModel(t, map[string]int{"red": 0, "blue": 1})
	before := m.StateDict()

	a, err := m.Forward(context.Background(), Evaluating, images(red), 1)
	require.NoError(t, err)
	b, err := m.Forward(context.Background(), Evaluating, images(red), 1)
	require.NoError(t, err)

	assert.Equal(t, a.LogProbs(), b.LogProbs())
	assert.Equal(t, before, m.StateDict())
}

func TestTrainingStepsReduceLoss(t *testing.T) {
	ctx := context.Background()
	fake := backbonetest.New()
	m, opt, crit, err := Create(ctx, "densenet121", map[string]int{"red": 0, "blue": 1}, WithExtractor(fake))
	require.NoError(t, err)
	defer m.Close()

	pixels := images(red, blue)
	targets := []int32{0, 1}

	var first, last float32
	for step := 0; step < 20; step++ {
		opt.ZeroGrad()
		out, err := m.Forward(ctx, Training, pixels, 2)
		require.NoError(t, err)
		loss, err := crit.Forward(out, targets)
		require.NoError(t, err)
		grads, err := m.Backward(loss)
		require.NoError(t, err)
		require.NoError(t, opt.Step(grads))

		if step == 0 {
			first = loss.Value()
		}
		last = loss.Value()
	}
	assert.Less(t, last, first)

	out, err := m.Forward(ctx, Evaluating, pixels, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, out.Argmax())
}

func TestNLLLossMatchesLogProbs(t *testing.T) {
	m, _ := newTestModel(t, map[string]int{"a": 0, "b": 1, "c": 2})

	out, err := m.Forward(context.Background(), Evaluating, images(red, blue), 2)
	require.NoError(t, err)
	loss, err := m.Criterion().Forward(out, []int32{2, 0})
	require.NoError(t, err)

	lp := out.LogProbs()
	want := -(lp[0*3+2] + lp[1*3+0]) / 2
	assert.InDelta(t, want, loss.Value(), 1e-4)

	_, err = m.Criterion().Forward(out, []int32{0})
	require.Error(t, err)
	_, err = m.Criterion().Forward(out, []int32{0, 3})
	require.ErrorIs(t, err, ErrInvalidLabels)
}

func TestBackwardNeedsTrainingForward(t *testing.T) {
	m, _ := newTestModel(t, map[string]int{"a": 0, "b": 1})

	out, err := m.Forward(context.Background(), Evaluating, images(red), 1)
	require.NoError(t, err)
	loss, err := m.Criterion().Forward(out, []int32{0})
	require.NoError(t, err)

	_, err = m.Backward(loss)
	require.Error(t, err)
}

func TestForwardRejectsBadInput(t *testing.T) {
	m, _ := newTestModel(t, map[string]int{"a": 0, "b": 1})

	_, err := m.Forward(context.Background(), Evaluating, nil, 0)
	require.Error(t, err)
	_, err = m.Forward(context.Background(), Evaluating, images(red), 2)
	require.Error(t, err)
	_, err = m.Forward(context.Background(), Mode(9), images(red), 1)
	require.Error(t, err)
}

func TestLoadStateDict(t *testing.T) {
	a, _ := newTestModel(t, map[string]int{"a": 0, "b": 1})
	b, _ := newTestModel(t, map[string]int{"a": 0, "b": 1})

	require.NoError(t, b.LoadStateDict(a.StateDict()))
	assert.Equal(t, a.StateDict(), b.StateDict())

	wide, _ := newTestModel(t, map[string]int{"a": 0, "b": 1, "c": 2})
	before := wide.StateDict()
	require.ErrorIs(t, wide.LoadStateDict(a.StateDict()), ErrStateMismatch)
	assert.Equal(t, before, wide.StateDict(), "failed load must leave weights untouched")

	partial := a.StateDict()
	delete(partial, "classifier.fc2.bias")
	require.ErrorIs(t, b.LoadStateDict(partial), ErrStateMismatch)
}

func TestSupported(t *testing.T) {
	assert.Equal(t, []string{"densenet121"}, Supported())
	_, err := Lookup("resnet50")
	require.ErrorIs(t, err, ErrUnsupportedArch)
}
