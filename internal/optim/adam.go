// Package optim updates the trainable head parameters from the gradients the
// autodiff tape produces.
package optim

import (
	"errors"
	"fmt"
	"math"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// ErrStateMismatch is returned when restored optimizer state does not fit the
// parameters the optimizer is bound to.
var ErrStateMismatch = errors.New("optimizer state does not match parameters")

// Named binds a parameter to the stable name used in checkpoints.
type Named[B tensor.Backend] struct {
	Name  string
	Param *nn.Parameter[B]
}

type AdamConfig struct {
	LR    float32    // default 0.001
	Betas [2]float32 // default {0.9, 0.999}
	Eps   float32    // default 1e-8
}

// DefaultAdamConfig returns the usual Adam hyperparameters.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LR:    0.001,
		Betas: [2]float32{0.9, 0.999},
		Eps:   1e-8,
	}
}

// Moments holds the first and second moment estimates of one parameter.
type Moments struct {
	M []float32
	V []float32
}

// State is the serializable optimizer state.
type State struct {
	Step    int64
	Config  AdamConfig
	Moments map[string]Moments
}

// Adam implements Adam with bias correction. Moment estimates are keyed by
// parameter name so they survive a save/load cycle.
type Adam[B tensor.Backend] struct {
	cfg    AdamConfig
	params []Named[B]
	m      map[string][]float32
	v      map[string][]float32
	step   int64
}

// NewAdam creates an optimizer for params. Zero fields of cfg take their
// defaults.
func NewAdam[B tensor.Backend](params []Named[B], cfg AdamConfig) *Adam[B] {
	def := DefaultAdamConfig()
	if cfg.LR == 0 {
		cfg.LR = def.LR
	}
	if cfg.Betas[0] == 0 {
		cfg.Betas[0] = def.Betas[0]
	}
	if cfg.Betas[1] == 0 {
		cfg.Betas[1] = def.Betas[1]
	}
	if cfg.Eps == 0 {
		cfg.Eps = def.Eps
	}

	return &Adam[B]{
		cfg:    cfg,
		params: params,
		m:      make(map[string][]float32, len(params)),
		v:      make(map[string][]float32, len(params)),
	}
}

func (a *Adam[B]) Config() AdamConfig { return a.cfg }

// SetLR changes the learning rate for later steps. Moments and the step
// count are kept.
func (a *Adam[B]) SetLR(lr float32) { a.cfg.LR = lr }

// Steps returns the number of updates applied so far.
func (a *Adam[B]) Steps() int64 { return a.step }

// Params returns the parameters this optimizer updates.
func (a *Adam[B]) Params() []Named[B] { return a.params }

func (a *Adam[B]) ZeroGrad() {
	for _, p := range a.params {
		p.Param.ZeroGrad()
	}
}

// Step applies one update. Parameters without a gradient in grads are left
// untouched.
func (a *Adam[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) error {
	a.step++

	beta1, beta2 := a.cfg.Betas[0], a.cfg.Betas[1]
	biasCorrection1 := float32(1.0 - math.Pow(float64(beta1), float64(a.step)))
	biasCorrection2 := float32(1.0 - math.Pow(float64(beta2), float64(a.step)))

	for _, p := range a.params {
		raw := p.Param.Tensor().Raw()
		grad, ok := grads[raw]
		if !ok || grad == nil {
			continue
		}

		w := raw.AsFloat32()
		g := grad.AsFloat32()
		if len(g) != len(w) {
			return fmt.Errorf("gradient for %s has %d values, parameter has %d", p.Name, len(g), len(w))
		}

		m, ok := a.m[p.Name]
		if !ok {
			m = make([]float32, len(w))
			a.m[p.Name] = m
		}
		v, ok := a.v[p.Name]
		if !ok {
			v = make([]float32, len(w))
			a.v[p.Name] = v
		}

		for i := range w {
			m[i] = beta1*m[i] + (1-beta1)*g[i]
			v[i] = beta2*v[i] + (1-beta2)*g[i]*g[i]

			mHat := m[i] / biasCorrection1
			vHat := v[i] / biasCorrection2
			w[i] -= a.cfg.LR * mHat / (float32(math.Sqrt(float64(vHat))) + a.cfg.Eps)
		}
	}
	return nil
}

// State returns a copy of the optimizer state.
func (a *Adam[B]) State() State {
	s := State{
		Step:    a.step,
		Config:  a.cfg,
		Moments: make(map[string]Moments, len(a.m)),
	}
	for name, m := range a.m {
		s.Moments[name] = Moments{
			M: append([]float32(nil), m...),
			V: append([]float32(nil), a.v[name]...),
		}
	}
	return s
}

// LoadState replaces the optimizer state. Every moment entry must name a bound
// parameter and match its size.
func (a *Adam[B]) LoadState(s State) error {
	sizes := make(map[string]int, len(a.params))
	for _, p := range a.params {
		sizes[p.Name] = len(p.Param.Tensor().Raw().AsFloat32())
	}

	m := make(map[string][]float32, len(s.Moments))
	v := make(map[string][]float32, len(s.Moments))
	for name, mom := range s.Moments {
		n, ok := sizes[name]
		if !ok {
			return fmt.Errorf("%w: unknown parameter %q", ErrStateMismatch, name)
		}
		if len(mom.M) != n || len(mom.V) != n {
			return fmt.Errorf("%w: %s has %d/%d moment values, want %d",
				ErrStateMismatch, name, len(mom.M), len(mom.V), n)
		}
		m[name] = append([]float32(nil), mom.M...)
		v[name] = append([]float32(nil), mom.V...)
	}

	if s.Config.LR != 0 {
		a.cfg = s.Config
	}
	a.step = s.Step
	a.m = m
	a.v = v
	return nil
}
