// Package model builds the transfer-learning classifier: a frozen pretrained
// backbone followed by a small trainable head.
package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/born-ml/born/tensor"
	"k8s.io/klog/v2"

	"github.com/Brownie44l1/tl-classifier/internal/backbone"
	"github.com/Brownie44l1/tl-classifier/internal/device"
	"github.com/Brownie44l1/tl-classifier/internal/optim"
)

var (
	ErrUnsupportedArch = errors.New("unsupported architecture")
	ErrInvalidLabels   = errors.New("invalid label mapping")
	ErrStateMismatch   = errors.New("state does not match model")
	ErrEngine          = errors.New("tensor engine failure")

	ErrDeviceUnavailable = device.ErrUnavailable
)

type options struct {
	device    device.Device
	lr        float32
	extractor backbone.Extractor
	backbone  backbone.Config
}

type Option func(*options)

func WithDevice(d device.Device) Option {
	return func(o *options) { o.device = d }
}

func WithLearningRate(lr float32) Option {
	return func(o *options) { o.lr = lr }
}

// WithExtractor uses an already opened backbone instead of opening one. The
// model does not close it.
func WithExtractor(e backbone.Extractor) Option {
	return func(o *options) { o.extractor = e }
}

// WithBackboneConfig controls where the backbone weights come from.
func WithBackboneConfig(cfg backbone.Config) Option {
	return func(o *options) { o.backbone = cfg }
}

// Model is a frozen backbone plus a trainable head and its label mapping.
type Model struct {
	arch   string
	spec   Arch
	labels *LabelMap
	device device.Device

	backend Backend
	release func()

	extractor     backbone.Extractor
	ownsExtractor bool

	head *Head
}

// Create builds a model for arch and classToIdx together with an Adam
// optimizer bound to the head parameters and the matching loss.
func Create(ctx context.Context, arch string, classToIdx map[string]int, opts ...Option) (*Model, *optim.Adam[Backend], *NLLLoss, error) {
	labels, err := NewLabelMap(classToIdx)
	if err != nil {
		return nil, nil, nil, err
	}

	o := buildOptions(opts)
	m, err := New(ctx, arch, labels, opts...)
	if err != nil {
		return nil, nil, nil, err
	}

	cfg := optim.DefaultAdamConfig()
	if o.lr > 0 {
		cfg.LR = o.lr
	}
	return m, optim.NewAdam(m.Params(), cfg), m.Criterion(), nil
}

func buildOptions(opts []Option) options {
	o := options{device: device.CPU}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New builds a model with a freshly initialized head.
func New(ctx context.Context, arch string, labels *LabelMap, opts ...Option) (*Model, error) {
	spec, err := Lookup(arch)
	if err != nil {
		return nil, err
	}
	if labels == nil || labels.Len() == 0 {
		return nil, fmt.Errorf("%w: no classes", ErrInvalidLabels)
	}

	o := buildOptions(opts)

	b, release, err := newBackend(o.device)
	if err != nil {
		return nil, err
	}

	m := &Model{
		arch:      arch,
		spec:      spec,
		labels:    labels,
		device:    o.device,
		backend:   b,
		release:   release,
		extractor: o.extractor,
	}

	if m.extractor == nil {
		cfg := o.backbone
		cfg.Device = o.device
		onnx, err := backbone.Open(ctx, spec.Backbone, cfg)
		if err != nil {
			release()
			return nil, err
		}
		m.extractor = onnx
		m.ownsExtractor = true
	}

	if w := m.extractor.Width(); w != spec.Backbone.Width {
		m.Close()
		return nil, fmt.Errorf("%w: backbone yields %d features, %s head expects %d",
			ErrStateMismatch, w, arch, spec.Backbone.Width)
	}

	m.head = newHead(spec.Backbone.Width, spec.Hidden, labels.Len(), b)

	klog.V(1).Infof("Model %s created: %d → %d → %d on %s",
		arch, spec.Backbone.Width, spec.Hidden, labels.Len(), o.device)
	return m, nil
}

func (m *Model) Arch() string                   { return m.arch }
func (m *Model) Labels() *LabelMap              { return m.labels }
func (m *Model) Device() device.Device          { return m.device }
func (m *Model) Backend() Backend               { return m.backend }
func (m *Model) NumClasses() int                { return m.labels.Len() }
func (m *Model) ImageSize() int                 { return m.spec.Backbone.ImageSize }
func (m *Model) Params() []optim.Named[Backend] { return m.head.Params() }

// InputLen is the number of values per preprocessed image.
func (m *Model) InputLen() int {
	s := m.spec.Backbone.ImageSize
	return 3 * s * s
}

// Criterion returns the loss matching the head's log-probability output.
func (m *Model) Criterion() *NLLLoss {
	return &NLLLoss{backend: m.backend}
}

// Fingerprint identifies the backbone weights, or "" when unknown.
func (m *Model) Fingerprint() string {
	if f, ok := m.extractor.(backbone.Fingerprinter); ok {
		return f.Fingerprint()
	}
	return ""
}

// Forward runs n preprocessed images (CHW, n*InputLen values) through the
// backbone and the head.
//
// In Training mode head operations are recorded for a following Backward
// call. In Evaluating mode nothing is recorded and the output can never
// affect parameters.
func (m *Model) Forward(ctx context.Context, mode Mode, pixels []float32, n int) (out *Output, err error) {
	if n <= 0 {
		return nil, fmt.Errorf("forward needs at least one image, got %d", n)
	}

	features, err := m.extractor.Extract(ctx, pixels, n)
	if err != nil {
		return nil, err
	}

	defer guard("forward", &err)

	tape := m.backend.Tape()
	switch mode {
	case Training:
		tape.Clear()
		tape.StartRecording()
	case Evaluating:
		tape.StopRecording()
		tape.Clear()
	default:
		return nil, fmt.Errorf("unknown mode %d", mode)
	}

	x, err := tensor.FromSlice(features, tensor.Shape{n, m.spec.Backbone.Width}, m.backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create feature tensor: %w", err)
	}
	return &Output{
		logits:  m.head.Forward(x),
		n:       n,
		classes: m.labels.Len(),
	}, nil
}

// Backward computes head gradients for loss and releases the recorded graph.
// The returned map is keyed by parameter tensor and is what an optimizer
// step consumes.
func (m *Model) Backward(loss *Loss) (grads map[*tensor.RawTensor]*tensor.RawTensor, err error) {
	tape := m.backend.Tape()
	defer func() {
		tape.StopRecording()
		tape.Clear()
	}()
	defer guard("backward", &err)

	if !tape.IsRecording() || tape.NumOps() == 0 {
		return nil, fmt.Errorf("backward without a training-mode forward")
	}

	outputGrad, err := tensor.NewRaw(loss.t.Shape(), loss.t.DType(), m.backend.Device())
	if err != nil {
		return nil, fmt.Errorf("failed to create output gradient: %w", err)
	}
	for i := range outputGrad.AsFloat32() {
		outputGrad.AsFloat32()[i] = 1
	}
	return tape.Backward(outputGrad, m.backend), nil
}

// StateDict returns a copy of the head parameters by name.
func (m *Model) StateDict() map[string]ParamState {
	return m.head.stateDict()
}

// LoadStateDict replaces the head parameters. Nothing is changed on error.
func (m *Model) LoadStateDict(state map[string]ParamState) error {
	return m.head.loadStateDict(state)
}

// Close releases the backbone session (when the model opened it) and the
// head backend.
func (m *Model) Close() error {
	var err error
	if m.ownsExtractor && m.extractor != nil {
		err = m.extractor.Close()
		m.extractor = nil
	}
	if m.release != nil {
		m.release()
		m.release = nil
	}
	return err
}
