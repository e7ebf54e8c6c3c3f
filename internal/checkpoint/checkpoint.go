// Package checkpoint persists a trained head, its optimizer state and its
// label mapping as one google.protobuf.Struct record.
//
// Files ending in .json are written with protojson; anything else uses the
// binary protobuf encoding.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"

	"github.com/Brownie44l1/tl-classifier/internal/model"
	"github.com/Brownie44l1/tl-classifier/internal/optim"
)

var (
	// ErrArchMismatch is returned when a checkpoint holds a different
	// architecture than the caller expects.
	ErrArchMismatch = errors.New("checkpoint architecture mismatch")
	// ErrCorrupt is returned when a checkpoint decodes but lacks required
	// fields or holds values of the wrong kind.
	ErrCorrupt = errors.New("corrupt checkpoint")
	// ErrNonFinite is returned by Save when a weight or optimizer moment is
	// NaN or infinite, which happens once training has diverged.
	ErrNonFinite = errors.New("non-finite value in model state")
)

// Restored is everything Load rebuilds from a checkpoint.
type Restored struct {
	Model     *model.Model
	Optimizer *optim.Adam[model.Backend]
	Criterion *model.NLLLoss
	Arch      string
	Epochs    int
	CreatedAt time.Time
}

type options struct {
	arch      string
	modelOpts []model.Option
}

type Option func(*options)

// ExpectArch makes Load fail with ErrArchMismatch unless the checkpoint holds
// arch.
func ExpectArch(arch string) Option {
	return func(o *options) { o.arch = arch }
}

// ModelOptions are passed to model.Create when the model is rebuilt.
func ModelOptions(opts ...model.Option) Option {
	return func(o *options) { o.modelOpts = append(o.modelOpts, opts...) }
}

// Save writes m, opt and the epoch count to path. The file is replaced
// atomically, so readers see either the old or the new checkpoint.
func Save(path string, m *model.Model, opt *optim.Adam[model.Backend], epochs int) error {
	if err := checkFinite(m, opt); err != nil {
		return err
	}
	rec := encode(m, opt, epochs, time.Now().UTC())

	var (
		data []byte
		err  error
	)
	if isJSON(path) {
		data, err = protojson.Marshal(rec)
	} else {
		data, err = proto.MarshalOptions{Deterministic: true}.Marshal(rec)
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := writeAtomic(path, data); err != nil {
		return err
	}

	klog.Infof("Checkpoint saved: '%s' (arch=%s epochs=%d)", path, m.Arch(), epochs)
	return nil
}

// Load reads the checkpoint at path and rebuilds the model, optimizer and
// criterion it describes.
func Load(ctx context.Context, path string, opts ...Option) (*Restored, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	rec := &structpb.Struct{}
	if isJSON(path) {
		err = protojson.Unmarshal(data, rec)
	} else {
		err = proto.Unmarshal(data, rec)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}

	r, err := decode(rec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if o.arch != "" && r.arch != o.arch {
		return nil, fmt.Errorf("%w: %s holds %q, want %q", ErrArchMismatch, path, r.arch, o.arch)
	}
	if _, err := model.Lookup(r.arch); err != nil {
		return nil, err
	}

	m, opt, crit, err := model.Create(ctx, r.arch, r.classToIdx, o.modelOpts...)
	if err != nil {
		return nil, err
	}

	if want, got := r.fingerprint, m.Fingerprint(); want != "" && got != "" && want != got {
		m.Close()
		return nil, fmt.Errorf("%w: checkpoint was trained on backbone %s, loaded backbone is %s",
			model.ErrStateMismatch, short(want), short(got))
	}
	if err := m.LoadStateDict(r.stateDict); err != nil {
		m.Close()
		return nil, err
	}
	if err := opt.LoadState(r.optimizer); err != nil {
		m.Close()
		return nil, fmt.Errorf("%w: %v", model.ErrStateMismatch, err)
	}

	klog.Infof("Checkpoint loaded: '%s' (arch=%s epochs=%d)", path, r.arch, r.epochs)

	return &Restored{
		Model:     m,
		Optimizer: opt,
		Criterion: crit,
		Arch:      r.arch,
		Epochs:    r.epochs,
		CreatedAt: r.createdAt,
	}, nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return nil
}
