package backbone

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"

	"github.com/Brownie44l1/tl-classifier/internal/device"
)

var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()

	envRefs--
	if envRefs == 0 {
		if err := ort.DestroyEnvironment(); err != nil {
			klog.Warningf("Failed to destroy ONNX environment: %v", err)
		}
	}
}

// ONNX is an Extractor backed by an onnxruntime session.
type ONNX struct {
	session     *ort.DynamicAdvancedSession
	spec        Spec
	fingerprint string
}

// Open resolves the weights for spec (fetching them on first use) and starts
// an inference session on the configured device.
func Open(ctx context.Context, spec Spec, cfg Config) (*ONNX, error) {
	modelPath, sum, err := Fetch(ctx, spec, cfg)
	if err != nil {
		return nil, err
	}

	if err := acquireEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if cfg.Threads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.Threads); err != nil {
			releaseEnvironment()
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}

	if cfg.Device == device.GPU {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			releaseEnvironment()
			return nil, fmt.Errorf("%w: %v", device.ErrUnavailable, err)
		}
		err = options.AppendExecutionProviderCUDA(cudaOptions)
		cudaOptions.Destroy()
		if err != nil {
			releaseEnvironment()
			return nil, fmt.Errorf("%w: %v", device.ErrUnavailable, err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{spec.InputName}, []string{spec.OutputName}, options)
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	klog.Infof("Backbone %s loaded from %s (device=%s, features=%d)", spec.Name, modelPath, cfg.Device, spec.Width)

	return &ONNX{
		session:     session,
		spec:        spec,
		fingerprint: sum,
	}, nil
}

func (o *ONNX) Width() int {
	return o.spec.Width
}

func (o *ONNX) Fingerprint() string {
	return o.fingerprint
}

func (o *ONNX) Extract(ctx context.Context, pixels []float32, n int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := o.spec.ImageSize
	if want := n * 3 * size * size; len(pixels) != want {
		return nil, fmt.Errorf("expected %d input values for %d images, got %d", want, n, len(pixels))
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(int64(n), 3, int64(size), int64(size)), pixels)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(n), int64(o.spec.Width)))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := o.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("backbone inference failed: %w", err)
	}

	features := make([]float32, n*o.spec.Width)
	copy(features, outputTensor.GetData())
	return features, nil
}

func (o *ONNX) Close() error {
	if o.session == nil {
		return nil
	}
	err := o.session.Destroy()
	o.session = nil
	releaseEnvironment()
	return err
}
