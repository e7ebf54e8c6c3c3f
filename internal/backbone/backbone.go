// Package backbone runs the frozen pretrained feature extractor that sits in
// front of the trainable classifier head.
//
// The extractor never takes part in gradient computation: it turns a batch of
// preprocessed CHW images into pooled feature vectors, and only those vectors
// enter the autodiff graph.
package backbone

import (
	"context"
	"flag"
	"os"

	"github.com/Brownie44l1/tl-classifier/internal/device"
)

// Extractor maps a batch of n preprocessed images (n*3*size*size values, CHW)
// to n feature vectors of Width() values each.
type Extractor interface {
	Width() int
	Extract(ctx context.Context, pixels []float32, n int) ([]float32, error)
	Close() error
}

// Fingerprinter is implemented by extractors backed by a weights file. The
// fingerprint is recorded in checkpoints so a head is never restored on top of
// different backbone weights.
type Fingerprinter interface {
	Fingerprint() string
}

// Spec describes a pretrained network exported to ONNX with its classifier
// removed, so that OutputName yields [N, Width] pooled features.
type Spec struct {
	Name       string
	InputName  string
	OutputName string
	ImageSize  int
	Width      int
	URL        string
	SHA256     string
}

// Config controls where backbone weights come from and how they are run.
type Config struct {
	ModelPath   string // local .onnx file; skips the download cache when set
	URL         string // overrides Spec.URL
	CacheDir    string
	LibraryPath string // onnxruntime shared library
	Threads     int
	Device      device.Device
}

// RegisterFlags binds the backbone flags shared by the commands. Environment
// variables provide the defaults.
func RegisterFlags(fs *flag.FlagSet) *Config {
	cfg := &Config{}
	fs.StringVar(&cfg.ModelPath, "backbone", os.Getenv("BACKBONE_PATH"), "path to the pretrained backbone .onnx file")
	fs.StringVar(&cfg.URL, "backbone-url", os.Getenv("BACKBONE_URL"), "URL to fetch the backbone from on first use")
	fs.StringVar(&cfg.CacheDir, "backbone-cache", os.Getenv("BACKBONE_CACHE"), "directory for downloaded backbone weights")
	fs.StringVar(&cfg.LibraryPath, "ort-lib", os.Getenv("ORT_LIB"), "path to the onnxruntime shared library")
	fs.IntVar(&cfg.Threads, "threads", 0, "intra-op threads for the backbone (0 = runtime default)")
	return cfg
}
