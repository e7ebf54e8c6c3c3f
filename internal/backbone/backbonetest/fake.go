// Package backbonetest provides an in-process Extractor for tests that must
// not depend on the ONNX runtime.
package backbonetest

import (
	"context"
	"fmt"
)

// Fake summarizes each image by its per-channel means, repeated to fill
// Width features. Images of different dominant colors therefore get linearly
// separable features.
type Fake struct {
	W         int
	ImageSize int
	Sum       string

	Calls  int
	Closed bool
}

// New returns a Fake shaped like a densenet121 backbone.
func New() *Fake {
	return &Fake{W: 1024, ImageSize: 224, Sum: "fake-backbone"}
}

func (f *Fake) Width() int          { return f.W }
func (f *Fake) Fingerprint() string { return f.Sum }

func (f *Fake) Extract(ctx context.Context, pixels []float32, n int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plane := f.ImageSize * f.ImageSize
	if len(pixels) != n*3*plane {
		return nil, fmt.Errorf("expected %d input values for %d images, got %d", n*3*plane, n, len(pixels))
	}
	f.Calls++

	out := make([]float32, n*f.W)
	for i := 0; i < n; i++ {
		var mean [3]float32
		for c := 0; c < 3; c++ {
			var sum float32
			for _, v := range pixels[(i*3+c)*plane : (i*3+c+1)*plane] {
				sum += v
			}
			mean[c] = sum / float32(plane)
		}
		for j := 0; j < f.W; j++ {
			out[i*f.W+j] = mean[j%3]
		}
	}
	return out, nil
}

func (f *Fake) Close() error {
	f.Closed = true
	return nil
}
