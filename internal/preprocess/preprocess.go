// Package preprocess turns images into the normalized CHW arrays the backbone
// expects.
package preprocess

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/nfnt/resize"
)

// ImageNet channel statistics the pretrained backbones were trained with.
var (
	Mean = [3]float32{0.485, 0.456, 0.406}
	Std  = [3]float32{0.229, 0.224, 0.225}
)

// Pipeline resizes the shortest side to Resize, center crops a Crop×Crop
// square and normalizes each channel.
type Pipeline struct {
	Resize int
	Crop   int
	Mean   [3]float32
	Std    [3]float32
}

// Default returns the 256 → 224 ImageNet pipeline.
func Default() Pipeline {
	return ForSize(224)
}

// ForSize returns the ImageNet pipeline for a crop of size, keeping the usual
// 256/224 resize ratio.
func ForSize(size int) Pipeline {
	return Pipeline{
		Resize: size * 256 / 224,
		Crop:   size,
		Mean:   Mean,
		Std:    Std,
	}
}

// Len is the number of values produced for one image.
func (p Pipeline) Len() int {
	return 3 * p.Crop * p.Crop
}

// Path decodes the image at path.
func (p Pipeline) Path(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	data, err := p.Reader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return data, nil
}

// Reader decodes a JPEG or PNG stream.
func (p Pipeline) Reader(r io.Reader) ([]float32, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return p.Image(img), nil
}

// Image converts img to a 3×Crop×Crop array in CHW order.
func (p Pipeline) Image(img image.Image) []float32 {
	b := img.Bounds()
	w, h := uint(b.Dx()), uint(b.Dy())
	if w <= h {
		h = 0
		w = uint(p.Resize)
	} else {
		w = 0
		h = uint(p.Resize)
	}
	resized := resize.Resize(w, h, img, resize.Lanczos3)

	rb := resized.Bounds()
	left := rb.Min.X + (rb.Dx()-p.Crop)/2
	top := rb.Min.Y + (rb.Dy()-p.Crop)/2

	plane := p.Crop * p.Crop
	out := make([]float32, 3*plane)
	for y := 0; y < p.Crop; y++ {
		for x := 0; x < p.Crop; x++ {
			r, g, b, _ := resized.At(left+x, top+y).RGBA()

			i := y*p.Crop + x
			out[i] = (float32(r)/65535.0 - p.Mean[0]) / p.Std[0]
			out[plane+i] = (float32(g)/65535.0 - p.Mean[1]) / p.Std[1]
			out[2*plane+i] = (float32(b)/65535.0 - p.Mean[2]) / p.Std[2]
		}
	}
	return out
}
