package dataset

import (
	"context"
	"fmt"

	"github.com/Brownie44l1/tl-classifier/internal/train"
)

// Memory is a dataset of already preprocessed images.
type Memory struct {
	pixels    []float32
	labels    []int32
	size      int
	batchSize int
}

// NewMemory batches images (each of size values, concatenated in pixels)
// batchSize at a time.
func NewMemory(pixels []float32, labels []int32, size, batchSize int) (*Memory, error) {
	if size <= 0 || len(pixels) != len(labels)*size {
		return nil, fmt.Errorf("got %d values for %d images of %d", len(pixels), len(labels), size)
	}
	if batchSize <= 0 {
		batchSize = len(labels)
	}
	return &Memory{pixels: pixels, labels: labels, size: size, batchSize: max(batchSize, 1)}, nil
}

func (m *Memory) NumBatches() int {
	return (len(m.labels) + m.batchSize - 1) / m.batchSize
}

func (m *Memory) Batch(_ context.Context, i int) (train.Batch, error) {
	if i < 0 || i >= m.NumBatches() {
		return train.Batch{}, fmt.Errorf("batch %d out of range [0, %d)", i, m.NumBatches())
	}
	start := i * m.batchSize
	end := min(start+m.batchSize, len(m.labels))
	return train.Batch{
		Pixels: m.pixels[start*m.size : end*m.size],
		Labels: m.labels[start:end],
	}, nil
}
