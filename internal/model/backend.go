package model

import (
	"fmt"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"

	"github.com/Brownie44l1/tl-classifier/internal/device"
)

// Backend is the autodiff engine the head runs on. Only head operations are
// ever recorded on its tape.
type Backend = *autodiff.Backend[tensor.Backend]

// Tensor is a float32 tensor on the head backend.
type Tensor = tensor.Tensor[float32, Backend]

func newBackend(d device.Device) (Backend, func(), error) {
	switch d {
	case device.CPU:
		return autodiff.New[tensor.Backend](cpu.New()), func() {}, nil
	case device.GPU:
		return newGPUBackend()
	default:
		return nil, nil, fmt.Errorf("%w: %s", device.ErrUnavailable, d)
	}
}

// guard turns an engine panic into ErrEngine. Use as defer guard("op", &err).
func guard(op string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %s: %v", ErrEngine, op, r)
	}
}
