//go:build windows

package model

import (
	"fmt"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/webgpu"
	"github.com/born-ml/born/tensor"
	"k8s.io/klog/v2"

	"github.com/Brownie44l1/tl-classifier/internal/device"
)

func newGPUBackend() (Backend, func(), error) {
	if !webgpu.IsAvailable() {
		return nil, nil, fmt.Errorf("%w: no WebGPU adapter", device.ErrUnavailable)
	}
	gpu, err := webgpu.New()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", device.ErrUnavailable, err)
	}
	klog.V(1).Info("Head running on WebGPU backend")
	return autodiff.New[tensor.Backend](gpu), gpu.Release, nil
}
