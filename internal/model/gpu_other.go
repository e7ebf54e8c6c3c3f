//go:build !windows

package model

import (
	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"k8s.io/klog/v2"
)

// The head is small enough that only the backbone is moved to the GPU here.
func newGPUBackend() (Backend, func(), error) {
	klog.V(1).Info("Head running on CPU backend, backbone on CUDA")
	return autodiff.New[tensor.Backend](cpu.New()), func() {}, nil
}
