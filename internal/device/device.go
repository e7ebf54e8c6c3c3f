// Package device names the execution targets a model can run on.
package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable is returned when the requested target cannot be initialized
// on this machine.
var ErrUnavailable = errors.New("compute device unavailable")

type Device int

const (
	CPU Device = iota
	GPU
)

func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	default:
		return fmt.Sprintf("Device(%d)", int(d))
	}
}

// Parse accepts "cpu", "gpu" and "cuda" (case-insensitive).
func Parse(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cpu":
		return CPU, nil
	case "gpu", "cuda":
		return GPU, nil
	default:
		return CPU, fmt.Errorf("unknown device %q", s)
	}
}

// Set implements flag.Value.
func (d *Device) Set(s string) error {
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}
