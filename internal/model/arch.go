package model

import (
	"fmt"
	"sort"

	"github.com/Brownie44l1/tl-classifier/internal/backbone"
)

// Arch pairs a pretrained backbone with the hidden width of the head placed
// on top of it.
type Arch struct {
	Backbone backbone.Spec
	Hidden   int
}

var archs = map[string]Arch{
	"densenet121": {
		Backbone: backbone.Spec{
			Name:       "densenet121",
			InputName:  "input",
			OutputName: "features",
			ImageSize:  224,
			Width:      1024,
		},
		Hidden: 500,
	},
}

// Lookup returns the registered architecture called name.
func Lookup(name string) (Arch, error) {
	a, ok := archs[name]
	if !ok {
		return Arch{}, fmt.Errorf("%w: %q (supported: %v)", ErrUnsupportedArch, name, Supported())
	}
	return a, nil
}

// Supported lists the registered architecture names.
func Supported() []string {
	names := make([]string, 0, len(archs))
	for name := range archs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
