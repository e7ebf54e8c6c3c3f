// Package dataset reads labeled images from a class-per-directory tree and
// serves them as training batches.
package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoImages is returned when a directory tree holds no usable images.
var ErrNoImages = errors.New("no images found")

// Extensions lists the file types picked up by Open.
var Extensions = []string{".jpg", ".jpeg", ".png"}

// Sample is one labeled image file.
type Sample struct {
	Path  string
	Label int32
}

// ImageFolder is a dataset where each subdirectory of the root is a class.
type ImageFolder struct {
	Root       string
	Classes    []string
	ClassToIdx map[string]int
	Samples    []Sample
}

// Open scans root. Class indices follow the sorted directory names.
func Open(root string) (*ImageFolder, error) {
	classes, err := classDirs(root)
	if err != nil {
		return nil, err
	}
	classToIdx := make(map[string]int, len(classes))
	for i, c := range classes {
		classToIdx[c] = i
	}
	return scan(root, classToIdx)
}

// OpenWithClasses scans root using an existing label mapping, e.g. the one a
// model was trained with. Directories not in classToIdx are an error.
func OpenWithClasses(root string, classToIdx map[string]int) (*ImageFolder, error) {
	classes, err := classDirs(root)
	if err != nil {
		return nil, err
	}
	for _, c := range classes {
		if _, ok := classToIdx[c]; !ok {
			return nil, fmt.Errorf("%s: class %q is not in the label mapping", root, c)
		}
	}
	return scan(root, classToIdx)
}

func classDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	var classes []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			classes = append(classes, e.Name())
		}
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: %s has no class directories", ErrNoImages, root)
	}
	sort.Strings(classes)
	return classes, nil
}

func scan(root string, classToIdx map[string]int) (*ImageFolder, error) {
	d := &ImageFolder{
		Root:       root,
		Classes:    make([]string, len(classToIdx)),
		ClassToIdx: make(map[string]int, len(classToIdx)),
	}
	for c, i := range classToIdx {
		if i < 0 || i >= len(d.Classes) {
			return nil, fmt.Errorf("class %q has index %d outside 0..%d", c, i, len(d.Classes)-1)
		}
		d.Classes[i] = c
		d.ClassToIdx[c] = i
	}

	for idx, class := range d.Classes {
		entries, err := os.ReadDir(filepath.Join(root, class))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", class, err)
		}
		for _, e := range entries {
			if e.IsDir() || !hasImageExt(e.Name()) {
				continue
			}
			d.Samples = append(d.Samples, Sample{
				Path:  filepath.Join(root, class, e.Name()),
				Label: int32(idx),
			})
		}
	}

	if len(d.Samples) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, root)
	}
	return d, nil
}

func hasImageExt(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func (d *ImageFolder) Len() int { return len(d.Samples) }

// ClassDistribution returns the number of samples per class.
func (d *ImageFolder) ClassDistribution() map[string]int {
	dist := make(map[string]int, len(d.Classes))
	for _, s := range d.Samples {
		dist[d.Classes[s.Label]]++
	}
	return dist
}

// Split holds out validFrac of each class for validation. The split depends
// only on seed, so repeated runs see the same partition.
func (d *ImageFolder) Split(validFrac float64, seed int64) (train, valid *ImageFolder) {
	rng := rand.New(rand.NewSource(seed))

	byClass := make([][]Sample, len(d.Classes))
	for _, s := range d.Samples {
		byClass[s.Label] = append(byClass[s.Label], s)
	}

	train, valid = d.subset(nil), d.subset(nil)
	for _, samples := range byClass {
		rng.Shuffle(len(samples), func(i, j int) {
			samples[i], samples[j] = samples[j], samples[i]
		})

		n := int(float64(len(samples))*validFrac + 0.5)
		if n == 0 && validFrac > 0 && len(samples) > 1 {
			n = 1
		}
		if n >= len(samples) && len(samples) > 0 {
			n = len(samples) - 1
		}
		valid.Samples = append(valid.Samples, samples[:n]...)
		train.Samples = append(train.Samples, samples[n:]...)
	}
	return train, valid
}

func (d *ImageFolder) subset(samples []Sample) *ImageFolder {
	return &ImageFolder{
		Root:       d.Root,
		Classes:    d.Classes,
		ClassToIdx: d.ClassToIdx,
		Samples:    samples,
	}
}

func (d *ImageFolder) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d samples, %d classes", d.Root, len(d.Samples), len(d.Classes))
	dist := d.ClassDistribution()
	for _, c := range d.Classes {
		fmt.Fprintf(&sb, "\n  %s: %d", c, dist[c])
	}
	return sb.String()
}
