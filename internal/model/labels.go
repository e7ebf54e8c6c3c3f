package model

import (
	"fmt"
	"sort"
)

// LabelMap is the bijection between raw class labels and the head's output
// indices.
type LabelMap struct {
	labels []string
	index  map[string]int
}

// NewLabelMap validates classToIdx. Indices must cover 0..len-1 exactly once
// and labels must be non-empty.
func NewLabelMap(classToIdx map[string]int) (*LabelMap, error) {
	if len(classToIdx) == 0 {
		return nil, fmt.Errorf("%w: no classes", ErrInvalidLabels)
	}

	labels := make([]string, len(classToIdx))
	index := make(map[string]int, len(classToIdx))
	for label, idx := range classToIdx {
		if label == "" {
			return nil, fmt.Errorf("%w: empty label", ErrInvalidLabels)
		}
		if idx < 0 || idx >= len(labels) {
			return nil, fmt.Errorf("%w: index %d for %q outside 0..%d", ErrInvalidLabels, idx, label, len(labels)-1)
		}
		if labels[idx] != "" {
			first, second := labels[idx], label
			if second < first {
				first, second = second, first
			}
			return nil, fmt.Errorf("%w: %q and %q share index %d", ErrInvalidLabels, first, second, idx)
		}
		labels[idx] = label
		index[label] = idx
	}
	return &LabelMap{labels: labels, index: index}, nil
}

// LabelMapFromNames assigns indices in sorted label order, the way a
// class-per-directory dataset does.
func LabelMapFromNames(names []string) (*LabelMap, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	classToIdx := make(map[string]int, len(sorted))
	for i, name := range sorted {
		if _, dup := classToIdx[name]; dup {
			return nil, fmt.Errorf("%w: duplicate label %q", ErrInvalidLabels, name)
		}
		classToIdx[name] = i
	}
	return NewLabelMap(classToIdx)
}

func (l *LabelMap) Len() int { return len(l.labels) }

// Label returns the raw label for an output index.
func (l *LabelMap) Label(idx int) (string, bool) {
	if idx < 0 || idx >= len(l.labels) {
		return "", false
	}
	return l.labels[idx], true
}

// Index returns the output index for a raw label.
func (l *LabelMap) Index(label string) (int, bool) {
	idx, ok := l.index[label]
	return idx, ok
}

// Labels returns the labels ordered by index.
func (l *LabelMap) Labels() []string {
	return append([]string(nil), l.labels...)
}

// ClassToIdx returns a copy of the label → index mapping.
func (l *LabelMap) ClassToIdx() map[string]int {
	m := make(map[string]int, len(l.index))
	for k, v := range l.index {
		m[k] = v
	}
	return m
}
