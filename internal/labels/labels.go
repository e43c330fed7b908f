// Package labels defines the closed set of CIFAR-10 categories and the
// aggregate counts derived from classification results.
package labels

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Label is one of the ten CIFAR-10 categories.
type Label string

const (
	Airplane   Label = "airplane"
	Automobile Label = "automobile"
	Bird       Label = "bird"
	Cat        Label = "cat"
	Deer       Label = "deer"
	Dog        Label = "dog"
	Frog       Label = "frog"
	Horse      Label = "horse"
	Ship       Label = "ship"
	Truck      Label = "truck"
)

// ErrorMarker is reported in place of a label when an image could not be classified.
const ErrorMarker = "error"

var all = []Label{Airplane, Automobile, Bird, Cat, Deer, Dog, Frog, Horse, Ship, Truck}

// All returns the labels in model output order.
func All() []Label {
	return slices.Clone(all)
}

// Valid reports whether l belongs to the closed set.
func (l Label) Valid() bool {
	return slices.Contains(all, l)
}

func (l Label) String() string {
	return string(l)
}

// Parse returns the label named s.
func Parse(s string) (Label, error) {
	l := Label(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown label %q", s)
	}
	return l, nil
}

// Counts is a sparse per-label histogram. Labels with no images are absent
// rather than zero. Iterate with Labels for a stable order.
type Counts map[Label]int

// Add increments the count for l.
func (c Counts) Add(l Label) {
	c[l]++
}

// Total is the sum of all counts.
func (c Counts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// Labels returns the present labels in model output order.
func (c Counts) Labels() []Label {
	out := make([]Label, 0, len(c))
	for _, l := range all {
		if c[l] > 0 {
			out = append(out, l)
		}
	}
	return out
}

// MarshalJSON drops zero entries so the encoded map stays sparse.
func (c Counts) MarshalJSON() ([]byte, error) {
	m := make(map[string]int, len(c))
	for l, n := range c {
		if n > 0 {
			m[string(l)] = n
		}
	}
	return json.Marshal(m)
}
