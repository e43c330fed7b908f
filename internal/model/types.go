package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Brownie44l1/cifar-sorter/internal/labels"
)

// Metadata describes the exported model. It is read from a JSON file shipped
// next to the model; fields left out keep their CIFAR-10 defaults.
type Metadata struct {
	ModelID     string    `json:"model_id"`
	InputName   string    `json:"input_name"`
	OutputName  string    `json:"output_name"`
	InputShape  []int64   `json:"input_shape"`
	OutputShape []int64   `json:"output_shape"`
	Classes     []string  `json:"classes"`
	ImageSize   int       `json:"image_size"`
	Mean        []float32 `json:"mean"`
	Std         []float32 `json:"std"`
}

// DefaultMetadata matches the pretrained CIFAR-10 ResNet20 export: 32x32 RGB
// input normalized with the training set statistics.
func DefaultMetadata() Metadata {
	classes := make([]string, 0, 10)
	for _, l := range labels.All() {
		classes = append(classes, l.String())
	}
	return Metadata{
		ModelID:     "cifar10_resnet20",
		InputName:   "input",
		OutputName:  "output",
		InputShape:  []int64{1, 3, 32, 32},
		OutputShape: []int64{1, 10},
		Classes:     classes,
		ImageSize:   32,
		Mean:        []float32{0.4914, 0.4822, 0.4465},
		Std:         []float32{0.2023, 0.1994, 0.2010},
	}
}

// LoadMetadata reads path over the defaults. An empty path or a missing file
// yields the defaults.
func LoadMetadata(path string) (Metadata, error) {
	meta := DefaultMetadata()
	if path == "" {
		return meta, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return meta, meta.Validate()
}

// Validate checks that the shapes and statistics are consistent with each other.
func (m Metadata) Validate() error {
	if len(m.InputShape) != 4 || m.InputShape[1] != 3 {
		return fmt.Errorf("input shape %v is not NCHW with 3 channels", m.InputShape)
	}
	if m.InputShape[2] != int64(m.ImageSize) || m.InputShape[3] != int64(m.ImageSize) {
		return fmt.Errorf("input shape %v does not match image size %d", m.InputShape, m.ImageSize)
	}
	if len(m.Mean) != 3 || len(m.Std) != 3 {
		return errors.New("mean and std need one value per channel")
	}
	for _, s := range m.Std {
		if s == 0 {
			return errors.New("std must be non-zero")
		}
	}
	if len(m.Classes) == 0 {
		return errors.New("no classes")
	}
	if n := m.OutputSize(); n != len(m.Classes) {
		return fmt.Errorf("output size %d does not match %d classes", n, len(m.Classes))
	}
	return nil
}

// InputSize is the number of float32 values the model consumes.
func (m Metadata) InputSize() int {
	return shapeSize(m.InputShape)
}

// OutputSize is the number of float32 values the model produces.
func (m Metadata) OutputSize() int {
	return shapeSize(m.OutputShape)
}

// LabelIndex maps each model output onto a label. Class names that are not
// CIFAR-10 labels go through the rule table.
func (m Metadata) LabelIndex(rules labels.RuleTable) []labels.Label {
	out := make([]labels.Label, len(m.Classes))
	for i, name := range m.Classes {
		out[i] = rules.Resolve(name)
	}
	return out
}

func shapeSize(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// Result is the outcome of classifying one image. Label holds
// labels.ErrorMarker when the image could not be decoded.
type Result struct {
	Filename   string   `json:"filename"`
	Label      string   `json:"label"`
	Confidence *float64 `json:"confidence,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// OK reports whether the image was classified.
func (r Result) OK() bool {
	return r.Label != labels.ErrorMarker
}

// Class returns the predicted label; only meaningful when OK.
func (r Result) Class() labels.Label {
	return labels.Label(r.Label)
}
