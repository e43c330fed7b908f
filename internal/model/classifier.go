package model

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/Brownie44l1/cifar-sorter/internal/apperr"
	"github.com/Brownie44l1/cifar-sorter/internal/labels"
)

// Classifier turns image bytes into a label using the shared model handle.
type Classifier struct {
	loader *Loader
	meta   Metadata
	index  []labels.Label
	log    *zap.Logger
}

// NewClassifier binds a loader to the metadata it was exported with. Class
// names outside the CIFAR-10 set are folded through rules.
func NewClassifier(loader *Loader, meta Metadata, rules labels.RuleTable, log *zap.Logger) (*Classifier, error) {
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model metadata: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Classifier{
		loader: loader,
		meta:   meta,
		index:  meta.LabelIndex(rules),
		log:    log,
	}, nil
}

// ModelID identifies the loaded model.
func (c *Classifier) ModelID() string {
	return c.meta.ModelID
}

// Ready reports whether the model is loaded without loading it.
func (c *Classifier) Ready() bool {
	return c.loader.Ready()
}

// Classify predicts the label of one image. An undecodable image or a failed
// forward pass comes back as an error-tagged Result with a nil error. The
// returned error is reserved for failures that end the whole request: the
// model cannot be loaded at all, or ctx is done.
func (c *Classifier) Classify(ctx context.Context, filename string, data []byte) (Result, error) {
	input, err := Preprocess(data, c.meta)
	if err != nil {
		c.log.Debug("decode failed", zap.String("filename", filename), zap.Error(err))
		return failed(filename, err), nil
	}

	m, err := c.loader.Get(ctx)
	if err != nil {
		return Result{}, err
	}

	logits, err := c.infer(ctx, m, input)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindTimeout {
			return Result{}, err
		}
		c.log.Warn("inference failed", zap.String("filename", filename), zap.Error(err))
		return failed(filename, err), nil
	}
	if len(logits) < len(c.index) {
		err := apperr.Newf(apperr.KindInternal, "model.Classify",
			"model returned %d outputs for %d classes", len(logits), len(c.index))
		c.log.Warn("inference failed", zap.String("filename", filename), zap.Error(err))
		return failed(filename, err), nil
	}

	best, confidence := argmaxSoftmax(logits[:len(c.index)])
	return Result{
		Filename:   filename,
		Label:      c.index[best].String(),
		Confidence: &confidence,
	}, nil
}

func failed(filename string, err error) Result {
	return Result{Filename: filename, Label: labels.ErrorMarker, Error: err.Error()}
}

// infer runs the forward pass without letting it outlive ctx for the caller.
// An abandoned pass finishes in the background and its output is dropped.
func (c *Classifier) infer(ctx context.Context, m Model, input []float32) ([]float32, error) {
	type out struct {
		logits []float32
		err    error
	}
	done := make(chan out, 1)
	go func() {
		logits, err := m.Infer(input)
		done <- out{logits, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, apperr.New(apperr.KindInternal, "model.Infer", o.err)
		}
		return o.logits, nil
	case <-ctx.Done():
		return nil, apperr.FromContext(ctx, "model.Infer")
	}
}

// argmaxSoftmax returns the index of the largest logit and its softmax
// probability as a percentage rounded to two decimals.
func argmaxSoftmax(logits []float32) (int, float64) {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}

	maxLogit := float64(logits[best])
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v) - maxLogit)
	}
	p := 1 / sum * 100
	return best, math.Round(p*100) / 100
}
