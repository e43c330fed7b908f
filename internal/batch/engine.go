// Package batch classifies an uploaded batch image by image and files the
// results into a session.
package batch

import (
	"context"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Brownie44l1/cifar-sorter/internal/apperr"
	"github.com/Brownie44l1/cifar-sorter/internal/labels"
	"github.com/Brownie44l1/cifar-sorter/internal/model"
	"github.com/Brownie44l1/cifar-sorter/internal/session"
)

// Image is one uploaded file.
type Image struct {
	Filename string
	Data     []byte
}

// Classifier is the per-image capability the engine drives.
type Classifier interface {
	Classify(ctx context.Context, filename string, data []byte) (model.Result, error)
}

// Observer receives per-image and per-batch outcomes. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveResult(label string, ok bool)
	ObserveBatch(status string, images int, elapsed time.Duration)
}

// Options tune one batch.
type Options struct {
	// SessionID appends to an existing session instead of creating one.
	SessionID string
}

// Outcome is the aggregated result of a batch. Results follow upload order.
// SessionID is empty when nothing was stored.
type Outcome struct {
	Results   []model.Result
	Counts    labels.Counts
	SessionID string
}

// Engine runs batches against a classifier and a session store.
type Engine struct {
	classifier Classifier
	store      session.Store
	log        *zap.Logger
	observer   Observer
	maxImages  int
}

// NewEngine wires the engine. observer may be nil; maxImages <= 0 means no limit.
func NewEngine(classifier Classifier, store session.Store, log *zap.Logger, observer Observer, maxImages int) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		classifier: classifier,
		store:      store,
		log:        log,
		observer:   observer,
		maxImages:  maxImages,
	}
}

// ClassifyBatch classifies images in order. An undecodable image is recorded
// in place and never stops the batch. The batch fails as a whole only on
// invalid input, an unknown target session, a model failure, storage errors,
// or when ctx ends; nothing is stored unless every image was attempted.
func (e *Engine) ClassifyBatch(ctx context.Context, images []Image, opts Options) (*Outcome, error) {
	start := time.Now()
	out, err := e.run(ctx, images, opts)

	if e.observer != nil {
		status := "ok"
		if err != nil {
			status = string(apperr.KindOf(err))
		}
		e.observer.ObserveBatch(status, len(images), time.Since(start))
	}
	if err != nil {
		e.log.Warn("batch failed", zap.Int("images", len(images)), zap.Error(err))
		return nil, err
	}

	e.log.Info("batch classified",
		zap.Int("images", len(out.Results)),
		zap.Int("classified", out.Counts.Total()),
		zap.String("session_id", out.SessionID),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

func (e *Engine) run(ctx context.Context, images []Image, opts Options) (*Outcome, error) {
	images, err := e.validate(images)
	if err != nil {
		return nil, err
	}

	persist := e.store != nil && e.store.Enabled()
	if persist && opts.SessionID != "" {
		if _, err := e.store.Get(ctx, opts.SessionID); err != nil {
			return nil, err
		}
	}

	out := &Outcome{
		Results: make([]model.Result, 0, len(images)),
		Counts:  labels.Counts{},
	}
	for _, img := range images {
		if err := apperr.FromContext(ctx, "batch.Classify"); err != nil {
			return nil, err
		}
		res, err := e.classifier.Classify(ctx, img.Filename, img.Data)
		if err != nil {
			return nil, err
		}
		if res.OK() {
			out.Counts.Add(res.Class())
		}
		if e.observer != nil {
			e.observer.ObserveResult(res.Label, res.OK())
		}
		out.Results = append(out.Results, res)
	}

	if persist {
		id, err := e.persist(ctx, images, out, opts.SessionID)
		if err != nil {
			return nil, err
		}
		out.SessionID = id
	}
	return out, nil
}

// validate drops entries without a filename and rejects empty, oversized or
// ambiguous batches before any inference happens.
func (e *Engine) validate(images []Image) ([]Image, error) {
	images = lo.Filter(images, func(img Image, _ int) bool {
		return strings.TrimSpace(img.Filename) != ""
	})
	if len(images) == 0 {
		return nil, apperr.Newf(apperr.KindValidation, "batch.Validate", "no images provided")
	}
	if e.maxImages > 0 && len(images) > e.maxImages {
		return nil, apperr.Newf(apperr.KindValidation, "batch.Validate",
			"batch has %d images, the limit is %d", len(images), e.maxImages)
	}

	names := lo.Map(images, func(img Image, _ int) string { return img.Filename })
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		return nil, apperr.Newf(apperr.KindValidation, "batch.Validate",
			"duplicate filenames in batch: %s", strings.Join(dups, ", "))
	}
	return images, nil
}

// persist files every classified image under its label. A session created
// here is removed again if a write fails or ctx ends before all writes land.
func (e *Engine) persist(ctx context.Context, images []Image, out *Outcome, sessionID string) (string, error) {
	if err := apperr.FromContext(ctx, "batch.Persist"); err != nil {
		return "", err
	}
	if out.Counts.Total() == 0 {
		return sessionID, nil
	}

	created := false
	if sessionID == "" {
		id, err := e.store.Create(ctx)
		if err != nil {
			return "", err
		}
		sessionID, created = id, true
	}

	abort := func(err error) (string, error) {
		if created {
			if derr := e.store.Delete(context.WithoutCancel(ctx), sessionID); derr != nil {
				e.log.Warn("failed to remove partial session", zap.String("session_id", sessionID), zap.Error(derr))
			}
		}
		return "", err
	}

	for i, res := range out.Results {
		if !res.OK() {
			continue
		}
		if err := apperr.FromContext(ctx, "batch.Persist"); err != nil {
			return abort(err)
		}
		if _, err := e.store.Append(ctx, sessionID, res.Class(), images[i].Filename, images[i].Data); err != nil {
			return abort(err)
		}
	}
	if err := apperr.FromContext(ctx, "batch.Persist"); err != nil {
		return abort(err)
	}
	return sessionID, nil
}
