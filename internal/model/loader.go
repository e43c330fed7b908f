package model

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Brownie44l1/cifar-sorter/internal/apperr"
)

// OpenFunc creates the model. It runs at most once per successful load.
type OpenFunc func(ctx context.Context) (Model, error)

// LoadObserver is told how long each load attempt took.
type LoadObserver func(elapsed time.Duration, err error)

// Loader owns the process-wide model handle. The model is opened on first use
// and reused until Close; concurrent cold-start callers share one open. A
// failed open is not cached so a later request can retry.
type Loader struct {
	open     OpenFunc
	log      *zap.Logger
	observer LoadObserver

	group  singleflight.Group
	model  atomic.Pointer[modelBox]
	closed sync.Once
}

type modelBox struct {
	m Model
}

// NewLoader wraps open. observer may be nil.
func NewLoader(open OpenFunc, log *zap.Logger, observer LoadObserver) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{open: open, log: log, observer: observer}
}

// Ready reports whether the model is loaded. It never triggers a load.
func (l *Loader) Ready() bool {
	return l.model.Load() != nil
}

// Get returns the model, opening it if this instance has not yet done so.
// The open itself is not cancelled when ctx ends because other callers may be
// waiting on it; ctx only bounds how long this caller waits.
func (l *Loader) Get(ctx context.Context) (Model, error) {
	if box := l.model.Load(); box != nil {
		return box.m, nil
	}

	ch := l.group.DoChan("model", func() (any, error) {
		if box := l.model.Load(); box != nil {
			return box.m, nil
		}

		start := time.Now()
		l.log.Info("loading model")
		m, err := l.open(context.WithoutCancel(ctx))
		elapsed := time.Since(start)
		if l.observer != nil {
			l.observer(elapsed, err)
		}
		if err != nil {
			l.log.Error("model load failed", zap.Error(err), zap.Duration("elapsed", elapsed))
			return nil, err
		}

		l.model.Store(&modelBox{m: m})
		l.log.Info("model loaded", zap.Duration("elapsed", elapsed))
		return m, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, apperr.New(apperr.KindInternal, "model.Load", res.Err)
		}
		return res.Val.(Model), nil
	case <-ctx.Done():
		return nil, apperr.FromContext(ctx, "model.Load")
	}
}

// Close releases the model if it was loaded.
func (l *Loader) Close() {
	l.closed.Do(func() {
		if box := l.model.Swap(nil); box != nil {
			box.m.Close()
		}
	})
}
