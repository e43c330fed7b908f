package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Brownie44l1/cifar-sorter/internal/batch"
	"github.com/Brownie44l1/cifar-sorter/internal/config"
	"github.com/Brownie44l1/cifar-sorter/internal/export"
	"github.com/Brownie44l1/cifar-sorter/internal/labels"
	"github.com/Brownie44l1/cifar-sorter/internal/metrics"
	"github.com/Brownie44l1/cifar-sorter/internal/model"
	"github.com/Brownie44l1/cifar-sorter/internal/session"
)

// app is everything one running instance shares across requests.
type app struct {
	cfg        *config.Config
	log        *zap.Logger
	metrics    *metrics.Metrics
	loader     *model.Loader
	classifier *model.Classifier
	store      session.Store
	engine     *batch.Engine
	archiver   *export.Archiver
}

func newApp(cfg *config.Config, log *zap.Logger, store session.Store) (*app, error) {
	m, err := metrics.New()
	if err != nil {
		return nil, err
	}

	meta, err := model.LoadMetadata(cfg.Model.MetadataPath)
	if err != nil {
		return nil, err
	}
	meta.ModelID = cfg.Model.ID

	loader := model.NewLoader(openModel(cfg.Model, meta), log.Named("model"), m.ObserveModelLoad)
	classifier, err := model.NewClassifier(loader, meta, labels.DefaultRules, log.Named("model"))
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:        cfg,
		log:        log,
		metrics:    m,
		loader:     loader,
		classifier: classifier,
		store:      store,
		engine:     batch.NewEngine(classifier, store, log.Named("batch"), m, cfg.Server.MaxBatchSize),
		archiver:   export.NewArchiver(store, log.Named("export")),
	}, nil
}

// openModel fetches the model file if this instance does not have it yet and
// opens an ONNX session on it.
func openModel(cfg config.ModelConfig, meta model.Metadata) model.OpenFunc {
	return func(ctx context.Context) (model.Model, error) {
		client := &http.Client{Timeout: 5 * time.Minute}
		if err := model.EnsureFile(ctx, afero.NewOsFs(), client, cfg.DownloadURL, cfg.Path); err != nil {
			return nil, err
		}
		rt, err := model.NewONNXRuntime(cfg.Path, cfg.SharedLibraryPath, meta)
		if err != nil {
			return nil, fmt.Errorf("failed to open model %s: %w", cfg.Path, err)
		}
		return rt, nil
	}
}

func (a *app) Close() {
	a.loader.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close session store", zap.Error(err))
	}
}
