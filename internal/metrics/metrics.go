// Package metrics provides the Prometheus metrics exported by the service.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every collector the service updates.
type Metrics struct {
	ModelLoadDuration prometheus.Histogram
	ModelLoadErrors   prometheus.Counter
	ModelLoaded       prometheus.Gauge

	ImagesClassified *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	BatchDuration    *prometheus.HistogramVec
	BatchSize        prometheus.Histogram

	Exports *prometheus.CounterVec

	registry *prometheus.Registry
}

// New registers all metrics, plus the Go and process collectors, on a fresh registry.
func New() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		ModelLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sorter_model_load_duration_seconds",
			Help:    "Time taken to load the classifier on a cold instance.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		ModelLoadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sorter_model_load_errors_total",
			Help: "Total number of failed model loads.",
		}),
		ModelLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sorter_model_loaded",
			Help: "1 once the classifier is loaded on this instance.",
		}),
		ImagesClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sorter_images_classified_total",
			Help: "Total number of classified images partitioned by label.",
		}, []string{"label"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sorter_decode_errors_total",
			Help: "Total number of uploads that could not be decoded as images.",
		}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sorter_batch_duration_seconds",
			Help:    "Time taken to classify a batch.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"status"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sorter_batch_images",
			Help:    "Number of images per classify request.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		Exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sorter_exports_total",
			Help: "Total number of archive exports partitioned by outcome.",
		}, []string{"status"}),
		registry: reg,
	}

	for _, c := range []prometheus.Collector{
		m.ModelLoadDuration, m.ModelLoadErrors, m.ModelLoaded,
		m.ImagesClassified, m.DecodeErrors, m.BatchDuration, m.BatchSize,
		m.Exports,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

// Registry is the registry to expose over HTTP.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveModelLoad matches model.LoadObserver.
func (m *Metrics) ObserveModelLoad(elapsed time.Duration, err error) {
	if err != nil {
		m.ModelLoadErrors.Inc()
		return
	}
	m.ModelLoadDuration.Observe(elapsed.Seconds())
	m.ModelLoaded.Set(1)
}

// ObserveBatch records one finished batch.
func (m *Metrics) ObserveBatch(status string, images int, elapsed time.Duration) {
	m.BatchDuration.WithLabelValues(status).Observe(elapsed.Seconds())
	m.BatchSize.Observe(float64(images))
}

// ObserveResult counts one per-image outcome.
func (m *Metrics) ObserveResult(label string, ok bool) {
	if !ok {
		m.DecodeErrors.Inc()
		return
	}
	m.ImagesClassified.WithLabelValues(label).Inc()
}

// ObserveExport counts one export attempt.
func (m *Metrics) ObserveExport(status string) {
	m.Exports.WithLabelValues(status).Inc()
}
