// Package metrics holds the Prometheus collectors of import, export and
// mapping maintenance runs.
//
// There is no HTTP listener; the CLI writes the registry to a textfile for
// node_exporter's textfile collector after each command.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "recordio"

// Import outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeErrors  = "errors"
	OutcomeAborted = "aborted"
	OutcomeChecked = "checked"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	recordsCreated *prometheus.CounterVec
	recordsUpdated *prometheus.CounterVec
	importErrors   *prometheus.CounterVec
	imports        *prometheus.CounterVec
	mappingsMinted *prometheus.CounterVec
	mappingsClean  prometheus.Counter
	importDuration prometheus.Histogram
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		recordsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_created_total",
			Help:      "Records inserted by imports.",
		}, []string{"model"}),
		recordsUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_updated_total",
			Help:      "Records updated by imports.",
		}, []string{"model"}),
		importErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_errors_total",
			Help:      "Errors recorded by imports, by target model.",
		}, []string{"model"}),
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imports_total",
			Help:      "Import sessions by outcome.",
		}, []string{"outcome"}),
		mappingsMinted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mappings_minted_total",
			Help:      "External keys generated during exports.",
		}, []string{"model"}),
		mappingsClean: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mappings_cleaned_total",
			Help:      "Orphaned mapping entries removed by clean sweeps.",
		}),
		importDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "import_duration_seconds",
			Help:      "Wall time of import sessions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}

	reg.MustRegister(
		m.recordsCreated,
		m.recordsUpdated,
		m.importErrors,
		m.imports,
		m.mappingsMinted,
		m.mappingsClean,
		m.importDuration,
	)
	return m
}

// Gatherer exposes the registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// RecordsCreated adds n created records of model.
func (m *Metrics) RecordsCreated(model string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.recordsCreated.WithLabelValues(model).Add(float64(n))
}

// RecordsUpdated adds n updated records of model.
func (m *Metrics) RecordsUpdated(model string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.recordsUpdated.WithLabelValues(model).Add(float64(n))
}

// ImportErrors adds n errors for an import targeting model.
func (m *Metrics) ImportErrors(model string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.importErrors.WithLabelValues(model).Add(float64(n))
}

// ImportFinished counts a session by outcome and observes its duration.
func (m *Metrics) ImportFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.imports.WithLabelValues(outcome).Inc()
	m.importDuration.Observe(d.Seconds())
}

// MappingMinted counts one generated external key.
func (m *Metrics) MappingMinted(model string) {
	if m == nil {
		return
	}
	m.mappingsMinted.WithLabelValues(model).Inc()
}

// MappingsCleaned adds n removed orphan entries.
func (m *Metrics) MappingsCleaned(n int) {
	if m == nil || n == 0 {
		return
	}
	m.mappingsClean.Add(float64(n))
}

// WriteTextfile writes the registry in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.gatherer)
}
