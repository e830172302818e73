// Package metrics exposes Prometheus counters for sync activity.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ewsync"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	filesParsed    *prometheus.CounterVec
	parseFailures  *prometheus.CounterVec
	modelUpdates   *prometheus.CounterVec
	reconcileNoops *prometheus.CounterVec
	watchedFiles   *prometheus.GaugeVec

	backupsRemoved  prometheus.Counter
	cleanupFailures prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		filesParsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_parsed_total",
				Help:      "Files successfully parsed into entities",
			},
			[]string{"kind"},
		),
		parseFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_failures_total",
				Help:      "Files that failed to parse",
			},
			[]string{"kind"},
		),
		modelUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_updates_total",
				Help:      "Entity lists pushed into a selection model",
			},
			[]string{"kind"},
		),
		reconcileNoops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_noops_total",
				Help:      "Reconciliations discarded as structurally equal",
			},
			[]string{"kind"},
		),
		watchedFiles: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "watched_files",
				Help:      "Files currently matching a watched pattern",
			},
			[]string{"kind"},
		),
		backupsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_removed_total",
			Help:      "Backup artifacts deleted after a guarded task",
		}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_cleanup_failures_total",
			Help:      "Backup artifacts that could not be deleted",
		}),
	}

	m.registry.MustRegister(
		m.filesParsed,
		m.parseFailures,
		m.modelUpdates,
		m.reconcileNoops,
		m.watchedFiles,
		m.backupsRemoved,
		m.cleanupFailures,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FileParsed(kind string) {
	if m != nil {
		m.filesParsed.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ParseFailed(kind string) {
	if m != nil {
		m.parseFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ModelUpdated(kind string) {
	if m != nil {
		m.modelUpdates.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ReconcileNoop(kind string) {
	if m != nil {
		m.reconcileNoops.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SetWatchedFiles(kind string, n int) {
	if m != nil {
		m.watchedFiles.WithLabelValues(kind).Set(float64(n))
	}
}

func (m *Metrics) BackupRemoved() {
	if m != nil {
		m.backupsRemoved.Inc()
	}
}

func (m *Metrics) CleanupFailed() {
	if m != nil {
		m.cleanupFailures.Inc()
	}
}
