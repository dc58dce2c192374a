// Package metrics provides Prometheus metrics for the indexing engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "synapse"

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	// Mutations counts registry mutations.
	// Labels: op (upsert, remove, remove_link, restore_link, rebuild), result (ok, error)
	Mutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "mutations_total",
			Help:      "Total number of registry mutations by operation and result",
		},
		[]string{"op", "result"},
	)

	// UpsertDuration tracks upsert latency including collaborator calls.
	UpsertDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "upsert_duration_seconds",
			Help:      "Duration of note upserts in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// ProviderFailures counts failed collaborator calls.
	// Labels: collaborator (extractor, embedder)
	ProviderFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "provider_failures_total",
			Help:      "Total number of failed concept extraction and embedding calls",
		},
		[]string{"collaborator"},
	)

	// Notes is the number of notes in the registry.
	Notes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "notes",
			Help:      "Current number of notes",
		},
	)

	// Links is the number of derived links.
	Links = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "linking",
			Name:      "links",
			Help:      "Current number of links",
		},
	)

	// LinkChanges counts links created and retired.
	// Labels: change (added, removed)
	LinkChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "linking",
			Name:      "changes_total",
			Help:      "Total number of link additions and removals",
		},
		[]string{"change"},
	)

	// ConsistencyChecks counts consistency checks.
	// Labels: result (ok, corrupt)
	ConsistencyChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "consistency_checks_total",
			Help:      "Total number of consistency checks by result",
		},
		[]string{"result"},
	)

	// Searches counts search queries.
	// Labels: mode (exact, semantic, hybrid), result (ok, error)
	Searches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "queries_total",
			Help:      "Total number of search queries by mode and result",
		},
		[]string{"mode", "result"},
	)

	// SearchDuration tracks search latency.
	// Labels: mode
	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Duration of search queries in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// SearchRescans counts text scans repeated because a writer changed the
	// registry while they ran.
	SearchRescans = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "rescans_total",
			Help:      "Total number of text scans repeated after a concurrent write",
		},
	)

	// Checkpoints counts persisted checkpoints.
	// Labels: result (ok, error)
	Checkpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "checkpoints_total",
			Help:      "Total number of state checkpoints by result",
		},
		[]string{"result"},
	)
)

// Result maps an error to a result label value.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
