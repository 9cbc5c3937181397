// Package metrics holds the prometheus collectors for the engine.
//
// All recording methods are nil-safe so components can be built without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "starfield"

type Metrics struct {
	registry *prometheus.Registry

	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec

	IngestPages   *prometheus.CounterVec
	IngestMembers prometheus.Counter
	IngestErrors  *prometheus.CounterVec
	KnownMembers  prometheus.Gauge

	SnapshotSaves *prometheus.CounterVec

	StaleDiscarded *prometheus.CounterVec
	Transitions    *prometheus.CounterVec
}

// New builds a Metrics with its own registry (plus Go runtime collectors).
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: registry,
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache lookups served from a valid entry.",
		}, []string{"cache"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache lookups that found no entry, an expired entry or a version mismatch.",
		}, []string{"cache"}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries removed from a cache.",
		}, []string{"cache"}),
		IngestPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "pages_total",
			Help:      "Pages merged, by stage.",
		}, []string{"stage"}),
		IngestMembers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "members_total",
			Help:      "New members appended by ingestion.",
		}),
		IngestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "errors_total",
			Help:      "Aborted ingestion cycles, by error kind.",
		}, []string{"kind"}),
		KnownMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "known_members",
			Help:      "Members tracked by the entity store, including those beyond the render cap.",
		}),
		SnapshotSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "saves_total",
			Help:      "Snapshot save attempts, by result.",
		}, []string{"result"}),
		StaleDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "stale_discarded_total",
			Help:      "Async results dropped because their generation was superseded.",
		}, []string{"guard"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selection",
			Name:      "transitions_total",
			Help:      "Selection state machine transitions, by target state.",
		}, []string{"state"}),
	}

	registry.MustRegister(
		m.CacheHits, m.CacheMisses, m.CacheEvictions,
		m.IngestPages, m.IngestMembers, m.IngestErrors, m.KnownMembers,
		m.SnapshotSaves, m.StaleDiscarded, m.Transitions,
	)
	return m
}

// Registry returns the registry to expose over HTTP.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(cache).Inc()
}

func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(cache).Inc()
}

func (m *Metrics) CacheEvicted(cache string) {
	if m == nil {
		return
	}
	m.CacheEvictions.WithLabelValues(cache).Inc()
}

func (m *Metrics) PageMerged(stage string, newMembers int) {
	if m == nil {
		return
	}
	m.IngestPages.WithLabelValues(stage).Inc()
	m.IngestMembers.Add(float64(newMembers))
}

func (m *Metrics) IngestFailed(kind string) {
	if m == nil {
		return
	}
	m.IngestErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetKnownMembers(n int) {
	if m == nil {
		return
	}
	m.KnownMembers.Set(float64(n))
}

func (m *Metrics) SnapshotSaved(result string) {
	if m == nil {
		return
	}
	m.SnapshotSaves.WithLabelValues(result).Inc()
}

func (m *Metrics) Stale(guard string) {
	if m == nil {
		return
	}
	m.StaleDiscarded.WithLabelValues(guard).Inc()
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
}
