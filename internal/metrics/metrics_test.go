package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.CacheHit("search")
	m.CacheHit("search")
	m.CacheMiss("posts")
	m.PageMerged("members", 3)
	m.SetKnownMembers(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheHits.WithLabelValues("search")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMisses.WithLabelValues("posts")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.IngestMembers))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.KnownMembers))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheHit("x")
		m.CacheMiss("x")
		m.CacheEvicted("x")
		m.PageMerged("members", 1)
		m.IngestFailed("transient")
		m.SetKnownMembers(1)
		m.SnapshotSaved("ok")
		m.Stale("selection")
		m.Transition("idle")
	})
}
