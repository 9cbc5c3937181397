package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/starfield/internal/fault"
	"github.com/agentic-research/starfield/internal/runloop"
)

type staleCounter struct {
	mu sync.Mutex
	n  map[string]int
}

func (s *staleCounter) Stale(guard string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == nil {
		s.n = make(map[string]int)
	}
	s.n[guard]++
}

func (s *staleCounter) count(guard string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n[guard]
}

func runUntil(t *testing.T, l *runloop.Loop, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.RunUntil(ctx, cond))
}

func TestGuard_NextSupersedes(t *testing.T) {
	g := New("selection", runloop.New(nil), nil, nil)
	var zero Token
	assert.False(t, zero.Valid())
	assert.Error(t, zero.Context().Err())

	a := g.Next()
	assert.True(t, a.Valid())
	assert.NoError(t, a.Context().Err())

	b := g.Next()
	assert.False(t, a.Valid())
	assert.ErrorIs(t, a.Context().Err(), context.Canceled)
	assert.True(t, b.Valid())
	assert.Greater(t, b.Generation(), a.Generation())

	g.Cancel()
	assert.False(t, b.Valid())
	assert.Error(t, b.Context().Err())
}

func TestGuard_CheckCountsStale(t *testing.T) {
	stale := &staleCounter{}
	g := New("search", runloop.New(nil), stale, nil)
	a := g.Next()
	require.NoError(t, g.Check(a))
	g.Next()
	assert.ErrorIs(t, g.Check(a), fault.ErrStaleResult)
	assert.Equal(t, 1, stale.count("search"))
}

func TestGo_AppliesCurrentResult(t *testing.T) {
	l := runloop.New(nil)
	g := New("selection", l, nil, nil)
	tok := g.Next()

	var got string
	require.True(t, Go(g, tok, "A", func(context.Context) (string, error) {
		return "posA", nil
	}, func(v string, err error) {
		require.NoError(t, err)
		got = v
	}))
	runUntil(t, l, func() bool { return got != "" })
	assert.Equal(t, "posA", got)
	assert.Zero(t, g.Outstanding())
}

func TestGo_SupersededResultIsDiscarded(t *testing.T) {
	l := runloop.New(nil)
	stale := &staleCounter{}
	g := New("selection", l, stale, nil)

	release := make(chan struct{})
	var applied []string

	a := g.Next()
	Go(g, a, "A", func(context.Context) (string, error) {
		<-release
		return "A", nil
	}, func(v string, _ error) { applied = append(applied, v) })

	b := g.Next()
	Go(g, b, "B", func(context.Context) (string, error) {
		return "B", nil
	}, func(v string, _ error) { applied = append(applied, v) })

	runUntil(t, l, func() bool { return len(applied) == 1 })
	close(release)
	runUntil(t, l, func() bool { return stale.count("selection") == 1 })
	l.Drain()

	assert.Equal(t, []string{"B"}, applied)
}

type handle struct{ released bool }

func (h *handle) Release() { h.released = true }

func TestGo_ReleasesDiscardedResult(t *testing.T) {
	l := runloop.New(nil)
	stale := &staleCounter{}
	g := New("selection", l, stale, nil)

	release := make(chan struct{})
	h := &handle{}
	applied := false
	a := g.Next()
	Go(g, a, "image:a", func(context.Context) (*handle, error) {
		<-release
		return h, nil
	}, func(*handle, error) { applied = true })

	g.Next()
	close(release)
	runUntil(t, l, func() bool { return stale.count("selection") == 1 })
	assert.False(t, applied)
	assert.True(t, h.released)
}

func TestGo_SupersededWorkSeesCancellation(t *testing.T) {
	l := runloop.New(nil)
	g := New("search", l, nil, nil)

	started := make(chan struct{})
	var workErr error
	done := make(chan struct{})
	a := g.Next()
	Go(g, a, "q", func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		workErr = ctx.Err()
		close(done)
		return 0, ctx.Err()
	}, func(int, error) { t.Error("stale result applied") })

	<-started
	g.Next()
	<-done
	assert.ErrorIs(t, workErr, context.Canceled)
	runUntil(t, l, func() bool { return g.Outstanding() == 0 })
}

func TestGo_SuppressesDuplicateKey(t *testing.T) {
	l := runloop.New(nil)
	g := New("selection", l, nil, nil)
	tok := g.Next()

	release := make(chan struct{})
	calls := 0
	work := func(context.Context) (int, error) {
		<-release
		return 1, nil
	}
	apply := func(int, error) { calls++ }

	assert.True(t, Go(g, tok, "A", work, apply))
	assert.False(t, Go(g, tok, "A", work, apply), "duplicate while outstanding")
	assert.True(t, Go(g, tok, "B", work, apply))
	assert.Equal(t, 2, g.Outstanding())

	close(release)
	runUntil(t, l, func() bool { return calls == 2 })

	assert.True(t, Go(g, tok, "A", func(context.Context) (int, error) { return 1, nil }, apply),
		"same key is allowed again once settled")
	runUntil(t, l, func() bool { return calls == 3 })
}

func TestGo_InvalidTokenNeverRuns(t *testing.T) {
	stale := &staleCounter{}
	g := New("selection", runloop.New(nil), stale, nil)
	tok := g.Next()
	g.Close()
	ran := false
	assert.False(t, Go(g, tok, "A", func(context.Context) (int, error) {
		ran = true
		return 0, nil
	}, func(int, error) {}))
	assert.False(t, ran)
	assert.Equal(t, 1, stale.count("selection"))

	late := g.Next()
	assert.Error(t, late.Context().Err(), "tokens issued after close are cancelled")
}
