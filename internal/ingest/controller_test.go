package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/starfield/api"
	"github.com/agentic-research/starfield/internal/entity"
	"github.com/agentic-research/starfield/internal/fault"
	"github.com/agentic-research/starfield/internal/kv"
	"github.com/agentic-research/starfield/internal/layout"
	"github.com/agentic-research/starfield/internal/runloop"
)

type fakeSource struct {
	mu       sync.Mutex
	primary  []api.MemberRecord
	fallback []api.MemberRecord
	posts    []api.Post
	comments []api.Comment

	// memberErr fails the members request for "shape@skip".
	memberErr map[string]error
	// repeat serves the first page for every skip.
	repeat bool
	// gate blocks member requests until closed.
	gate chan struct{}

	memberCalls []string
}

func page[T any](all []T, skip, limit int) []T {
	if skip >= len(all) {
		return nil
	}
	end := min(skip+limit, len(all))
	return append([]T(nil), all[skip:end]...)
}

func (f *fakeSource) Members(ctx context.Context, shape api.Shape, skip, limit int) ([]api.MemberRecord, int, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	call := fmt.Sprintf("%s@%d", shape.Name, skip)
	f.memberCalls = append(f.memberCalls, call)
	if err := f.memberErr[call]; err != nil {
		return nil, 0, err
	}
	src := f.primary
	if shape.Name == api.MemberFallback.Name {
		src = f.fallback
	}
	if f.repeat {
		skip = 0
	}
	p := page(src, skip, limit)
	return p, len(p), nil
}

func (f *fakeSource) Posts(_ context.Context, skip, limit int) ([]api.Post, int, error) {
	p := page(f.posts, skip, limit)
	return p, len(p), nil
}

func (f *fakeSource) Comments(_ context.Context, skip, limit int) ([]api.Comment, int, error) {
	p := page(f.comments, skip, limit)
	return p, len(p), nil
}

func members(prefix string, n int) []api.MemberRecord {
	out := make([]api.MemberRecord, n)
	for i := range out {
		out[i] = api.MemberRecord{ID: fmt.Sprintf("%s%d", prefix, i), Username: fmt.Sprintf("%s_name_%d", prefix, i)}
	}
	return out
}

type harness struct {
	loop  *runloop.Loop
	kv    *kv.Store
	store *entity.Store
	src   *fakeSource
	ctl   *Controller
	seen  []Status
}

func newHarness(t *testing.T, src *fakeSource, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PageSize = 10
	cfg.ResumeDelay = 5 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	db, err := kv.Open(filepath.Join(t.TempDir(), "kv.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{loop: runloop.New(nil), kv: db, store: entity.NewStore(0), src: src}
	t.Cleanup(h.loop.Close)
	h.ctl = New(cfg, Deps{
		Loop:         h.loop,
		Source:       src,
		KV:           db,
		Store:        h.store,
		Oracle:       layout.SeedOracle{},
		LayoutParams: layout.DefaultParams(),
	}, Cursor{})
	h.ctl.OnStatus(func(s Status) { h.seen = append(h.seen, s) })
	return h
}

func (h *harness) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.loop.RunUntil(ctx, cond))
}

func (h *harness) runToState(t *testing.T, states ...State) {
	t.Helper()
	h.runUntil(t, func() bool {
		for _, s := range states {
			if h.ctl.State() == s {
				return true
			}
		}
		return false
	})
}

func TestController_FirstPageOfThree(t *testing.T) {
	h := newHarness(t, &fakeSource{primary: members("m", 3)}, nil)
	h.loop.Post(h.ctl.Start)
	h.runUntil(t, func() bool { return h.ctl.Cursor().UserSkip > 0 })

	assert.Equal(t, 3, h.store.Len())
	assert.Equal(t, 3, h.ctl.Cursor().TotalMembers)
	assert.Equal(t, 3, h.store.PositionedCount(), "incremental layout places new members")

	persisted, ok, err := LoadCursor(h.kv)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, persisted.TotalMembers)
	assert.Equal(t, 3, persisted.UserSkip)
}

func TestController_RunsToComplete(t *testing.T) {
	src := &fakeSource{
		primary: members("m", 25),
		posts: []api.Post{
			{ID: "p1", CreatorID: "m0"}, {ID: "p2", CreatorID: "m0"}, {ID: "p3", CreatorID: "m1"},
		},
		comments: []api.Comment{
			{ID: "c1", AuthorID: "m1", PostCreatorID: "m0"},
		},
	}
	h := newHarness(t, src, nil)
	h.loop.Post(h.ctl.Start)
	h.runToState(t, Complete, Error)

	require.Equal(t, Complete, h.ctl.State())
	c := h.ctl.Cursor()
	assert.True(t, c.IsComplete)
	assert.Equal(t, StageDone, c.Stage)
	assert.Equal(t, 25, c.UserSkip)
	assert.Equal(t, 3, c.PostSkip)
	assert.Equal(t, 1, c.CommentSkip)
	assert.Equal(t, 25, c.TotalMembers)
	assert.Equal(t, api.MemberPrimary.Name, c.Shape)

	m0, _ := h.store.Get("m0")
	m1, _ := h.store.Get("m1")
	assert.Equal(t, 2, m0.PostCount)
	assert.Equal(t, 1, m1.PostCount)
	assert.Equal(t, 1, m1.CommentCount)
	assert.Equal(t, float32(1), m0.ActivityScore)
	assert.Equal(t, 25, h.store.PositionedCount())
}

func TestController_FallbackShapeOnEmptyFirstPage(t *testing.T) {
	src := &fakeSource{fallback: members("f", 2)}
	h := newHarness(t, src, nil)
	h.loop.Post(h.ctl.Start)
	h.runToState(t, Complete, Error)

	assert.Equal(t, 2, h.store.Len())
	assert.Equal(t, api.MemberFallback.Name, h.ctl.Cursor().Shape)
	require.GreaterOrEqual(t, len(src.memberCalls), 2)
	assert.Equal(t, "member-primary@0", src.memberCalls[0])
	assert.Equal(t, "member-fallback@0", src.memberCalls[1])
}

func TestController_FallbackShapeOnFirstPageError(t *testing.T) {
	src := &fakeSource{
		primary:   members("m", 3),
		fallback:  members("f", 2),
		memberErr: map[string]error{"member-primary@0": fmt.Errorf("page: %w", fault.ErrSchemaMismatch)},
	}
	h := newHarness(t, src, nil)
	h.loop.Post(h.ctl.Start)
	h.runToState(t, Complete, Error)

	assert.Equal(t, Complete, h.ctl.State())
	assert.Equal(t, 2, h.store.Len())
	_, ok := h.store.Get("f0")
	assert.True(t, ok)
}

func TestController_FallbackTriedOnlyOnce(t *testing.T) {
	boom := fmt.Errorf("page: %w", fault.ErrTransientNetwork)
	src := &fakeSource{
		memberErr: map[string]error{"member-primary@0": boom, "member-fallback@0": boom},
	}
	h := newHarness(t, src, nil)
	h.loop.Post(h.ctl.Start)
	h.runToState(t, Error, Complete)

	assert.Equal(t, Error, h.ctl.State())
	assert.Equal(t, []string{"member-primary@0", "member-fallback@0"}, src.memberCalls)
	assert.Equal(t, 0, h.store.Len())
}

func TestController_ReplayedPageIsIdempotent(t *testing.T) {
	src := &fakeSource{primary: members("m", 4), repeat: true}
	h := newHarness(t, src, func(c *Config) { c.PageSize = 4 })
	h.loop.Post(h.ctl.Start)
	h.runToState(t, Complete, Error)

	assert.Equal(t, 4, h.store.Len())
	assert.Equal(t, 4, h.store.Known())
	assert.Equal(t, 4, h.ctl.Cursor().TotalMembers)
}

func TestController_UpdatesKnownMembersWithoutMovingThem(t *testing.T) {
	src := &fakeSource{primary: members("m", 2)}
	h := newHarness(t, src, nil)
	_, _, err := h.store.Append(entity.Member{ID: "m0", Username: "old"})
	require.NoError(t, err)
	pos := layout.SeedToPos("m0", 10)
	require.NoError(t, h.store.Update("m0", entity.Patch{Position: &pos}))

	h.loop.Post(h.ctl.Start)
	h.runUntil(t, func() bool { return h.ctl.Cursor().UserSkip > 0 })

	m0, _ := h.store.Get("m0")
	assert.Equal(t, "m_name_0", m0.Username)
	assert.Equal(t, pos, m0.Position)
	assert.Equal(t, 2, h.store.Len())
}

func TestController_PausesAtPageCapAndResumes(t *testing.T) {
	src := &fakeSource{primary: members("m", 5)}
	h := newHarness(t, src, func(c *Config) {
		c.PageSize = 2
		c.MaxPagesPerInvocation = 1
	})
	h.loop.Post(h.ctl.Start)
	h.runToState(t, Paused)
	assert.Equal(t, "page cap", h.ctl.Status().Reason)
	assert.Equal(t, 2, h.store.Len())
	firstRun := h.ctl.Status().RunID

	h.runToState(t, Complete, Error)
	assert.Equal(t, Complete, h.ctl.State())
	assert.Equal(t, 5, h.store.Len())
	assert.NotEqual(t, firstRun, h.ctl.Status().RunID)
}

func TestController_SessionCapDoesNotReschedule(t *testing.T) {
	src := &fakeSource{primary: members("m", 10)}
	h := newHarness(t, src, func(c *Config) {
		c.PageSize = 3
		c.SessionMemberCap = 3
	})
	h.loop.Post(h.ctl.Start)
	h.runToState(t, Paused)
	assert.Equal(t, "session member cap", h.ctl.Status().Reason)

	time.Sleep(30 * time.Millisecond)
	h.loop.Drain()
	assert.Equal(t, Paused, h.ctl.State())
	assert.Equal(t, 3, h.store.Len())
}

func TestController_NetworkErrorKeepsLastGoodCursor(t *testing.T) {
	src := &fakeSource{
		primary:   members("m", 6),
		memberErr: map[string]error{"member-primary@2": fmt.Errorf("page: %w", fault.ErrTransientNetwork)},
	}
	h := newHarness(t, src, func(c *Config) { c.PageSize = 2 })
	h.loop.Post(h.ctl.Start)
	h.runToState(t, Error, Complete)

	require.Equal(t, Error, h.ctl.State())
	assert.ErrorIs(t, h.ctl.Status().Err, fault.ErrTransientNetwork)
	assert.Equal(t, 2, h.ctl.Cursor().UserSkip)
	assert.Equal(t, 2, h.store.Len())

	persisted, ok, err := LoadCursor(h.kv)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, persisted.UserSkip)

	// A later invocation resumes from the persisted cursor.
	src.mu.Lock()
	delete(src.memberErr, "member-primary@2")
	src.mu.Unlock()
	h.loop.Post(h.ctl.Start)
	h.runToState(t, Complete)
	assert.Equal(t, 6, h.store.Len())
}

func TestController_StopDiscardsInflightPage(t *testing.T) {
	src := &fakeSource{primary: members("m", 3), gate: make(chan struct{})}
	h := newHarness(t, src, nil)
	h.loop.Post(h.ctl.Start)
	h.loop.Drain()
	require.Equal(t, FetchingPage, h.ctl.State())

	h.ctl.Stop()
	close(src.gate)
	time.Sleep(20 * time.Millisecond)
	h.loop.Drain()

	assert.Equal(t, Idle, h.ctl.State())
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, 0, h.ctl.Cursor().UserSkip)
}

func TestController_ResetJobState(t *testing.T) {
	src := &fakeSource{primary: members("m", 3)}
	h := newHarness(t, src, nil)
	h.loop.Post(h.ctl.Start)
	h.runToState(t, Complete)

	require.NoError(t, h.ctl.ResetJobState())
	assert.Equal(t, Idle, h.ctl.State())
	assert.Equal(t, Cursor{}, h.ctl.Cursor())
	_, ok, err := LoadCursor(h.kv)
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-ingesting over a populated store pages through instead of stopping
	// at the first page of known members.
	src.primary = append(src.primary, members("z", 2)...)
	h.loop.Post(h.ctl.Start)
	h.runToState(t, Complete)
	assert.Equal(t, 5, h.store.Len())
	assert.Equal(t, 5, h.ctl.Cursor().UserSkip)
}

func TestController_ResetJobStateReplaysActivityOnce(t *testing.T) {
	src := &fakeSource{
		primary: members("m", 2),
		posts: []api.Post{
			{ID: "p1", CreatorID: "m0"},
			{ID: "p2", CreatorID: "m0"},
			{ID: "p3", CreatorID: "m1"},
		},
		comments: []api.Comment{{ID: "c1", AuthorID: "m1"}},
	}
	h := newHarness(t, src, nil)
	h.loop.Post(h.ctl.Start)
	h.runToState(t, Complete)

	m0, _ := h.store.Get("m0")
	assert.Equal(t, 2, m0.PostCount)

	require.NoError(t, h.ctl.ResetJobState())
	h.loop.Post(h.ctl.Start)
	h.runToState(t, Complete)

	m0, _ = h.store.Get("m0")
	m1, _ := h.store.Get("m1")
	assert.Equal(t, 2, m0.PostCount)
	assert.Equal(t, 1, m1.PostCount)
	assert.Equal(t, 1, m1.CommentCount)
}

func TestController_StatusObservers(t *testing.T) {
	h := newHarness(t, &fakeSource{primary: members("m", 1)}, nil)
	h.loop.Post(h.ctl.Start)
	h.runToState(t, Complete)

	require.NotEmpty(t, h.seen)
	assert.Equal(t, FetchingPage, h.seen[0].State)
	assert.Equal(t, Complete, h.seen[len(h.seen)-1].State)
	assert.NotEmpty(t, h.seen[0].RunID)
}

func TestController_CompleteCursorIsNoop(t *testing.T) {
	src := &fakeSource{primary: members("m", 3)}
	h := newHarness(t, src, nil)
	h.ctl = New(DefaultConfig(), h.ctl.deps, Cursor{IsComplete: true, Stage: StageDone})
	h.ctl.Start()
	assert.Equal(t, Complete, h.ctl.State())
	assert.Empty(t, src.memberCalls)
}
