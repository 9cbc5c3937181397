package decor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/starfield/api"
	"github.com/agentic-research/starfield/internal/cache"
	"github.com/agentic-research/starfield/internal/fault"
)

type fakeSource struct {
	posts map[string][]api.Post
	out   map[string][]api.Comment
	in    map[string][]api.Comment
	err   error
	calls atomic.Int32
}

func (f *fakeSource) PostsByCreator(_ context.Context, id string, _ int) ([]api.Post, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.posts[id]
	if !ok {
		return nil, fault.ErrNotFound
	}
	return p, nil
}

func (f *fakeSource) CommentsByAuthor(_ context.Context, id string, _ int) ([]api.Comment, error) {
	f.calls.Add(1)
	return f.out[id], nil
}

func (f *fakeSource) CommentsOnCreator(_ context.Context, id string, _ int) ([]api.Comment, error) {
	f.calls.Add(1)
	return f.in[id], nil
}

func comment(author, creator string) api.Comment {
	return api.Comment{AuthorID: author, PostCreatorID: creator}
}

func TestAggregate(t *testing.T) {
	out := []api.Comment{comment("alice", "bob"), comment("alice", "bob"), comment("alice", "carol"), comment("alice", "alice")}
	in := []api.Comment{comment("dave", "alice"), comment("", "alice")}

	beams := Aggregate("alice", out, in, 100)
	assert.Equal(t, []api.Beam{
		{Source: "alice", Target: "bob", Strength: 2},
		{Source: "alice", Target: "carol", Strength: 1},
		{Source: "dave", Target: "alice", Strength: 1},
	}, beams)

	bounded := Aggregate("alice", out, in, 1)
	assert.Equal(t, []api.Beam{
		{Source: "alice", Target: "bob", Strength: 1},
		{Source: "dave", Target: "alice", Strength: 1},
	}, bounded)

	assert.Empty(t, Aggregate("alice", nil, nil, 10))
}

func TestLoader_FetchStoresAndServesFromCache(t *testing.T) {
	src := &fakeSource{
		posts: map[string][]api.Post{"alice": {{ID: "p1", CreatorID: "alice"}, {ID: "p2", CreatorID: "alice"}}},
		out:   map[string][]api.Comment{"alice": {comment("alice", "bob")}},
	}
	layer := cache.NewLayer(cache.DefaultConfig(), nil, nil)
	l := NewLoader(DefaultConfig(), src, layer, nil)

	have := l.Cached("alice")
	assert.False(t, have.HavePosts)
	assert.False(t, have.Complete())

	d, err := l.Fetch(context.Background(), have)
	require.NoError(t, err)
	assert.True(t, d.Complete())
	assert.Len(t, d.Posts, 2)
	assert.Equal(t, []api.Beam{{Source: "alice", Target: "bob", Strength: 1}}, d.Beams)
	assert.EqualValues(t, 3, src.calls.Load())

	l.Store(d)
	cached := l.Cached("alice")
	assert.True(t, cached.Complete())
	assert.Equal(t, d.Posts, cached.Posts)
	_, ok := layer.PostMeta("p2")
	assert.True(t, ok)

	again, err := l.Fetch(context.Background(), cached)
	require.NoError(t, err)
	assert.Equal(t, cached, again)
	assert.EqualValues(t, 3, src.calls.Load(), "complete cache hit never touches the network")
}

func TestLoader_UnknownMemberIsEmpty(t *testing.T) {
	l := NewLoader(DefaultConfig(), &fakeSource{}, cache.NewLayer(cache.DefaultConfig(), nil, nil), nil)
	d, err := l.Fetch(context.Background(), Decorations{MemberID: "ghost"})
	require.NoError(t, err)
	assert.True(t, d.Complete())
	assert.Empty(t, d.Posts)
	assert.Empty(t, d.Beams)
}

func TestLoader_FetchError(t *testing.T) {
	boom := errors.New("boom")
	l := NewLoader(DefaultConfig(), &fakeSource{err: boom}, cache.NewLayer(cache.DefaultConfig(), nil, nil), nil)
	have := Decorations{MemberID: "alice"}
	d, err := l.Fetch(context.Background(), have)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, have, d)
}

func TestLoader_StoreRespectsCaps(t *testing.T) {
	layer := cache.NewLayer(cache.DefaultConfig(), nil, nil)
	l := NewLoader(DefaultConfig(), &fakeSource{}, layer, nil)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"} {
		l.Store(Decorations{MemberID: id, HavePosts: true, Posts: []api.Post{{ID: "p-" + id}}, HaveBeams: true})
	}
	assert.Equal(t, 10, layer.Posts.Len())
	assert.False(t, layer.Posts.Contains("a"), "earliest inserted is evicted")
	_, ok := layer.PostMeta("p-a")
	assert.False(t, ok, "post metadata is cascade-deleted")
	assert.Equal(t, 11, layer.Engagement.Len())
}
