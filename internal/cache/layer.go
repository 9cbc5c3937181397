package cache

import (
	"time"

	"github.com/agentic-research/starfield/api"
	"github.com/agentic-research/starfield/internal/media"
)

// Cache names, used as metric labels.
const (
	NameSearch      = "search"
	NameImages      = "images"
	NamePosts       = "posts"
	NameEngagement  = "engagement"
	NameProfilePics = "profile_pics"
)

// Config holds the policy of each cache in the layer.
type Config struct {
	Search      Policy `yaml:"search"`
	Images      Policy `yaml:"images"`
	Posts       Policy `yaml:"posts"`
	Engagement  Policy `yaml:"engagement"`
	ProfilePics Policy `yaml:"profile_pics"`
}

// DefaultConfig returns the production policies.
func DefaultConfig() Config {
	return Config{
		Search:      Policy{TTL: 5 * time.Minute, Cap: 30, Version: 1},
		Images:      Policy{Cap: 80, Version: 1},
		Posts:       Policy{TTL: 60 * time.Minute, Cap: 10, Version: 1},
		Engagement:  Policy{TTL: 60 * time.Minute, Cap: 12, Version: 1},
		ProfilePics: Policy{Version: 1},
	}
}

// Layer groups the five caches the engine uses.
//
// Posts carries a side table of per-post metadata, keyed by post id, that is
// populated with each member's posts and cascade-deleted when that member's
// entry leaves the posts cache.
type Layer struct {
	Search      *Cache[string, []api.SearchHit]
	Images      *Cache[string, *media.Image]
	Posts       *Cache[string, []api.Post]
	Engagement  *Cache[string, []api.Beam]
	ProfilePics *Cache[string, string]

	postMeta map[string]api.Post
}

// NewLayer builds the five caches. now may be nil.
func NewLayer(cfg Config, observer Observer, now func() time.Time) *Layer {
	if now == nil {
		now = time.Now
	}
	l := &Layer{postMeta: make(map[string]api.Post)}

	cfg.Search.Name = NameSearch
	cfg.Images.Name = NameImages
	cfg.Posts.Name = NamePosts
	cfg.Engagement.Name = NameEngagement
	cfg.ProfilePics.Name = NameProfilePics

	l.Search = New(cfg.Search,
		WithClock[string, []api.SearchHit](now),
		WithObserver[string, []api.SearchHit](observer))
	l.Images = New(cfg.Images,
		WithClock[string, *media.Image](now),
		WithObserver[string, *media.Image](observer),
		WithOnEvict(func(_ string, img *media.Image) { img.Release() }))
	l.Posts = New(cfg.Posts,
		WithClock[string, []api.Post](now),
		WithObserver[string, []api.Post](observer),
		WithOnEvict(func(_ string, posts []api.Post) {
			for _, p := range posts {
				delete(l.postMeta, p.ID)
			}
		}))
	l.Engagement = New(cfg.Engagement,
		WithClock[string, []api.Beam](now),
		WithObserver[string, []api.Beam](observer))
	l.ProfilePics = New(cfg.ProfilePics,
		WithClock[string, string](now),
		WithObserver[string, string](observer))
	return l
}

// SetPosts stores a member's posts and indexes each post's metadata.
func (l *Layer) SetPosts(memberID string, posts []api.Post) {
	l.Posts.Set(memberID, posts)
	for _, p := range posts {
		l.postMeta[p.ID] = p
	}
}

// PostMeta returns the metadata of a post held by the posts cache.
func (l *Layer) PostMeta(postID string) (api.Post, bool) {
	p, ok := l.postMeta[postID]
	return p, ok
}

// PostMetaLen returns the size of the post metadata side table.
func (l *Layer) PostMetaLen() int { return len(l.postMeta) }

// Purge empties every cache, releasing image handles.
func (l *Layer) Purge() {
	l.Search.Purge()
	l.Images.Purge()
	l.Posts.Purge()
	l.Engagement.Purge()
	l.ProfilePics.Purge()
}
