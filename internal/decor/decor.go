// Package decor loads a selected member's decorations: their posts
// ("planets") and the engagement beams between them and other members.
//
// Cache access happens on the run loop (Cached, Store); Fetch is the only
// part that runs off the loop and touches nothing shared.
package decor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/starfield/api"
	"github.com/agentic-research/starfield/internal/cache"
	"github.com/agentic-research/starfield/internal/fault"
)

// Source is the subset of the remote client decorations need.
type Source interface {
	PostsByCreator(ctx context.Context, memberID string, limit int) ([]api.Post, error)
	CommentsByAuthor(ctx context.Context, memberID string, limit int) ([]api.Comment, error)
	CommentsOnCreator(ctx context.Context, memberID string, limit int) ([]api.Comment, error)
}

// Config bounds what is fetched per member.
type Config struct {
	MaxPosts int `yaml:"max_posts" validate:"gt=0"`
	// MaxComments bounds the comments aggregated into beams, per direction.
	MaxComments int `yaml:"max_comments" validate:"gt=0"`
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{MaxPosts: 60, MaxComments: 500}
}

// Decorations is everything drawn around one selected member.
type Decorations struct {
	MemberID string
	Posts    []api.Post
	Beams    []api.Beam

	HavePosts bool
	HaveBeams bool
}

// Complete reports whether both parts are present.
func (d Decorations) Complete() bool { return d.HavePosts && d.HaveBeams }

// Loader serves decorations from the cache layer and fetches what is missing.
type Loader struct {
	cfg    Config
	src    Source
	layer  *cache.Layer
	logger *zap.Logger
}

// NewLoader creates a loader.
func NewLoader(cfg Config, src Source, layer *cache.Layer, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{cfg: cfg, src: src, layer: layer, logger: logger.Named("decor")}
}

// Cached returns whatever the caches hold for memberID.
func (l *Loader) Cached(memberID string) Decorations {
	d := Decorations{MemberID: memberID}
	if posts, ok := l.layer.Posts.Get(memberID); ok {
		d.Posts, d.HavePosts = posts, true
	}
	if beams, ok := l.layer.Engagement.Get(memberID); ok {
		d.Beams, d.HaveBeams = beams, true
	}
	return d
}

// Fetch loads the parts missing from have. A member the service does not
// know yields empty parts rather than an error.
func (l *Loader) Fetch(ctx context.Context, have Decorations) (Decorations, error) {
	d := have
	g, ctx := errgroup.WithContext(ctx)

	if !have.HavePosts {
		g.Go(func() error {
			posts, err := l.src.PostsByCreator(ctx, have.MemberID, l.cfg.MaxPosts)
			if err != nil && !errors.Is(err, fault.ErrNotFound) {
				return fmt.Errorf("posts of %s: %w", have.MemberID, err)
			}
			d.Posts, d.HavePosts = posts, true
			return nil
		})
	}

	var out, in []api.Comment
	if !have.HaveBeams {
		g.Go(func() error {
			c, err := l.src.CommentsByAuthor(ctx, have.MemberID, l.cfg.MaxComments)
			if err != nil && !errors.Is(err, fault.ErrNotFound) {
				return fmt.Errorf("comments by %s: %w", have.MemberID, err)
			}
			out = c
			return nil
		})
		g.Go(func() error {
			c, err := l.src.CommentsOnCreator(ctx, have.MemberID, l.cfg.MaxComments)
			if err != nil && !errors.Is(err, fault.ErrNotFound) {
				return fmt.Errorf("comments on %s: %w", have.MemberID, err)
			}
			in = c
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return have, err
	}
	if !have.HaveBeams {
		d.Beams = Aggregate(have.MemberID, out, in, l.cfg.MaxComments)
		d.HaveBeams = true
	}
	return d, nil
}

// Store writes freshly fetched parts into the caches.
func (l *Loader) Store(d Decorations) {
	if d.MemberID == "" {
		return
	}
	if d.HavePosts {
		l.layer.SetPosts(d.MemberID, d.Posts)
	}
	if d.HaveBeams {
		l.layer.Engagement.Set(d.MemberID, d.Beams)
	}
	l.layer.Posts.EvictIfOverCapacity()
	l.layer.Engagement.EvictIfOverCapacity()
}

// Aggregate turns comments into beams around memberID. out are comments the
// member wrote (beams member -> post creator), in are comments on the
// member's posts (beams commenter -> member). At most maxComments of each are
// counted. Self-engagement is ignored. Beams are ordered by strength, then ids.
func Aggregate(memberID string, out, in []api.Comment, maxComments int) []api.Beam {
	type pair struct{ src, dst string }
	counts := make(map[pair]int)

	for i, c := range out {
		if i >= maxComments {
			break
		}
		if c.PostCreatorID == "" || c.PostCreatorID == memberID {
			continue
		}
		counts[pair{memberID, c.PostCreatorID}]++
	}
	for i, c := range in {
		if i >= maxComments {
			break
		}
		if c.AuthorID == "" || c.AuthorID == memberID {
			continue
		}
		counts[pair{c.AuthorID, memberID}]++
	}

	beams := make([]api.Beam, 0, len(counts))
	for p, n := range counts {
		beams = append(beams, api.Beam{Source: p.src, Target: p.dst, Strength: n})
	}
	slices.SortFunc(beams, func(a, b api.Beam) int {
		if c := cmp.Compare(b.Strength, a.Strength); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Source, b.Source); c != 0 {
			return c
		}
		return cmp.Compare(a.Target, b.Target)
	})
	return beams
}
