// Package guard issues generation tokens for user-initiated async work.
//
// Each user action that starts network work (a selection, a search keystroke)
// takes a fresh token from its guard. Taking a token cancels the previous one,
// and a result is applied on the run loop only if the token that requested it
// is still current. Results from superseded tokens are counted and dropped.
package guard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentic-research/starfield/internal/fault"
	"github.com/agentic-research/starfield/internal/runloop"
)

// StaleRecorder counts discarded results. *metrics.Metrics satisfies it.
type StaleRecorder interface {
	Stale(guard string)
}

// Guard owns one generation counter.
type Guard struct {
	name   string
	poster runloop.Poster
	stale  StaleRecorder
	logger *zap.Logger

	gen atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	pending map[string]struct{}
	closed  bool
}

// New creates a guard whose results are applied through poster.
func New(name string, poster runloop.Poster, stale StaleRecorder, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		name:    name,
		poster:  poster,
		stale:   stale,
		logger:  logger.Named("guard").With(zap.String("guard", name)),
		pending: make(map[string]struct{}),
	}
}

// Name returns the guard's name.
func (g *Guard) Name() string { return g.name }

// Token identifies one generation of a guard.
type Token struct {
	g   *Guard
	gen uint64
	ctx context.Context
}

// Valid reports whether no newer token has been issued and the guard has not
// been cancelled since t was issued. The zero Token is never valid.
func (t Token) Valid() bool {
	return t.g != nil && t.g.gen.Load() == t.gen
}

// Generation returns the token's generation number.
func (t Token) Generation() uint64 { return t.gen }

// Context is cancelled once the token is superseded.
func (t Token) Context() context.Context {
	if t.ctx == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return t.ctx
}

// Next invalidates the current token, cancels its context and issues a new one.
func (g *Guard) Next() Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	if g.closed {
		cancel()
	}
	return Token{g: g, gen: g.gen.Add(1), ctx: ctx}
}

// Cancel invalidates the current token without issuing a new one.
func (g *Guard) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen.Add(1)
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
}

// Close cancels outstanding work; later tokens are born cancelled.
func (g *Guard) Close() {
	g.Cancel()
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Current returns the current generation.
func (g *Guard) Current() uint64 { return g.gen.Load() }

// Outstanding returns the number of requests in flight.
func (g *Guard) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Check returns fault.ErrStaleResult (and counts it) if tok is no longer current.
// Code that applies results without Go uses it as its gate.
func (g *Guard) Check(tok Token) error {
	if tok.Valid() {
		return nil
	}
	g.discard()
	return fmt.Errorf("%s generation %d: %w", g.name, tok.gen, fault.ErrStaleResult)
}

func (g *Guard) discard() {
	if g.stale != nil {
		g.stale.Stale(g.name)
	}
	g.logger.Debug("stale result discarded")
}

// Releaser is a result holding resources that are freed when nobody applies it.
type Releaser interface {
	Release()
}

// Go runs work off the loop with the token's context and then posts apply
// to the loop if tok is still current. A discarded result that implements
// Releaser is released. A second request for the same key under the same
// token while the first is outstanding is suppressed, and Go reports false.
func Go[T any](g *Guard, tok Token, key string, work func(context.Context) (T, error), apply func(T, error)) bool {
	if !tok.Valid() {
		g.discard()
		return false
	}
	flight := fmt.Sprintf("%s@%d", key, tok.gen)
	g.mu.Lock()
	if _, dup := g.pending[flight]; dup {
		g.mu.Unlock()
		return false
	}
	g.pending[flight] = struct{}{}
	g.mu.Unlock()

	go func() {
		v, err := work(tok.Context())
		posted := g.poster.Post(func() {
			g.done(flight)
			if g.Check(tok) != nil {
				release(v)
				return
			}
			apply(v, err)
		})
		if !posted {
			g.done(flight)
			release(v)
		}
	}()
	return true
}

func release(v any) {
	if r, ok := v.(Releaser); ok {
		r.Release()
	}
}

func (g *Guard) done(flight string) {
	g.mu.Lock()
	delete(g.pending, flight)
	g.mu.Unlock()
}
