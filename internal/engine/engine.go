// Package engine is the host context: it owns every component, runs them on
// one run loop and exposes the UI event surface.
//
// All On* methods are safe to call from any goroutine; they post onto the
// loop. Everything else in this package runs on the loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cogentcore.org/core/math32"
	"go.uber.org/zap"

	"github.com/agentic-research/starfield/api"
	"github.com/agentic-research/starfield/internal/cache"
	"github.com/agentic-research/starfield/internal/config"
	"github.com/agentic-research/starfield/internal/decor"
	"github.com/agentic-research/starfield/internal/entity"
	"github.com/agentic-research/starfield/internal/events"
	"github.com/agentic-research/starfield/internal/guard"
	"github.com/agentic-research/starfield/internal/ingest"
	"github.com/agentic-research/starfield/internal/kv"
	"github.com/agentic-research/starfield/internal/layout"
	"github.com/agentic-research/starfield/internal/lod"
	"github.com/agentic-research/starfield/internal/media"
	"github.com/agentic-research/starfield/internal/metrics"
	"github.com/agentic-research/starfield/internal/render"
	"github.com/agentic-research/starfield/internal/runloop"
	"github.com/agentic-research/starfield/internal/selection"
	"github.com/agentic-research/starfield/internal/snapshot"
)

// Remote is everything the engine asks of the data service.
// *remote.Client satisfies it.
type Remote interface {
	ingest.Source
	decor.Source
	MemberByID(ctx context.Context, id string) (api.MemberRecord, error)
	MemberByUsername(ctx context.Context, usernameLower string) (api.MemberRecord, error)
	SearchMembers(ctx context.Context, prefix string, limit int) ([]api.MemberRecord, error)
}

// Images fetches and decodes pictures. *media.Loader satisfies it.
type Images interface {
	Load(ctx context.Context, url string) (*media.Image, error)
}

// Deps are the engine's external collaborators.
type Deps struct {
	Config  config.Config
	KV      *kv.Store
	Remote  Remote
	Images  Images
	Oracle  layout.Oracle
	Target  render.Target
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// Engine wires the components together.
type Engine struct {
	cfg     config.Config
	loop    *runloop.Loop
	kv      *kv.Store
	remote  Remote
	images  Images
	oracle  layout.Oracle
	metrics *metrics.Metrics
	logger  *zap.Logger

	store      *entity.Store
	caches     *cache.Layer
	persister  *snapshot.Persister
	checkpoint *snapshot.Checkpointer
	ingest     *ingest.Controller
	decor      *decor.Loader
	fsm        *selection.FSM
	builder    *render.Builder
	target     render.Target
	bus        *events.Bus

	selectGuard *guard.Guard
	searchGuard *guard.Guard

	decorations *decor.Decorations
	restored    int
	stopFrames  func()
	closed      bool
}

// New restores persisted state and builds every component. It does not start
// ingestion; call Start.
func New(deps Deps) (*Engine, error) {
	if deps.KV == nil || deps.Remote == nil {
		return nil, errors.New("engine: kv store and remote are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Oracle == nil {
		deps.Oracle = layout.SeedOracle{}
	}
	if deps.Target == nil {
		deps.Target = render.NewRecorder()
	}
	cfg := deps.Config
	logger := deps.Logger.Named("engine")

	e := &Engine{
		cfg:     cfg,
		loop:    runloop.New(deps.Logger),
		kv:      deps.KV,
		remote:  deps.Remote,
		images:  deps.Images,
		oracle:  deps.Oracle,
		metrics: deps.Metrics,
		logger:  logger,
		target:  deps.Target,
		bus:     events.NewBus(),
	}
	e.caches = cache.NewLayer(cfg.Cache, deps.Metrics, deps.Now)
	e.persister = snapshot.NewPersister(cfg.Snapshot, deps.KV, deps.Metrics, deps.Logger)

	cursor := e.restore()

	e.ingest = ingest.New(cfg.Ingest, ingest.Deps{
		Loop:         e.loop,
		Source:       deps.Remote,
		KV:           deps.KV,
		Store:        e.store,
		Oracle:       deps.Oracle,
		LayoutParams: cfg.Layout,
		ProfilePics:  e.caches.ProfilePics,
		Metrics:      deps.Metrics,
		Logger:       deps.Logger,
	}, cursor)
	e.ingest.OnStatus(e.onJobStatus)

	e.checkpoint = snapshot.NewCheckpointer(e.save, e.loop, deps.Logger)

	e.selectGuard = guard.New("selection", e.loop, deps.Metrics, deps.Logger)
	e.searchGuard = guard.New("search", e.loop, deps.Metrics, deps.Logger)

	e.decor = decor.NewLoader(cfg.Decor, deps.Remote, e.caches, deps.Logger)
	e.fsm = selection.New(cfg.Selection, e.selectGuard, locator{e}, decorator{e}, deps.Logger)
	e.fsm.OnTransition(e.onTransition)
	e.builder = render.NewBuilder(e.store, e.caches, lod.New(cfg.LOD), deps.Target)
	return e, nil
}

// restore loads the snapshot, cursor and navigation mirror and returns the
// cursor ingestion resumes from.
func (e *Engine) restore() ingest.Cursor {
	e.store = entity.NewStore(e.cfg.Store.RenderCap)

	snap, err := e.persister.Load()
	if err != nil {
		e.logger.Warn("snapshot discarded", zap.Error(err))
		snap = nil
	}
	var snapCursor *ingest.Cursor
	if snap != nil {
		store, err := snapshot.Restore(snap, e.cfg.Store.RenderCap)
		if err != nil {
			e.logger.Warn("snapshot restore failed", zap.Error(err))
		} else {
			e.store = store
			e.restored = store.Known()
			snapCursor = &snap.Cursor
		}
	}

	var persisted *ingest.Cursor
	if c, ok, err := ingest.LoadCursor(e.kv); err != nil {
		e.logger.Warn("cursor discarded", zap.Error(err))
	} else if ok {
		persisted = &c
	}
	cursor := ingest.Reconcile(persisted, snapCursor, e.restored)

	if n, err := e.persister.LoadNav(e.caches); err != nil {
		e.logger.Warn("navigation cache discarded", zap.Error(err))
	} else if n > 0 {
		e.logger.Debug("navigation cache restored", zap.Int("entries", n))
	}

	e.logger.Info("state restored",
		zap.Int("members", e.restored),
		zap.Int("user_skip", cursor.UserSkip),
		zap.Stringer("stage", cursor.Stage),
		zap.Bool("complete", cursor.IsComplete),
	)
	return cursor
}

// Loop returns the run loop every mutation happens on.
func (e *Engine) Loop() *runloop.Loop { return e.loop }

// Events returns the output bus.
func (e *Engine) Events() *events.Bus { return e.bus }

// Store returns the entity store. Only read it on the loop.
func (e *Engine) Store() *entity.Store { return e.store }

// Caches returns the cache layer. Only use it on the loop.
func (e *Engine) Caches() *cache.Layer { return e.caches }

// Restored returns how many members were restored from the snapshot.
func (e *Engine) Restored() int { return e.restored }

// Start begins ingestion and checkpointing. It must run on the loop or
// before Run.
func (e *Engine) Start() {
	e.checkpoint.Start(e.cfg.Snapshot.CheckpointInterval)
	if e.store.Known() > 0 {
		e.fsm.DatasetReady()
	}
	e.ingest.Start()
}

// Run drives frames at the configured interval and executes loop work until
// ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.Engine.FrameInterval
	last := time.Now()
	e.stopFrames = e.loop.Every(interval, func() {
		now := time.Now()
		e.Frame(now.Sub(last))
		last = now
	})
	err := e.loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops ingestion and outstanding work, writes a final snapshot and
// closes the loop. Call it after Run has returned.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.stopFrames != nil {
		e.stopFrames()
	}
	e.ingest.Stop()
	e.selectGuard.Close()
	e.searchGuard.Close()
	e.loop.Drain()
	e.checkpoint.RequestSave()
	err := e.checkpoint.Close()
	e.loop.Close()
	return err
}

// Frame advances animations by dt and pushes render sets. It never fails.
func (e *Engine) Frame(dt time.Duration) {
	before := e.fsm.State()
	e.fsm.Tick(dt)
	if before == selection.Traveling || e.fsm.State() == selection.Traveling {
		cam := e.fsm.Camera()
		e.bus.Publish(events.Event{Type: events.TypeCamera, CameraPose: &cam})
	}
	e.builder.Frame(e.scene())
}

func (e *Engine) scene() render.Scene {
	s := render.Scene{Selected: e.fsm.Selected(), Decorations: e.decorations}
	switch e.fsm.State() {
	case selection.PanelOpening, selection.Traveling, selection.Selected:
		s.PanelOpen = true
	}
	return s
}

// OnSearchInput runs a search for text.
func (e *Engine) OnSearchInput(text string) { e.loop.Post(func() { e.search(text) }) }

// OnSelect selects a member by id.
func (e *Engine) OnSelect(id string) { e.loop.Post(func() { e.fsm.Select(id) }) }

// OnClose closes the detail panel.
func (e *Engine) OnClose() { e.loop.Post(e.fsm.Close) }

// DeepLink selects a member by username once the dataset is available.
func (e *Engine) DeepLink(username string) { e.loop.Post(func() { e.fsm.DeepLink(username) }) }

// OnResetJobState discards ingestion progress and starts over.
func (e *Engine) OnResetJobState() {
	e.loop.Post(func() {
		if err := e.ingest.ResetJobState(); err != nil {
			e.logger.Warn("reset job state", zap.Error(err))
		}
		e.ingest.Start()
	})
}

// OnClearSnapshot removes every persisted artifact. The in-memory store is
// kept; ingestion restarts from a fresh cursor.
func (e *Engine) OnClearSnapshot() {
	e.loop.Post(func() {
		e.ingest.Stop()
		if err := e.persister.Clear(); err != nil {
			e.logger.Warn("clear snapshot", zap.Error(err))
		}
		if err := e.ingest.ResetJobState(); err != nil {
			e.logger.Warn("reset job state", zap.Error(err))
		}
		e.restored = 0
		e.ingest.Start()
	})
}

// SaveNow writes a snapshot immediately.
func (e *Engine) SaveNow() error { return e.checkpoint.SaveNow() }

func (e *Engine) save() error {
	if err := e.persister.Save(e.store, e.ingest.Cursor()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := e.persister.SaveNav(e.caches); err != nil {
		e.logger.Debug("navigation cache not saved", zap.Error(err))
	}
	return nil
}

func (e *Engine) onJobStatus(st ingest.Status) {
	e.bus.Publish(events.Event{Type: events.TypeJobStatus, Job: &st})
	switch st.State {
	case ingest.Complete:
		e.fsm.DatasetReady()
		if err := e.checkpoint.SaveNow(); err != nil {
			e.logger.Warn("final snapshot failed", zap.Error(err))
		}
	case ingest.Error, ingest.Paused:
		e.checkpoint.RequestSave()
	default:
		if e.store.Known() > 0 {
			e.fsm.DatasetReady()
		}
		e.checkpoint.RequestSave()
	}
}

func (e *Engine) onTransition(t selection.Transition) {
	e.metrics.Transition(t.To.String())
	e.bus.Publish(events.Event{Type: events.TypeSelection, Selection: &t})
	switch t.To {
	case selection.PanelOpening:
		if t.From == selection.Idle || t.From == selection.Closing {
			e.bus.Publish(events.Event{Type: events.TypePanelVisibility, Panel: &events.PanelVisibility{Open: true, ID: t.ID}})
		}
	case selection.Traveling:
		e.publishDetail(t.ID, nil)
		e.loadAvatar(e.fsm.Token(), t.ID)
	case selection.Idle:
		e.bus.Publish(events.Event{Type: events.TypePanelVisibility, Panel: &events.PanelVisibility{Open: false}})
	}
}

func (e *Engine) publishDetail(id string, d *decor.Decorations) {
	det := &events.Detail{ID: id, Posts: []api.Post{}, Beams: []api.Beam{}}
	m, ok := e.store.Get(id)
	if !ok {
		det.NotFound = true
		det.Initials = media.Initials(id)
	} else {
		det.Username = m.Username
		det.Initials = media.Initials(m.Username)
		det.Risk = m.RiskScore
		det.Activity = m.ActivityScore
		det.Sobriety = m.SobrietyDays
		det.Cluster = m.ClusterLabel
		if url, hit := e.caches.ProfilePics.Get(id); hit {
			det.Image = url
		} else if m.ProfileImageRef != nil {
			det.Image = *m.ProfileImageRef
		}
	}
	if d != nil {
		det.Decorated = true
		if d.Posts != nil {
			det.Posts = d.Posts
		}
		if d.Beams != nil {
			det.Beams = d.Beams
		}
	}
	e.bus.Publish(events.Event{Type: events.TypeDetail, Detail: det})
}

// loadAvatar fetches the selected member's picture into the image cache.
func (e *Engine) loadAvatar(tok guard.Token, id string) {
	if e.images == nil {
		return
	}
	m, ok := e.store.Get(id)
	if !ok || m.ProfileImageRef == nil || *m.ProfileImageRef == "" {
		return
	}
	url := *m.ProfileImageRef
	if e.caches.Images.Contains(url) {
		return
	}
	guard.Go(e.selectGuard, tok, "image:"+url, func(ctx context.Context) (*media.Image, error) {
		return e.images.Load(ctx, url)
	}, func(img *media.Image, err error) {
		if err != nil {
			e.logger.Debug("profile picture unavailable", zap.String("id", id), zap.Error(err))
			return
		}
		e.caches.Images.Set(url, img)
		e.caches.Images.EvictIfOverCapacity()
		e.caches.ProfilePics.Set(id, url)
	})
}

func (e *Engine) search(text string) {
	q := strings.ToLower(strings.TrimSpace(text))
	tok := e.searchGuard.Next()
	if q == "" {
		e.publishSearch(q, nil, "local")
		return
	}
	if hits, ok := e.caches.Search.Get(q); ok {
		e.publishSearch(q, hits, "cache")
		return
	}

	limit := e.cfg.Engine.SearchLimit
	local := e.localHits(q, limit)
	e.publishSearch(q, local, "local")
	if len(local) >= limit || len(q) < e.cfg.Engine.SearchMinChars {
		return
	}

	guard.Go(e.searchGuard, tok, "search:"+q, func(ctx context.Context) ([]api.MemberRecord, error) {
		return e.remote.SearchMembers(ctx, q, limit)
	}, func(recs []api.MemberRecord, err error) {
		if err != nil {
			e.logger.Debug("remote search failed", zap.String("query", q), zap.Error(err))
			return
		}
		hits := e.localHits(q, limit)
		seen := make(map[string]bool, len(hits))
		for _, h := range hits {
			seen[h.ID] = true
		}
		for _, r := range recs {
			if seen[r.ID] || len(hits) >= limit {
				continue
			}
			seen[r.ID] = true
			h := api.SearchHit{ID: r.ID, Username: r.Username, Local: e.store.Has(r.ID)}
			if r.ProfileImageRef != nil {
				h.ProfileImageRef = *r.ProfileImageRef
			}
			hits = append(hits, h)
		}
		e.caches.Search.Set(q, hits)
		e.caches.Search.EvictIfOverCapacity()
		e.publishSearch(q, hits, "remote")
	})
}

func (e *Engine) localHits(q string, limit int) []api.SearchHit {
	members := e.store.SearchUsernames(q, limit)
	hits := make([]api.SearchHit, 0, len(members))
	for _, m := range members {
		h := api.SearchHit{ID: m.ID, Username: m.Username, Local: true}
		if m.ProfileImageRef != nil {
			h.ProfileImageRef = *m.ProfileImageRef
		}
		hits = append(hits, h)
	}
	return hits
}

func (e *Engine) publishSearch(q string, hits []api.SearchHit, source string) {
	if hits == nil {
		hits = []api.SearchHit{}
	}
	e.bus.Publish(events.Event{Type: events.TypeSearchResults, Search: &events.SearchResults{Query: q, Hits: hits, Source: source}})
}

// locator resolves selection targets against the store, then the service.
type locator struct{ e *Engine }

func (l locator) Local(t selection.Target) (string, math32.Vector3, bool) {
	id := t.ID
	if id == "" {
		var ok bool
		if id, ok = l.e.store.ResolveByUsername(t.Username); !ok {
			return "", math32.Vector3{}, false
		}
	}
	m, ok := l.e.store.Get(id)
	if !ok {
		return "", math32.Vector3{}, false
	}
	if !m.HasPosition {
		return id, l.Seed(id), true
	}
	return id, m.Position, true
}

func (l locator) Remote(ctx context.Context, t selection.Target) (api.MemberRecord, error) {
	if t.ID != "" {
		return l.e.remote.MemberByID(ctx, t.ID)
	}
	return l.e.remote.MemberByUsername(ctx, t.Username)
}

// Adopt adds an on-demand lookup to the store at its seed position.
func (l locator) Adopt(rec api.MemberRecord) (math32.Vector3, bool) {
	store := l.e.store
	if !store.Has(rec.ID) {
		m := ingest.MemberFromRecord(rec)
		m.Position = l.Seed(rec.ID)
		m.HasPosition = true
		if _, _, err := store.Append(m); err != nil {
			l.e.logger.Warn("adopt member", zap.String("id", rec.ID), zap.Error(err))
			return math32.Vector3{}, false
		}
	}
	m, _ := store.Get(rec.ID)
	return m.Position, m.HasPosition
}

func (l locator) Seed(id string) math32.Vector3 {
	return l.e.oracle.SeedToPos(id, l.e.cfg.Layout.Radius)
}

// decorator loads decorations under the selection token.
type decorator struct{ e *Engine }

func (d decorator) Load(tok guard.Token, id string) {
	e := d.e
	have := e.decor.Cached(id)
	if have.Complete() {
		e.setDecorations(have)
		return
	}
	guard.Go(e.selectGuard, tok, "decor:"+id, func(ctx context.Context) (decor.Decorations, error) {
		return e.decor.Fetch(ctx, have)
	}, func(got decor.Decorations, err error) {
		if err != nil {
			e.logger.Warn("decorations unavailable", zap.String("id", id), zap.Error(err))
			got = decor.Decorations{MemberID: id, HavePosts: true, HaveBeams: true}
		} else {
			e.decor.Store(got)
		}
		e.setDecorations(got)
	})
}

func (d decorator) Release() {
	d.e.decorations = nil
}

func (e *Engine) setDecorations(d decor.Decorations) {
	e.decorations = &d
	e.publishDetail(d.MemberID, &d)
}

// Decorations returns the decorations currently shown.
func (e *Engine) Decorations() *decor.Decorations { return e.decorations }

// Selection returns the FSM.
func (e *Engine) Selection() *selection.FSM { return e.fsm }

// Ingest returns the ingestion controller.
func (e *Engine) Ingest() *ingest.Controller { return e.ingest }

// View is a point-in-time summary for the HTTP surface.
type View struct {
	Members    int               `json:"members"`
	Known      int               `json:"known"`
	Positioned int               `json:"positioned"`
	RenderCap  int               `json:"renderCap"`
	Restored   int               `json:"restored"`
	Job        ingest.Status     `json:"job"`
	Selection  SelectionView     `json:"selection"`
	Caches     map[string]int    `json:"caches"`
	Pending    *selection.Target `json:"pendingDeepLink,omitempty"`
}

// SelectionView is the selection part of a View.
type SelectionView struct {
	State     selection.State  `json:"state"`
	Selected  string           `json:"selected,omitempty"`
	Camera    selection.Camera `json:"camera"`
	Posts     int              `json:"posts"`
	Beams     int              `json:"beams"`
	Decorated bool             `json:"decorated"`
}

// View snapshots engine state on the loop. It must not be called from the loop.
func (e *Engine) View(ctx context.Context) (View, error) {
	var v View
	err := e.loop.Call(ctx, func() { v = e.view() })
	return v, err
}

func (e *Engine) view() View {
	v := View{
		Members:    e.store.Len(),
		Known:      e.store.Known(),
		Positioned: e.store.PositionedCount(),
		RenderCap:  e.store.RenderCap(),
		Restored:   e.restored,
		Job:        e.ingest.Status(),
		Selection: SelectionView{
			State:    e.fsm.State(),
			Selected: e.fsm.Selected(),
			Camera:   e.fsm.Camera(),
		},
		Caches: map[string]int{
			e.caches.Search.Name():      e.caches.Search.Len(),
			e.caches.Images.Name():      e.caches.Images.Len(),
			e.caches.Posts.Name():       e.caches.Posts.Len(),
			e.caches.Engagement.Name():  e.caches.Engagement.Len(),
			e.caches.ProfilePics.Name(): e.caches.ProfilePics.Len(),
		},
	}
	if d := e.decorations; d != nil {
		v.Selection.Posts = len(d.Posts)
		v.Selection.Beams = len(d.Beams)
		v.Selection.Decorated = true
	}
	if t, ok := e.fsm.Pending(); ok {
		v.Pending = &t
	}
	return v
}
