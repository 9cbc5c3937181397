// Package ingest drives paginated fetches from the data service into the entity store.
//
// A Controller pages through members, then posts, then comments, merging each
// page on the run loop before requesting the next. Progress lives in a Cursor
// that is persisted after every merged page, so a crashed or reloaded session
// resumes without refetching completed pages.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentic-research/starfield/api"
	"github.com/agentic-research/starfield/internal/entity"
	"github.com/agentic-research/starfield/internal/fault"
	"github.com/agentic-research/starfield/internal/kv"
	"github.com/agentic-research/starfield/internal/layout"
	"github.com/agentic-research/starfield/internal/metrics"
)

// State is the controller's job state.
type State int

const (
	Idle State = iota
	FetchingPage
	Merging
	Complete
	Error
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FetchingPage:
		return "fetching"
	case Merging:
		return "merging"
	case Complete:
		return "complete"
	case Error:
		return "error"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Pause reasons reported in Status.Reason. Only the session cap does not
// resume by itself.
const (
	ReasonPageCap    = "page cap"
	ReasonMemberCap  = "member cap"
	ReasonSessionCap = "session member cap"
)

// Config bounds how much one invocation and one session may ingest.
type Config struct {
	PageSize        int `yaml:"page_size" validate:"gt=0"`
	PostPageSize    int `yaml:"post_page_size" validate:"gt=0"`
	CommentPageSize int `yaml:"comment_page_size" validate:"gt=0"`

	MaxPagesPerInvocation   int           `yaml:"max_pages_per_invocation" validate:"gt=0"`
	MaxMembersPerInvocation int           `yaml:"max_members_per_invocation" validate:"gt=0"`
	SessionMemberCap        int           `yaml:"session_member_cap" validate:"gt=0"`
	ResumeDelay             time.Duration `yaml:"resume_delay" validate:"gt=0"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:                500,
		PostPageSize:            1000,
		CommentPageSize:         1000,
		MaxPagesPerInvocation:   20,
		MaxMembersPerInvocation: 5000,
		SessionMemberCap:        250_000,
		ResumeDelay:             2 * time.Second,
	}
}

// Source is the paginated data service.
type Source interface {
	Members(ctx context.Context, shape api.Shape, skip, limit int) ([]api.MemberRecord, int, error)
	Posts(ctx context.Context, skip, limit int) ([]api.Post, int, error)
	Comments(ctx context.Context, skip, limit int) ([]api.Comment, int, error)
}

// Scheduler is the run loop.
type Scheduler interface {
	Post(fn func()) bool
	After(d time.Duration, fn func()) (stop func() bool)
}

// ProfilePics receives resolved profile picture URLs. The profile picture cache satisfies it.
type ProfilePics interface {
	Set(memberID, url string)
}

// Status is a progress report.
type Status struct {
	RunID      string `json:"runId,omitempty"`
	State      State  `json:"state"`
	Cursor     Cursor `json:"cursor"`
	Shape      string `json:"shape"`
	Pages      int    `json:"pages"`
	NewMembers int    `json:"newMembers"`
	// Reason explains a pause.
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

// MarshalText reports the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Deps are the controller's collaborators.
type Deps struct {
	Loop         Scheduler
	Source       Source
	KV           KV
	Store        *entity.Store
	Oracle       layout.Oracle
	LayoutParams layout.Params
	ProfilePics  ProfilePics
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Controller must only be used from the run loop.
type Controller struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	state  State
	cursor Cursor
	shape  api.Shape
	// firstPage is true until the session's first members page is merged.
	firstPage     bool
	triedFallback bool

	runID          string
	pages          int
	invMembers     int
	sessionMembers int
	reason         string
	lastErr        error

	gen        uint64
	ctx        context.Context
	cancel     context.CancelFunc
	stopResume func() bool

	seen      map[string]struct{}
	observers map[int]func(Status)
	nextObs   int
}

type pageResult struct {
	stage    Stage
	shape    api.Shape
	members  []api.MemberRecord
	posts    []api.Post
	comments []api.Comment
	raw      int
	err      error
}

// New creates an idle controller starting from cursor.
func New(cfg Config, deps Deps, cursor Cursor) *Controller {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Oracle == nil {
		deps.Oracle = layout.SeedOracle{}
	}
	c := &Controller{
		cfg:       cfg,
		deps:      deps,
		log:       deps.Logger.Named("ingest"),
		cursor:    cursor,
		shape:     api.MemberPrimary,
		firstPage: true,
		seen:      make(map[string]struct{}),
		observers: make(map[int]func(Status)),
	}
	if cursor.Shape == api.MemberFallback.Name {
		c.shape = api.MemberFallback
	}
	if cursor.IsComplete {
		c.state = Complete
	}
	return c
}

// Cursor returns the current cursor.
func (c *Controller) Cursor() Cursor { return c.cursor }

// State returns the job state.
func (c *Controller) State() State { return c.state }

// Status returns a progress report.
func (c *Controller) Status() Status {
	return Status{
		RunID:      c.runID,
		State:      c.state,
		Cursor:     c.cursor,
		Shape:      c.shape.Name,
		Pages:      c.pages,
		NewMembers: c.invMembers,
		Reason:     c.reason,
		Err:        c.lastErr,
	}
}

// OnStatus registers fn to run after every state change and merged page.
func (c *Controller) OnStatus(fn func(Status)) (unsubscribe func()) {
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() { delete(c.observers, id) }
}

// Start begins an invocation. It is a no-op while one is running or once the
// job is complete.
func (c *Controller) Start() {
	if c.state == FetchingPage || c.state == Merging {
		return
	}
	if c.cursor.IsComplete {
		c.setState(Complete)
		return
	}
	if c.stopResume != nil {
		c.stopResume()
		c.stopResume = nil
	}

	c.runID = uuid.NewString()
	c.pages, c.invMembers = 0, 0
	c.reason, c.lastErr = "", nil
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.log.Info("ingestion started",
		zap.String("run_id", c.runID),
		zap.Stringer("stage", c.cursor.Stage),
		zap.Int("user_skip", c.cursor.UserSkip),
		zap.Int("post_skip", c.cursor.PostSkip),
		zap.Int("comment_skip", c.cursor.CommentSkip),
	)
	c.next()
}

// Stop cancels the in-flight page and any scheduled resume. The cursor keeps
// its last merged position.
func (c *Controller) Stop() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.stopResume != nil {
		c.stopResume()
		c.stopResume = nil
	}
	if c.state == FetchingPage || c.state == Merging || c.state == Paused {
		c.setState(Idle)
	}
}

// ResetJobState discards all ingestion progress. The entity store keeps its
// members, which re-ingestion merges idempotently, but activity counts are
// zeroed because every post and comment page will be replayed.
func (c *Controller) ResetJobState() error {
	c.Stop()
	c.cursor = Cursor{}
	c.deps.Store.ResetActivity()
	c.shape = api.MemberPrimary
	c.firstPage = true
	c.triedFallback = false
	c.sessionMembers = 0
	c.reason, c.lastErr = "", nil
	c.seen = make(map[string]struct{})
	c.log.Info("ingestion state reset")
	err := c.deps.KV.RemoveItem(kv.KeyCursor)
	c.setState(Idle)
	return err
}

func (c *Controller) next() {
	switch {
	case c.cursor.Stage == StageDone:
		c.complete()
	case c.cursor.Stage == StageMembers && c.sessionMembers >= c.cfg.SessionMemberCap:
		// Remaining members wait for the next session.
		c.pause(ReasonSessionCap, false)
	case c.pages >= c.cfg.MaxPagesPerInvocation:
		c.pause(ReasonPageCap, true)
	case c.invMembers >= c.cfg.MaxMembersPerInvocation:
		c.pause(ReasonMemberCap, true)
	default:
		c.fetch()
	}
}

func (c *Controller) fetch() {
	c.setState(FetchingPage)
	gen, ctx := c.gen, c.ctx
	res := pageResult{stage: c.cursor.Stage, shape: c.shape}
	cur := c.cursor
	src, cfg := c.deps.Source, c.cfg

	go func() {
		switch res.stage {
		case StageMembers:
			res.members, res.raw, res.err = src.Members(ctx, res.shape, cur.UserSkip, cfg.PageSize)
		case StagePosts:
			res.posts, res.raw, res.err = src.Posts(ctx, cur.PostSkip, cfg.PostPageSize)
		case StageComments:
			res.comments, res.raw, res.err = src.Comments(ctx, cur.CommentSkip, cfg.CommentPageSize)
		}
		c.deps.Loop.Post(func() { c.onPage(gen, res) })
	}()
}

func (c *Controller) onPage(gen uint64, res pageResult) {
	if gen != c.gen {
		c.deps.Metrics.Stale("ingest")
		return
	}
	if res.err != nil {
		if fault.Silent(res.err) {
			c.setState(Idle)
			return
		}
		if c.canFallback(res) {
			c.useFallback(res.err)
			return
		}
		c.fail(res.err)
		return
	}

	added := 0
	switch res.stage {
	case StageMembers:
		if res.raw == 0 && c.canFallback(res) {
			c.useFallback(nil)
			return
		}
		c.setState(Merging)
		var fresh int
		added, fresh = c.mergeMembers(res.members)
		c.cursor.UserSkip += res.raw
		c.cursor.Shape = res.shape.Name
		c.firstPage = false
		if fresh == 0 {
			c.cursor.Stage = StagePosts
		}
		if added > 0 {
			n := layout.Run(c.deps.Store, c.deps.Oracle, c.deps.LayoutParams, false)
			c.log.Debug("incremental layout", zap.String("run_id", c.runID), zap.Int("placed", n))
		}
	case StagePosts:
		c.setState(Merging)
		if res.raw == 0 {
			c.cursor.Stage = StageComments
			break
		}
		c.mergePosts(res.posts)
		c.cursor.PostSkip += res.raw
		c.deps.Store.RecomputeActivity()
	case StageComments:
		c.setState(Merging)
		if res.raw == 0 {
			c.cursor.Stage = StageDone
			break
		}
		c.mergeComments(res.comments)
		c.cursor.CommentSkip += res.raw
		c.deps.Store.RecomputeActivity()
	}
	c.cursor.TotalMembers = c.deps.Store.Known()
	c.pages++

	c.persist()
	c.deps.Metrics.PageMerged(res.stage.String(), added)
	c.deps.Metrics.SetKnownMembers(c.deps.Store.Known())
	c.log.Debug("page merged",
		zap.String("run_id", c.runID),
		zap.Stringer("stage", res.stage),
		zap.Int("received", res.raw),
		zap.Int("new_members", added),
		zap.Int("total_members", c.cursor.TotalMembers),
	)
	c.notify()
	c.next()
}

// canFallback reports whether a failed or empty first page should be retried
// with the alternate member shape.
func (c *Controller) canFallback(res pageResult) bool {
	return res.stage == StageMembers &&
		c.firstPage &&
		c.cursor.UserSkip == 0 &&
		!c.triedFallback &&
		res.shape.Name == api.MemberPrimary.Name
}

func (c *Controller) useFallback(cause error) {
	c.triedFallback = true
	c.shape = api.MemberFallback
	c.log.Warn("primary member shape returned nothing, trying fallback",
		zap.String("run_id", c.runID), zap.Error(cause))
	c.fetch()
}

// mergeMembers appends unknown members and updates known ones. It returns
// how many were appended and how many this session had not paged past yet;
// the members stage ends on a page with none of the latter, which keeps a
// reset job from stopping at the first page of already-stored members.
func (c *Controller) mergeMembers(records []api.MemberRecord) (added, fresh int) {
	store := c.deps.Store
	for _, rec := range records {
		if c.firstSeen("m:" + rec.ID) {
			fresh++
		}
		m := MemberFromRecord(rec)
		if store.Has(rec.ID) {
			p := entity.Patch{
				Username:        &m.Username,
				ProfileImageRef: m.ProfileImageRef,
				RiskScore:       &m.RiskScore,
				SobrietyDays:    &m.SobrietyDays,
				ClusterLabel:    &m.ClusterLabel,
			}
			if err := store.Update(rec.ID, p); err != nil {
				c.log.Warn("member update failed", zap.String("id", rec.ID), zap.Error(err))
			}
		} else {
			if _, _, err := store.Append(m); err != nil {
				c.log.Warn("member append failed", zap.String("id", rec.ID), zap.Error(err))
				continue
			}
			added++
		}
		if rec.ProfileImageRef != nil && c.deps.ProfilePics != nil {
			c.deps.ProfilePics.Set(rec.ID, *rec.ProfileImageRef)
		}
	}
	c.invMembers += added
	c.sessionMembers += added
	return added, fresh
}

// MemberFromRecord converts a decoded record into a store member without a
// position. A missing risk score is derived from sobriety days.
func MemberFromRecord(rec api.MemberRecord) entity.Member {
	risk := rec.RiskScore
	if !rec.HasRiskScore {
		risk = entity.DeriveRisk(rec.SobrietyDays)
	}
	return entity.Member{
		ID:              rec.ID,
		Username:        rec.Username,
		ProfileImageRef: rec.ProfileImageRef,
		RiskScore:       risk,
		SobrietyDays:    rec.SobrietyDays,
		ClusterLabel:    rec.ClusterLabel,
	}
}

func (c *Controller) mergePosts(posts []api.Post) {
	for _, p := range posts {
		if !c.firstSeen("p:" + p.ID) {
			continue
		}
		c.bump(p.CreatorID, func(m *entity.Member) entity.Patch {
			n := m.PostCount + 1
			return entity.Patch{PostCount: &n}
		})
	}
}

func (c *Controller) mergeComments(comments []api.Comment) {
	for _, cm := range comments {
		if !c.firstSeen("c:" + cm.ID) {
			continue
		}
		c.bump(cm.AuthorID, func(m *entity.Member) entity.Patch {
			n := m.CommentCount + 1
			return entity.Patch{CommentCount: &n}
		})
	}
}

func (c *Controller) firstSeen(key string) bool {
	if _, ok := c.seen[key]; ok {
		return false
	}
	c.seen[key] = struct{}{}
	return true
}

func (c *Controller) bump(id string, patch func(*entity.Member) entity.Patch) {
	m, ok := c.deps.Store.Get(id)
	if !ok {
		return
	}
	if err := c.deps.Store.Update(id, patch(&m)); err != nil {
		c.log.Warn("activity update failed", zap.String("id", id), zap.Error(err))
	}
}

func (c *Controller) complete() {
	c.cursor.Stage = StageDone
	c.cursor.IsComplete = true
	c.cursor.TotalMembers = c.deps.Store.Known()
	c.deps.Store.RecomputeActivity()
	n := layout.Run(c.deps.Store, c.deps.Oracle, c.deps.LayoutParams, true)
	c.persist()
	c.cancelCtx()
	c.log.Info("ingestion complete",
		zap.String("run_id", c.runID),
		zap.Int("total_members", c.cursor.TotalMembers),
		zap.Int("relaid_out", n),
	)
	c.setState(Complete)
}

func (c *Controller) pause(reason string, reschedule bool) {
	c.reason = reason
	c.cancelCtx()
	c.log.Info("ingestion paused",
		zap.String("run_id", c.runID),
		zap.String("reason", reason),
		zap.Int("pages", c.pages),
		zap.Int("new_members", c.invMembers),
		zap.Bool("reschedule", reschedule),
	)
	if reschedule {
		c.stopResume = c.deps.Loop.After(c.cfg.ResumeDelay, func() {
			c.stopResume = nil
			if c.state == Paused {
				c.Start()
			}
		})
	}
	c.setState(Paused)
}

func (c *Controller) fail(err error) {
	c.lastErr = err
	kind := fault.Classify(err)
	c.deps.Metrics.IngestFailed(kind.String())
	c.log.Error("ingestion failed",
		zap.String("run_id", c.runID),
		zap.Stringer("stage", c.cursor.Stage),
		zap.Stringer("kind", kind),
		zap.Error(err),
	)
	// The cursor still points at the last merged page.
	c.persist()
	c.cancelCtx()
	c.setState(Error)
}

func (c *Controller) persist() {
	if err := SaveCursor(c.deps.KV, c.cursor); err != nil {
		c.log.Warn("persist cursor", zap.Error(err))
	}
}

func (c *Controller) cancelCtx() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.notify()
}

func (c *Controller) notify() {
	st := c.Status()
	for _, fn := range c.observers {
		fn(st)
	}
}
