// Package selection implements the select -> travel -> decorate state machine.
//
// Every selection takes a fresh token from the selection guard, so locating
// a member and loading its decorations only ever affect the selection that
// asked for them. A later Select or Close invalidates all earlier work.
package selection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cogentcore.org/core/math32"
	"go.uber.org/zap"

	"github.com/agentic-research/starfield/api"
	"github.com/agentic-research/starfield/internal/guard"
)

// State of the machine.
type State int

const (
	Idle State = iota
	PanelOpening
	Traveling
	Selected
	Closing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PanelOpening:
		return "panel_opening"
	case Traveling:
		return "traveling"
	case Selected:
		return "selected"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText reports the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config tunes the camera travel and deep-link wait.
type Config struct {
	TravelDuration  time.Duration `yaml:"travel_duration" validate:"gt=0"`
	DeepLinkMaxWait time.Duration `yaml:"deep_link_max_wait" validate:"gt=0"`
	// ViewDistance is how far from a selected member the camera stops.
	ViewDistance float32 `yaml:"view_distance" validate:"gt=0"`
	// HomeDistance is the camera's distance from the origin at the default viewpoint.
	HomeDistance float32 `yaml:"home_distance" validate:"gt=0"`
}

// DefaultConfig returns the production values.
func DefaultConfig() Config {
	return Config{
		TravelDuration:  1200 * time.Millisecond,
		DeepLinkMaxWait: 15 * time.Second,
		ViewDistance:    60,
		HomeDistance:    1400,
	}
}

// Camera is the pose output. Eye and LookAt interpolate between the From and
// To poses by Progress, already eased.
type Camera struct {
	From       math32.Vector3 `json:"from"`
	To         math32.Vector3 `json:"to"`
	FromLookAt math32.Vector3 `json:"fromLookAt"`
	ToLookAt   math32.Vector3 `json:"toLookAt"`
	Progress   float32        `json:"progress"`
}

// Eye returns the current camera position.
func (c Camera) Eye() math32.Vector3 { return c.From.Lerp(c.To, c.Progress) }

// LookAt returns the current look-at point.
func (c Camera) LookAt() math32.Vector3 { return c.FromLookAt.Lerp(c.ToLookAt, c.Progress) }

// Target identifies what to select: an id, a username, or both.
type Target struct {
	ID       string
	Username string
}

func (t Target) key() string {
	if t.ID != "" {
		return "id:" + t.ID
	}
	return "username:" + strings.ToLower(t.Username)
}

// Locator finds a member's position. Local, Adopt and Seed run on the loop;
// Remote runs off it.
type Locator interface {
	Local(t Target) (id string, pos math32.Vector3, ok bool)
	Remote(ctx context.Context, t Target) (api.MemberRecord, error)
	// Adopt merges a remotely found member and returns its position, if it has one.
	Adopt(rec api.MemberRecord) (math32.Vector3, bool)
	Seed(id string) math32.Vector3
}

// Decorator loads and releases a selection's decorations. Load must apply
// its results only while tok is valid.
type Decorator interface {
	Load(tok guard.Token, id string)
	Release()
}

// Transition is reported for every state change.
type Transition struct {
	From   State  `json:"from"`
	To     State  `json:"to"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

// FSM is owned by the run loop.
type FSM struct {
	cfg     Config
	guard   *guard.Guard
	locator Locator
	decor   Decorator
	logger  *zap.Logger

	state    State
	tok      guard.Token
	selected string
	camera   Camera
	elapsed  time.Duration

	pending      *Target
	waited       time.Duration
	datasetReady bool

	observers []func(Transition)
}

// New creates an FSM at the default viewpoint.
func New(cfg Config, g *guard.Guard, locator Locator, decorator Decorator, logger *zap.Logger) *FSM {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &FSM{cfg: cfg, guard: g, locator: locator, decor: decorator, logger: logger.Named("selection")}
	f.camera = f.home()
	return f
}

// OnTransition registers an observer.
func (f *FSM) OnTransition(fn func(Transition)) {
	f.observers = append(f.observers, fn)
}

// State returns the current state.
func (f *FSM) State() State { return f.state }

// Selected returns the member being selected or shown, if any.
func (f *FSM) Selected() string { return f.selected }

// Camera returns the current pose.
func (f *FSM) Camera() Camera { return f.camera }

// Pending returns the deep-link target still waiting for the dataset.
func (f *FSM) Pending() (Target, bool) {
	if f.pending == nil {
		return Target{}, false
	}
	return *f.pending, true
}

// Token returns the token of the current selection.
func (f *FSM) Token() guard.Token { return f.tok }

// Select starts selecting id from any state.
func (f *FSM) Select(id string) {
	f.pending = nil
	f.begin(Target{ID: id}, "select")
}

// DeepLink selects username once the dataset is available, giving up after
// DeepLinkMaxWait.
func (f *FSM) DeepLink(username string) {
	t := Target{Username: strings.ToLower(strings.TrimSpace(username))}
	if f.datasetReady {
		f.pending = nil
		f.begin(t, "deep_link")
		return
	}
	f.releaseDecorations()
	f.tok = f.guard.Next()
	f.pending = &t
	f.waited = 0
	f.selected = ""
	f.set(PanelOpening, "deep_link_wait")
}

// DatasetReady resolves a pending deep link.
func (f *FSM) DatasetReady() {
	f.datasetReady = true
	if f.pending == nil {
		return
	}
	t := *f.pending
	f.pending = nil
	f.begin(t, "deep_link")
}

// Close dismisses the current selection.
func (f *FSM) Close() {
	switch f.state {
	case Selected, Traveling, PanelOpening:
	default:
		return
	}
	f.guard.Cancel()
	f.pending = nil
	f.set(Closing, "close")
	f.decor.Release()
	f.selected = ""
	f.set(Idle, "closed")
}

// Tick advances travel and the deep-link wait by dt.
func (f *FSM) Tick(dt time.Duration) {
	switch f.state {
	case Traveling:
		f.elapsed += dt
		p := float32(f.elapsed) / float32(f.cfg.TravelDuration)
		if p >= 1 {
			f.camera.Progress = 1
			f.set(Selected, "arrived")
			f.decor.Load(f.tok, f.selected)
			return
		}
		f.camera.Progress = max(f.camera.Progress, EaseInOutCubic(p))
	case PanelOpening:
		if f.pending == nil {
			return
		}
		f.waited += dt
		if f.waited >= f.cfg.DeepLinkMaxWait {
			f.logger.Info("deep link expired", zap.String("username", f.pending.Username))
			f.guard.Cancel()
			f.pending = nil
			f.camera = f.home()
			f.set(Idle, "deep_link_timeout")
		}
	}
}

func (f *FSM) begin(t Target, reason string) {
	f.releaseDecorations()
	f.tok = f.guard.Next()
	f.selected = t.ID
	f.set(PanelOpening, reason)

	if id, pos, ok := f.locator.Local(t); ok {
		f.travel(id, pos)
		return
	}
	tok := f.tok
	guard.Go(f.guard, tok, "locate:"+t.key(), func(ctx context.Context) (api.MemberRecord, error) {
		return f.locator.Remote(ctx, t)
	}, func(rec api.MemberRecord, err error) {
		if err != nil || rec.ID == "" {
			if t.ID == "" {
				f.logger.Info("selection target not found", zap.String("target", t.key()), zap.Error(err))
				f.guard.Cancel()
				f.selected = ""
				f.camera = f.home()
				f.set(Idle, "not_found")
				return
			}
			f.travel(t.ID, f.locator.Seed(t.ID))
			return
		}
		pos, ok := f.locator.Adopt(rec)
		if !ok {
			pos = f.locator.Seed(rec.ID)
		}
		f.travel(rec.ID, pos)
	})
}

func (f *FSM) travel(id string, pos math32.Vector3) {
	f.selected = id
	f.elapsed = 0
	f.camera = Camera{
		From:       f.camera.Eye(),
		To:         f.viewpoint(pos),
		FromLookAt: f.camera.LookAt(),
		ToLookAt:   pos,
	}
	f.set(Traveling, "located")
}

// viewpoint backs the camera off pos away from the origin.
func (f *FSM) viewpoint(pos math32.Vector3) math32.Vector3 {
	dir := math32.Vec3(0, 0, 1)
	if l := pos.Length(); l > 1e-3 {
		dir = pos.DivScalar(l)
	}
	return pos.Add(dir.MulScalar(f.cfg.ViewDistance))
}

func (f *FSM) home() Camera {
	eye := math32.Vec3(0, 0, f.cfg.HomeDistance)
	return Camera{From: eye, To: eye, Progress: 1}
}

func (f *FSM) releaseDecorations() {
	switch f.state {
	case Selected, Traveling, PanelOpening:
		f.decor.Release()
	}
}

func (f *FSM) set(s State, reason string) {
	t := Transition{From: f.state, To: s, ID: f.selected, Reason: reason}
	f.state = s
	f.logger.Debug("transition",
		zap.Stringer("from", t.From),
		zap.Stringer("to", t.To),
		zap.String("id", t.ID),
		zap.String("reason", reason),
	)
	for _, fn := range f.observers {
		fn(t)
	}
}

// EaseInOutCubic maps linear progress in [0, 1] onto a smooth curve with the
// same endpoints. It is monotonic.
func EaseInOutCubic(p float32) float32 {
	switch {
	case p <= 0:
		return 0
	case p >= 1:
		return 1
	case p < 0.5:
		return 4 * p * p * p
	default:
		q := -2*p + 2
		return 1 - q*q*q/2
	}
}
