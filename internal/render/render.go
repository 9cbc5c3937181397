// Package render turns engine state into the push-based sets a renderer draws.
//
// The renderer owns drawing; the core only replaces arrays. Missing data never
// fails a frame: an unknown member draws nothing, a missing image draws the
// member's initials, and absent decorations produce empty sets.
package render

import (
	"math"

	"cogentcore.org/core/math32"

	"github.com/agentic-research/starfield/api"
	"github.com/agentic-research/starfield/internal/cache"
	"github.com/agentic-research/starfield/internal/decor"
	"github.com/agentic-research/starfield/internal/entity"
	"github.com/agentic-research/starfield/internal/lod"
	"github.com/agentic-research/starfield/internal/media"
)

// Layer names a replaceable point set.
type Layer int

const (
	// LayerMembers is the whole point cloud.
	LayerMembers Layer = iota
	// LayerPlanets is the merged low-detail remainder of the orbiting posts.
	LayerPlanets
)

func (l Layer) String() string {
	switch l {
	case LayerMembers:
		return "members"
	case LayerPlanets:
		return "planets"
	default:
		return "unknown"
	}
}

// PointSet is a replaceable point cloud. Positions and Colors hold 3 floats
// per point.
type PointSet struct {
	Positions []float32
	Colors    []float32
	Sizes     []float32
	Indices   []uint32
}

// Len returns the number of points.
func (p PointSet) Len() int { return len(p.Sizes) }

// LineSet holds 6 floats (two endpoints) per segment and one strength per
// segment in [0, 1].
type LineSet struct {
	Segments  []float32
	Strengths []float32
}

// Len returns the number of segments.
func (l LineSet) Len() int { return len(l.Strengths) }

// Sprite is a camera-facing billboard. Texture may be nil, in which case the
// renderer draws Label.
type Sprite struct {
	Position math32.Vector3
	Scale    float32
	Texture  *media.Image
	Label    string
}

// Target is implemented by a renderer.
type Target interface {
	SetPoints(layer Layer, points PointSet)
	SetLines(lines LineSet)
	SetSprites(sprites []Sprite)
}

// Scene is the per-frame input of the builder.
type Scene struct {
	Selected    string
	Decorations *decor.Decorations
	PanelOpen   bool
}

const (
	orbitRadius  = 14
	orbitSpread  = 2.5
	avatarScale  = 9
	planetScale  = 4
	planetPoint  = 2
	goldenAngle  = math.Pi * (3 - 2.2360679775) // pi * (3 - sqrt(5))
	planetColorR = 0.95
	planetColorG = 0.85
	planetColorB = 0.55
)

// Builder converts store and decoration state into render sets.
type Builder struct {
	store  *entity.Store
	caches *cache.Layer
	policy lod.Policy
	target Target
	frame  uint64
}

// NewBuilder creates a builder.
func NewBuilder(store *entity.Store, caches *cache.Layer, policy lod.Policy, target Target) *Builder {
	return &Builder{store: store, caches: caches, policy: policy, target: target}
}

// Frame pushes new sets when this tick is an update tick under the throttle.
// It reports whether anything was pushed.
func (b *Builder) Frame(s Scene) bool {
	b.frame++
	decorations := 0
	if s.Decorations != nil {
		decorations = len(s.Decorations.Posts)
	}
	interval := b.policy.ThrottleInterval(lod.UIState{PanelOpen: s.PanelOpen, Decorations: decorations})
	if !lod.ShouldUpdate(b.frame, interval) {
		return false
	}
	b.Build(s)
	return true
}

// Build pushes every set unconditionally.
func (b *Builder) Build(s Scene) {
	buf := b.store.Buffers()
	b.target.SetPoints(LayerMembers, PointSet{
		Positions: buf.Positions,
		Colors:    buf.Colors,
		Sizes:     buf.Sizes,
		Indices:   buf.Indices,
	})

	center, ok := b.position(s.Selected)
	if !ok {
		b.target.SetPoints(LayerPlanets, PointSet{})
		b.target.SetLines(LineSet{})
		b.target.SetSprites(nil)
		return
	}

	var posts []api.Post
	var beams []api.Beam
	if s.Decorations != nil && s.Decorations.MemberID == s.Selected {
		posts = s.Decorations.Posts
		beams = s.Decorations.Beams
	}

	sprites := []Sprite{b.avatar(s.Selected, center)}
	full, _ := b.policy.Partition(len(posts))
	var merged PointSet
	for i, p := range posts {
		pos := orbit(center, i)
		if i < full {
			sprites = append(sprites, b.planet(p, pos))
			continue
		}
		merged.Positions = append(merged.Positions, pos.X, pos.Y, pos.Z)
		merged.Colors = append(merged.Colors, planetColorR, planetColorG, planetColorB)
		merged.Sizes = append(merged.Sizes, planetPoint)
		merged.Indices = append(merged.Indices, uint32(i))
	}
	b.target.SetSprites(sprites)
	b.target.SetPoints(LayerPlanets, merged)
	b.target.SetLines(b.lines(beams))
}

func (b *Builder) lines(beams []api.Beam) LineSet {
	var ls LineSet
	n := b.policy.EdgesToDraw(len(beams))
	strongest := 0
	for _, bm := range beams[:n] {
		strongest = max(strongest, bm.Strength)
	}
	for _, bm := range beams[:n] {
		from, ok1 := b.position(bm.Source)
		to, ok2 := b.position(bm.Target)
		if !ok1 || !ok2 {
			continue
		}
		ls.Segments = append(ls.Segments, from.X, from.Y, from.Z, to.X, to.Y, to.Z)
		ls.Strengths = append(ls.Strengths, float32(bm.Strength)/float32(strongest))
	}
	return ls
}

func (b *Builder) avatar(id string, pos math32.Vector3) Sprite {
	sp := Sprite{Position: pos, Scale: avatarScale}
	m, _ := b.store.Get(id)
	sp.Label = media.Initials(m.Username)
	url, ok := b.caches.ProfilePics.Get(id)
	if !ok && m.ProfileImageRef != nil {
		url, ok = *m.ProfileImageRef, true
	}
	if ok {
		if img, hit := b.caches.Images.Get(url); hit && !img.Released() {
			sp.Texture = img
		}
	}
	return sp
}

func (b *Builder) planet(p api.Post, pos math32.Vector3) Sprite {
	sp := Sprite{Position: pos, Scale: planetScale, Label: media.Initials(p.TextSnippet)}
	if p.ImageRef != "" {
		if img, ok := b.caches.Images.Get(p.ImageRef); ok && !img.Released() {
			sp.Texture = img
		}
	}
	return sp
}

func (b *Builder) position(id string) (math32.Vector3, bool) {
	if id == "" {
		return math32.Vector3{}, false
	}
	m, ok := b.store.Get(id)
	if !ok || !m.HasPosition {
		return math32.Vector3{}, false
	}
	return m.Position, true
}

// orbit places the i-th post on a flattened spiral around center.
func orbit(center math32.Vector3, i int) math32.Vector3 {
	r := float32(orbitRadius) + orbitSpread*math32.Sqrt(float32(i))
	a := float32(i) * goldenAngle
	return center.Add(math32.Vec3(r*math32.Cos(a), float32(i%3-1)*orbitSpread, r*math32.Sin(a)))
}

// PlanetPositions returns the orbit positions of n posts around center.
func PlanetPositions(center math32.Vector3, n int) []math32.Vector3 {
	out := make([]math32.Vector3, n)
	for i := range out {
		out[i] = orbit(center, i)
	}
	return out
}

// Recorder is a Target that keeps the last pushed sets. It backs the HTTP
// state endpoint and tests.
type Recorder struct {
	Points  map[Layer]PointSet
	Lines   LineSet
	Sprites []Sprite
	Pushes  int
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{Points: make(map[Layer]PointSet)}
}

func (r *Recorder) SetPoints(layer Layer, points PointSet) {
	r.Points[layer] = points
	r.Pushes++
}

func (r *Recorder) SetLines(lines LineSet) {
	r.Lines = lines
	r.Pushes++
}

func (r *Recorder) SetSprites(sprites []Sprite) {
	r.Sprites = sprites
	r.Pushes++
}
