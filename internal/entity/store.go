// Package entity holds the member store: the single source of truth for what is
// currently known and what is handed to the renderer.
//
// Render-facing data lives in parallel columnar buffers indexed by Slot. A slot
// is assigned once per id and never reused within a session; buffers only grow.
// Members beyond the render cap are still tracked (metadata and completeness
// accounting) but get no slot.
package entity

import (
	"errors"
	"fmt"
	"strings"

	"cogentcore.org/core/math32"
	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/starfield/internal/fault"
)

// DefaultRenderCap bounds the number of render slots.
const DefaultRenderCap = 100_000

// NoSlot is returned for members that are tracked but not rendered.
const NoSlot = Slot(^uint32(0))

var (
	// ErrPositionLocked is returned when an update tries to move a member that
	// already has a position without authorizing a full relayout.
	ErrPositionLocked = errors.New("position is locked outside a full relayout")
	// ErrEmptyID rejects members without a stable key.
	ErrEmptyID = errors.New("member id is empty")
)

// Slot is a stable index into the render buffers.
type Slot uint32

// Member is the merged view of one member across the buffers and side tables.
type Member struct {
	ID              string
	Username        string
	ProfileImageRef *string
	Position        math32.Vector3
	HasPosition     bool
	RiskScore       float32
	ActivityScore   float32
	SobrietyDays    int
	ClusterLabel    string
	PostCount       int
	CommentCount    int
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Username        *string
	ProfileImageRef *string
	ClearImage      bool
	RiskScore       *float32
	ActivityScore   *float32
	SobrietyDays    *int
	ClusterLabel    *string
	PostCount       *int
	CommentCount    *int

	Position *math32.Vector3
	// AllowRelayout authorizes overwriting an existing position. Only a full
	// layout run over the complete dataset sets it.
	AllowRelayout bool
}

// record is the side-table entry for every known member.
type record struct {
	username    string
	image       *string
	risk        float32
	activity    float32
	sobriety    int
	cluster     string
	posts       int
	comments    int
	slot        Slot
	position    math32.Vector3 // only authoritative when slot == NoSlot
	hasPosition bool
}

// Store is not safe for concurrent use; it is owned by the run loop.
type Store struct {
	renderCap int

	arena arena

	records    map[string]*record
	order      []string          // every known id, in first-seen order
	slotIDs    []string          // slot -> id
	byUsername map[string]string // lowercased username -> id

	// positioned tracks which slots hold a real position.
	positioned *roaring.Bitmap
}

// NewStore creates an empty store. renderCap <= 0 selects DefaultRenderCap.
func NewStore(renderCap int) *Store {
	if renderCap <= 0 {
		renderCap = DefaultRenderCap
	}
	return &Store{
		renderCap:  renderCap,
		records:    make(map[string]*record),
		byUsername: make(map[string]string),
		positioned: roaring.New(),
	}
}

// RenderCap returns the maximum number of render slots.
func (s *Store) RenderCap() int { return s.renderCap }

// Len returns the number of render slots in use.
func (s *Store) Len() int { return s.arena.n }

// Known returns the number of tracked members, rendered or not.
func (s *Store) Known() int { return len(s.order) }

// Has reports whether id is tracked.
func (s *Store) Has(id string) bool {
	_, ok := s.records[id]
	return ok
}

// Append adds m and returns its slot. Appending a known id returns the slot it
// already has and changes nothing. The bool is false when the member is tracked
// but beyond the render cap.
func (s *Store) Append(m Member) (Slot, bool, error) {
	if m.ID == "" {
		return NoSlot, false, ErrEmptyID
	}
	if r, ok := s.records[m.ID]; ok {
		return r.slot, r.slot != NoSlot, nil
	}

	r := &record{
		username:    m.Username,
		image:       cloneString(m.ProfileImageRef),
		risk:        m.RiskScore,
		activity:    clamp01(m.ActivityScore),
		sobriety:    m.SobrietyDays,
		cluster:     m.ClusterLabel,
		posts:       m.PostCount,
		comments:    m.CommentCount,
		slot:        NoSlot,
		position:    m.Position,
		hasPosition: m.HasPosition,
	}
	s.records[m.ID] = r
	s.order = append(s.order, m.ID)
	s.indexUsername(m.ID, "", m.Username)

	if s.arena.n >= s.renderCap {
		return NoSlot, false, nil
	}

	slot := s.arena.push()
	r.slot = slot
	s.slotIDs = append(s.slotIDs, m.ID)
	s.arena.indices[slot] = uint32(slot)
	s.arena.activity[slot] = r.activity
	s.paint(slot, r)
	if m.HasPosition {
		s.arena.setPosition(slot, m.Position)
		s.positioned.Add(uint32(slot))
	}
	return slot, true, nil
}

// Update applies a partial update to a known member.
// A position is accepted for a member that has none yet; moving an existing
// position requires p.AllowRelayout.
func (s *Store) Update(id string, p Patch) error {
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, fault.ErrNotFound)
	}
	if p.Position != nil && s.hasPosition(r) && !p.AllowRelayout {
		return fmt.Errorf("update %s: %w", id, ErrPositionLocked)
	}

	if p.Username != nil && *p.Username != r.username {
		s.indexUsername(id, r.username, *p.Username)
		r.username = *p.Username
	}
	if p.ClearImage {
		r.image = nil
	} else if p.ProfileImageRef != nil {
		r.image = cloneString(p.ProfileImageRef)
	}
	if p.RiskScore != nil {
		r.risk = *p.RiskScore
	}
	if p.ActivityScore != nil {
		r.activity = clamp01(*p.ActivityScore)
	}
	if p.SobrietyDays != nil {
		r.sobriety = *p.SobrietyDays
	}
	if p.ClusterLabel != nil {
		r.cluster = *p.ClusterLabel
	}
	if p.PostCount != nil {
		r.posts = *p.PostCount
	}
	if p.CommentCount != nil {
		r.comments = *p.CommentCount
	}

	if r.slot != NoSlot {
		s.arena.activity[r.slot] = r.activity
		s.paint(r.slot, r)
	}
	if p.Position != nil {
		s.place(r, *p.Position)
	}
	return nil
}

// Get returns the merged member for id.
func (s *Store) Get(id string) (Member, bool) {
	r, ok := s.records[id]
	if !ok {
		return Member{}, false
	}
	return s.member(id, r), true
}

// SlotOf returns the slot of id, or NoSlot.
func (s *Store) SlotOf(id string) Slot {
	if r, ok := s.records[id]; ok {
		return r.slot
	}
	return NoSlot
}

// IDAt returns the id stored in slot.
func (s *Store) IDAt(slot Slot) (string, bool) {
	if int(slot) >= len(s.slotIDs) {
		return "", false
	}
	return s.slotIDs[slot], true
}

// ResolveByUsername looks up a member by lowercased username.
func (s *Store) ResolveByUsername(usernameLower string) (string, bool) {
	id, ok := s.byUsername[usernameLower]
	return id, ok
}

// SearchUsernames returns up to limit members whose lowercased username starts
// with prefixLower, in first-seen order.
func (s *Store) SearchUsernames(prefixLower string, limit int) []Member {
	if prefixLower == "" || limit <= 0 {
		return nil
	}
	var out []Member
	for _, id := range s.order {
		r := s.records[id]
		if strings.HasPrefix(strings.ToLower(r.username), prefixLower) {
			out = append(out, s.member(id, r))
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

// Range calls fn for every known member in first-seen order until fn returns false.
func (s *Store) Range(fn func(Member) bool) {
	for _, id := range s.order {
		if !fn(s.member(id, s.records[id])) {
			return
		}
	}
}

// IDs returns every known id in first-seen order.
func (s *Store) IDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// PositionedCount returns how many render slots hold a real position.
func (s *Store) PositionedCount() int {
	return int(s.positioned.GetCardinality())
}

// SetPositions writes layout output. With full=false only members without a
// position are touched, so an incremental run never moves existing points.
// full=true is the authorized relayout over the complete dataset.
// It returns the number of members whose position was written.
func (s *Store) SetPositions(positions map[string]math32.Vector3, full bool) int {
	n := 0
	for id, pos := range positions {
		r, ok := s.records[id]
		if !ok {
			continue
		}
		if s.hasPosition(r) && !full {
			continue
		}
		s.place(r, pos)
		n++
	}
	return n
}

// Bounds returns the bounding box of all positioned render slots.
func (s *Store) Bounds() math32.Box3 {
	box := math32.B3Empty()
	it := s.positioned.Iterator()
	for it.HasNext() {
		box.ExpandByPoint(s.arena.position(Slot(it.Next())))
	}
	return box
}

// Buffers returns read-only views of the render buffers, all of length Len().
// The views stay valid until the next Append that grows the arena; callers
// must not hold them across a suspension point.
func (s *Store) Buffers() Buffers {
	return s.arena.view()
}

// RecomputeActivity derives normalized activity scores from post and comment counts.
// Posts weigh twice as much as comments; the scale is logarithmic so a handful
// of very active members does not flatten everyone else to zero.
func (s *Store) RecomputeActivity() {
	maxRaw := 0.0
	for _, r := range s.records {
		if raw := rawActivity(r.posts, r.comments); raw > maxRaw {
			maxRaw = raw
		}
	}
	for _, r := range s.records {
		a := float32(0)
		if maxRaw > 0 {
			a = float32(rawActivity(r.posts, r.comments) / maxRaw)
		}
		r.activity = clamp01(a)
		if r.slot != NoSlot {
			s.arena.activity[r.slot] = r.activity
			s.paint(r.slot, r)
		}
	}
}

// ResetActivity zeroes every post and comment count and the derived scores.
func (s *Store) ResetActivity() {
	for _, r := range s.records {
		r.posts, r.comments = 0, 0
	}
	s.RecomputeActivity()
}

func (s *Store) hasPosition(r *record) bool {
	if r.slot != NoSlot {
		return s.positioned.Contains(uint32(r.slot))
	}
	return r.hasPosition
}

func (s *Store) place(r *record, pos math32.Vector3) {
	if r.slot != NoSlot {
		s.arena.setPosition(r.slot, pos)
		s.positioned.Add(uint32(r.slot))
		return
	}
	r.position = pos
	r.hasPosition = true
}

func (s *Store) paint(slot Slot, r *record) {
	c := ActivityColor(r.activity, r.risk)
	s.arena.colors[3*slot] = c.X
	s.arena.colors[3*slot+1] = c.Y
	s.arena.colors[3*slot+2] = c.Z
	s.arena.sizes[slot] = PointSize(r.activity)
}

func (s *Store) member(id string, r *record) Member {
	m := Member{
		ID:              id,
		Username:        r.username,
		ProfileImageRef: cloneString(r.image),
		RiskScore:       r.risk,
		ActivityScore:   r.activity,
		SobrietyDays:    r.sobriety,
		ClusterLabel:    r.cluster,
		PostCount:       r.posts,
		CommentCount:    r.comments,
	}
	if r.slot != NoSlot {
		if s.positioned.Contains(uint32(r.slot)) {
			m.Position = s.arena.position(r.slot)
			m.HasPosition = true
		}
	} else if r.hasPosition {
		m.Position = r.position
		m.HasPosition = true
	}
	return m
}

func (s *Store) indexUsername(id, old, updated string) {
	if old != "" {
		if cur, ok := s.byUsername[strings.ToLower(old)]; ok && cur == id {
			delete(s.byUsername, strings.ToLower(old))
		}
	}
	if updated != "" {
		s.byUsername[strings.ToLower(updated)] = id
	}
}

func rawActivity(posts, comments int) float64 {
	return log1p(float64(2*posts + comments))
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func clamp01(v float32) float32 {
	switch {
	case v < 0 || math32.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
