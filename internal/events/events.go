// Package events is the engine's output surface: everything a UI needs to
// redraw panels, independent of any UI toolkit.
//
// Delivery is synchronous on the run loop in publish order. Subscribers must
// not block; a UI that needs its own goroutine copies the event and returns.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentic-research/starfield/api"
	"github.com/agentic-research/starfield/internal/ingest"
	"github.com/agentic-research/starfield/internal/selection"
)

// Type discriminates events.
type Type string

const (
	TypeSearchResults   Type = "search_results"
	TypePanelVisibility Type = "panel_visibility"
	TypeDetail          Type = "detail"
	TypeJobStatus       Type = "job_status"
	TypeSelection       Type = "selection"
	TypeCamera          Type = "camera"
)

// Event is one notification. Exactly one payload field is set, matching Type.
type Event struct {
	Seq  uint64    `json:"seq"`
	Type Type      `json:"type"`
	At   time.Time `json:"at"`

	Search     *SearchResults        `json:"search,omitempty"`
	Panel      *PanelVisibility      `json:"panel,omitempty"`
	Detail     *Detail               `json:"detail,omitempty"`
	Job        *ingest.Status        `json:"job,omitempty"`
	Selection  *selection.Transition `json:"selection,omitempty"`
	CameraPose *selection.Camera     `json:"camera,omitempty"`
}

// SearchResults carries the hits for one query.
type SearchResults struct {
	Query string          `json:"query"`
	Hits  []api.SearchHit `json:"hits"`
	// Source is "cache", "local" or "remote".
	Source string `json:"source"`
}

// PanelVisibility toggles the detail panel.
type PanelVisibility struct {
	Open bool   `json:"open"`
	ID   string `json:"id,omitempty"`
}

// Detail is the selected member's panel content. Missing parts are empty,
// never an error.
type Detail struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Initials  string     `json:"initials"`
	Image     string     `json:"image,omitempty"`
	Risk      float32    `json:"risk"`
	Activity  float32    `json:"activity"`
	Sobriety  int        `json:"sobrietyDays"`
	Cluster   string     `json:"cluster,omitempty"`
	Posts     []api.Post `json:"posts"`
	Beams     []api.Beam `json:"beams"`
	NotFound  bool       `json:"notFound,omitempty"`
	Decorated bool       `json:"decorated"`
}

// Handler receives events.
type Handler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]Handler
	order  []uint64
	nextID atomic.Uint64
	seq    atomic.Uint64
	now    func() time.Time
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]Handler), now: time.Now}
}

// Subscribe registers fn. The returned function unsubscribes and is safe to
// call more than once.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish stamps e and delivers it to every subscriber in subscription order.
func (b *Bus) Publish(e Event) {
	e.Seq = b.seq.Add(1)
	if e.At.IsZero() {
		e.At = b.now().UTC()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

// Subscribers returns the number of subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Recorder keeps the last event of each type and a bounded history.
type Recorder struct {
	mu      sync.Mutex
	last    map[Type]Event
	history []Event
	limit   int
}

// NewRecorder keeps at most limit events of history.
func NewRecorder(limit int) *Recorder {
	return &Recorder{last: make(map[Type]Event), limit: limit}
}

// Handle is a Handler.
func (r *Recorder) Handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[e.Type] = e
	r.history = append(r.history, e)
	if over := len(r.history) - r.limit; r.limit > 0 && over > 0 {
		r.history = append(r.history[:0:0], r.history[over:]...)
	}
}

// Last returns the most recent event of type t.
func (r *Recorder) Last(t Type) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.last[t]
	return e, ok
}

// History returns a copy of the recorded events, oldest first.
func (r *Recorder) History() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.history...)
}

// Since returns recorded events with Seq greater than seq.
func (r *Recorder) Since(seq uint64) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.history {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}
