package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/agentic-research/starfield/internal/fault"
	"github.com/agentic-research/starfield/internal/kv"
)

// Stage is the entity type the cursor is currently paging through.
type Stage int

const (
	StageMembers Stage = iota
	StagePosts
	StageComments
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageMembers:
		return "members"
	case StagePosts:
		return "posts"
	case StageComments:
		return "comments"
	case StageDone:
		return "done"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Cursor is the resumable progress marker. Skips only grow, except on an explicit reset.
type Cursor struct {
	UserSkip     int   `json:"userSkip"`
	PostSkip     int   `json:"postSkip"`
	CommentSkip  int   `json:"commentSkip"`
	TotalMembers int   `json:"totalMembers"`
	IsComplete   bool  `json:"isComplete"`
	Stage        Stage `json:"stage"`
	// Shape is the member query shape that served the first page.
	Shape string `json:"shape,omitempty"`
}

// KV is the subset of the local key-value store the cursor needs.
type KV interface {
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
	RemoveItem(key string) error
}

var _ KV = (*kv.Store)(nil)

// LoadCursor reads the persisted cursor. An unparsable cursor is reported as
// absent with a schema-mismatch error.
func LoadCursor(store KV) (Cursor, bool, error) {
	raw, ok, err := store.GetItem(kv.KeyCursor)
	if err != nil || !ok {
		return Cursor{}, false, err
	}
	var c Cursor
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Cursor{}, false, fmt.Errorf("cursor: %w: %v", fault.ErrSchemaMismatch, err)
	}
	if c.UserSkip < 0 || c.PostSkip < 0 || c.CommentSkip < 0 || c.Stage < StageMembers || c.Stage > StageDone {
		return Cursor{}, false, fmt.Errorf("cursor out of range: %w", fault.ErrSchemaMismatch)
	}
	return c, true, nil
}

// SaveCursor persists c.
func SaveCursor(store KV, c Cursor) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	return store.SetItem(kv.KeyCursor, string(b))
}

// Reconcile picks the cursor to resume from. The standalone cursor is written
// after every page and the snapshot only periodically, so the standalone one
// is used only when it describes exactly the members that were restored.
// Post and comment progress always comes from the snapshot: the activity
// counts it restored only cover the pages below its own skips.
// Without a restored snapshot the session starts fresh.
func Reconcile(persisted *Cursor, snapshot *Cursor, restored int) Cursor {
	if snapshot == nil {
		return Cursor{}
	}
	if persisted == nil || persisted.TotalMembers != restored {
		c := *snapshot
		c.TotalMembers = restored
		return c
	}
	c := *persisted
	if c.Stage > StageMembers {
		c.PostSkip, c.CommentSkip = snapshot.PostSkip, snapshot.CommentSkip
		if snapshot.Stage < c.Stage {
			c.Stage = max(snapshot.Stage, StagePosts)
			c.IsComplete = false
		}
	}
	return c
}
