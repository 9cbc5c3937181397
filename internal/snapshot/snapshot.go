// Package snapshot persists the entity store so repeat sessions start instantly.
//
// A snapshot is one bounded JSON document under a versioned key. Anything
// that does not match the current schema version, does not parse, or looks
// like placeholder data is treated as absent rather than partially trusted.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"cogentcore.org/core/math32"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentic-research/starfield/internal/entity"
	"github.com/agentic-research/starfield/internal/fault"
	"github.com/agentic-research/starfield/internal/ingest"
	"github.com/agentic-research/starfield/internal/kv"
	"github.com/agentic-research/starfield/internal/metrics"
)

// SchemaVersion is bumped whenever the document layout changes.
const SchemaVersion = 4

// Config bounds the snapshot.
type Config struct {
	MaxMembers         int           `yaml:"max_members" validate:"gt=0"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" validate:"gt=0"`
	// SampleSize members are checked by the placeholder heuristic.
	SampleSize int `yaml:"sample_size" validate:"gt=0"`
	// NavSearches and NavProfilePics bound the navigation-cache mirror.
	NavSearches    int `yaml:"nav_searches" validate:"gte=0"`
	NavProfilePics int `yaml:"nav_profile_pics" validate:"gte=0"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxMembers:         60_000,
		CheckpointInterval: 10 * time.Second,
		SampleSize:         50,
		NavSearches:        20,
		NavProfilePics:     500,
	}
}

// Member is the compact persisted form of entity.Member.
type Member struct {
	ID       string      `json:"i"`
	Username string      `json:"u"`
	Image    string      `json:"m,omitempty"`
	Pos      *[3]float32 `json:"p,omitempty"`
	Risk     float32     `json:"r"`
	Activity float32     `json:"a"`
	Sobriety int         `json:"s,omitempty"`
	Cluster  string      `json:"c,omitempty"`
	Posts    int         `json:"pc,omitempty"`
	Comments int         `json:"cc,omitempty"`
}

// Snapshot is the persisted document.
type Snapshot struct {
	Version   int           `json:"version"`
	ID        string        `json:"id"`
	SavedAt   time.Time     `json:"savedAt"`
	Truncated bool          `json:"truncated,omitempty"`
	Lean      bool          `json:"lean,omitempty"`
	Members   []Member      `json:"members"`
	Cursor    ingest.Cursor `json:"cursor"`
}

// ErrSynthetic marks a snapshot that looks like placeholder data.
var ErrSynthetic = errors.New("snapshot looks synthetic")

var placeholder = regexp.MustCompile(`(?i)^(user|member|test|placeholder|demo)[-_]?\d+$`)

// Persister saves and loads snapshots through the local key-value store.
type Persister struct {
	cfg     Config
	kv      ingest.KV
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewPersister creates a persister.
func NewPersister(cfg Config, store ingest.KV, m *metrics.Metrics, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{cfg: cfg, kv: store, metrics: m, logger: logger.Named("snapshot"), now: time.Now}
}

// Save writes a snapshot of store and cursor. On a quota failure it retries
// once with half the member cap and no optional fields; if that also fails
// the snapshot is skipped and Save returns nil.
func (p *Persister) Save(store *entity.Store, cursor ingest.Cursor) error {
	doc := Build(store, cursor, p.cfg.MaxMembers, false)
	doc.SavedAt = p.now().UTC()
	err := p.write(doc)
	if err == nil {
		p.metrics.SnapshotSaved("ok")
		p.logger.Debug("snapshot saved", zap.Int("members", len(doc.Members)), zap.Bool("truncated", doc.Truncated))
		return nil
	}
	if !errors.Is(err, fault.ErrQuotaExceeded) {
		p.metrics.SnapshotSaved("error")
		return err
	}

	lean := Build(store, cursor, max(1, p.cfg.MaxMembers/2), true)
	lean.SavedAt = doc.SavedAt
	if err := p.write(lean); err != nil {
		p.metrics.SnapshotSaved("skipped")
		p.logger.Warn("snapshot skipped", zap.Int("members", len(lean.Members)), zap.Error(err))
		return nil
	}
	p.metrics.SnapshotSaved("degraded")
	p.logger.Info("snapshot saved in degraded form",
		zap.Int("members", len(lean.Members)),
		zap.Int("known", store.Known()),
	)
	return nil
}

func (p *Persister) write(doc *Snapshot) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return p.kv.SetItem(kv.KeySnapshot, string(b))
}

// Load returns the persisted snapshot. It returns (nil, nil) when there is
// none, and a nil snapshot with a fault.ErrSchemaMismatch error when one
// exists but must be treated as absent.
func (p *Persister) Load() (*Snapshot, error) {
	raw, ok, err := p.kv.GetItem(kv.KeySnapshot)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return Decode([]byte(raw), p.cfg.SampleSize)
}

// Decode parses and validates a snapshot document.
func Decode(raw []byte, sampleSize int) (*Snapshot, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w: %v", fault.ErrSchemaMismatch, err)
	}
	if probe.Version != SchemaVersion {
		return nil, fmt.Errorf("snapshot version %d, want %d: %w", probe.Version, SchemaVersion, fault.ErrSchemaMismatch)
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w: %v", fault.ErrSchemaMismatch, err)
	}
	for i, m := range s.Members {
		if m.ID == "" {
			return nil, fmt.Errorf("snapshot member %d has no id: %w", i, fault.ErrSchemaMismatch)
		}
	}
	if LooksSynthetic(s.Members, sampleSize) {
		return nil, fmt.Errorf("%w: %w", ErrSynthetic, fault.ErrSchemaMismatch)
	}
	return &s, nil
}

// LooksSynthetic samples up to sampleSize members evenly and reports whether
// more than half have a placeholder id or username.
func LooksSynthetic(members []Member, sampleSize int) bool {
	if len(members) == 0 || sampleSize <= 0 {
		return false
	}
	n := min(sampleSize, len(members))
	hits := 0
	for i := 0; i < n; i++ {
		m := members[i*len(members)/n]
		if placeholder.MatchString(m.ID) || placeholder.MatchString(m.Username) {
			hits++
		}
	}
	return hits*2 > n
}

// Clear removes the snapshot, the cursor and the navigation mirror.
func (p *Persister) Clear() error {
	var errs []error
	for _, k := range []string{kv.KeySnapshot, kv.KeyCursor, kv.KeyNavCache} {
		if err := p.kv.RemoveItem(k); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Info("persisted state cleared")
	return errors.Join(errs...)
}

// Build serializes up to maxMembers members in first-seen order. When the
// store is over the cap the newest members are dropped and the last quarter
// of those kept lose their image reference. lean also drops every optional field.
func Build(store *entity.Store, cursor ingest.Cursor, maxMembers int, lean bool) *Snapshot {
	doc := &Snapshot{
		Version: SchemaVersion,
		ID:      uuid.NewString(),
		Lean:    lean,
		Cursor:  cursor,
	}
	n := min(store.Known(), maxMembers)
	heavyUntil := n
	if store.Known() > maxMembers {
		heavyUntil = n - n/4
	}
	doc.Members = make([]Member, 0, n)
	store.Range(func(m entity.Member) bool {
		if len(doc.Members) == n {
			return false
		}
		sm := Member{
			ID:       m.ID,
			Username: m.Username,
			Risk:     m.RiskScore,
			Activity: m.ActivityScore,
			Sobriety: m.SobrietyDays,
		}
		if m.HasPosition {
			sm.Pos = &[3]float32{m.Position.X, m.Position.Y, m.Position.Z}
		}
		if !lean {
			if m.ProfileImageRef != nil && len(doc.Members) < heavyUntil {
				sm.Image = *m.ProfileImageRef
			}
			sm.Cluster = m.ClusterLabel
			sm.Posts = m.PostCount
			sm.Comments = m.CommentCount
		}
		doc.Members = append(doc.Members, sm)
		return true
	})

	if n < store.Known() {
		doc.Truncated = true
		// The dropped tail has to be fetched again.
		doc.Cursor.UserSkip = min(doc.Cursor.UserSkip, n)
		doc.Cursor.TotalMembers = n
		doc.Cursor.Stage = ingest.StageMembers
		doc.Cursor.IsComplete = false
	}
	return doc
}

// Restore rebuilds an entity store from snapshot fields alone. Only display
// values (color, size) are derived.
func Restore(s *Snapshot, renderCap int) (*entity.Store, error) {
	store := entity.NewStore(renderCap)
	for _, sm := range s.Members {
		m := entity.Member{
			ID:            sm.ID,
			Username:      sm.Username,
			RiskScore:     sm.Risk,
			ActivityScore: sm.Activity,
			SobrietyDays:  sm.Sobriety,
			ClusterLabel:  sm.Cluster,
			PostCount:     sm.Posts,
			CommentCount:  sm.Comments,
		}
		if sm.Image != "" {
			img := sm.Image
			m.ProfileImageRef = &img
		}
		if sm.Pos != nil {
			m.Position = math32.Vec3(sm.Pos[0], sm.Pos[1], sm.Pos[2])
			m.HasPosition = true
		}
		if _, _, err := store.Append(m); err != nil {
			return nil, fmt.Errorf("restore member %q: %w", sm.ID, err)
		}
	}
	return store, nil
}
