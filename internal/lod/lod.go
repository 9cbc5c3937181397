// Package lod computes render-cost budgets.
//
// Everything here is a pure function of dataset size and UI state. The data
// layer always tracks the full edge and decoration sets; these budgets only
// decide how much of that is drawn.
package lod

// Step caps the edges drawn for members with at most Max connections.
type Step struct {
	Max int `yaml:"max" validate:"gt=0"`
	Cap int `yaml:"cap" validate:"gt=0"`
}

// Config holds the thresholds.
type Config struct {
	// Steps must be sorted by Max ascending with non-increasing Cap.
	Steps []Step `yaml:"steps" validate:"dive"`
	// FloorCap applies past the last step.
	FloorCap int `yaml:"floor_cap" validate:"gt=0"`
	// FullDetail is the fixed size of the full-detail decoration prefix.
	FullDetail int `yaml:"full_detail" validate:"gte=0"`
	// BusyDecorations is where a busy scene starts throttling harder.
	BusyDecorations int `yaml:"busy_decorations" validate:"gt=0"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Steps: []Step{
			{Max: 100, Cap: 100},
			{Max: 500, Cap: 80},
			{Max: 2000, Cap: 60},
		},
		FloorCap:        40,
		FullDetail:      24,
		BusyDecorations: 24,
	}
}

// Policy evaluates a Config.
type Policy struct {
	cfg Config
}

// New returns a policy over cfg.
func New(cfg Config) Policy { return Policy{cfg: cfg} }

// Config returns the policy's thresholds.
func (p Policy) Config() Config { return p.cfg }

// EdgeCap returns the maximum edges drawn for a member with n connections.
// It is non-increasing in n.
func (p Policy) EdgeCap(n int) int {
	floor := p.cfg.FloorCap
	for _, s := range p.cfg.Steps {
		if n <= s.Max {
			return s.Cap
		}
		floor = min(floor, s.Cap)
	}
	return floor
}

// EdgesToDraw returns min(n, EdgeCap(n)).
func (p Policy) EdgesToDraw(n int) int {
	return max(0, min(n, p.EdgeCap(n)))
}

// Partition splits m decorations into a full-detail prefix and a merged
// low-detail remainder drawn as one batched primitive.
func (p Policy) Partition(m int) (full, merged int) {
	if m <= 0 {
		return 0, 0
	}
	full = min(m, p.cfg.FullDetail)
	return full, m - full
}

// UIState is what the throttle depends on.
type UIState struct {
	PanelOpen   bool
	Decorations int
}

// ThrottleInterval returns N such that only one in every N per-frame update
// ticks does work.
func (p Policy) ThrottleInterval(s UIState) int {
	busy := s.Decorations > p.cfg.BusyDecorations
	switch {
	case s.PanelOpen && busy:
		return 3
	case s.PanelOpen, busy:
		return 2
	default:
		return 1
	}
}

// ShouldUpdate reports whether frame is an update frame for interval.
func ShouldUpdate(frame uint64, interval int) bool {
	if interval <= 1 {
		return true
	}
	return frame%uint64(interval) == 0
}
