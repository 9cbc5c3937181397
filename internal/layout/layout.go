// Package layout assigns 3D positions to members.
//
// The layout algorithm itself is an Oracle; this package ships a
// deterministic SeedOracle and the code that moves oracle output into the
// entity store. An incremental run never moves a member that already has a
// position; only a full run over the complete dataset may.
package layout

import (
	"encoding/binary"
	"math"

	"cogentcore.org/core/math32"
	"github.com/cespare/xxhash/v2"

	"github.com/agentic-research/starfield/internal/entity"
)

// Node is one member in a layout state.
type Node struct {
	ID       string
	Group    string
	Activity float32
	Pos      math32.Vector3
	// Fixed nodes are read by Evolve but never written.
	Fixed bool
}

// State is the mutable input and output of an oracle.
type State struct {
	Nodes []Node
}

// Params tunes one Evolve call.
type Params struct {
	Iterations int     `yaml:"iterations" validate:"gte=0"`
	Radius     float32 `yaml:"radius" validate:"gt=0"`
	// Pull is the fraction of the distance to its group centroid a free node
	// moves per iteration.
	Pull float32 `yaml:"pull" validate:"gte=0,lte=1"`
}

// DefaultParams returns the production parameters.
func DefaultParams() Params {
	return Params{Iterations: 12, Radius: 500, Pull: 0.15}
}

// Oracle is the layout collaborator.
type Oracle interface {
	CreateState() *State
	// Evolve mutates the positions of non-fixed nodes in place.
	Evolve(state *State, params Params)
	// SeedToPos is a deterministic position derived from id.
	SeedToPos(id string, radius float32) math32.Vector3
}

// SeedOracle places each member on a sphere shell by hashing its id, then
// pulls free members toward the centroid of their group.
type SeedOracle struct{}

var _ Oracle = SeedOracle{}

func (SeedOracle) CreateState() *State { return &State{} }

// SeedToPos maps id to a point on the sphere of the given radius. The same id
// always yields the same point.
func (SeedOracle) SeedToPos(id string, radius float32) math32.Vector3 {
	return SeedToPos(id, radius)
}

func (SeedOracle) Evolve(state *State, p Params) {
	if len(state.Nodes) == 0 || p.Iterations <= 0 || p.Pull <= 0 {
		return
	}
	for it := 0; it < p.Iterations; it++ {
		sums := make(map[string]math32.Vector3)
		counts := make(map[string]float32)
		for _, n := range state.Nodes {
			if n.Group == "" {
				continue
			}
			sums[n.Group] = sums[n.Group].Add(n.Pos)
			counts[n.Group]++
		}
		for i := range state.Nodes {
			n := &state.Nodes[i]
			if n.Fixed || n.Group == "" || counts[n.Group] < 2 {
				continue
			}
			centroid := sums[n.Group].DivScalar(counts[n.Group])
			n.Pos = n.Pos.Add(centroid.Sub(n.Pos).MulScalar(p.Pull))
		}
	}
}

// SeedToPos hashes id onto a sphere shell of the given radius.
func SeedToPos(id string, radius float32) math32.Vector3 {
	h := xxhash.Sum64String(id)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], h)
	h2 := xxhash.Sum64(buf[:])

	u := float64(h>>11) / float64(1<<53)  // [0,1)
	v := float64(h2>>11) / float64(1<<53) // [0,1)
	theta := 2 * math.Pi * u
	phi := math.Acos(1 - 2*v)
	// Spread points through the shell rather than on its surface.
	r := float64(radius) * (0.6 + 0.4*float64(h&0xffff)/0xffff)
	return math32.Vec3(
		float32(r*math.Sin(phi)*math.Cos(theta)),
		float32(r*math.Sin(phi)*math.Sin(theta)),
		float32(r*math.Cos(phi)),
	)
}

// Run builds a state from store, evolves it and writes positions back.
// With full=false members that already have a position are fixed and only
// new members receive positions. It returns the number of members written.
func Run(store *entity.Store, o Oracle, p Params, full bool) int {
	state := o.CreateState()
	store.Range(func(m entity.Member) bool {
		n := Node{
			ID:       m.ID,
			Group:    m.ClusterLabel,
			Activity: m.ActivityScore,
			Pos:      m.Position,
			Fixed:    m.HasPosition && !full,
		}
		if !m.HasPosition {
			// Active members sit closer to the core.
			n.Pos = o.SeedToPos(m.ID, p.Radius*(1-0.5*m.ActivityScore))
		}
		state.Nodes = append(state.Nodes, n)
		return true
	})
	if !full {
		free := 0
		for _, n := range state.Nodes {
			if !n.Fixed {
				free++
			}
		}
		if free == 0 {
			return 0
		}
	}
	o.Evolve(state, p)

	positions := make(map[string]math32.Vector3, len(state.Nodes))
	for _, n := range state.Nodes {
		if n.Fixed {
			continue
		}
		positions[n.ID] = n.Pos
	}
	return store.SetPositions(positions, full)
}
