package entity

import "cogentcore.org/core/math32"

const minArenaCapacity = 1024

// arena is the growable columnar buffer set. Logical length n is tracked
// separately from capacity; growth doubles capacity, copies every column and
// swaps them together so no view ever sees columns of different lengths.
type arena struct {
	n   int
	cap int

	positions []float32 // 3 per slot
	colors    []float32 // 3 per slot
	sizes     []float32
	activity  []float32
	indices   []uint32
}

// Buffers is a consistent read-only view of the first Len() slots.
type Buffers struct {
	Positions []float32
	Colors    []float32
	Sizes     []float32
	Activity  []float32
	Indices   []uint32
}

// Len returns the number of slots in the view.
func (b Buffers) Len() int { return len(b.Sizes) }

func (a *arena) push() Slot {
	if a.n == a.cap {
		a.grow(a.n + 1)
	}
	slot := Slot(a.n)
	a.n++
	return slot
}

func (a *arena) grow(minCap int) {
	newCap := a.cap * 2
	if newCap < minArenaCapacity {
		newCap = minArenaCapacity
	}
	if newCap < minCap {
		newCap = minCap
	}

	positions := make([]float32, 3*newCap)
	colors := make([]float32, 3*newCap)
	sizes := make([]float32, newCap)
	activity := make([]float32, newCap)
	indices := make([]uint32, newCap)

	copy(positions, a.positions[:3*a.n])
	copy(colors, a.colors[:3*a.n])
	copy(sizes, a.sizes[:a.n])
	copy(activity, a.activity[:a.n])
	copy(indices, a.indices[:a.n])

	a.positions, a.colors, a.sizes, a.activity, a.indices = positions, colors, sizes, activity, indices
	a.cap = newCap
}

func (a *arena) setPosition(slot Slot, p math32.Vector3) {
	i := 3 * int(slot)
	a.positions[i] = p.X
	a.positions[i+1] = p.Y
	a.positions[i+2] = p.Z
}

func (a *arena) position(slot Slot) math32.Vector3 {
	i := 3 * int(slot)
	return math32.Vec3(a.positions[i], a.positions[i+1], a.positions[i+2])
}

func (a *arena) view() Buffers {
	return Buffers{
		Positions: a.positions[:3*a.n:3*a.n],
		Colors:    a.colors[:3*a.n:3*a.n],
		Sizes:     a.sizes[:a.n:a.n],
		Activity:  a.activity[:a.n:a.n],
		Indices:   a.indices[:a.n:a.n],
	}
}
