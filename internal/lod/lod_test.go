package lod

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_EdgeCapSteps(t *testing.T) {
	p := New(DefaultConfig())
	tests := []struct {
		n, cap, draw int
	}{
		{0, 100, 0},
		{40, 100, 40},
		{100, 100, 100},
		{101, 80, 80},
		{500, 80, 80},
		{1999, 60, 60},
		{2001, 40, 40},
		{1_000_000, 40, 40},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.cap, p.EdgeCap(tt.n), "EdgeCap(%d)", tt.n)
		assert.Equal(t, tt.draw, p.EdgesToDraw(tt.n), "EdgesToDraw(%d)", tt.n)
	}
}

func TestPolicy_EdgeCapIsNonIncreasing(t *testing.T) {
	p := New(DefaultConfig())
	prev := p.EdgeCap(0)
	for n := 1; n < 5000; n++ {
		c := p.EdgeCap(n)
		assert.LessOrEqual(t, c, prev, "n=%d", n)
		prev = c
	}
}

func TestPolicy_EdgeCapFloorNeverExceedsSteps(t *testing.T) {
	p := New(Config{Steps: []Step{{Max: 10, Cap: 5}}, FloorCap: 50})
	assert.Equal(t, 5, p.EdgeCap(11))
}

func TestPolicy_Partition(t *testing.T) {
	p := New(DefaultConfig())
	full, merged := p.Partition(10)
	assert.Equal(t, 10, full)
	assert.Equal(t, 0, merged)

	full, merged = p.Partition(100)
	assert.Equal(t, 24, full)
	assert.Equal(t, 76, merged)

	full, merged = p.Partition(-1)
	assert.Zero(t, full)
	assert.Zero(t, merged)
}

func TestPolicy_Throttle(t *testing.T) {
	p := New(DefaultConfig())
	assert.Equal(t, 1, p.ThrottleInterval(UIState{}))
	assert.Equal(t, 2, p.ThrottleInterval(UIState{PanelOpen: true}))
	assert.Equal(t, 2, p.ThrottleInterval(UIState{Decorations: 100}))
	assert.Equal(t, 3, p.ThrottleInterval(UIState{PanelOpen: true, Decorations: 100}))
}

func TestShouldUpdate(t *testing.T) {
	updates := 0
	for f := uint64(0); f < 30; f++ {
		if ShouldUpdate(f, 3) {
			updates++
		}
	}
	assert.Equal(t, 10, updates)
	assert.True(t, ShouldUpdate(7, 1))
	assert.True(t, ShouldUpdate(7, 0))
}
