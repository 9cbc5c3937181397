package selection

import (
	"context"
	"sync"
	"testing"
	"time"

	"cogentcore.org/core/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/starfield/api"
	"github.com/agentic-research/starfield/internal/fault"
	"github.com/agentic-research/starfield/internal/guard"
	"github.com/agentic-research/starfield/internal/runloop"
)

type fakeLocator struct {
	mu      sync.Mutex
	local   map[string]math32.Vector3
	byName  map[string]string
	remote  map[string]api.MemberRecord
	gates   map[string]chan struct{}
	adopted []string
}

func (f *fakeLocator) Local(t Target) (string, math32.Vector3, bool) {
	id := t.ID
	if id == "" {
		id = f.byName[t.Username]
	}
	pos, ok := f.local[id]
	return id, pos, ok
}

func (f *fakeLocator) Remote(ctx context.Context, t Target) (api.MemberRecord, error) {
	key := t.ID
	if key == "" {
		key = t.Username
	}
	f.mu.Lock()
	gate := f.gates[key]
	rec, ok := f.remote[key]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return api.MemberRecord{}, ctx.Err()
		}
	}
	if !ok {
		return api.MemberRecord{}, fault.ErrNotFound
	}
	return rec, nil
}

func (f *fakeLocator) Adopt(rec api.MemberRecord) (math32.Vector3, bool) {
	f.adopted = append(f.adopted, rec.ID)
	return math32.Vector3{}, false
}

func (f *fakeLocator) Seed(id string) math32.Vector3 {
	return math32.Vec3(float32(len(id)), 100, 0)
}

type fakeDecorator struct {
	loads    []string
	released int
}

func (d *fakeDecorator) Load(tok guard.Token, id string) {
	if tok.Valid() {
		d.loads = append(d.loads, id)
	}
}

func (d *fakeDecorator) Release() { d.released++ }

type harness struct {
	loop    *runloop.Loop
	guard   *guard.Guard
	locator *fakeLocator
	decor   *fakeDecorator
	fsm     *FSM
	trans   []Transition
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		loop: runloop.New(nil),
		locator: &fakeLocator{
			local:  map[string]math32.Vector3{"alice": math32.Vec3(100, 0, 0), "bob": math32.Vec3(0, 50, 0)},
			byName: map[string]string{"alice": "alice", "bob": "bob"},
			remote: map[string]api.MemberRecord{},
			gates:  map[string]chan struct{}{},
		},
		decor: &fakeDecorator{},
	}
	h.guard = guard.New("selection", h.loop, nil, nil)
	h.fsm = New(DefaultConfig(), h.guard, h.locator, h.decor, nil)
	h.fsm.OnTransition(func(tr Transition) { h.trans = append(h.trans, tr) })
	return h
}

func (h *harness) arrive() {
	for range 10 {
		h.fsm.Tick(200 * time.Millisecond)
	}
}

func (h *harness) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.loop.RunUntil(ctx, cond))
}

func TestFSM_SelectLocalTravelsAndDecorates(t *testing.T) {
	h := newHarness(t)
	h.fsm.Select("alice")
	assert.Equal(t, Traveling, h.fsm.State())
	assert.Equal(t, "alice", h.fsm.Selected())

	prev := float32(0)
	for range 5 {
		h.fsm.Tick(200 * time.Millisecond)
		p := h.fsm.Camera().Progress
		assert.GreaterOrEqual(t, p, prev, "progress is monotonic")
		prev = p
	}
	assert.Equal(t, Traveling, h.fsm.State())
	assert.Empty(t, h.decor.loads)

	h.fsm.Tick(200 * time.Millisecond)
	assert.Equal(t, Selected, h.fsm.State())
	assert.Equal(t, float32(1), h.fsm.Camera().Progress)
	assert.Equal(t, []string{"alice"}, h.decor.loads)
	assert.Equal(t, math32.Vec3(160, 0, 0), h.fsm.Camera().Eye())
	assert.Equal(t, math32.Vec3(100, 0, 0), h.fsm.Camera().LookAt())

	var states []State
	for _, tr := range h.trans {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{PanelOpening, Traveling, Selected}, states)
}

func TestFSM_CloseReleases(t *testing.T) {
	h := newHarness(t)
	h.fsm.Close()
	assert.Empty(t, h.trans, "close from idle is ignored")

	h.fsm.Select("alice")
	h.arrive()
	tok := h.fsm.Token()
	h.fsm.Close()
	assert.Equal(t, Idle, h.fsm.State())
	assert.Equal(t, 1, h.decor.released)
	assert.False(t, tok.Valid())
	assert.Empty(t, h.fsm.Selected())
	assert.Equal(t, Closing, h.trans[len(h.trans)-2].To)
}

func TestFSM_CloseDuringTravel(t *testing.T) {
	h := newHarness(t)
	h.fsm.Select("alice")
	h.fsm.Tick(100 * time.Millisecond)
	h.fsm.Close()
	h.arrive()
	assert.Equal(t, Idle, h.fsm.State())
	assert.Empty(t, h.decor.loads)
}

func TestFSM_ReselectMidTravelStartsFromCurrentPose(t *testing.T) {
	h := newHarness(t)
	h.fsm.Select("alice")
	h.fsm.Tick(600 * time.Millisecond)
	mid := h.fsm.Camera().Eye()

	h.fsm.Select("bob")
	assert.Equal(t, Traveling, h.fsm.State())
	assert.Equal(t, mid, h.fsm.Camera().From)
	assert.Equal(t, float32(0), h.fsm.Camera().Progress)
	h.arrive()
	assert.Equal(t, []string{"bob"}, h.decor.loads)
}

func TestFSM_RemoteLookupAdoptsAndSeeds(t *testing.T) {
	h := newHarness(t)
	h.locator.remote["zed"] = api.MemberRecord{ID: "zed", Username: "zed"}
	h.fsm.Select("zed")
	assert.Equal(t, PanelOpening, h.fsm.State())

	h.runUntil(t, func() bool { return h.fsm.State() == Traveling })
	assert.Equal(t, []string{"zed"}, h.locator.adopted)
	assert.Equal(t, h.locator.Seed("zed"), h.fsm.Camera().ToLookAt)
}

func TestFSM_UnknownIDFallsBackToSeed(t *testing.T) {
	h := newHarness(t)
	h.fsm.Select("ghost")
	h.runUntil(t, func() bool { return h.fsm.State() == Traveling })
	assert.Equal(t, "ghost", h.fsm.Selected())
	assert.Equal(t, h.locator.Seed("ghost"), h.fsm.Camera().ToLookAt)
}

func TestFSM_SupersededLookupNeverMoves(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.locator.remote["zed"] = api.MemberRecord{ID: "zed"}
	h.locator.gates["zed"] = gate

	h.fsm.Select("zed")
	h.fsm.Select("alice")
	close(gate)
	h.runUntil(t, func() bool { return h.guard.Outstanding() == 0 })
	h.loop.Drain()

	assert.Equal(t, "alice", h.fsm.Selected())
	assert.Empty(t, h.locator.adopted)
	h.arrive()
	assert.Equal(t, []string{"alice"}, h.decor.loads)
}

func TestFSM_DeepLinkWaitsForDataset(t *testing.T) {
	h := newHarness(t)
	h.fsm.DeepLink("Alice")
	assert.Equal(t, PanelOpening, h.fsm.State())
	pending, ok := h.fsm.Pending()
	require.True(t, ok)
	assert.Equal(t, "alice", pending.Username)

	h.fsm.Tick(5 * time.Second)
	assert.Equal(t, PanelOpening, h.fsm.State())

	h.fsm.DatasetReady()
	_, ok = h.fsm.Pending()
	assert.False(t, ok)
	assert.Equal(t, Traveling, h.fsm.State())
	assert.Equal(t, "alice", h.fsm.Selected())
}

func TestFSM_DeepLinkTimesOut(t *testing.T) {
	h := newHarness(t)
	h.fsm.DeepLink("alice")
	h.fsm.Tick(14 * time.Second)
	assert.Equal(t, PanelOpening, h.fsm.State())
	h.fsm.Tick(time.Second)
	assert.Equal(t, Idle, h.fsm.State())
	assert.Equal(t, math32.Vec3(0, 0, 1400), h.fsm.Camera().Eye())

	h.fsm.DatasetReady()
	assert.Equal(t, Idle, h.fsm.State(), "expired deep link is not resumed")
}

func TestFSM_DeepLinkAfterReadyResolvesImmediately(t *testing.T) {
	h := newHarness(t)
	h.fsm.DatasetReady()
	h.fsm.DeepLink("bob")
	assert.Equal(t, Traveling, h.fsm.State())
}

func TestFSM_DeepLinkUnknownUsernameGoesIdle(t *testing.T) {
	h := newHarness(t)
	h.fsm.DatasetReady()
	h.fsm.DeepLink("nobody")
	h.runUntil(t, func() bool { return h.fsm.State() == Idle })
	assert.Equal(t, "not_found", h.trans[len(h.trans)-1].Reason)
}

func TestEaseInOutCubic(t *testing.T) {
	assert.Equal(t, float32(0), EaseInOutCubic(-1))
	assert.Equal(t, float32(1), EaseInOutCubic(2))
	assert.InDelta(t, 0.5, EaseInOutCubic(0.5), 1e-6)
	prev := float32(0)
	for i := 0; i <= 100; i++ {
		v := EaseInOutCubic(float32(i) / 100)
		assert.GreaterOrEqual(t, v, prev)
		prev = v
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "panel_opening", PanelOpening.String())
	assert.Equal(t, "state(9)", State(9).String())
}
