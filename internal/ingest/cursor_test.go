package ingest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/starfield/internal/fault"
	"github.com/agentic-research/starfield/internal/kv"
)

func TestCursor_SaveLoad(t *testing.T) {
	db, err := kv.Open(filepath.Join(t.TempDir(), "kv.db"), 0)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, ok, err := LoadCursor(db)
	require.NoError(t, err)
	assert.False(t, ok)

	want := Cursor{UserSkip: 500, PostSkip: 20, TotalMembers: 480, Stage: StagePosts, Shape: "member-primary"}
	require.NoError(t, SaveCursor(db, want))
	got, ok, err := LoadCursor(db)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	require.NoError(t, db.SetItem(kv.KeyCursor, "{not json"))
	_, ok, err = LoadCursor(db)
	assert.False(t, ok)
	assert.ErrorIs(t, err, fault.ErrSchemaMismatch)

	require.NoError(t, db.SetItem(kv.KeyCursor, `{"userSkip":-4}`))
	_, ok, err = LoadCursor(db)
	assert.False(t, ok)
	assert.ErrorIs(t, err, fault.ErrSchemaMismatch)
}

func TestReconcile(t *testing.T) {
	snap := &Cursor{UserSkip: 100, TotalMembers: 100}
	ahead := &Cursor{UserSkip: 150, TotalMembers: 150}
	matching := &Cursor{UserSkip: 100, PostSkip: 40, TotalMembers: 100, Stage: StagePosts}

	assert.Equal(t, Cursor{}, Reconcile(ahead, nil, 0), "no snapshot starts fresh")
	got := Reconcile(matching, snap, 100)
	assert.Equal(t, StagePosts, got.Stage)
	assert.Equal(t, 100, got.UserSkip)
	assert.Zero(t, got.PostSkip, "restored counts cover no post pages yet")

	midMembers := &Cursor{UserSkip: 100, TotalMembers: 100, Shape: "fallback"}
	assert.Equal(t, *midMembers, Reconcile(midMembers, snap, 100))

	got = Reconcile(ahead, snap, 100)
	assert.Equal(t, 100, got.UserSkip, "cursor ahead of the restored store is not trusted")
	assert.Equal(t, 100, got.TotalMembers)

	assert.Equal(t, 100, Reconcile(nil, snap, 100).UserSkip)
}

func TestReconcile_ActivityProgressFollowsSnapshot(t *testing.T) {
	snap := &Cursor{UserSkip: 3, PostSkip: 1000, TotalMembers: 3, Stage: StagePosts}

	got := Reconcile(&Cursor{UserSkip: 3, PostSkip: 3000, TotalMembers: 3, Stage: StagePosts}, snap, 3)
	assert.Equal(t, 1000, got.PostSkip)
	assert.Equal(t, StagePosts, got.Stage)

	got = Reconcile(&Cursor{UserSkip: 3, PostSkip: 4000, CommentSkip: 500, TotalMembers: 3, Stage: StageComments}, snap, 3)
	assert.Equal(t, StagePosts, got.Stage, "comments stage rewinds to the snapshot's posts stage")
	assert.Equal(t, 1000, got.PostSkip)
	assert.Zero(t, got.CommentSkip)

	done := &Cursor{UserSkip: 3, PostSkip: 4000, CommentSkip: 800, TotalMembers: 3, Stage: StageDone, IsComplete: true}
	got = Reconcile(done, snap, 3)
	assert.False(t, got.IsComplete)
	assert.Equal(t, StagePosts, got.Stage)

	snapDone := *done
	assert.Equal(t, *done, Reconcile(done, &snapDone, 3))
}

func TestStage_String(t *testing.T) {
	assert.Equal(t, "members", StageMembers.String())
	assert.Equal(t, "comments", StageComments.String())
	assert.Equal(t, "stage(9)", Stage(9).String())
	assert.Equal(t, "paused", Paused.String())
}
