package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRollout(id, name string) *model.Rollout {
	return &model.Rollout{
		ID:         id,
		Kind:       model.KindSecret,
		Strategy:   model.StrategyRolling,
		Name:       name,
		FinalName:  name,
		OriginalID: "orig-" + id,
		Services:   []string{"svc1", "svc2"},
		Labels:     map[string]string{"env": "prod"},
		Phase:      model.PhasePlanned,
		Progress:   model.PhasePlanned,
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	assert.Error(t, err)
}

func TestOpen_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Begin(ctx, newRollout("r1", "db")))
	require.NoError(t, s.Close())

	// Migrations must not be applied twice.
	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	r, _, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "db", r.Name)
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	r := newRollout("r1", "db-password")
	require.NoError(t, s.Begin(ctx, r))
	assert.False(t, r.StartedAt.IsZero())

	r.TempName = "db-password-rollout-r1"
	r.TempID = "temp-id"
	r.SetPhase(model.PhaseTempCreated)
	require.NoError(t, s.Advance(ctx, r, "created db-password-rollout-r1"))

	r.SetPhase(model.PhaseServicesOnTemp)
	require.NoError(t, s.Advance(ctx, r, "2 services on temporary copy"))

	r.FinalID = "final-id"
	r.SetPhase(model.PhaseCompleted)
	require.NoError(t, s.Finish(ctx, r))
	require.NotNil(t, r.FinishedAt)

	got, steps, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseCompleted, got.Phase)
	assert.Equal(t, model.PhaseCompleted, got.Progress)
	assert.Equal(t, "temp-id", got.TempID)
	assert.Equal(t, "final-id", got.FinalID)
	assert.Equal(t, []string{"svc1", "svc2"}, got.Services)
	assert.Equal(t, map[string]string{"env": "prod"}, got.Labels)
	require.NotNil(t, got.FinishedAt)
	assert.WithinDuration(t, *r.FinishedAt, *got.FinishedAt, time.Millisecond)

	phases := make([]model.RolloutPhase, 0, len(steps))
	for _, st := range steps {
		phases = append(phases, st.Phase)
		assert.Equal(t, "r1", st.RolloutID)
	}
	assert.Equal(t, []model.RolloutPhase{
		model.PhasePlanned,
		model.PhaseTempCreated,
		model.PhaseServicesOnTemp,
		model.PhaseCompleted,
	}, phases)
	assert.Equal(t, "2 services on temporary copy", steps[2].Detail)
}

func TestStore_GetMissing(t *testing.T) {
	_, _, err := openTestStore(t).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AdvanceMissing(t *testing.T) {
	err := openTestStore(t).Advance(context.Background(), newRollout("ghost", "x"), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_BeginDuplicate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Begin(ctx, newRollout("r1", "a")))
	assert.Error(t, s.Begin(ctx, newRollout("r1", "a")))
}

func TestStore_Active(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	// Finished rollouts never block.
	done := newRollout("done", "api-key")
	require.NoError(t, s.Begin(ctx, done))
	done.SetPhase(model.PhaseCompleted)
	require.NoError(t, s.Finish(ctx, done))

	// Failed before anything was created: nothing to resume.
	early := newRollout("early", "api-key")
	require.NoError(t, s.Begin(ctx, early))
	early.SetPhase(model.PhaseFailed)
	require.NoError(t, s.Finish(ctx, early))

	active, err := s.Active(ctx, model.KindSecret, "api-key")
	require.NoError(t, err)
	assert.Nil(t, active)

	stuck := newRollout("stuck", "api-key")
	require.NoError(t, s.Begin(ctx, stuck))
	stuck.SetPhase(model.PhaseOriginalRemoved)
	require.NoError(t, s.Advance(ctx, stuck, "removed original"))
	stuck.SetPhase(model.PhaseFailed)
	stuck.Error = "daemon went away"
	require.NoError(t, s.Finish(ctx, stuck))

	active, err = s.Active(ctx, model.KindSecret, "api-key")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "stuck", active.ID)
	assert.Equal(t, model.PhaseOriginalRemoved, active.Progress)

	other, err := s.Active(ctx, model.KindConfig, "api-key")
	require.NoError(t, err)
	assert.Nil(t, other, "kinds are separate namespaces")
}

func TestStore_ListAndIncomplete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		r := newRollout(id, "obj-"+id)
		r.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Begin(ctx, r))
		if id == "b" {
			r.SetPhase(model.PhaseCompleted)
			require.NoError(t, s.Finish(ctx, r))
		}
	}

	list, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	incomplete, err := s.Incomplete(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 2)
	assert.Equal(t, "a", incomplete[0].ID)
	assert.Equal(t, "c", incomplete[1].ID)
}

func TestUpSection(t *testing.T) {
	assert.Equal(t, "\nCREATE TABLE t (x);\n",
		upSection("-- +migrate Up\nCREATE TABLE t (x);\n-- +migrate Down\nDROP TABLE t;\n"))
	assert.Equal(t, "SELECT 1;", upSection("SELECT 1;"))
}

func TestNop(t *testing.T) {
	ctx := context.Background()
	var j Journal = Nop{}
	require.NoError(t, j.Begin(ctx, newRollout("x", "y")))
	active, err := j.Active(ctx, model.KindSecret, "y")
	assert.NoError(t, err)
	assert.Nil(t, active)
	_, _, err = j.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}
