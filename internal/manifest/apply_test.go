package manifest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shinji-kodama/swarm-secrets/internal/docker"
	"github.com/shinji-kodama/swarm-secrets/internal/docker/dockertest"
	"github.com/shinji-kodama/swarm-secrets/internal/journal"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
	"github.com/shinji-kodama/swarm-secrets/internal/rollout"
)

func newApplier(t *testing.T) (*Applier, *dockertest.Daemon) {
	t.Helper()
	d := dockertest.New()
	cli := docker.NewClientFromAPI(d, "fake://daemon")

	j, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	opts := rollout.DefaultOptions()
	opts.Wait = docker.WaitOptions{Timeout: time.Second, PollInterval: 5 * time.Millisecond, MaxPollInterval: 20 * time.Millisecond}
	log := zaptest.NewLogger(t)
	return NewApplier(cli, rollout.New(cli, j, log, opts), log), d
}

// plan lists the daemon's objects and plans desired against them.
func plan(t *testing.T, a *Applier, desired []Desired, prune bool) []Change {
	t.Helper()
	current, err := a.Current(context.Background())
	require.NoError(t, err)
	return Plan(current, desired, prune)
}

func statuses(outcomes []Outcome) map[string]string {
	out := make(map[string]string, len(outcomes))
	for _, o := range outcomes {
		out[string(o.Kind)+"/"+o.Name] = o.Status
	}
	return out
}

func TestApply(t *testing.T) {
	a, d := newApplier(t)
	ctx := context.Background()

	d.AddSecret("db-password", []byte("old"), docker.BuildLabels(nil, []byte("old")))
	d.AddSecret("kept", []byte("same"), docker.BuildLabels(nil, []byte("same")))
	d.AddSecret("stale", []byte("x"), docker.BuildLabels(nil, []byte("x")))
	d.AddConfig("stale-but-used.conf", []byte("x"), docker.BuildLabels(nil, []byte("x")))
	d.AddService("api",
		dockertest.WithSecret("db-password", "db_password"),
		dockertest.WithConfig("stale-but-used.conf", "/etc/app.conf"))

	desired := []Desired{
		{Kind: model.KindSecret, Name: "db-password", Data: []byte("new")},
		{Kind: model.KindSecret, Name: "kept", Data: []byte("same")},
		{Kind: model.KindConfig, Name: "app.conf", Labels: map[string]string{"env": "prod"}, Data: []byte("debug=false")},
	}

	outcomes, err := a.Apply(ctx, plan(t, a, desired, true), false)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"secret/db-password":         StatusDone,
		"secret/kept":                StatusSkipped,
		"config/app.conf":            StatusDone,
		"secret/stale":               StatusDone,
		"config/stale-but-used.conf": StatusSkipped,
	}, statuses(outcomes))

	assert.NotEmpty(t, outcomes[0].RolloutID, "in-use secret goes through a rollout")
	assert.Equal(t, "in use by 1 service(s)", outcomes[4].Reason)

	assert.Equal(t, []string{"db-password", "kept"}, d.SecretNames())
	assert.Equal(t, []string{"app.conf", "stale-but-used.conf"}, d.ConfigNames())

	spec, ok := d.ServiceSpec("api")
	require.True(t, ok)
	assert.Equal(t, outcomes[0].ID, spec.TaskTemplate.ContainerSpec.Secrets[0].SecretID)

	// Applying again finds nothing to do apart from the in-use prune.
	again, err := a.Apply(ctx, plan(t, a, desired, false), false)
	require.NoError(t, err)
	for _, o := range again {
		assert.Equal(t, ActionUnchanged, o.Action, o.Name)
	}
}

func TestApply_DryRun(t *testing.T) {
	a, d := newApplier(t)
	d.AddSecret("old", []byte("x"), docker.BuildLabels(nil, []byte("x")))

	desired := []Desired{{Kind: model.KindSecret, Name: "new", Data: []byte("v")}}
	outcomes, err := a.Apply(context.Background(), plan(t, a, desired, true), true)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"secret/new": StatusPlanned,
		"secret/old": StatusPlanned,
	}, statuses(outcomes))
	assert.Empty(t, d.Calls())
}

func TestApply_ContinuesAfterFailure(t *testing.T) {
	a, d := newApplier(t)
	d.FailOnce(dockertest.OpSecretCreate, "first", errors.New("raft: no leader"))

	desired := []Desired{
		{Kind: model.KindSecret, Name: "first", Data: []byte("1")},
		{Kind: model.KindSecret, Name: "second", Data: []byte("2")},
	}
	outcomes, err := a.Apply(context.Background(), plan(t, a, desired, false), false)
	require.Error(t, err)
	assert.Equal(t, model.ExitGeneralError, model.CodeOf(err))
	assert.Contains(t, err.Error(), "1 of 2 changes failed")

	assert.Equal(t, StatusFailed, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Error, "raft: no leader")
	assert.Equal(t, StatusDone, outcomes[1].Status)
	assert.Equal(t, []string{"second"}, d.SecretNames())
}

func TestApply_DoesNotCreateOverUnfinishedRollout(t *testing.T) {
	a, d := newApplier(t)
	ctx := context.Background()
	d.AddSecret("token", []byte("old"), docker.BuildLabels(nil, []byte("old")))
	d.AddService("api", dockertest.WithSecret("token", "token"))
	d.FailOnce(dockertest.OpSecretCreate, "token", errors.New("raft: no leader"))

	desired := []Desired{{Kind: model.KindSecret, Name: "token", Data: []byte("new")}}
	outcomes, err := a.Apply(ctx, plan(t, a, desired, false), false)
	require.Error(t, err)
	assert.Equal(t, model.ExitRolloutFailed, model.CodeOf(err))
	require.NotEmpty(t, outcomes[0].RolloutID)
	temp := d.SecretNames()
	require.Len(t, temp, 1, "only the temporary copy is left")

	// The original is gone, so the next plan wants to create it.
	changes := plan(t, a, desired, false)
	require.Len(t, changes, 1)
	assert.Equal(t, ActionCreate, changes[0].Action)

	outcomes, err = a.Apply(ctx, changes, false)
	require.Error(t, err)
	assert.Equal(t, model.ExitConflict, model.CodeOf(err))
	assert.ErrorIs(t, err, rollout.ErrRolloutInProgress)
	assert.Equal(t, StatusFailed, outcomes[0].Status)
	assert.Equal(t, temp, d.SecretNames())
}
