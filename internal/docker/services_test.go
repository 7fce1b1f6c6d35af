package docker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/docker/docker/api/types/swarm"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/swarm-secrets/internal/docker/dockertest"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// fastWait keeps convergence tests quick.
var fastWait = WaitOptions{
	Timeout:         200 * time.Millisecond,
	PollInterval:    5 * time.Millisecond,
	MaxPollInterval: 20 * time.Millisecond,
}

func inspect(t *testing.T, cli *Client, kind model.Kind, ref string) *model.Object {
	t.Helper()
	obj, err := InspectObject(context.Background(), cli, kind, ref)
	require.NoError(t, err)
	return obj
}

func TestFindReferencingServices(t *testing.T) {
	ctx := context.Background()
	cli, d := newTestClient(t)
	d.AddSecret("db-password", []byte("x"), nil)
	d.AddSecret("api-key", []byte("y"), nil)
	d.AddService("worker", dockertest.WithSecret("db-password", "db"))
	d.AddService("api",
		dockertest.WithSecret("db-password", "db_password"),
		dockertest.WithSecret("db-password", "legacy/db"),
		dockertest.WithSecret("api-key", "key"))
	d.AddService("frontend")

	refs, err := FindReferencingServices(ctx, cli, model.KindSecret, inspect(t, cli, model.KindSecret, "db-password"))
	require.NoError(t, err)

	got := make(map[string][]string)
	for _, r := range refs {
		got[r.ServiceName] = r.Targets
		assert.NotZero(t, r.Version)
	}
	want := map[string][]string{
		"api":    {"db_password", "legacy/db"},
		"worker": {"db"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("referencing services mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "api", refs[0].ServiceName, "sorted by service name")
}

func TestFindReferencingServices_KindsAreSeparate(t *testing.T) {
	ctx := context.Background()
	cli, d := newTestClient(t)
	d.AddSecret("shared", []byte("x"), nil)
	d.AddConfig("shared", []byte("y"), nil)
	d.AddService("web", dockertest.WithConfig("shared", "/etc/shared.conf"))

	refs, err := FindReferencingServices(ctx, cli, model.KindSecret, inspect(t, cli, model.KindSecret, "shared"))
	require.NoError(t, err)
	assert.Empty(t, refs)

	refs, err = FindReferencingServices(ctx, cli, model.KindConfig, inspect(t, cli, model.KindConfig, "shared"))
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, []string{"/etc/shared.conf"}, refs[0].Targets)
}

func TestRewriteReferences(t *testing.T) {
	from := &model.Object{ID: "old-id", Name: "app-conf"}
	to := &model.Object{ID: "new-id", Name: "app-conf-rollout-1"}

	spec := &swarm.ContainerSpec{
		Configs: []*swarm.ConfigReference{
			{ConfigID: "old-id", ConfigName: "app-conf", File: &swarm.ConfigReferenceFileTarget{Name: "/app.conf", Mode: 0o400}},
			{ConfigID: "other", ConfigName: "other", File: &swarm.ConfigReferenceFileTarget{Name: "/other"}},
			{ConfigName: "app-conf", Runtime: &swarm.ConfigReferenceRuntimeTarget{}},
		},
		Privileges: &swarm.Privileges{CredentialSpec: &swarm.CredentialSpec{Config: "old-id"}},
	}

	n := rewriteReferences(model.KindConfig, spec, from, to)
	assert.Equal(t, 3, n)

	assert.Equal(t, "new-id", spec.Configs[0].ConfigID)
	assert.Equal(t, "app-conf-rollout-1", spec.Configs[0].ConfigName)
	assert.Equal(t, "/app.conf", spec.Configs[0].File.Name, "file target must not change")
	assert.Equal(t, 0o400, int(spec.Configs[0].File.Mode))
	assert.Equal(t, "other", spec.Configs[1].ConfigID)
	assert.Equal(t, "new-id", spec.Configs[2].ConfigID)
	assert.Equal(t, "new-id", spec.Privileges.CredentialSpec.Config)

	assert.Zero(t, rewriteReferences(model.KindSecret, nil, from, to))
}

func TestRepointService(t *testing.T) {
	ctx := context.Background()
	cli, d := newTestClient(t)
	d.AddSecret("db-password", []byte("old"), nil)
	d.AddSecret("db-password-tmp", []byte("new"), nil)
	svcID := d.AddService("api", dockertest.WithSecret("db-password", "db_password"))

	from := inspect(t, cli, model.KindSecret, "db-password")
	to := inspect(t, cli, model.KindSecret, "db-password-tmp")

	_, err := RepointService(ctx, cli, svcID, model.KindSecret, from, to)
	require.NoError(t, err)

	spec, ok := d.ServiceSpec("api")
	require.True(t, ok)
	ref := spec.TaskTemplate.ContainerSpec.Secrets[0]
	assert.Equal(t, to.ID, ref.SecretID)
	assert.Equal(t, "db-password-tmp", ref.SecretName)
	assert.Equal(t, "db_password", ref.File.Name)

	// Repeating is a no-op: no references to "from" remain.
	_, err = RepointService(ctx, cli, svcID, model.KindSecret, from, to)
	require.NoError(t, err)
	assert.Equal(t, []string{"ServiceUpdate api"}, filterCalls(d.Calls(), "ServiceUpdate"))
}

func TestRepointService_RetriesOutOfSequence(t *testing.T) {
	ctx := context.Background()
	cli, d := newTestClient(t)
	d.AddConfig("c1", []byte("1"), nil)
	d.AddConfig("c2", []byte("2"), nil)
	svcID := d.AddService("web", dockertest.WithConfig("c1", "/c"))

	d.FailOnce(dockertest.OpServiceUpdate, "web", errors.New("rpc error: code = Unknown desc = update out of sequence"))

	_, err := RepointService(ctx, cli, svcID, model.KindConfig,
		inspect(t, cli, model.KindConfig, "c1"), inspect(t, cli, model.KindConfig, "c2"))
	require.NoError(t, err)

	spec, _ := d.ServiceSpec("web")
	assert.Equal(t, "c2", spec.TaskTemplate.ContainerSpec.Configs[0].ConfigName)
}

func TestRepointService_PermanentFailure(t *testing.T) {
	ctx := context.Background()
	cli, d := newTestClient(t)
	d.AddConfig("c1", []byte("1"), nil)
	svcID := d.AddService("web", dockertest.WithConfig("c1", "/c"))

	missing := &model.Object{ID: "does-not-exist", Name: "gone"}
	_, err := RepointService(ctx, cli, svcID, model.KindConfig, inspect(t, cli, model.KindConfig, "c1"), missing)
	require.Error(t, err)
	assert.Equal(t, model.ExitInvalidInput, model.CodeOf(err))

	_, err = RepointService(ctx, cli, "no-such-service", model.KindConfig, missing, missing)
	assert.Equal(t, model.ExitNotFound, model.CodeOf(err))
}

func TestWaitConverged(t *testing.T) {
	ctx := context.Background()
	cli, d := newTestClient(t)
	d.AddSecret("s1", []byte("1"), nil)
	d.AddSecret("s2", []byte("2"), nil)
	a := d.AddService("a", dockertest.WithSecret("s1", "s"), dockertest.WithReplicas(3))
	b := d.AddService("b", dockertest.WithSecret("s1", "s"))

	from := inspect(t, cli, model.KindSecret, "s1")
	to := inspect(t, cli, model.KindSecret, "s2")
	for _, id := range []string{a, b} {
		_, err := RepointService(ctx, cli, id, model.KindSecret, from, to)
		require.NoError(t, err)
	}

	require.NoError(t, WaitConverged(ctx, cli, model.KindSecret, []string{a, b}, to, fastWait))
	require.NoError(t, WaitConverged(ctx, cli, model.KindSecret, nil, to, fastWait))
}

func TestWaitConverged_Timeout(t *testing.T) {
	ctx := context.Background()
	cli, d := newTestClient(t)
	d.AddSecret("s1", []byte("1"), nil)
	d.AddSecret("s2", []byte("2"), nil)
	id := d.AddService("slow", dockertest.WithSecret("s1", "s"))
	d.HoldConvergence("slow", true)

	to := inspect(t, cli, model.KindSecret, "s2")
	_, err := RepointService(ctx, cli, id, model.KindSecret, inspect(t, cli, model.KindSecret, "s1"), to)
	require.NoError(t, err)

	err = WaitConverged(ctx, cli, model.KindSecret, []string{id}, to, fastWait)
	require.Error(t, err)
	assert.Equal(t, model.ExitRolloutFailed, model.CodeOf(err))
	assert.Contains(t, err.Error(), "did not converge")
}

func TestWaitConverged_PausedFailsFast(t *testing.T) {
	ctx := context.Background()
	cli, d := newTestClient(t)
	d.AddConfig("c1", []byte("1"), nil)
	d.AddConfig("c2", []byte("2"), nil)
	id := d.AddService("web", dockertest.WithConfig("c1", "/c"))
	d.SetUpdateState("web", swarm.UpdateStatePaused)

	to := inspect(t, cli, model.KindConfig, "c2")
	_, err := RepointService(ctx, cli, id, model.KindConfig, inspect(t, cli, model.KindConfig, "c1"), to)
	require.NoError(t, err)

	start := time.Now()
	err = WaitConverged(ctx, cli, model.KindConfig, []string{id}, to, WaitOptions{
		Timeout:      time.Minute,
		PollInterval: 5 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paused")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func filterCalls(calls []string, op string) []string {
	var out []string
	for _, c := range calls {
		if len(c) > len(op) && c[:len(op)] == op {
			out = append(out, c)
		}
	}
	return out
}
