package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/docker/docker/api/types/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shinji-kodama/swarm-secrets/internal/docker"
	"github.com/shinji-kodama/swarm-secrets/internal/docker/dockertest"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
	"github.com/shinji-kodama/swarm-secrets/internal/rollout"
)

// harness runs commands against an in-memory daemon with an isolated
// config directory and journal.
type harness struct {
	d   *dockertest.Daemon
	dir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv("SWARM_SECRETS_JOURNAL", filepath.Join(dir, "journal.db"))
	t.Setenv("SWARM_SECRETS_CONVERGE_TIMEOUT", "200ms")
	t.Setenv("SWARM_SECRETS_POLL_INTERVAL", "5ms")
	t.Setenv("SWARM_SECRETS_LOG_LEVEL", "error")
	t.Setenv("SWARM_SECRETS_AGE_IDENTITY", "")

	d := dockertest.New()
	orig := dial
	dial = func(string) (*docker.Client, error) {
		return docker.NewClientFromAPI(d, "fake://daemon"), nil
	}
	t.Cleanup(func() {
		dial = orig
		cfg = defaultConfig()
		logger = zap.NewNop()
	})
	return &harness{d: d, dir: dir}
}

// run executes the CLI with args and stdin and returns what it wrote to
// stdout.
func (h *harness) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func (h *harness) write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestSecretCreate(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name  string
		stdin string
		args  func(h *harness) []string
		want  []byte
	}{
		{
			name: "inline data",
			args: func(*harness) []string { return []string{"secret", "create", "inline", "--data", "hunter2"} },
			want: []byte("hunter2"),
		},
		{
			name:  "stdin",
			stdin: "from-stdin",
			args:  func(*harness) []string { return []string{"secret", "create", "piped", "-"} },
			want:  []byte("from-stdin"),
		},
		{
			name: "positional file",
			args: func(h *harness) []string {
				return []string{"secret", "create", "from-file", h.write(t, "payload", "file-data")}
			},
			want: []byte("file-data"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := tt.args(h)
			out, err := h.run(t, tt.stdin, args...)
			require.NoError(t, err)
			assert.NotEmpty(t, strings.TrimSpace(out))

			data, ok := h.d.SecretData(args[2])
			require.True(t, ok)
			assert.Equal(t, tt.want, data)
		})
	}
}

func TestSecretCreate_Errors(t *testing.T) {
	h := newHarness(t)
	h.d.AddSecret("taken", []byte("x"), nil)

	tests := []struct {
		name string
		args []string
		code model.ExitCode
	}{
		{name: "no payload", args: []string{"secret", "create", "a"}, code: model.ExitInvalidInput},
		{name: "two payloads", args: []string{"secret", "create", "a", "--data", "x", "--file", "y"}, code: model.ExitInvalidInput},
		{name: "argument and flag", args: []string{"secret", "create", "a", "file", "--data", "x"}, code: model.ExitInvalidInput},
		{name: "bad name", args: []string{"secret", "create", "a-", "--data", "x"}, code: model.ExitInvalidInput},
		{name: "bad name after --", args: []string{"secret", "create", "--data", "x", "--", "-a-"}, code: model.ExitInvalidInput},
		{name: "unknown flag", args: []string{"secret", "create", "a", "--data", "x", "--driver", "vault"}, code: model.ExitInvalidInput},
		{name: "unknown shorthand", args: []string{"secret", "create", "-a-", "--data", "x"}, code: model.ExitInvalidInput},
		{name: "reserved label", args: []string{"secret", "create", "a", "--data", "x", "--label", "swarm-secrets.hash=1"}, code: model.ExitInvalidInput},
		{name: "missing file", args: []string{"secret", "create", "a", "/nonexistent/payload"}, code: model.ExitNotFound},
		{name: "duplicate", args: []string{"secret", "create", "taken", "--data", "x"}, code: model.ExitConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.run(t, "", tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.code, model.CodeOf(err), err.Error())
		})
	}
}

func TestSecretCreate_AgeFile(t *testing.T) {
	h := newHarness(t)

	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	idPath := h.write(t, "key.txt", id.String()+"\n")

	var enc bytes.Buffer
	w, err := age.Encrypt(&enc, id.Recipient())
	require.NoError(t, err)
	_, err = w.Write([]byte("decrypted"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	encPath := h.write(t, "secret.age", enc.String())

	_, err = h.run(t, "", "secret", "create", "api-key", "--age-file", encPath)
	require.Error(t, err, "no identity configured")
	assert.Equal(t, model.ExitInvalidInput, model.CodeOf(err))

	_, err = h.run(t, "", "secret", "create", "api-key", "--age-file", encPath, "--identity", idPath)
	require.NoError(t, err)
	data, _ := h.d.SecretData("api-key")
	assert.Equal(t, []byte("decrypted"), data)

	t.Setenv("SWARM_SECRETS_AGE_IDENTITY", idPath)
	_, err = h.run(t, "", "secret", "update", "api-key", "--age-file", encPath)
	require.NoError(t, err, "identity from the environment")
}

func TestObjectList(t *testing.T) {
	h := newHarness(t)
	h.d.AddSecret("plain", []byte("1"), map[string]string{"team": "core"})
	h.d.AddSecret("managed", []byte("2"), docker.BuildLabels(nil, []byte("2")))
	h.d.AddConfig("app.conf", []byte("k=v"), nil)

	out, err := h.run(t, "", "secret", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "plain")
	assert.Contains(t, out, "team=core")
	assert.NotContains(t, out, "app.conf")

	out, err = h.run(t, "", "--json", "secret", "ls", "--managed")
	require.NoError(t, err)
	var res struct {
		Secrets []model.Object `json:"secrets"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	require.Len(t, res.Secrets, 1)
	assert.Equal(t, "managed", res.Secrets[0].Name)

	out, err = h.run(t, "", "config", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "app.conf")

	h.d.SetNodeState(swarm.LocalNodeStateInactive, false)
	_, err = h.run(t, "", "config", "ls")
	require.Error(t, err)
	assert.Equal(t, model.ExitDockerNotRunning, model.CodeOf(err))
}

func TestObjectInspect(t *testing.T) {
	h := newHarness(t)
	h.d.AddConfig("app.conf", []byte("listen 80;"), nil)
	h.d.AddService("web", dockertest.WithConfig("app.conf", "/etc/app.conf"))

	out, err := h.run(t, "", "config", "inspect", "app.conf", "--show-data")
	require.NoError(t, err)
	assert.Contains(t, out, "Name:     app.conf")
	assert.Contains(t, out, "web (/etc/app.conf)")
	assert.Contains(t, out, "listen 80;")

	out, err = h.run(t, "", "--json", "config", "inspect", "app.conf")
	require.NoError(t, err)
	var res inspectResult
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	require.Len(t, res.Services, 1)
	assert.Equal(t, "web", res.Services[0].ServiceName)

	_, err = h.run(t, "", "secret", "inspect", "missing")
	assert.Equal(t, model.ExitNotFound, model.CodeOf(err))
}

func TestObjectRemove(t *testing.T) {
	h := newHarness(t)
	h.d.AddSecret("a", []byte("1"), nil)
	h.d.AddSecret("b", []byte("2"), nil)
	h.d.AddSecret("used", []byte("3"), nil)
	h.d.AddService("api", dockertest.WithSecret("used", "used"))

	_, err := h.run(t, "n\n", "secret", "rm", "a")
	require.Error(t, err)
	assert.Equal(t, model.ExitUserCancelled, model.CodeOf(err))
	assert.Equal(t, []string{"a", "b", "used"}, h.d.SecretNames())

	_, err = h.run(t, "", "secret", "rm", "--force", "a", "used")
	require.Error(t, err)
	assert.Equal(t, model.ExitConflict, model.CodeOf(err))
	assert.Contains(t, err.Error(), "in use by api")
	assert.Equal(t, []string{"a", "b", "used"}, h.d.SecretNames(), "nothing is removed when one object is in use")

	out, err := h.run(t, "yes\n", "secret", "rm", "a")
	require.NoError(t, err)
	assert.Contains(t, out, "Continue? [y/N]")

	_, err = h.run(t, "", "secret", "remove", "-f", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"used"}, h.d.SecretNames())
}

func TestObjectUpdate_Rolling(t *testing.T) {
	h := newHarness(t)
	h.d.AddSecret("token", []byte("old"), map[string]string{"team": "core"})
	h.d.AddService("api", dockertest.WithSecret("token", "token"))

	out, err := h.run(t, "", "secret", "update", "token", "--dry-run", "--data", "new")
	require.NoError(t, err)
	assert.Contains(t, out, `Would update secret "token" (strategy rolling)`)
	assert.Empty(t, h.d.Calls())

	out, err = h.run(t, "", "--json", "secret", "update", "token", "--data", "new")
	require.NoError(t, err)
	var res rollout.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	assert.Equal(t, model.StrategyRolling, res.Strategy)
	assert.Equal(t, model.PhaseCompleted, res.Phase)
	assert.Equal(t, "core", res.Object.Labels["team"], "labels kept without --label")

	data, _ := h.d.SecretData("token")
	assert.Equal(t, []byte("new"), data)

	out, err = h.run(t, "", "rollout", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, res.RolloutID)
	assert.Contains(t, out, "completed")

	out, err = h.run(t, "", "rollout", "show", res.RolloutID)
	require.NoError(t, err)
	assert.Contains(t, out, "Strategy:  rolling")
	assert.Contains(t, out, "services-on-temp")
	assert.NotContains(t, out, "Resume with")
}

func TestObjectUpdate_ReplacesLabels(t *testing.T) {
	h := newHarness(t)
	h.d.AddConfig("app.conf", []byte("v1"), map[string]string{"team": "core"})
	h.d.AddService("web", dockertest.WithConfig("app.conf", "/etc/app.conf"))

	out, err := h.run(t, "", "--json", "config", "update", "app.conf", "--data", "v2", "--label", "env=prod", "--name", "app-v2.conf")
	require.NoError(t, err)
	var res rollout.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	assert.Equal(t, model.StrategyRename, res.Strategy)
	assert.Equal(t, "prod", res.Object.Labels["env"])
	assert.NotContains(t, res.Object.Labels, "team")
	assert.Equal(t, []string{"app-v2.conf"}, h.d.ConfigNames())
}

func TestRolloutResume(t *testing.T) {
	h := newHarness(t)
	h.d.AddSecret("token", []byte("old"), nil)
	h.d.AddService("api", dockertest.WithSecret("token", "token"))
	h.d.FailOnce(dockertest.OpSecretCreate, "token", errors.New("raft: no leader"))

	out, err := h.run(t, "", "--json", "secret", "update", "token", "--data", "new")
	require.Error(t, err)
	assert.Equal(t, model.ExitRolloutFailed, model.CodeOf(err))
	var res rollout.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	assert.Equal(t, model.PhaseFailed, res.Phase)

	out, err = h.run(t, "", "rollout", "ls", "--incomplete")
	require.NoError(t, err)
	assert.Contains(t, out, res.RolloutID)

	out, err = h.run(t, "", "rollout", "show", res.RolloutID)
	require.NoError(t, err)
	assert.Contains(t, out, "Resume with: swarm-secrets rollout resume "+res.RolloutID)

	// The name is reserved for the rollout until it is resumed.
	_, err = h.run(t, "", "secret", "create", "token", "--data", "other")
	assert.Equal(t, model.ExitConflict, model.CodeOf(err))
	_, err = h.run(t, "", "secret", "update", "token", "--data", "newer")
	assert.Equal(t, model.ExitConflict, model.CodeOf(err))
	assert.Len(t, h.d.SecretNames(), 1, "only the temporary copy")

	_, err = h.run(t, "", "rollout", "resume", res.RolloutID)
	require.Error(t, err, "secret payload is needed again")
	assert.Equal(t, model.ExitInvalidInput, model.CodeOf(err))

	out, err = h.run(t, "", "rollout", "resume", res.RolloutID, "--data", "new")
	require.NoError(t, err)
	assert.Contains(t, out, `Updated secret "token"`)
	data, _ := h.d.SecretData("token")
	assert.Equal(t, []byte("new"), data)

	_, err = h.run(t, "", "rollout", "resume", "no-such-rollout")
	assert.Equal(t, model.ExitNotFound, model.CodeOf(err))
	_, err = h.run(t, "", "rollout", "show", "no-such-rollout")
	assert.Equal(t, model.ExitNotFound, model.CodeOf(err))
}

func TestRolloutCleanup(t *testing.T) {
	h := newHarness(t)
	h.d.AddSecret("token", []byte("new"), nil)
	h.d.AddSecret("token-rollout-00000001", []byte("new"), docker.BuildTempLabels(nil, []byte("new"), "token", "r1"))
	h.d.AddSecret("gone-rollout-00000002", []byte("x"), docker.BuildTempLabels(nil, []byte("x"), "gone", "r2"))

	out, err := h.run(t, "", "rollout", "cleanup", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Would remove secret token-rollout-00000001")
	assert.Contains(t, out, "Kept gone-rollout-00000002")

	_, err = h.run(t, "", "rollout", "cleanup")
	require.NoError(t, err)
	assert.Equal(t, []string{"gone-rollout-00000002", "token"}, h.d.SecretNames())
}

func TestRollout_JournalOff(t *testing.T) {
	h := newHarness(t)
	t.Setenv("SWARM_SECRETS_JOURNAL", "off")

	_, err := h.run(t, "", "rollout", "ls")
	require.Error(t, err)
	assert.Equal(t, model.ExitInvalidInput, model.CodeOf(err))

	// Updates still work without a journal.
	h.d.AddSecret("s", []byte("1"), nil)
	_, err = h.run(t, "", "secret", "update", "s", "--data", "2")
	require.NoError(t, err)
}

func TestApply(t *testing.T) {
	h := newHarness(t)
	h.d.AddSecret("stale", []byte("x"), docker.BuildLabels(nil, []byte("x")))
	h.d.AddConfig("app.conf", []byte("v1"), docker.BuildLabels(nil, []byte("v1")))
	h.d.AddService("web", dockertest.WithConfig("app.conf", "/etc/app.conf"))
	t.Setenv("TEST_DB_PASSWORD", "hunter2")

	h.write(t, "nginx.conf", "v2")
	path := h.write(t, "manifest.yaml", `
secrets:
  - name: db-password
    env: TEST_DB_PASSWORD
    labels: {team: core}
configs:
  - name: app.conf
    file: nginx.conf
`)

	out, err := h.run(t, "", "apply", "-f", path, "--prune", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "3 planned, 0 done, 0 skipped, 0 failed")
	assert.Empty(t, h.d.Calls())

	out, err = h.run(t, "", "--json", "apply", "-f", path, "--prune")
	require.NoError(t, err)
	var res struct {
		DryRun  bool `json:"dryRun"`
		Changes []struct {
			Kind   string `json:"kind"`
			Name   string `json:"name"`
			Action string `json:"action"`
			Status string `json:"status"`
		} `json:"changes"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	require.Len(t, res.Changes, 3)
	for _, c := range res.Changes {
		assert.Equal(t, "done", c.Status, "%s %s", c.Action, c.Name)
	}

	data, _ := h.d.SecretData("db-password")
	assert.Equal(t, []byte("hunter2"), data)
	assert.Equal(t, []string{"db-password"}, h.d.SecretNames())
	spec, ok := h.d.ServiceSpec("web")
	require.True(t, ok)
	assert.Equal(t, "app.conf", spec.TaskTemplate.ContainerSpec.Configs[0].ConfigName)

	out, err = h.run(t, "", "apply", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "0 planned, 0 done, 2 skipped, 0 failed")
}

func TestApply_Errors(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "", "apply")
	require.Error(t, err, "-f is required")

	_, err = h.run(t, "", "apply", "-f", filepath.Join(h.dir, "missing.yaml"))
	assert.Equal(t, model.ExitNotFound, model.CodeOf(err))

	path := h.write(t, "bad.yaml", "secrets:\n  - name: a\n    data: x\n    env: Y\n")
	_, err = h.run(t, "", "apply", "-f", path)
	assert.Equal(t, model.ExitInvalidInput, model.CodeOf(err))
}

func TestSwarmCommands(t *testing.T) {
	h := newHarness(t)

	out, err := h.run(t, "", "swarm", "info")
	require.NoError(t, err)
	assert.Contains(t, out, "State:      active")
	assert.Contains(t, out, "Manager:    yes")

	out, err = h.run(t, "", "--json", "swarm", "info", "--tokens")
	require.NoError(t, err)
	var status model.SwarmStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status), out)
	assert.NotEmpty(t, status.WorkerToken)

	out, err = h.run(t, "", "swarm", "nodes")
	require.NoError(t, err)
	assert.Contains(t, out, "manager-1")
	assert.Contains(t, out, "leader")

	_, err = h.run(t, "", "swarm", "leave", "--force")
	require.NoError(t, err)
	out, err = h.run(t, "", "swarm", "info")
	require.NoError(t, err)
	assert.Contains(t, out, "State:      inactive")

	_, err = h.run(t, "", "swarm", "join", "10.0.0.9")
	require.Error(t, err, "--token is required")

	out, err = h.run(t, "", "swarm", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Swarm initialized")
}

func TestConfigFileAndHostFlag(t *testing.T) {
	h := newHarness(t)
	var gotHost string
	dial = func(host string) (*docker.Client, error) {
		gotHost = host
		return docker.NewClientFromAPI(h.d, host), nil
	}

	path := h.write(t, "config.jsonc", `{
  // comments are allowed
  "host": "tcp://from-file:2375"
}`)
	_, err := h.run(t, "", "--config", path, "swarm", "nodes")
	require.NoError(t, err)
	assert.Equal(t, "tcp://from-file:2375", gotHost)

	_, err = h.run(t, "", "--config", path, "--host", "tcp://from-flag:2375", "swarm", "nodes")
	require.NoError(t, err)
	assert.Equal(t, "tcp://from-flag:2375", gotHost)

	_, err = h.run(t, "", "--config", filepath.Join(h.dir, "missing.jsonc"), "swarm", "nodes")
	require.Error(t, err)
}

func TestDockerNotRunning(t *testing.T) {
	h := newHarness(t)
	h.d.Inject(dockertest.OpPing, func(string) error { return errors.New("connection refused") })

	_, err := h.run(t, "", "secret", "ls")
	require.Error(t, err)
	assert.Equal(t, model.ExitDockerNotRunning, model.CodeOf(err))
}

func TestPrintError(t *testing.T) {
	t.Cleanup(func() { jsonOutput = false })

	var buf bytes.Buffer
	jsonOutput = false
	printError(&buf, "secret not found", errors.New("no such secret"))
	assert.Equal(t, "Error: secret not found: no such secret\n", buf.String())

	buf.Reset()
	jsonOutput = true
	printError(&buf, "secret not found", errors.New("no such secret"))
	var obj map[string]map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &obj))
	assert.Equal(t, "secret not found", obj["error"]["message"])
	assert.Equal(t, "no such secret", obj["error"]["detail"])
}
