package docker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/swarm-secrets/internal/docker/dockertest"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// newTestClient returns a Client backed by a fresh fake daemon.
func newTestClient(t *testing.T) (*Client, *dockertest.Daemon) {
	t.Helper()
	d := dockertest.New()
	return NewClientFromAPI(d, "fake://daemon"), d
}

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{host: "tcp://10.0.0.5", want: "tcp://10.0.0.5:2375"},
		{host: "tcp://10.0.0.5:2376", want: "tcp://10.0.0.5:2376"},
		{host: "10.0.0.5:2376", want: "tcp://10.0.0.5:2376"},
		{host: "localhost", want: "tcp://localhost:2375"},
		{host: " manager.local ", want: "tcp://manager.local:2375"},
		{host: "[::1]", want: "tcp://[::1]:2375"},
		{host: "tcp://", want: "tcp://localhost:2375"},
		{host: "unix:///var/run/docker.sock", want: "unix:///var/run/docker.sock"},
		{host: "npipe:////./pipe/docker_engine", want: "npipe:////./pipe/docker_engine"},
		{host: "ssh://user@host", want: "ssh://user@host"},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeHost(tt.host))
		})
	}
}

func TestNewClient_ExplicitHost(t *testing.T) {
	c, err := NewClient("tcp://127.0.0.1:1")
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "tcp://127.0.0.1:1", c.Host())
}

func TestNewClient_DockerHostEnv(t *testing.T) {
	t.Setenv("DOCKER_HOST", "tcp://192.0.2.10")

	c, err := NewClient("")
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "tcp://192.0.2.10:2375", c.Host())
}

func TestSocketCandidates(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	paths := socketCandidates()
	require.GreaterOrEqual(t, len(paths), 2)
	assert.Equal(t, "/var/run/docker.sock", paths[0])
	assert.Equal(t, "/run/user/1000/docker.sock", paths[1])
}

func TestClientPing(t *testing.T) {
	c, d := newTestClient(t)
	require.NoError(t, c.Ping(context.Background()))

	d.Inject(dockertest.OpPing, func(string) error { return errors.New("connection refused") })
	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.ExitDockerNotRunning, model.CodeOf(err))
}

func TestClientClose(t *testing.T) {
	c, d := newTestClient(t)
	require.NoError(t, c.Close())
	assert.True(t, d.Closed())

	var empty Client
	assert.NoError(t, empty.Close())
}
