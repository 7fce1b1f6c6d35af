package docker

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"

	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// pingTimeout bounds a single Ping so a dead tcp:// manager fails fast.
const pingTimeout = 5 * time.Second

// windowsPipe is the Docker Engine named pipe on Windows.
const windowsPipe = `//./pipe/docker_engine`

// defaultTCPPort is the unencrypted Docker Engine API port. A DOCKER_HOST
// such as "tcp://10.0.0.5" without a port is completed with it.
const defaultTCPPort = "2375"

// SwarmAPI is the subset of the Docker SDK client used by this repository.
// *client.Client satisfies it; tests use dockertest.Daemon instead.
type SwarmAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	Info(ctx context.Context) (system.Info, error)
	Close() error

	SecretList(ctx context.Context, options swarm.SecretListOptions) ([]swarm.Secret, error)
	SecretCreate(ctx context.Context, secret swarm.SecretSpec) (swarm.SecretCreateResponse, error)
	SecretRemove(ctx context.Context, id string) error
	SecretInspectWithRaw(ctx context.Context, name string) (swarm.Secret, []byte, error)

	ConfigList(ctx context.Context, options swarm.ConfigListOptions) ([]swarm.Config, error)
	ConfigCreate(ctx context.Context, config swarm.ConfigSpec) (swarm.ConfigCreateResponse, error)
	ConfigRemove(ctx context.Context, id string) error
	ConfigInspectWithRaw(ctx context.Context, name string) (swarm.Config, []byte, error)

	ServiceList(ctx context.Context, options swarm.ServiceListOptions) ([]swarm.Service, error)
	ServiceInspectWithRaw(ctx context.Context, serviceID string, options swarm.ServiceInspectOptions) (swarm.Service, []byte, error)
	ServiceUpdate(ctx context.Context, serviceID string, version swarm.Version, service swarm.ServiceSpec, options swarm.ServiceUpdateOptions) (swarm.ServiceUpdateResponse, error)
	TaskList(ctx context.Context, options swarm.TaskListOptions) ([]swarm.Task, error)

	SwarmInit(ctx context.Context, req swarm.InitRequest) (string, error)
	SwarmJoin(ctx context.Context, req swarm.JoinRequest) error
	SwarmLeave(ctx context.Context, force bool) error
	SwarmInspect(ctx context.Context) (swarm.Swarm, error)
	NodeList(ctx context.Context, options swarm.NodeListOptions) ([]swarm.Node, error)
}

// Client is a connection to one Docker daemon. All package-level helpers
// take a *Client and return model.CLIError values.
type Client struct {
	inner SwarmAPI
	host  string
}

// NewClient connects to host, or to DOCKER_HOST when host is empty, or to
// the first local socket found. Bare addresses are completed by
// NormalizeHost. No request is sent; use Ping to check the daemon.
func NewClient(host string) (*Client, error) {
	if host == "" {
		host = os.Getenv("DOCKER_HOST")
	}
	if host == "" {
		local, err := localHost()
		if err != nil {
			return nil, model.WrapCLIError(model.ExitDockerNotRunning,
				"no local Docker daemon found; set DOCKER_HOST or --host", err)
		}
		return dialHost(local)
	}
	return dialHost(NormalizeHost(host))
}

// NewClientFromAPI wraps an existing SwarmAPI implementation. It is used by
// tests and by callers that build their own SDK client.
func NewClientFromAPI(api SwarmAPI, host string) *Client {
	return &Client{inner: api, host: host}
}

// NormalizeHost completes a daemon address so the SDK can parse it.
//
//	"tcp://10.0.0.5"      → "tcp://10.0.0.5:2375"
//	"10.0.0.5:2376"       → "tcp://10.0.0.5:2376"
//	"localhost"           → "tcp://localhost:2375"
//	"unix:///run/d.sock"  → unchanged
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if strings.Contains(host, "://") && !strings.HasPrefix(host, "tcp://") {
		return host
	}

	addr := strings.TrimPrefix(host, "tcp://")
	if addr == "" {
		addr = "localhost"
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(strings.Trim(addr, "[]"), defaultTCPPort)
	}
	return "tcp://" + addr
}

func dialHost(host string) (*Client, error) {
	c, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("invalid Docker host %q", host), err)
	}
	return &Client{inner: c, host: host}, nil
}

// socketCandidates lists local daemon sockets in order of preference:
// the system socket, then the rootless socket, then Docker Desktop's
// per-user socket.
func socketCandidates() []string {
	paths := []string{"/var/run/docker.sock"}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		paths = append(paths, dir+"/docker.sock")
	}
	if home, err := os.UserHomeDir(); err == nil && runtime.GOOS == "darwin" {
		paths = append(paths, home+"/.docker/run/docker.sock")
	}
	return paths
}

// localHost returns the address of the local daemon. Sockets are checked
// for existence only.
func localHost() (string, error) {
	if runtime.GOOS == "windows" {
		conn, err := net.DialTimeout("pipe", windowsPipe, time.Second)
		if err != nil {
			return "", fmt.Errorf("named pipe %s: %w", windowsPipe, err)
		}
		_ = conn.Close()
		return "npipe://" + windowsPipe, nil
	}

	paths := socketCandidates()
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil && fi.Mode()&os.ModeSocket != 0 {
			return "unix://" + p, nil
		}
	}
	return "", fmt.Errorf("no socket at %s", strings.Join(paths, ", "))
}

// Ping checks that the daemon answers within pingTimeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if _, err := c.inner.Ping(ctx); err != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("Docker daemon at %s is not responding; is Docker running?", c.host), err)
	}
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Host returns the daemon address this client talks to.
func (c *Client) Host() string {
	return c.host
}

// API returns the underlying SwarmAPI. Errors from it are not classified.
func (c *Client) API() SwarmAPI {
	return c.inner
}
