package docker

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/swarm"

	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// defaultSwarmPort is the swarm management port used when a join address
// has no port.
const defaultSwarmPort = "2377"

// SwarmInfo reports the local node's swarm membership. When withTokens is
// true and the node is a manager, the join tokens are included.
func SwarmInfo(ctx context.Context, cli *Client, withTokens bool) (*model.SwarmStatus, error) {
	info, err := cli.inner.Info(ctx)
	if err != nil {
		return nil, classifyError(err, "failed to query Docker daemon info")
	}

	s := info.Swarm
	status := &model.SwarmStatus{
		NodeID:           s.NodeID,
		NodeAddr:         s.NodeAddr,
		State:            string(s.LocalNodeState),
		ControlAvailable: s.ControlAvailable,
		Nodes:            s.Nodes,
		Managers:         s.Managers,
		Error:            s.Error,
	}
	if s.Cluster != nil {
		status.ClusterID = s.Cluster.ID
	}

	if withTokens && status.IsManager() {
		sw, err := cli.inner.SwarmInspect(ctx)
		if err != nil {
			return nil, classifyError(err, "failed to inspect swarm")
		}
		status.ClusterID = sw.ID
		status.WorkerToken = sw.JoinTokens.Worker
		status.ManagerToken = sw.JoinTokens.Manager
	}
	return status, nil
}

// RequireManager fails unless the daemon is an active swarm manager.
// Secrets and configs live in the raft store, so every object operation
// needs a manager.
func RequireManager(ctx context.Context, cli *Client) error {
	status, err := SwarmInfo(ctx, cli, false)
	if err != nil {
		return err
	}
	if status.State != string(swarm.LocalNodeStateActive) {
		return model.NewCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("this node is not part of a swarm (state %q); run \"swarm-secrets swarm init\" or \"swarm join\" first", status.State))
	}
	if !status.ControlAvailable {
		return model.NewCLIError(model.ExitInvalidInput,
			"this node is a swarm worker; secrets and configs can only be managed on a manager node")
	}
	return nil
}

// InitOptions configures InitSwarm.
type InitOptions struct {
	// AdvertiseAddr is the address other nodes use to reach this manager.
	// Empty lets the daemon choose.
	AdvertiseAddr string

	// ListenAddr defaults to "0.0.0.0:2377".
	ListenAddr string

	ForceNewCluster bool
}

// InitSwarm turns the daemon into the first manager of a new swarm and
// returns the node ID.
func InitSwarm(ctx context.Context, cli *Client, opts InitOptions) (string, error) {
	listen := opts.ListenAddr
	if listen == "" {
		listen = "0.0.0.0:" + defaultSwarmPort
	}
	nodeID, err := cli.inner.SwarmInit(ctx, swarm.InitRequest{
		ListenAddr:      listen,
		AdvertiseAddr:   opts.AdvertiseAddr,
		ForceNewCluster: opts.ForceNewCluster,
	})
	if err != nil {
		return "", classifyError(err, "failed to initialize swarm")
	}
	return nodeID, nil
}

// JoinSwarm joins an existing swarm through managerAddr using token.
// A manager address without a port gets the default swarm port 2377.
func JoinSwarm(ctx context.Context, cli *Client, token, managerAddr string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.NewCLIError(model.ExitInvalidInput, "join token must not be empty")
	}
	addr := JoinAddr(managerAddr)
	if addr == "" {
		return model.NewCLIError(model.ExitInvalidInput, "manager address must not be empty")
	}

	err := cli.inner.SwarmJoin(ctx, swarm.JoinRequest{
		ListenAddr:  "0.0.0.0:" + defaultSwarmPort,
		RemoteAddrs: []string{addr},
		JoinToken:   token,
	})
	return classifyError(err, fmt.Sprintf("failed to join swarm at %s", addr))
}

// JoinAddr completes a manager address with the default swarm port.
func JoinAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(strings.Trim(addr, "[]"), defaultSwarmPort)
	}
	return addr
}

// LeaveSwarm makes the node leave its swarm. Managers need force.
func LeaveSwarm(ctx context.Context, cli *Client, force bool) error {
	return classifyError(cli.inner.SwarmLeave(ctx, force), "failed to leave swarm")
}

// ListNodes returns the swarm's nodes, managers first, then by hostname.
func ListNodes(ctx context.Context, cli *Client) ([]model.Node, error) {
	nodes, err := cli.inner.NodeList(ctx, swarm.NodeListOptions{})
	if err != nil {
		return nil, classifyError(err, "failed to list swarm nodes")
	}

	result := make([]model.Node, 0, len(nodes))
	for _, n := range nodes {
		node := model.Node{
			ID:           n.ID,
			Hostname:     n.Description.Hostname,
			Role:         string(n.Spec.Role),
			Status:       string(n.Status.State),
			Availability: string(n.Spec.Availability),
			Addr:         n.Status.Addr,
		}
		if ms := n.ManagerStatus; ms != nil {
			if ms.Leader {
				node.ManagerStatus = "leader"
			} else {
				node.ManagerStatus = string(ms.Reachability)
			}
		}
		result = append(result, node)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Role != result[j].Role {
			return result[i].Role == string(swarm.NodeRoleManager)
		}
		return result[i].Hostname < result[j].Hostname
	})
	return result, nil
}
