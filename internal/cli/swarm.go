// swarm.go implements the "swarm" command group: inspecting the local
// node's swarm membership and creating, joining or leaving a swarm.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/swarm-secrets/internal/docker"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// NewSwarmCommand creates the "swarm" command group.
func NewSwarmCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swarm",
		Short: "Inspect and manage swarm membership",
	}

	cmd.AddCommand(newSwarmInfoCommand())
	cmd.AddCommand(newSwarmInitCommand())
	cmd.AddCommand(newSwarmJoinCommand())
	cmd.AddCommand(newSwarmLeaveCommand())
	cmd.AddCommand(newSwarmNodesCommand())
	return cmd
}

func newSwarmInfoCommand() *cobra.Command {
	var tokens bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the local node's swarm state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSwarmInfo(cmd.Context(), cmd.OutOrStdout(), tokens)
		},
	}

	cmd.Flags().BoolVar(&tokens, "tokens", false, "Include join tokens (managers only)")
	return cmd
}

func runSwarmInfo(ctx context.Context, out io.Writer, tokens bool) error {
	cli, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	status, err := docker.SwarmInfo(ctx, cli, tokens)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		printJSON(out, status)
		return nil
	}

	fmt.Fprintf(out, "State:      %s\n", status.State)
	if status.State != "active" {
		if status.Error != "" {
			fmt.Fprintf(out, "Error:      %s\n", status.Error)
		}
		return nil
	}
	fmt.Fprintf(out, "Node ID:    %s\n", status.NodeID)
	fmt.Fprintf(out, "Node addr:  %s\n", status.NodeAddr)
	fmt.Fprintf(out, "Manager:    %s\n", yesNo(status.ControlAvailable))
	if status.ClusterID != "" {
		fmt.Fprintf(out, "Cluster ID: %s\n", status.ClusterID)
	}
	fmt.Fprintf(out, "Nodes:      %d (%d managers)\n", status.Nodes, status.Managers)
	if status.WorkerToken != "" {
		fmt.Fprintf(out, "Worker token:  %s\n", status.WorkerToken)
		fmt.Fprintf(out, "Manager token: %s\n", status.ManagerToken)
	}
	return nil
}

// initFlags holds the flag values for "swarm init".
type initFlags struct {
	listenAddr      string
	advertiseAddr   string
	forceNewCluster bool
}

func newSwarmInitCommand() *cobra.Command {
	flags := &initFlags{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new swarm with this node as its first manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSwarmInit(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.listenAddr, "listen-addr", "", "Listen address (default 0.0.0.0:2377)")
	cmd.Flags().StringVar(&flags.advertiseAddr, "advertise-addr", "", "Address advertised to other nodes")
	cmd.Flags().BoolVar(&flags.forceNewCluster, "force-new-cluster", false, "Force a new cluster from the current state")
	return cmd
}

func runSwarmInit(ctx context.Context, out io.Writer, flags *initFlags) error {
	cli, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	nodeID, err := docker.InitSwarm(ctx, cli, docker.InitOptions{
		ListenAddr:      flags.listenAddr,
		AdvertiseAddr:   flags.advertiseAddr,
		ForceNewCluster: flags.forceNewCluster,
	})
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		printJSON(out, map[string]string{"nodeId": nodeID, "action": "initialized"})
		return nil
	}
	fmt.Fprintf(out, "Swarm initialized: this node (%s) is now a manager.\n", nodeID)
	return nil
}

func newSwarmJoinCommand() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "join --token <token> <manager-addr>",
		Short: "Join an existing swarm",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSwarmJoin(cmd.Context(), cmd.OutOrStdout(), token, args[0])
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Worker or manager join token")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func runSwarmJoin(ctx context.Context, out io.Writer, token, addr string) error {
	cli, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	if err := docker.JoinSwarm(ctx, cli, token, addr); err != nil {
		return err
	}

	if IsJSONOutput() {
		printJSON(out, map[string]string{"manager": docker.JoinAddr(addr), "action": "joined"})
		return nil
	}
	fmt.Fprintf(out, "This node joined the swarm at %s.\n", docker.JoinAddr(addr))
	return nil
}

func newSwarmLeaveCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "leave",
		Short: "Leave the swarm",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSwarmLeave(cmd.Context(), cmd.OutOrStdout(), force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Leave even as a manager")
	return cmd
}

func runSwarmLeave(ctx context.Context, out io.Writer, force bool) error {
	cli, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	if err := docker.LeaveSwarm(ctx, cli, force); err != nil {
		return err
	}

	if IsJSONOutput() {
		printJSON(out, map[string]string{"action": "left"})
		return nil
	}
	fmt.Fprintln(out, "This node left the swarm.")
	return nil
}

func newSwarmNodesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List swarm nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSwarmNodes(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func runSwarmNodes(ctx context.Context, out io.Writer) error {
	cli, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	nodes, err := docker.ListNodes(ctx, cli)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		if nodes == nil {
			nodes = []model.Node{}
		}
		printJSON(out, map[string]any{"nodes": nodes})
		return nil
	}

	fmt.Fprintf(out, "%-27s %-20s %-8s %-8s %-12s %s\n", "ID", "HOSTNAME", "ROLE", "STATUS", "AVAILABILITY", "MANAGER")
	for _, n := range nodes {
		ms := n.ManagerStatus
		if ms == "" {
			ms = "-"
		}
		fmt.Fprintf(out, "%-27s %-20s %-8s %-8s %-12s %s\n", n.ID, n.Hostname, n.Role, n.Status, n.Availability, ms)
	}
	return nil
}
