// serve.go implements "swarm-secrets serve", which runs the HTTP JSON API.
package cli

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/swarm-secrets/internal/server"
)

func NewServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve secrets, configs, swarm state and rollouts as a JSON API under /api.

The listen address defaults to SWARM_SECRETS_LISTEN, then ":$PORT", then ":3000".
The server shuts down gracefully on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = cfg.Listen
			}
			return runServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}

func runServe(ctx context.Context, addr string) error {
	cli, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	u, j, err := newUpdater(ctx, cli)
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	logger.Info("starting API server", zap.String("addr", addr), zap.String("docker_host", cli.Host()))
	return server.New(cli, u, logger).ListenAndServe(ctx, addr)
}
