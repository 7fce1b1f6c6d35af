// Package cli implements the cobra-based CLI commands for swarm-secrets.
//
// The secret and config command groups, swarm, apply, rollout and serve are
// each defined in their own file within this package. This file defines the
// root command that serves as the parent for all subcommands and handles
// global flags, configuration and logging.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/swarm-secrets/internal/config"
	"github.com/shinji-kodama/swarm-secrets/internal/docker"
	"github.com/shinji-kodama/swarm-secrets/internal/journal"
	"github.com/shinji-kodama/swarm-secrets/internal/logging"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
	"github.com/shinji-kodama/swarm-secrets/internal/rollout"
)

// Global flag variables shared across all subcommands.
// These are bound to cobra persistent flags on the root command,
// which makes them available to every subcommand automatically.
var (
	// jsonOutput controls whether command output is formatted as JSON.
	// When true, all output uses structured JSON format for machine consumption.
	jsonOutput bool

	// verbose lowers the log level to debug.
	verbose bool

	// hostFlag overrides the Docker daemon address from config and DOCKER_HOST.
	hostFlag string

	// configFlag points at an explicit config file.
	configFlag string
)

// State set up by the root command's PersistentPreRunE.
var (
	cfg    = defaultConfig()
	logger = zap.NewNop()
)

// dial creates the Docker client for a host. Tests replace it with a
// client backed by an in-memory daemon.
var dial = docker.NewClient

// Version, Commit and Date are set at build time via ldflags.
// They are injected from the main package to display version information.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

func defaultConfig() *config.Config {
	c := config.Default()
	return &c
}

// NewRootCommand creates and configures the root cobra command.
//
// The root command itself does not perform any action. It loads the
// configuration, builds the logger and provides help text and global flags.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "swarm-secrets",
		Short: "Manage Docker Swarm secrets and configs, including ones services use",
		Long: `swarm-secrets manages Docker Swarm secrets and configs.

Secrets and configs are immutable in Swarm and cannot be removed while a
service uses them. "update" works around both: it moves every service onto
a temporary copy, recreates the object with the new payload and moves the
services back, waiting for each service to converge in between.

Every rollout is recorded in a local journal so an interrupted update can
be resumed with "swarm-secrets rollout resume".`,

		// SilenceUsage prevents cobra from printing usage on every error.
		SilenceUsage: true,

		// SilenceErrors prevents cobra from printing errors automatically.
		// We format errors ourselves (text or JSON based on --json flag).
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setup()
		},
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&hostFlag, "host", "H", "", "Docker daemon address (default: config, DOCKER_HOST, or the local socket)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: "+config.DefaultPath()+")")

	// Subcommands inherit this, so every usage error exits with
	// ExitInvalidInput.
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return model.WrapCLIError(model.ExitInvalidInput, "invalid usage", err)
	})

	rootCmd.AddCommand(NewObjectCommand(model.KindSecret))
	rootCmd.AddCommand(NewObjectCommand(model.KindConfig))
	rootCmd.AddCommand(NewSwarmCommand())
	rootCmd.AddCommand(NewApplyCommand())
	rootCmd.AddCommand(NewRolloutCommand())
	rootCmd.AddCommand(NewServeCommand())

	return rootCmd
}

// setup loads the configuration, applies flag overrides and builds the
// logger. Flags win over the environment, which wins over the file.
func setup() error {
	c, path, err := config.Load(config.Options{Path: configFlag})
	if err != nil {
		return err
	}
	if hostFlag != "" {
		c.Host = hostFlag
	}
	cfg = c

	l, err := logging.New(cfg.LogLevel, cfg.LogFormat, verbose)
	if err != nil {
		return model.WrapCLIError(model.ExitInvalidInput, "invalid logging configuration", err)
	}
	logger = l

	if path != "" {
		VerboseLog("Loaded config from %s", path)
	}
	return nil
}

// Execute runs the root command and handles exit codes.
// This is the main entry point called from main.go.
//
// It inspects errors returned by cobra commands and translates them
// into appropriate OS exit codes. CLIError types carry their own
// exit codes; other errors default to exit code 1.
func Execute(ctx context.Context, rootCmd *cobra.Command) {
	err := rootCmd.ExecuteContext(ctx)
	_ = logger.Sync()
	if err == nil {
		return
	}

	if cliErr, ok := err.(*model.CLIError); ok {
		printError(os.Stderr, cliErr.Message, cliErr.Err)
		os.Exit(int(cliErr.Code))
	}

	printError(os.Stderr, err.Error(), nil)
	os.Exit(int(model.ExitGeneralError))
}

// printError outputs an error message in the appropriate format
// (JSON or text) based on the --json global flag.
func printError(w io.Writer, message string, underlying error) {
	if jsonOutput {
		errObj := map[string]any{
			"error": map[string]any{
				"message": message,
			},
		}
		if underlying != nil {
			if errMap, ok := errObj["error"].(map[string]any); ok {
				errMap["detail"] = underlying.Error()
			}
		}
		// Errors go to stderr even in JSON mode; stdout is reserved for
		// successful command output.
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}

	if underlying != nil {
		fmt.Fprintf(w, "Error: %s: %v\n", message, underlying)
	} else {
		fmt.Fprintf(w, "Error: %s\n", message)
	}
}

// VerboseLog writes a debug message through the logger. It only shows up
// with -v or a debug log level.
func VerboseLog(format string, args ...any) {
	logger.Sugar().Debugf(format, args...)
}

// IsJSONOutput returns whether the --json flag is set.
// Subcommands use this to decide their output format.
func IsJSONOutput() bool {
	return jsonOutput
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}

// connect creates the Docker client and checks that the daemon answers.
// The caller closes the client.
func connect(ctx context.Context) (*docker.Client, error) {
	cli, err := dial(cfg.Host)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	VerboseLog("Connected to Docker daemon at %s", cli.Host())
	return cli, nil
}

// connectManager is connect plus a check that the daemon is a swarm
// manager, which every secret and config operation needs.
func connectManager(ctx context.Context) (*docker.Client, error) {
	cli, err := connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := docker.RequireManager(ctx, cli); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return cli, nil
}

// openJournal opens the configured rollout journal, or a no-op journal
// when it is disabled.
func openJournal(ctx context.Context) (journal.Journal, error) {
	if !cfg.JournalEnabled() {
		VerboseLog("Rollout journal disabled")
		return journal.Nop{}, nil
	}
	j, err := journal.Open(ctx, cfg.Journal)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to open rollout journal", err)
	}
	VerboseLog("Opened rollout journal %s", cfg.Journal)
	return j, nil
}

// newUpdater builds a rollout.Updater over cli with the configured journal.
// The returned journal must be closed by the caller.
func newUpdater(ctx context.Context, cli *docker.Client) (*rollout.Updater, journal.Journal, error) {
	j, err := openJournal(ctx)
	if err != nil {
		return nil, nil, err
	}
	return rollout.New(cli, j, logger, cfg.RolloutOptions()), j, nil
}
