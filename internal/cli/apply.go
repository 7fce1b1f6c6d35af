// apply.go implements "swarm-secrets apply", which makes the swarm match a
// manifest of secrets and configs.
//
// Objects missing from the swarm are created, changed ones are updated
// through the rolling update, and with --prune managed objects that are no
// longer in the manifest are removed (unless a service still uses them).
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/swarm-secrets/internal/manifest"
)

// applyFlags holds the flag values for the apply command.
type applyFlags struct {
	file       string
	prune      bool
	dryRun     bool
	identities []string
}

// NewApplyCommand creates the "apply" cobra command.
func NewApplyCommand() *cobra.Command {
	flags := &applyFlags{}

	cmd := &cobra.Command{
		Use:   "apply -f <manifest>",
		Short: "Create or update secrets and configs from a manifest",
		Long: `Create or update secrets and configs from a YAML or JSONC manifest.

Each entry names exactly one payload source: "data" (inline), "file"
(relative to the manifest), "env" (an environment variable) or "age" (an
age-encrypted file, decrypted with --identity or SWARM_SECRETS_AGE_IDENTITY).

  secrets:
    - name: db-password
      env: DB_PASSWORD
      labels: {team: core}
  configs:
    - name: nginx.conf
      file: ./nginx.conf

Examples:
  swarm-secrets apply -f stack-secrets.yaml --dry-run
  swarm-secrets apply -f stack-secrets.yaml --prune`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApply(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "Manifest file (.yaml, .yml, .json or .jsonc)")
	cmd.Flags().BoolVar(&flags.prune, "prune", false, "Remove managed objects that are not in the manifest")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Show the plan without changing anything")
	cmd.Flags().StringSliceVar(&flags.identities, "identity", nil, "age identity file for age entries (repeatable)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runApply(ctx context.Context, out io.Writer, flags *applyFlags) error {
	m, err := manifest.Load(flags.file)
	if err != nil {
		return err
	}
	VerboseLog("Loaded manifest %s: %d secret(s), %d config(s)", flags.file, len(m.Secrets), len(m.Configs))

	paths := flags.identities
	if len(paths) == 0 && cfg.AgeIdentity != "" {
		paths = []string{cfg.AgeIdentity}
	}
	ids, err := manifest.LoadIdentities(paths...)
	if err != nil {
		return err
	}
	desired, err := manifest.NewResolver(m, ids).ResolveAll(m)
	if err != nil {
		return err
	}

	cli, err := connectManager(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	u, j, err := newUpdater(ctx, cli)
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	applier := manifest.NewApplier(cli, u, logger)
	current, err := applier.Current(ctx)
	if err != nil {
		return err
	}
	changes := manifest.Plan(current, desired, flags.prune)

	outcomes, applyErr := applier.Apply(ctx, changes, flags.dryRun)
	printOutcomes(out, outcomes, flags.dryRun)
	return applyErr
}

// printOutcomes prints one line per change followed by a summary:
//
//	KIND     NAME            ACTION     STATUS   DETAIL
//	secret   db-password     update     done     payload changed
func printOutcomes(out io.Writer, outcomes []manifest.Outcome, dryRun bool) {
	if IsJSONOutput() {
		if outcomes == nil {
			outcomes = []manifest.Outcome{}
		}
		printJSON(out, map[string]any{"dryRun": dryRun, "changes": outcomes})
		return
	}

	if len(outcomes) == 0 {
		fmt.Fprintln(out, "Manifest is empty.")
		return
	}

	fmt.Fprintf(out, "%-8s %-32s %-10s %-8s %s\n", "KIND", "NAME", "ACTION", "STATUS", "DETAIL")
	counts := map[string]int{}
	for _, o := range outcomes {
		detail := o.Reason
		if o.Error != "" {
			detail = o.Error
		}
		if detail == "" {
			detail = "-"
		}
		fmt.Fprintf(out, "%-8s %-32s %-10s %-8s %s\n", o.Kind, o.Name, o.Action, o.Status, detail)
		counts[o.Status]++
	}

	fmt.Fprintf(out, "\n%d planned, %d done, %d skipped, %d failed\n",
		counts[manifest.StatusPlanned], counts[manifest.StatusDone],
		counts[manifest.StatusSkipped], counts[manifest.StatusFailed])
}
