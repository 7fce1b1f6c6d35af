// update.go implements "secret update" and "config update", the rolling
// update of an object in place.
//
// The strategy depends on how the object is used:
//   - replace: no service references it, so it is removed and recreated
//     (under the new name when --name is given).
//   - rename:  services reference it and --name differs. The new object is
//     created first and services are moved straight onto it.
//   - rolling: services reference it under the same name. They are moved to a temporary copy,
//     the object is recreated, and they are moved back, waiting for each
//     service to converge in between.
//
// Each step is journaled so an interrupted update can be continued with
// "swarm-secrets rollout resume".
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/swarm-secrets/internal/docker"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
	"github.com/shinji-kodama/swarm-secrets/internal/rollout"
)

// updateFlags holds the flag values for the update subcommand.
type updateFlags struct {
	payload payloadFlags

	// name renames the object. Empty keeps the current name.
	name string

	// labels replace the user labels when the flag was given.
	labels    []string
	setLabels bool

	// dryRun prints the planned rollout without changing anything.
	dryRun bool
}

func newObjectUpdateCommand(kind model.Kind) *cobra.Command {
	flags := &updateFlags{}

	cmd := &cobra.Command{
		Use:   "update <name|id> [file|-]",
		Short: fmt.Sprintf("Change a %s's payload, even while services use it", kind),
		Long: fmt.Sprintf(`Change a %[1]s's payload and optionally its name and labels.

Services using the %[1]s are moved to a temporary copy while the %[1]s is
recreated, then moved back. Each service is updated once per move and the
command waits for it to converge.

Labels are kept unless --label is given, in which case they are replaced.

Examples:
  swarm-secrets %[1]s update db-password --data n3w-pa55
  swarm-secrets %[1]s update app.conf ./app.conf --dry-run
  swarm-secrets %[1]s update api-key-v1 --name api-key-v2 --file key.txt`, kind),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				if flags.payload.given() {
					return model.NewCLIError(model.ExitInvalidInput, "give the payload either as an argument or with a flag, not both")
				}
				flags.payload.file = args[1]
			}
			flags.setLabels = cmd.Flags().Changed("label")
			return runObjectUpdate(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), kind, args[0], flags)
		},
	}

	flags.payload.register(cmd)
	cmd.Flags().StringVar(&flags.name, "name", "", "New name for the object")
	cmd.Flags().StringSliceVarP(&flags.labels, "label", "l", nil, "Replace labels (key=value, repeatable)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Show the planned rollout without changing anything")
	return cmd
}

func runObjectUpdate(ctx context.Context, in io.Reader, out io.Writer, kind model.Kind, ref string, flags *updateFlags) error {
	req := rollout.Request{Kind: kind, Ref: ref, NewName: flags.name}
	if flags.setLabels {
		labels, err := docker.ParseLabelArgs(flags.labels)
		if err != nil {
			return model.WrapCLIError(model.ExitInvalidInput, "invalid --label", err)
		}
		req.Labels = labels
	}
	data, err := flags.payload.read(kind, in)
	if err != nil {
		return err
	}
	req.Data = data

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

	if flags.dryRun {
		plan, err := u.Preview(ctx, req)
		if err != nil {
			return err
		}
		printPlan(out, plan)
		return nil
	}

	res, err := u.Update(ctx, req)
	if res != nil {
		printResult(out, kind, res)
	}
	return err
}

func printPlan(out io.Writer, plan *rollout.Plan) {
	if IsJSONOutput() {
		printJSON(out, plan)
		return
	}
	if plan.Unchanged {
		fmt.Fprintf(out, "%s %q is unchanged.\n", plan.Kind, plan.Name)
		return
	}
	if plan.FinalName != plan.Name {
		fmt.Fprintf(out, "Would update %s %q as %q (strategy %s)\n", plan.Kind, plan.Name, plan.FinalName, plan.Strategy)
	} else {
		fmt.Fprintf(out, "Would update %s %q (strategy %s)\n", plan.Kind, plan.Name, plan.Strategy)
	}
	printServices(out, plan.Services)
}

func printResult(out io.Writer, kind model.Kind, res *rollout.Result) {
	if IsJSONOutput() {
		printJSON(out, res)
		return
	}
	name := res.TempName
	if res.Object != nil {
		name = res.Object.Name
	}
	switch res.Phase {
	case model.PhaseCompleted:
		fmt.Fprintf(out, "Updated %s %q (strategy %s, %s)\n", kind, name, res.Strategy, res.Duration.Round(time.Millisecond))
	case model.PhaseRolledBack:
		fmt.Fprintf(out, "Rolled back update of %s (rollout %s)\n", kind, res.RolloutID)
	default:
		fmt.Fprintf(out, "Update of %s stopped at %s (rollout %s)\n", kind, res.Phase, res.RolloutID)
	}
	printServices(out, res.Services)
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "  Warning: %s\n", w)
	}
}

func printServices(out io.Writer, refs []model.ServiceRef) {
	if len(refs) == 0 {
		fmt.Fprintln(out, "  No services use it.")
		return
	}
	fmt.Fprintf(out, "  %d service(s):\n", len(refs))
	for _, r := range refs {
		fmt.Fprintf(out, "    %s\n", r.ServiceName)
	}
}

// promptConfirmation prints message and asks the user to confirm.
// It reads a single line and checks for "y" or "yes".
func promptConfirmation(in io.Reader, out io.Writer, message string) (bool, error) {
	fmt.Fprintln(out, message)
	fmt.Fprint(out, "\nContinue? [y/N] ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes", nil
	}

	// If stdin is closed or an error occurred, treat it as "no".
	if err := scanner.Err(); err != nil {
		return false, err
	}
	return false, nil
}
