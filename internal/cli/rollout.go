// rollout.go implements the "rollout" command group, which reads the
// rollout journal, resumes interrupted rollouts and removes temporary
// copies they left behind.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/swarm-secrets/internal/journal"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
	"github.com/shinji-kodama/swarm-secrets/internal/rollout"
)

// NewRolloutCommand creates the "rollout" command group.
func NewRolloutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollout",
		Short: "Inspect, resume and clean up rollouts",
	}

	cmd.AddCommand(newRolloutListCommand())
	cmd.AddCommand(newRolloutShowCommand())
	cmd.AddCommand(newRolloutResumeCommand())
	cmd.AddCommand(newRolloutCleanupCommand())
	return cmd
}

// requireJournal opens the journal for commands that only make sense when
// rollouts are recorded.
func requireJournal(ctx context.Context) (journal.Journal, error) {
	if !cfg.JournalEnabled() {
		return nil, model.NewCLIError(model.ExitInvalidInput,
			"the rollout journal is disabled (SWARM_SECRETS_JOURNAL=off)")
	}
	return openJournal(ctx)
}

// rolloutListFlags holds the flag values for "rollout ls".
type rolloutListFlags struct {
	limit      int
	incomplete bool
}

func newRolloutListCommand() *cobra.Command {
	flags := &rolloutListFlags{}

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List recent rollouts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRolloutList(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().IntVarP(&flags.limit, "limit", "n", 20, "Number of rollouts to show (0 for all)")
	cmd.Flags().BoolVar(&flags.incomplete, "incomplete", false, "Only show rollouts that did not finish")
	return cmd
}

func runRolloutList(ctx context.Context, out io.Writer, flags *rolloutListFlags) error {
	if flags.limit < 0 {
		return model.NewCLIError(model.ExitInvalidInput, "--limit must not be negative")
	}
	j, err := requireJournal(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	var list []model.Rollout
	if flags.incomplete {
		list, err = j.Incomplete(ctx)
	} else {
		list, err = j.List(ctx, flags.limit)
	}
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to read rollout journal", err)
	}

	if IsJSONOutput() {
		if list == nil {
			list = []model.Rollout{}
		}
		printJSON(out, map[string]any{"rollouts": list})
		return nil
	}

	if len(list) == 0 {
		fmt.Fprintln(out, "No rollouts found.")
		return nil
	}
	fmt.Fprintf(out, "%-36s %-7s %-24s %-8s %-17s %s\n", "ID", "KIND", "NAME", "STRATEGY", "PHASE", "STARTED")
	for i := range list {
		r := &list[i]
		name := r.Name
		if r.FinalName != r.Name {
			name = r.Name + " -> " + r.FinalName
		}
		fmt.Fprintf(out, "%-36s %-7s %-24s %-8s %-17s %s\n", r.ID, r.Kind, name, r.Strategy, r.Phase, formatTime(r.StartedAt))
	}
	return nil
}

func newRolloutShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <rollout-id>",
		Short: "Show a rollout and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRolloutShow(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func runRolloutShow(ctx context.Context, out io.Writer, id string) error {
	j, err := requireJournal(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	r, steps, err := j.Get(ctx, id)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			return model.NewCLIError(model.ExitNotFound, fmt.Sprintf("rollout %s not found", id))
		}
		return model.WrapCLIError(model.ExitGeneralError, "failed to read rollout journal", err)
	}

	if IsJSONOutput() {
		if steps == nil {
			steps = []model.RolloutStep{}
		}
		printJSON(out, map[string]any{"rollout": r, "steps": steps})
		return nil
	}

	fmt.Fprintf(out, "ID:        %s\n", r.ID)
	fmt.Fprintf(out, "Object:    %s %s\n", r.Kind, r.Name)
	if r.FinalName != r.Name {
		fmt.Fprintf(out, "Renamed:   %s\n", r.FinalName)
	}
	fmt.Fprintf(out, "Strategy:  %s\n", r.Strategy)
	fmt.Fprintf(out, "Phase:     %s\n", r.Phase)
	if r.Phase != r.Progress {
		fmt.Fprintf(out, "Progress:  %s\n", r.Progress)
	}
	if r.TempName != "" {
		fmt.Fprintf(out, "Temporary: %s\n", r.TempName)
	}
	if len(r.Services) > 0 {
		fmt.Fprintf(out, "Services:  %s\n", strings.Join(r.Services, ", "))
	}
	fmt.Fprintf(out, "Started:   %s\n", formatTime(r.StartedAt))
	if r.FinishedAt != nil {
		fmt.Fprintf(out, "Finished:  %s\n", formatTime(*r.FinishedAt))
	}
	if r.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", r.Error)
	}
	if r.Resumable() {
		fmt.Fprintf(out, "\nResume with: swarm-secrets rollout resume %s\n", r.ID)
	}

	fmt.Fprintln(out, "\nSteps:")
	for _, s := range steps {
		fmt.Fprintf(out, "  %s\n", s)
	}
	return nil
}

func newRolloutResumeCommand() *cobra.Command {
	flags := &payloadFlags{}

	cmd := &cobra.Command{
		Use:   "resume <rollout-id>",
		Short: "Continue an interrupted rollout",
		Long: `Continue a rollout from the last step that completed.

Secret payloads are never stored, so resuming a secret rollout whose final
object was not created yet needs the payload again (--file, --data or
--age-file). Config payloads are read back from the temporary copy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRolloutResume(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), args[0], flags)
		},
	}

	flags.register(cmd)
	return cmd
}

func runRolloutResume(ctx context.Context, in io.Reader, out io.Writer, id string, flags *payloadFlags) error {
	j, err := requireJournal(ctx)
	if err != nil {
		return err
	}
	r, _, err := j.Get(ctx, id)
	_ = j.Close()
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			return model.NewCLIError(model.ExitNotFound, fmt.Sprintf("rollout %s not found", id))
		}
		return model.WrapCLIError(model.ExitGeneralError, "failed to read rollout journal", err)
	}

	var data []byte
	if flags.given() {
		if data, err = flags.read(r.Kind, in); err != nil {
			return err
		}
	}

	cli, err := connectManager(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	u, uj, err := newUpdater(ctx, cli)
	if err != nil {
		return err
	}
	defer func() { _ = uj.Close() }()

	res, err := u.Resume(ctx, id, data)
	if res != nil {
		printResult(out, r.Kind, res)
	}
	return err
}

func newRolloutCleanupCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove temporary copies left by interrupted rollouts",
		Long: `Remove temporary copies left by interrupted rollouts.

A copy is only removed when no service uses it and the object it stood in
for exists again. Copies of rollouts that still need resuming are kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRolloutCleanup(cmd.Context(), cmd.OutOrStdout(), dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be removed")
	return cmd
}

func runRolloutCleanup(ctx context.Context, out io.Writer, dryRun bool) error {
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

	res, err := u.CleanupOrphans(ctx, dryRun)
	if res != nil {
		printCleanup(out, res, dryRun)
	}
	return err
}

func printCleanup(out io.Writer, res *rollout.CleanupResult, dryRun bool) {
	if IsJSONOutput() {
		printJSON(out, map[string]any{"dryRun": dryRun, "removed": res.Removed, "kept": res.Kept})
		return
	}

	verb := "Removed"
	if dryRun {
		verb = "Would remove"
	}
	if len(res.Removed) == 0 && len(res.Kept) == 0 {
		fmt.Fprintln(out, "No temporary copies found.")
		return
	}
	for _, o := range res.Removed {
		fmt.Fprintf(out, "%s %s %s\n", verb, o.Kind, o.Name)
	}

	kept := make([]string, 0, len(res.Kept))
	for name := range res.Kept {
		kept = append(kept, name)
	}
	sort.Strings(kept)
	for _, name := range kept {
		fmt.Fprintf(out, "Kept %s: %s\n", name, res.Kept[name])
	}
}
