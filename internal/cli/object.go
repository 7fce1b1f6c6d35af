// object.go implements the "secret" and "config" command groups. Both kinds
// share one set of subcommands parameterized by model.Kind:
//
//	swarm-secrets secret ls|create|inspect|rm|update
//	swarm-secrets config ls|create|inspect|rm|update
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/swarm-secrets/internal/docker"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// NewObjectCommand creates the command group for one kind.
func NewObjectCommand(kind model.Kind) *cobra.Command {
	cmd := &cobra.Command{
		Use:   kind.String(),
		Short: fmt.Sprintf("Manage Swarm %s", kind.Plural()),
	}

	cmd.AddCommand(newObjectListCommand(kind))
	cmd.AddCommand(newObjectCreateCommand(kind))
	cmd.AddCommand(newObjectInspectCommand(kind))
	cmd.AddCommand(newObjectRemoveCommand(kind))
	cmd.AddCommand(newObjectUpdateCommand(kind))
	return cmd
}

// listFlags holds the flag values for the ls subcommand.
type listFlags struct {
	labels  []string
	managed bool
	all     bool
}

func newObjectListCommand(kind model.Kind) *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   fmt.Sprintf("List %s", kind.Plural()),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runObjectList(cmd.Context(), cmd.OutOrStdout(), kind, flags)
		},
	}

	cmd.Flags().StringSliceVarP(&flags.labels, "label", "l", nil, `Filter by label ("key" or "key=value", repeatable)`)
	cmd.Flags().BoolVar(&flags.managed, "managed", false, "Only show objects created by swarm-secrets")
	cmd.Flags().BoolVarP(&flags.all, "all", "a", false, "Include temporary rollout copies")
	return cmd
}

func runObjectList(ctx context.Context, out io.Writer, kind model.Kind, flags *listFlags) error {
	cli, err := connectManager(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	objs, err := docker.ListObjects(ctx, cli, kind, docker.ListOptions{
		Labels:           flags.labels,
		ManagedOnly:      flags.managed,
		IncludeTemporary: flags.all,
	})
	if err != nil {
		return err
	}
	VerboseLog("Found %d %s", len(objs), kind.Plural())

	if IsJSONOutput() {
		if objs == nil {
			objs = []model.Object{}
		}
		printJSON(out, map[string]any{kind.Plural(): objs})
		return nil
	}
	printObjectTable(out, kind, objs)
	return nil
}

// printObjectTable prints objects as a fixed-width table:
//
//	ID             NAME           MANAGED  UPDATED               LABELS
//	a1b2c3d4e5f6   db-password    yes      2024-05-01 10:00:00   team=core
func printObjectTable(out io.Writer, kind model.Kind, objs []model.Object) {
	if len(objs) == 0 {
		fmt.Fprintf(out, "No %s found.\n", kind.Plural())
		return
	}

	fmt.Fprintf(out, "%-14s %-32s %-8s %-20s %s\n", "ID", "NAME", "MANAGED", "UPDATED", "LABELS")
	for i := range objs {
		o := &objs[i]
		fmt.Fprintf(out, "%-14s %-32s %-8s %-20s %s\n",
			o.ShortID(),
			o.Name,
			yesNo(docker.IsManaged(o.Labels)),
			formatTime(o.UpdatedAt),
			docker.FormatLabels(o.Labels),
		)
	}
}

// createFlags holds the flag values for the create subcommand.
type createFlags struct {
	payload payloadFlags
	labels  []string
}

func newObjectCreateCommand(kind model.Kind) *cobra.Command {
	flags := &createFlags{}

	cmd := &cobra.Command{
		Use:   "create <name> [file|-]",
		Short: fmt.Sprintf("Create a %s", kind),
		Long: fmt.Sprintf(`Create a %[1]s from a file, stdin, an inline value or an age-encrypted file.

Examples:
  swarm-secrets %[1]s create db-password --data hunter2
  swarm-secrets %[1]s create tls-key ./tls.key --label env=prod
  cat payload | swarm-secrets %[1]s create app-token -
  swarm-secrets %[1]s create api-key --age-file api-key.age --identity key.txt`, kind),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				if flags.payload.given() {
					return model.NewCLIError(model.ExitInvalidInput, "give the payload either as an argument or with a flag, not both")
				}
				flags.payload.file = args[1]
			}
			return runObjectCreate(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), kind, args[0], flags)
		},
	}

	flags.payload.register(cmd)
	cmd.Flags().StringSliceVarP(&flags.labels, "label", "l", nil, "Set a label (key=value, repeatable)")
	return cmd
}

func runObjectCreate(ctx context.Context, in io.Reader, out io.Writer, kind model.Kind, name string, flags *createFlags) error {
	if err := model.ValidateObjectName(name); err != nil {
		return model.WrapCLIError(model.ExitInvalidInput, fmt.Sprintf("cannot create %s", kind), err)
	}
	labels, err := docker.ParseLabelArgs(flags.labels)
	if err != nil {
		return model.WrapCLIError(model.ExitInvalidInput, "invalid --label", err)
	}
	data, err := flags.payload.read(kind, in)
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

	id, err := u.Create(ctx, kind, name, data, labels)
	if err != nil {
		return err
	}
	VerboseLog("Created %s %q (%d bytes)", kind, name, len(data))

	if IsJSONOutput() {
		printJSON(out, map[string]any{"id": id, "name": name, "action": "created"})
		return nil
	}
	fmt.Fprintln(out, id)
	return nil
}

// inspectFlags holds the flag values for the inspect subcommand.
type inspectFlags struct {
	// showData prints config payloads in text mode.
	showData bool
}

// inspectResult is the JSON shape of inspect.
type inspectResult struct {
	model.Object
	Services []model.ServiceRef `json:"services"`
}

func newObjectInspectCommand(kind model.Kind) *cobra.Command {
	flags := &inspectFlags{}

	cmd := &cobra.Command{
		Use:   "inspect <name|id>",
		Short: fmt.Sprintf("Show a %s and the services using it", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runObjectInspect(cmd.Context(), cmd.OutOrStdout(), kind, args[0], flags)
		},
	}

	if kind == model.KindConfig {
		cmd.Flags().BoolVar(&flags.showData, "show-data", false, "Print the config payload")
	}
	return cmd
}

func runObjectInspect(ctx context.Context, out io.Writer, kind model.Kind, ref string, flags *inspectFlags) error {
	cli, err := connectManager(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	obj, err := docker.InspectObject(ctx, cli, kind, ref)
	if err != nil {
		return err
	}
	refs, err := docker.FindReferencingServices(ctx, cli, kind, obj)
	if err != nil {
		return err
	}
	if refs == nil {
		refs = []model.ServiceRef{}
	}

	if IsJSONOutput() {
		printJSON(out, inspectResult{Object: *obj, Services: refs})
		return nil
	}

	fmt.Fprintf(out, "ID:       %s\n", obj.ID)
	fmt.Fprintf(out, "Name:     %s\n", obj.Name)
	fmt.Fprintf(out, "Managed:  %s\n", yesNo(docker.IsManaged(obj.Labels)))
	fmt.Fprintf(out, "Labels:   %s\n", docker.FormatLabels(obj.Labels))
	fmt.Fprintf(out, "Created:  %s\n", formatTime(obj.CreatedAt))
	fmt.Fprintf(out, "Updated:  %s\n", formatTime(obj.UpdatedAt))
	if obj.Driver != "" {
		fmt.Fprintf(out, "Driver:   %s\n", obj.Driver)
	}
	if len(refs) == 0 {
		fmt.Fprintln(out, "Services: -")
	} else {
		fmt.Fprintln(out, "Services:")
		for _, r := range refs {
			fmt.Fprintf(out, "  %s (%s)\n", r.ServiceName, strings.Join(r.Targets, ", "))
		}
	}
	if flags.showData && kind == model.KindConfig {
		fmt.Fprintf(out, "Data:\n%s\n", obj.Data)
	}
	return nil
}

// removeFlags holds the flag values for the rm subcommand.
type removeFlags struct {
	// force skips the interactive confirmation prompt when true.
	force bool
}

func newObjectRemoveCommand(kind model.Kind) *cobra.Command {
	flags := &removeFlags{}

	cmd := &cobra.Command{
		Use:     "rm <name|id>...",
		Aliases: []string{"remove"},
		Short:   fmt.Sprintf("Remove one or more %s", kind.Plural()),
		Long: fmt.Sprintf(`Remove one or more %[1]s.

A %[2]s that a service still uses cannot be removed; use
"swarm-secrets %[2]s update" to change it instead.

Unless --force is specified, the command prompts for confirmation.`, kind.Plural(), kind),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runObjectRemove(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), kind, args, flags)
		},
	}

	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Remove without confirmation")
	return cmd
}

func runObjectRemove(ctx context.Context, in io.Reader, out io.Writer, kind model.Kind, refs []string, flags *removeFlags) error {
	cli, err := connectManager(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	// Resolve everything first so nothing is removed when one name is
	// wrong or in use.
	objs := make([]*model.Object, 0, len(refs))
	for _, ref := range refs {
		obj, err := docker.InspectObject(ctx, cli, kind, ref)
		if err != nil {
			return err
		}
		users, err := docker.FindReferencingServices(ctx, cli, kind, obj)
		if err != nil {
			return err
		}
		if len(users) > 0 {
			names := make([]string, 0, len(users))
			for _, u := range users {
				names = append(names, u.ServiceName)
			}
			return model.NewCLIError(model.ExitConflict, fmt.Sprintf(
				"%s %q is in use by %s; use \"swarm-secrets %s update\" to change it",
				kind, obj.Name, strings.Join(names, ", "), kind))
		}
		objs = append(objs, obj)
	}

	if !flags.force {
		names := make([]string, 0, len(objs))
		for _, o := range objs {
			names = append(names, o.Name)
		}
		confirmed, err := promptConfirmation(in, out,
			fmt.Sprintf("About to remove %d %s: %s", len(objs), kind.Plural(), strings.Join(names, ", ")))
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to read user input", err)
		}
		if !confirmed {
			return model.NewCLIError(model.ExitUserCancelled, "operation cancelled by user")
		}
	}

	removed := make([]map[string]string, 0, len(objs))
	for _, o := range objs {
		VerboseLog("Removing %s %s (%s)", kind, o.Name, o.ShortID())
		if err := docker.RemoveObject(ctx, cli, kind, o.ID); err != nil {
			return err
		}
		removed = append(removed, map[string]string{"id": o.ID, "name": o.Name})
		if !IsJSONOutput() {
			fmt.Fprintln(out, o.Name)
		}
	}

	if IsJSONOutput() {
		printJSON(out, map[string]any{"removed": removed})
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
