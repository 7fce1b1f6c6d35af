// objects.go implements secret and config lifecycle operations. Secrets and
// configs have parallel but distinct SDK types, so each helper switches on
// model.Kind once and converts the SDK result into a model.Object. The rest
// of the application never touches swarm.Secret or swarm.Config directly.
package docker

import (
	"context"
	"fmt"
	"sort"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"

	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// ListOptions narrows ListObjects results. Filtering happens server-side.
type ListOptions struct {
	// Names restricts the result to objects with these exact names.
	Names []string

	// Labels restricts the result to objects carrying these labels, given
	// as "key" or "key=value".
	Labels []string

	// ManagedOnly restricts the result to objects created by swarm-secrets.
	ManagedOnly bool

	// IncludeTemporary keeps temporary rollout copies in the result. They
	// are hidden by default because they are an implementation detail of
	// an in-flight rollout.
	IncludeTemporary bool
}

func (o ListOptions) filterArgs() filters.Args {
	args := filters.NewArgs()
	for _, n := range o.Names {
		args.Add("names", n)
	}
	for _, l := range o.Labels {
		args.Add("label", l)
	}
	if o.ManagedOnly {
		args.Add("label", LabelManagedBy+"="+ManagedByValue)
	}
	return args
}

// ListObjects returns the secrets or configs known to the swarm, sorted by
// name for stable output.
func ListObjects(ctx context.Context, cli *Client, kind model.Kind, opts ListOptions) ([]model.Object, error) {
	var result []model.Object

	switch kind {
	case model.KindSecret:
		secrets, err := cli.inner.SecretList(ctx, swarm.SecretListOptions{Filters: opts.filterArgs()})
		if err != nil {
			return nil, classifyError(err, "failed to list secrets")
		}
		result = make([]model.Object, 0, len(secrets))
		for _, s := range secrets {
			result = append(result, secretToObject(s))
		}

	case model.KindConfig:
		configs, err := cli.inner.ConfigList(ctx, swarm.ConfigListOptions{Filters: opts.filterArgs()})
		if err != nil {
			return nil, classifyError(err, "failed to list configs")
		}
		result = make([]model.Object, 0, len(configs))
		for _, c := range configs {
			result = append(result, configToObject(c))
		}

	default:
		return nil, invalidKind(kind)
	}

	if !opts.IncludeTemporary {
		kept := result[:0]
		for _, o := range result {
			if !IsTemporary(o.Labels) {
				kept = append(kept, o)
			}
		}
		result = kept
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// InspectObject looks up a secret or config by full ID, exact name or ID
// prefix (the daemon resolves all three).
//
// Returns a model.CLIError with ExitNotFound if nothing matches.
func InspectObject(ctx context.Context, cli *Client, kind model.Kind, ref string) (*model.Object, error) {
	if ref == "" {
		return nil, model.NewCLIError(model.ExitInvalidInput, fmt.Sprintf("%s name or ID must not be empty", kind))
	}

	switch kind {
	case model.KindSecret:
		s, _, err := cli.inner.SecretInspectWithRaw(ctx, ref)
		if err != nil {
			return nil, classifyError(err, fmt.Sprintf("secret %q not found", ref))
		}
		obj := secretToObject(s)
		return &obj, nil

	case model.KindConfig:
		c, _, err := cli.inner.ConfigInspectWithRaw(ctx, ref)
		if err != nil {
			return nil, classifyError(err, fmt.Sprintf("config %q not found", ref))
		}
		obj := configToObject(c)
		return &obj, nil

	default:
		return nil, invalidKind(kind)
	}
}

// CreateObject creates a secret or config and returns its new ID.
// Labels are passed through BuildLabels, so the management and content-hash
// labels are always present on objects created here.
func CreateObject(ctx context.Context, cli *Client, kind model.Kind, name string, data []byte, labels map[string]string) (string, error) {
	if err := model.ValidateObjectName(name); err != nil {
		return "", model.WrapCLIError(model.ExitInvalidInput, fmt.Sprintf("cannot create %s", kind), err)
	}
	if err := model.ValidatePayload(kind, data); err != nil {
		return "", model.WrapCLIError(model.ExitInvalidInput, fmt.Sprintf("cannot create %s %q", kind, name), err)
	}
	return createRaw(ctx, cli, kind, name, data, BuildLabels(labels, data))
}

// createRaw creates an object with exactly the given labels. The rollout
// code uses it for temporary copies whose labels it builds itself.
func createRaw(ctx context.Context, cli *Client, kind model.Kind, name string, data []byte, labels map[string]string) (string, error) {
	annotations := swarm.Annotations{Name: name, Labels: labels}

	switch kind {
	case model.KindSecret:
		resp, err := cli.inner.SecretCreate(ctx, swarm.SecretSpec{Annotations: annotations, Data: data})
		if err != nil {
			return "", classifyError(err, fmt.Sprintf("failed to create secret %q", name))
		}
		return resp.ID, nil

	case model.KindConfig:
		resp, err := cli.inner.ConfigCreate(ctx, swarm.ConfigSpec{Annotations: annotations, Data: data})
		if err != nil {
			return "", classifyError(err, fmt.Sprintf("failed to create config %q", name))
		}
		return resp.ID, nil

	default:
		return "", invalidKind(kind)
	}
}

// CreateTemporary creates a temporary copy standing in for originalName
// during a rollout. The copy carries LabelRolloutOf/LabelRolloutID so that
// interrupted rollouts can be found and cleaned up later.
func CreateTemporary(ctx context.Context, cli *Client, kind model.Kind, name string, data []byte, userLabels map[string]string, originalName, rolloutID string) (string, error) {
	if err := model.ValidateObjectName(name); err != nil {
		return "", model.WrapCLIError(model.ExitInvalidInput, fmt.Sprintf("cannot create temporary %s", kind), err)
	}
	labels := BuildTempLabels(userLabels, data, originalName, rolloutID)
	return createRaw(ctx, cli, kind, name, data, labels)
}

// RemoveObject removes a secret or config by ID or name.
//
// The daemon refuses to remove objects that services still reference; that
// refusal is reported as a CLIError with ExitConflict.
func RemoveObject(ctx context.Context, cli *Client, kind model.Kind, id string) error {
	var err error
	switch kind {
	case model.KindSecret:
		err = cli.inner.SecretRemove(ctx, id)
	case model.KindConfig:
		err = cli.inner.ConfigRemove(ctx, id)
	default:
		return invalidKind(kind)
	}
	return classifyError(err, fmt.Sprintf("failed to remove %s %q", kind, id))
}

// secretToObject converts the SDK secret type into the domain model.
// The Data field is always empty because the daemon never returns it.
func secretToObject(s swarm.Secret) model.Object {
	obj := model.Object{
		ID:        s.ID,
		Kind:      model.KindSecret,
		Name:      s.Spec.Name,
		Labels:    s.Spec.Labels,
		Version:   s.Version.Index,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if s.Spec.Driver != nil {
		obj.Driver = s.Spec.Driver.Name
	}
	return obj
}

// configToObject converts the SDK config type into the domain model,
// including the payload.
func configToObject(c swarm.Config) model.Object {
	return model.Object{
		ID:        c.ID,
		Kind:      model.KindConfig,
		Name:      c.Spec.Name,
		Labels:    c.Spec.Labels,
		Version:   c.Version.Index,
		Data:      c.Spec.Data,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func invalidKind(kind model.Kind) error {
	return model.NewCLIError(model.ExitInvalidInput, fmt.Sprintf("invalid object kind %q", kind))
}
