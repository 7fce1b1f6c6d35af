// services.go implements the service-side half of a rolling update:
// discovering which services reference a secret or config, rewriting those
// references to point at another object, and waiting until the swarm has
// replaced every task so the old object is no longer mounted anywhere.
package docker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"golang.org/x/sync/errgroup"

	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// runtimeTarget is reported as the target of config references that are
// consumed by the runtime (credential specs) instead of mounted as files.
const runtimeTarget = "runtime"

// maxRepointAttempts bounds how often RepointService retries after the
// daemon reports "update out of sequence".
const maxRepointAttempts = 5

// WaitOptions controls convergence polling.
type WaitOptions struct {
	// Timeout is the maximum time to wait for all services.
	Timeout time.Duration

	// PollInterval is the initial delay between polls. It grows
	// exponentially up to MaxPollInterval.
	PollInterval time.Duration

	// MaxPollInterval caps the delay between polls.
	MaxPollInterval time.Duration
}

// DefaultWaitOptions returns the polling settings used when the
// configuration does not override them.
func DefaultWaitOptions() WaitOptions {
	return WaitOptions{
		Timeout:         5 * time.Minute,
		PollInterval:    time.Second,
		MaxPollInterval: 10 * time.Second,
	}
}

// FindReferencingServices returns every service whose container spec
// references obj. A reference matches by object ID, or by name when the
// reference carries no ID (the daemon fills IDs in, but specs submitted by
// older clients may only have names).
func FindReferencingServices(ctx context.Context, cli *Client, kind model.Kind, obj *model.Object) ([]model.ServiceRef, error) {
	services, err := cli.inner.ServiceList(ctx, swarm.ServiceListOptions{})
	if err != nil {
		return nil, classifyError(err, "failed to list services")
	}

	var refs []model.ServiceRef
	for _, svc := range services {
		targets := matchingTargets(kind, svc.Spec.TaskTemplate.ContainerSpec, obj)
		if len(targets) == 0 {
			continue
		}
		refs = append(refs, model.ServiceRef{
			ServiceID:   svc.ID,
			ServiceName: svc.Spec.Name,
			Version:     svc.Version.Index,
			Targets:     targets,
		})
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].ServiceName < refs[j].ServiceName
	})
	return refs, nil
}

// matchingTargets returns the file targets of references in spec that point
// at obj. It returns nil when spec is nil (plugin or attachment tasks).
func matchingTargets(kind model.Kind, spec *swarm.ContainerSpec, obj *model.Object) []string {
	if spec == nil {
		return nil
	}

	var targets []string
	switch kind {
	case model.KindSecret:
		for _, ref := range spec.Secrets {
			if ref != nil && refMatches(ref.SecretID, ref.SecretName, obj) {
				targets = append(targets, secretTarget(ref))
			}
		}
	case model.KindConfig:
		for _, ref := range spec.Configs {
			if ref != nil && refMatches(ref.ConfigID, ref.ConfigName, obj) {
				targets = append(targets, configTarget(ref))
			}
		}
	}
	return targets
}

func refMatches(id, name string, obj *model.Object) bool {
	if id != "" {
		return id == obj.ID
	}
	return name == obj.Name
}

func secretTarget(ref *swarm.SecretReference) string {
	if ref.File != nil && ref.File.Name != "" {
		return ref.File.Name
	}
	return ref.SecretName
}

func configTarget(ref *swarm.ConfigReference) string {
	if ref.Runtime != nil {
		return runtimeTarget
	}
	if ref.File != nil && ref.File.Name != "" {
		return ref.File.Name
	}
	return ref.ConfigName
}

// rewriteReferences repoints every reference to from in spec so that it
// references to instead. File targets are left untouched, so the path the
// payload is mounted at inside the container does not change. It reports
// how many references were rewritten.
func rewriteReferences(kind model.Kind, spec *swarm.ContainerSpec, from, to *model.Object) int {
	if spec == nil {
		return 0
	}

	rewritten := 0
	switch kind {
	case model.KindSecret:
		for _, ref := range spec.Secrets {
			if ref != nil && refMatches(ref.SecretID, ref.SecretName, from) {
				ref.SecretID = to.ID
				ref.SecretName = to.Name
				rewritten++
			}
		}
	case model.KindConfig:
		for _, ref := range spec.Configs {
			if ref != nil && refMatches(ref.ConfigID, ref.ConfigName, from) {
				ref.ConfigID = to.ID
				ref.ConfigName = to.Name
				rewritten++
			}
		}
		// Credential specs name their config by ID in a second place.
		if p := spec.Privileges; p != nil && p.CredentialSpec != nil && p.CredentialSpec.Config == from.ID {
			p.CredentialSpec.Config = to.ID
			rewritten++
		}
	}
	return rewritten
}

// RepointService rewrites serviceID's references from one object to
// another and submits the updated spec. It returns the daemon's warnings.
//
// The update is retried when the service changed between our inspect and
// update ("update out of sequence"), re-reading the spec each time. If the
// service no longer references from, nothing is submitted, which makes
// the call safe to repeat after a partial failure.
func RepointService(ctx context.Context, cli *Client, serviceID string, kind model.Kind, from, to *model.Object) ([]string, error) {
	operation := func() ([]string, error) {
		svc, _, err := cli.inner.ServiceInspectWithRaw(ctx, serviceID, swarm.ServiceInspectOptions{})
		if err != nil {
			return nil, backoff.Permanent(classifyError(err, fmt.Sprintf("failed to inspect service %q", serviceID)))
		}

		spec := svc.Spec
		if rewriteReferences(kind, spec.TaskTemplate.ContainerSpec, from, to) == 0 {
			return nil, nil
		}

		resp, err := cli.inner.ServiceUpdate(ctx, svc.ID, svc.Version, spec, swarm.ServiceUpdateOptions{})
		if err != nil {
			if isOutOfSequence(err) {
				return nil, err
			}
			return nil, backoff.Permanent(classifyError(err,
				fmt.Sprintf("failed to update service %q", svc.Spec.Name)))
		}
		return resp.Warnings, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond

	warnings, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxRepointAttempts),
	)
	if err != nil {
		return nil, classifyError(err, fmt.Sprintf("failed to repoint service %q", serviceID))
	}
	return warnings, nil
}

// errNotConverged is the retryable "keep polling" signal.
var errNotConverged = errors.New("service has not converged")

// WaitConverged blocks until every service in serviceIDs has finished
// rolling its tasks. When target is non-nil, convergence also requires that
// every task meant to be running references target, which protects against
// reading a stale "completed" status left over from a previous update.
//
// Services are polled concurrently. An update that the swarm paused or
// rolled back fails immediately; otherwise polling continues until
// opts.Timeout elapses.
func WaitConverged(ctx context.Context, cli *Client, kind model.Kind, serviceIDs []string, target *model.Object, opts WaitOptions) error {
	if len(serviceIDs) == 0 {
		return nil
	}
	if opts.PollInterval <= 0 {
		opts = DefaultWaitOptions()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range serviceIDs {
		g.Go(func() error {
			return waitService(gctx, cli, kind, id, target, opts)
		})
	}
	return g.Wait()
}

func waitService(ctx context.Context, cli *Client, kind model.Kind, serviceID string, target *model.Object, opts WaitOptions) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.PollInterval
	b.RandomizationFactor = 0.2
	if opts.MaxPollInterval > 0 {
		b.MaxInterval = opts.MaxPollInterval
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, checkConverged(ctx, cli, kind, serviceID, target)
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(opts.Timeout))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errNotConverged):
		return model.WrapCLIError(model.ExitRolloutFailed,
			fmt.Sprintf("service %q did not converge within %s", serviceID, opts.Timeout), err)
	default:
		return err
	}
}

// checkConverged returns nil when the service has converged,
// errNotConverged when polling should continue, and a permanent error when
// the swarm gave up on the update.
func checkConverged(ctx context.Context, cli *Client, kind model.Kind, serviceID string, target *model.Object) error {
	svc, _, err := cli.inner.ServiceInspectWithRaw(ctx, serviceID, swarm.ServiceInspectOptions{})
	if err != nil {
		return backoff.Permanent(classifyError(err, fmt.Sprintf("failed to inspect service %q", serviceID)))
	}

	if us := svc.UpdateStatus; us != nil {
		switch us.State {
		case swarm.UpdateStateUpdating:
			return errNotConverged
		case swarm.UpdateStatePaused, swarm.UpdateStateRollbackStarted,
			swarm.UpdateStateRollbackPaused, swarm.UpdateStateRollbackCompleted:
			return backoff.Permanent(model.NewCLIError(model.ExitRolloutFailed,
				fmt.Sprintf("update of service %q stopped in state %q: %s", svc.Spec.Name, us.State, us.Message)))
		}
	}

	// Jobs run to completion; there is no steady state to wait for.
	if svc.Spec.Mode.ReplicatedJob != nil || svc.Spec.Mode.GlobalJob != nil {
		return nil
	}

	args := filters.NewArgs(
		filters.Arg("service", svc.ID),
		filters.Arg("desired-state", string(swarm.TaskStateRunning)),
	)
	tasks, err := cli.inner.TaskList(ctx, swarm.TaskListOptions{Filters: args})
	if err != nil {
		return backoff.Permanent(classifyError(err, fmt.Sprintf("failed to list tasks of service %q", svc.Spec.Name)))
	}

	running := 0
	for _, task := range tasks {
		if task.DesiredState != swarm.TaskStateRunning {
			continue
		}
		if task.Status.State != swarm.TaskStateRunning {
			return errNotConverged
		}
		if target != nil && len(matchingTargets(kind, task.Spec.ContainerSpec, target)) == 0 {
			return errNotConverged
		}
		running++
	}

	if r := svc.Spec.Mode.Replicated; r != nil && r.Replicas != nil && uint64(running) < *r.Replicas {
		return errNotConverged
	}
	return nil
}
