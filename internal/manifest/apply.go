package manifest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shinji-kodama/swarm-secrets/internal/docker"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
	"github.com/shinji-kodama/swarm-secrets/internal/rollout"
)

// Outcome statuses.
const (
	StatusPlanned = "planned"
	StatusDone    = "done"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Outcome is the result of applying one Change.
type Outcome struct {
	Change

	Status    string `json:"status"`
	RolloutID string `json:"rolloutId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Applier carries out planned changes against one daemon.
type Applier struct {
	cli     *docker.Client
	updater *rollout.Updater
	log     *zap.Logger
}

// NewApplier returns an Applier that updates existing objects through u.
func NewApplier(cli *docker.Client, u *rollout.Updater, log *zap.Logger) *Applier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Applier{cli: cli, updater: u, log: log}
}

// Current lists the secrets and configs Plan compares against. Temporary
// rollout copies are left out.
func (a *Applier) Current(ctx context.Context) ([]model.Object, error) {
	var out []model.Object
	for _, kind := range []model.Kind{model.KindSecret, model.KindConfig} {
		objs, err := docker.ListObjects(ctx, a.cli, kind, docker.ListOptions{})
		if err != nil {
			return nil, err
		}
		out = append(out, objs...)
	}
	return out, nil
}

// Apply runs changes in order. With dryRun nothing is changed and every
// create, update and prune is reported as planned.
//
// A failing change does not stop the others. The returned error is a
// CLIError carrying the exit code of the first failure.
func (a *Applier) Apply(ctx context.Context, changes []Change, dryRun bool) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(changes))
	var errs []error

	for _, c := range changes {
		o := Outcome{Change: c, Status: StatusDone}
		switch {
		case c.Action == ActionUnchanged:
			o.Status = StatusSkipped
		case dryRun:
			o.Status = StatusPlanned
		default:
			if err := a.apply(ctx, &o); err != nil {
				o.Status = StatusFailed
				o.Error = err.Error()
				errs = append(errs, err)
				a.log.Error("apply failed",
					zap.String("kind", string(c.Kind)),
					zap.String("name", c.Name),
					zap.String("action", string(c.Action)),
					zap.Error(err))
			}
		}
		outcomes = append(outcomes, o)
	}

	if len(errs) > 0 {
		return outcomes, model.WrapCLIError(model.CodeOf(errs[0]),
			fmt.Sprintf("%d of %d changes failed", len(errs), len(changes)), errors.Join(errs...))
	}
	return outcomes, nil
}

func (a *Applier) apply(ctx context.Context, o *Outcome) error {
	switch o.Action {
	case ActionCreate:
		id, err := a.updater.Create(ctx, o.Kind, o.Name, o.Data, o.Labels)
		if err != nil {
			return err
		}
		o.ID = id
		a.log.Info("created", zap.String("kind", string(o.Kind)), zap.String("name", o.Name))
		return nil

	case ActionUpdate:
		labels := o.Labels
		if labels == nil {
			labels = map[string]string{}
		}
		res, err := a.updater.Update(ctx, rollout.Request{Kind: o.Kind, Ref: o.Name, Data: o.Data, Labels: labels})
		if res != nil {
			o.RolloutID = res.RolloutID
			if res.Object != nil {
				o.ID = res.Object.ID
			}
		}
		return err

	case ActionPrune:
		obj, err := docker.InspectObject(ctx, a.cli, o.Kind, o.ID)
		if err != nil {
			return err
		}
		refs, err := docker.FindReferencingServices(ctx, a.cli, o.Kind, obj)
		if err != nil {
			return err
		}
		if len(refs) > 0 {
			o.Status = StatusSkipped
			o.Reason = fmt.Sprintf("in use by %d service(s)", len(refs))
			return nil
		}
		if err := docker.RemoveObject(ctx, a.cli, o.Kind, o.ID); err != nil {
			return err
		}
		a.log.Info("pruned", zap.String("kind", string(o.Kind)), zap.String("name", o.Name))
		return nil

	default:
		return fmt.Errorf("unknown action %q", o.Action)
	}
}
