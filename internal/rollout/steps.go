package rollout

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shinji-kodama/swarm-secrets/internal/docker"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// state is the working set of one rollout. original, temp and final are
// nil until known.
type state struct {
	rollout  *model.Rollout
	original *model.Object
	temp     *model.Object
	final    *model.Object
	data     []byte

	// names maps service IDs to names for log output.
	names    map[string]string
	warnings []string
}

// step moves a rollout to phase.
type step struct {
	phase model.RolloutPhase
	run   func(ctx context.Context, st *state) (detail string, err error)
}

// steps returns the ordered steps of a strategy. Phases increase along
// the happy path, so a resumed rollout skips every step whose phase its
// progress has already reached.
func (u *Updater) steps(strategy model.RolloutStrategy) []step {
	switch strategy {
	case model.StrategyReplace:
		return []step{
			{model.PhaseOriginalRemoved, u.removeOriginal},
			{model.PhaseFinalCreated, u.createFinal},
			{model.PhaseCompleted, u.done},
		}
	case model.StrategyRename:
		return []step{
			{model.PhaseFinalCreated, u.createFinal},
			{model.PhaseServicesOnFinal, u.servicesToFinal(func(st *state) *model.Object { return st.original })},
			{model.PhaseCompleted, u.removeOriginal},
		}
	default:
		return []step{
			{model.PhaseTempCreated, u.createTemp},
			{model.PhaseServicesOnTemp, u.servicesToTemp},
			{model.PhaseOriginalRemoved, u.removeOriginal},
			{model.PhaseFinalCreated, u.createFinal},
			{model.PhaseServicesOnFinal, u.servicesToFinal(func(st *state) *model.Object { return st.temp })},
			{model.PhaseCompleted, u.removeTemp},
		}
	}
}

// execute runs the remaining steps of st's rollout, journaling each phase.
// On failure it rolls back when allowed and records the outcome.
func (u *Updater) execute(ctx context.Context, st *state) error {
	r := st.rollout
	log := u.logger(r)

	for _, s := range u.steps(r.Strategy) {
		if r.Progress.Reached(s.phase) {
			continue
		}

		detail, err := s.run(ctx, st)
		if err != nil {
			return u.fail(ctx, st, s.phase, err)
		}

		r.SetPhase(s.phase)
		log.Info("rollout step", zap.String("phase", string(s.phase)), zap.String("detail", detail))
		if s.phase == model.PhaseCompleted {
			break
		}
		if err := u.journal.Advance(ctx, r, detail); err != nil {
			log.Warn("failed to record rollout step", zap.String("phase", string(s.phase)), zap.Error(err))
		}
	}

	if err := u.journal.Finish(ctx, r); err != nil {
		log.Warn("failed to record rollout completion", zap.Error(err))
	}
	log.Info("rollout completed", zap.Duration("duration", r.Duration()))
	return nil
}

// fail handles an error raised while working towards phase.
func (u *Updater) fail(ctx context.Context, st *state, phase model.RolloutPhase, cause error) error {
	r := st.rollout
	log := u.logger(r)
	log.Error("rollout step failed", zap.String("phase", string(phase)), zap.Error(cause))

	// Cleanup must run even when ctx was cancelled, e.g. by Ctrl-C.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.opts.Wait.Timeout+time.Minute)
	defer cancel()

	msg := fmt.Sprintf("rollout %s of %s %q failed before reaching %s", r.ID, r.Kind, r.Name, phase)
	r.Error = cause.Error()

	switch {
	case !u.canRollBack(r):
		r.SetPhase(model.PhaseFailed)
		if r.Resumable() {
			msg += fmt.Sprintf("; run \"swarm-secrets rollout resume %s\" to finish it", r.ID)
		}

	default:
		if err := u.rollback(cctx, st); err != nil {
			log.Error("rollback failed", zap.Error(err))
			r.Error = fmt.Sprintf("%s; rollback failed: %s", cause, err)
			r.SetPhase(model.PhaseFailed)
			msg += "; rollback failed: " + err.Error()
		} else {
			r.SetPhase(model.PhaseRolledBack)
			msg += "; rolled back"
		}
	}

	if err := u.journal.Finish(cctx, r); err != nil {
		log.Warn("failed to record rollout failure", zap.Error(err))
	}
	return model.WrapCLIError(model.ExitRolloutFailed, msg, cause)
}

// canRollBack reports whether the original object still exists and
// something needs undoing.
func (u *Updater) canRollBack(r *model.Rollout) bool {
	if !u.opts.Rollback {
		return false
	}
	switch r.Strategy {
	case model.StrategyRolling:
		return r.Progress.Reached(model.PhaseTempCreated) && !r.Progress.Reached(model.PhaseOriginalRemoved)
	case model.StrategyRename:
		return r.Progress.Reached(model.PhaseFinalCreated) && !r.Progress.Reached(model.PhaseCompleted)
	default:
		return false
	}
}

// rollback points every service back at the original and removes the
// object created in its place. Services that never moved are left alone,
// because repointing is a no-op for them.
func (u *Updater) rollback(ctx context.Context, st *state) error {
	r := st.rollout
	standIn := st.temp
	if r.Strategy == model.StrategyRename {
		standIn = st.final
	}
	if standIn == nil {
		return nil
	}

	for _, id := range r.Services {
		_, err := docker.RepointService(ctx, u.cli, id, r.Kind, standIn, st.original)
		if err != nil && model.CodeOf(err) != model.ExitNotFound {
			return fmt.Errorf("repoint service %s back to %q: %w", st.names[id], st.original.Name, err)
		}
	}
	if err := docker.WaitConverged(ctx, u.cli, r.Kind, r.Services, st.original, u.opts.Wait); err != nil {
		// The specs already reference the original, so removal below is
		// still allowed; surface the slow convergence as a warning.
		st.warnings = append(st.warnings, "services did not converge after rollback: "+err.Error())
		u.logger(r).Warn("services did not converge after rollback", zap.Error(err))
	}
	if err := docker.RemoveObject(ctx, u.cli, r.Kind, standIn.ID); err != nil && model.CodeOf(err) != model.ExitNotFound {
		return fmt.Errorf("remove %q: %w", standIn.Name, err)
	}
	if r.Strategy == model.StrategyRename {
		st.final = nil
	} else {
		st.temp = nil
	}
	return nil
}

// ---------------------------------------------------------------------------
// Steps
// ---------------------------------------------------------------------------

func (u *Updater) createTemp(ctx context.Context, st *state) (string, error) {
	r := st.rollout
	id, err := docker.CreateTemporary(ctx, u.cli, r.Kind, r.TempName, st.data, r.Labels, r.Name, r.ID)
	if err != nil {
		return "", err
	}
	r.TempID = id
	if st.temp, err = docker.InspectObject(ctx, u.cli, r.Kind, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("created %s %q", r.Kind, r.TempName), nil
}

func (u *Updater) servicesToTemp(ctx context.Context, st *state) (string, error) {
	if st.temp == nil {
		return "", missing(st.rollout, "temporary copy", st.rollout.TempName)
	}
	if err := u.repointAll(ctx, st, st.original, st.temp); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d service(s) converged on %q", len(st.rollout.Services), st.temp.Name), nil
}

func (u *Updater) servicesToFinal(from func(*state) *model.Object) func(context.Context, *state) (string, error) {
	return func(ctx context.Context, st *state) (string, error) {
		src := from(st)
		if src == nil {
			// Nothing left to move away from (the temporary copy is gone),
			// so every service must already be on the final object.
			src = &model.Object{Name: st.rollout.TempName}
		}
		if st.final == nil {
			return "", missing(st.rollout, "final object", st.rollout.FinalName)
		}
		if err := u.repointAll(ctx, st, src, st.final); err != nil {
			return "", err
		}
		return fmt.Sprintf("%d service(s) converged on %q", len(st.rollout.Services), st.final.Name), nil
	}
}

func (u *Updater) removeOriginal(ctx context.Context, st *state) (string, error) {
	r := st.rollout
	err := docker.RemoveObject(ctx, u.cli, r.Kind, r.OriginalID)
	if err != nil && model.CodeOf(err) != model.ExitNotFound {
		return "", err
	}
	return fmt.Sprintf("removed original %s %q", r.Kind, r.Name), nil
}

func (u *Updater) createFinal(ctx context.Context, st *state) (string, error) {
	r := st.rollout
	id, err := docker.CreateObject(ctx, u.cli, r.Kind, r.FinalName, st.data, r.Labels)
	if err != nil {
		return "", err
	}
	r.FinalID = id
	if st.final, err = docker.InspectObject(ctx, u.cli, r.Kind, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("created %s %q", r.Kind, r.FinalName), nil
}

func (u *Updater) removeTemp(ctx context.Context, st *state) (string, error) {
	r := st.rollout
	if r.TempID == "" {
		return "no temporary copy to remove", nil
	}
	err := docker.RemoveObject(ctx, u.cli, r.Kind, r.TempID)
	if err != nil && model.CodeOf(err) != model.ExitNotFound {
		return "", err
	}
	st.temp = nil
	return fmt.Sprintf("removed temporary %s %q", r.Kind, r.TempName), nil
}

func (u *Updater) done(context.Context, *state) (string, error) {
	return "", nil
}

// repointAll moves every service of the rollout from one object to
// another and waits until all of them run tasks referencing to.
func (u *Updater) repointAll(ctx context.Context, st *state, from, to *model.Object) error {
	r := st.rollout
	log := u.logger(r)
	live := make([]string, 0, len(r.Services))
	for _, id := range r.Services {
		warnings, err := docker.RepointService(ctx, u.cli, id, r.Kind, from, to)
		if err != nil {
			if model.CodeOf(err) == model.ExitNotFound {
				// Removed mid-rollout; nothing to move.
				log.Warn("service disappeared during rollout", zap.String("service", st.names[id]))
				continue
			}
			return err
		}
		live = append(live, id)
		st.warnings = append(st.warnings, warnings...)
		log.Debug("service repointed",
			zap.String("service", st.names[id]),
			zap.String("from", from.Name),
			zap.String("to", to.Name))
	}
	return docker.WaitConverged(ctx, u.cli, r.Kind, live, to, u.opts.Wait)
}

func missing(r *model.Rollout, what, name string) error {
	return model.NewCLIError(model.ExitNotFound,
		fmt.Sprintf("rollout %s: %s %q no longer exists", r.ID, what, name))
}
