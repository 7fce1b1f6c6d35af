package rollout

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/shinji-kodama/swarm-secrets/internal/docker"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// CleanupResult lists what CleanupOrphans did with each temporary copy.
type CleanupResult struct {
	Removed []model.Object `json:"removed"`

	// Kept maps temporary copy names to the reason they were left alone.
	Kept map[string]string `json:"kept"`
}

// CleanupOrphans removes temporary copies left behind by interrupted
// rollouts. A copy is removed only when no service references it and the
// object it stood in for exists again under its final name; anything else
// still has a rollout to resume. Journal entries whose only remaining step
// was removing the copy are marked completed.
func (u *Updater) CleanupOrphans(ctx context.Context, dryRun bool) (*CleanupResult, error) {
	res := &CleanupResult{Removed: []model.Object{}, Kept: map[string]string{}}

	for _, kind := range []model.Kind{model.KindSecret, model.KindConfig} {
		objs, err := docker.ListObjects(ctx, u.cli, kind, docker.ListOptions{
			Labels:           []string{docker.LabelRolloutOf},
			IncludeTemporary: true,
		})
		if err != nil {
			return nil, err
		}
		for i := range objs {
			obj := &objs[i]
			if !docker.IsTemporary(obj.Labels) {
				continue
			}
			reason, err := u.cleanupOne(ctx, obj, dryRun)
			if err != nil {
				return res, err
			}
			if reason != "" {
				res.Kept[obj.Name] = reason
				continue
			}
			res.Removed = append(res.Removed, *obj)
		}
	}
	return res, nil
}

// cleanupOne removes obj if it is an orphan. It returns a non-empty reason
// when obj was kept.
func (u *Updater) cleanupOne(ctx context.Context, obj *model.Object, dryRun bool) (string, error) {
	kind := obj.Kind
	owner := obj.Labels[docker.LabelRolloutOf]
	rolloutID := obj.Labels[docker.LabelRolloutID]

	if !u.locks.tryLock(kind, owner) {
		return "rollout in progress", nil
	}
	defer u.locks.unlock(kind, owner)

	// The copy may belong to a rollout another process is still running.
	if r, _, err := u.journal.Get(ctx, rolloutID); err == nil &&
		r.Resumable() && !r.Progress.Reached(model.PhaseServicesOnFinal) {
		return fmt.Sprintf("rollout %s is unfinished (%s)", rolloutID, r.Phase), nil
	}

	refs, err := docker.FindReferencingServices(ctx, u.cli, kind, obj)
	if err != nil {
		return "", err
	}
	if len(refs) > 0 {
		return fmt.Sprintf("still referenced by %d service(s)", len(refs)), nil
	}

	final, err := docker.InspectObject(ctx, u.cli, kind, owner)
	switch {
	case model.CodeOf(err) == model.ExitNotFound:
		return fmt.Sprintf("%s %q does not exist; resume rollout %s", kind, owner, rolloutID), nil
	case err != nil:
		return "", err
	}

	if dryRun {
		return "", nil
	}
	if err := docker.RemoveObject(ctx, u.cli, kind, obj.ID); err != nil {
		return "", err
	}
	u.log.Info("removed orphaned temporary copy",
		zap.String("kind", string(kind)),
		zap.String("name", obj.Name),
		zap.String("rollout_id", rolloutID))

	u.closeJournalEntry(ctx, rolloutID, final)
	return "", nil
}

// closeJournalEntry marks a rollout completed when cleanup removed the
// last thing it left behind.
func (u *Updater) closeJournalEntry(ctx context.Context, rolloutID string, final *model.Object) {
	if rolloutID == "" {
		return
	}
	r, _, err := u.journal.Get(ctx, rolloutID)
	if err != nil || r.Phase.IsTerminal() || !r.Progress.Reached(model.PhaseServicesOnFinal) {
		return
	}
	r.FinalID = final.ID
	r.Error = ""
	r.SetPhase(model.PhaseCompleted)
	if err := u.journal.Finish(ctx, r); err != nil {
		u.log.Warn("failed to close rollout after cleanup", zap.String("rollout_id", rolloutID), zap.Error(err))
	}
}
