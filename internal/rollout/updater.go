package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shinji-kodama/swarm-secrets/internal/docker"
	"github.com/shinji-kodama/swarm-secrets/internal/journal"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// ErrRolloutInProgress is returned when the object already has a rollout
// running in this process or an unfinished one in the journal.
var ErrRolloutInProgress = errors.New("a rollout of this object is already in progress")

// DefaultTempSuffix is inserted between the object name and the rollout ID
// in temporary copy names.
const DefaultTempSuffix = "rollout"

// Options tunes the Updater.
type Options struct {
	// Wait controls how long and how often service convergence is polled
	// after each repoint.
	Wait docker.WaitOptions

	// Rollback undoes a rollout that fails before the original object is
	// removed.
	Rollback bool

	// TempSuffix names temporary copies "<name>-<suffix>-<id>".
	TempSuffix string
}

// DefaultOptions returns five minute convergence timeouts with rollback
// enabled.
func DefaultOptions() Options {
	return Options{
		Wait:       docker.DefaultWaitOptions(),
		Rollback:   true,
		TempSuffix: DefaultTempSuffix,
	}
}

// Request describes one update.
type Request struct {
	Kind model.Kind

	// Ref is the current name, ID or ID prefix of the object.
	Ref string

	// NewName renames the object when set and different from its
	// current name.
	NewName string

	// Data is the new payload.
	Data []byte

	// Labels replaces the object's user labels. Nil keeps the current ones.
	Labels map[string]string
}

// Result reports what an update did.
type Result struct {
	RolloutID string                `json:"rolloutId"`
	Strategy  model.RolloutStrategy `json:"strategy"`
	Phase     model.RolloutPhase    `json:"phase"`

	// Object is the object as it exists after the rollout.
	Object *model.Object `json:"object,omitempty"`

	TempName string             `json:"tempName,omitempty"`
	Services []model.ServiceRef `json:"services"`
	Warnings []string           `json:"warnings,omitempty"`
	Duration time.Duration      `json:"duration"`
}

// Plan is what Preview expects an update to do.
type Plan struct {
	Kind      model.Kind            `json:"kind"`
	Name      string                `json:"name"`
	FinalName string                `json:"finalName"`
	Strategy  model.RolloutStrategy `json:"strategy"`
	Services  []model.ServiceRef    `json:"services"`

	// Unchanged is true when the payload and name already match, which
	// makes the update a no-op apart from label changes.
	Unchanged bool `json:"unchanged"`
}

// Updater runs rollouts against one daemon.
type Updater struct {
	cli     *docker.Client
	journal journal.Journal
	log     *zap.Logger
	opts    Options
	locks   *objectLocks

	// newID generates rollout IDs. Tests replace it for stable names.
	newID func() string
}

// New returns an Updater. A nil journal disables persistence and a nil
// logger disables logging.
func New(cli *docker.Client, j journal.Journal, log *zap.Logger, opts Options) *Updater {
	if j == nil {
		j = journal.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.TempSuffix == "" {
		opts.TempSuffix = DefaultTempSuffix
	}
	if len(opts.TempSuffix) > MaxTempSuffixLength {
		opts.TempSuffix = opts.TempSuffix[:MaxTempSuffixLength]
	}
	if opts.Wait.PollInterval <= 0 {
		opts.Wait = docker.DefaultWaitOptions()
	}
	return &Updater{
		cli:     cli,
		journal: j,
		log:     log,
		opts:    opts,
		locks:   newObjectLocks(),
		newID:   uuid.NewString,
	}
}

// Journal returns the journal rollouts are recorded in.
func (u *Updater) Journal() journal.Journal {
	return u.journal
}

// Preview resolves the object and reports the strategy Update would use
// without changing anything.
func (u *Updater) Preview(ctx context.Context, req Request) (*Plan, error) {
	obj, finalName, err := u.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	refs, err := docker.FindReferencingServices(ctx, u.cli, req.Kind, obj)
	if err != nil {
		return nil, err
	}
	return &Plan{
		Kind:      req.Kind,
		Name:      obj.Name,
		FinalName: finalName,
		Strategy:  chooseStrategy(obj.Name, finalName, refs),
		Services:  refs,
		Unchanged: finalName == obj.Name && docker.HashMatches(obj.Labels, req.Data),
	}, nil
}

// Update replaces the object named by req.Ref with one holding req.Data.
//
// Validation and lookup errors are returned before anything changes. Once
// the rollout has started, failures are returned as a model.CLIError with
// ExitRolloutFailed; the returned Result is non-nil in that case and
// describes the state the rollout was left in.
func (u *Updater) Update(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()

	obj, finalName, err := u.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	names := []string{obj.Name}
	if finalName != obj.Name {
		names = append(names, finalName)
	}
	if !u.locks.tryLock(req.Kind, names...) {
		return nil, inProgress(req.Kind, obj.Name, "")
	}
	defer u.locks.unlock(req.Kind, names...)

	if err := u.checkActive(ctx, req.Kind, names...); err != nil {
		return nil, err
	}

	if finalName != obj.Name {
		if _, err := docker.InspectObject(ctx, u.cli, req.Kind, finalName); err == nil {
			return nil, model.NewCLIError(model.ExitConflict,
				fmt.Sprintf("cannot rename %s %q: %q already exists", req.Kind, obj.Name, finalName))
		} else if model.CodeOf(err) != model.ExitNotFound {
			return nil, err
		}
	}

	refs, err := docker.FindReferencingServices(ctx, u.cli, req.Kind, obj)
	if err != nil {
		return nil, err
	}

	labels := req.Labels
	if labels == nil {
		labels = docker.UserLabels(obj.Labels)
	}

	r := &model.Rollout{
		ID:         u.newID(),
		Kind:       req.Kind,
		Strategy:   chooseStrategy(obj.Name, finalName, refs),
		Name:       obj.Name,
		FinalName:  finalName,
		OriginalID: obj.ID,
		Services:   serviceIDs(refs),
		Labels:     docker.UserLabels(labels),
		StartedAt:  started.UTC(),
	}
	r.SetPhase(model.PhasePlanned)
	if r.Strategy == model.StrategyRolling {
		r.TempName = tempName(obj.Name, u.opts.TempSuffix, r.ID)
	}

	if err := u.journal.Begin(ctx, r); err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to record rollout in journal", err)
	}

	st := &state{
		rollout:  r,
		original: obj,
		data:     req.Data,
		names:    serviceNames(refs),
	}
	u.logger(r).Info("rollout started",
		zap.String("strategy", string(r.Strategy)),
		zap.Int("services", len(refs)))

	runErr := u.execute(ctx, st)
	return u.result(st, refs, started), runErr
}

// Create creates a new object unless an unfinished rollout owns the name.
// Creating the name while such a rollout waits to be resumed would make
// its final step fail.
func (u *Updater) Create(ctx context.Context, kind model.Kind, name string, data []byte, labels map[string]string) (string, error) {
	if !u.locks.tryLock(kind, name) {
		return "", inProgress(kind, name, "")
	}
	defer u.locks.unlock(kind, name)

	if err := u.checkActive(ctx, kind, name); err != nil {
		return "", err
	}
	return docker.CreateObject(ctx, u.cli, kind, name, data, labels)
}

// Resume continues an unfinished rollout from its last recorded phase.
//
// data is the payload the final object is created with. It may be nil when
// the final object already exists, or for configs, whose payload is read
// back from the temporary copy.
func (u *Updater) Resume(ctx context.Context, rolloutID string, data []byte) (*Result, error) {
	started := time.Now()

	r, _, err := u.journal.Get(ctx, rolloutID)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			return nil, model.WrapCLIError(model.ExitNotFound, fmt.Sprintf("rollout %q not found", rolloutID), err)
		}
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to read rollout journal", err)
	}
	if r.Phase.IsTerminal() {
		return nil, model.NewCLIError(model.ExitConflict,
			fmt.Sprintf("rollout %s already finished (%s)", r.ID, r.Phase))
	}
	if !r.Resumable() {
		return nil, model.NewCLIError(model.ExitInvalidInput,
			fmt.Sprintf("rollout %s failed before changing anything; start a new update instead", r.ID))
	}

	names := []string{r.Name}
	if r.FinalName != r.Name {
		names = append(names, r.FinalName)
	}
	if !u.locks.tryLock(r.Kind, names...) {
		return nil, inProgress(r.Kind, r.Name, r.ID)
	}
	defer u.locks.unlock(r.Kind, names...)

	st, err := u.reload(ctx, r, data)
	if err != nil {
		return nil, err
	}

	r.Error = ""
	r.FinishedAt = nil
	r.SetPhase(r.Progress)
	if err := u.journal.Advance(ctx, r, "rollout resumed"); err != nil {
		u.logger(r).Warn("failed to record resume in journal", zap.Error(err))
	}
	u.logger(r).Info("rollout resumed", zap.String("progress", string(r.Progress)))

	refs := make([]model.ServiceRef, 0, len(r.Services))
	for _, id := range r.Services {
		refs = append(refs, model.ServiceRef{ServiceID: id, ServiceName: st.names[id]})
	}

	runErr := u.execute(ctx, st)
	return u.result(st, refs, started), runErr
}

// resolve validates req and looks up the object it names.
func (u *Updater) resolve(ctx context.Context, req Request) (*model.Object, string, error) {
	if !req.Kind.IsValid() {
		return nil, "", model.NewCLIError(model.ExitInvalidInput, fmt.Sprintf("invalid object kind %q", req.Kind))
	}
	if err := model.ValidatePayload(req.Kind, req.Data); err != nil {
		return nil, "", model.WrapCLIError(model.ExitInvalidInput, fmt.Sprintf("cannot update %s %q", req.Kind, req.Ref), err)
	}
	if req.NewName != "" {
		if err := model.ValidateObjectName(req.NewName); err != nil {
			return nil, "", model.WrapCLIError(model.ExitInvalidInput, fmt.Sprintf("cannot rename %s %q", req.Kind, req.Ref), err)
		}
	}

	obj, err := docker.InspectObject(ctx, u.cli, req.Kind, req.Ref)
	if err != nil {
		// A rollout that failed after removing the original leaves the
		// name unresolvable until it is resumed.
		if model.CodeOf(err) == model.ExitNotFound {
			if aerr := u.checkFree(ctx, req.Kind, req.Ref); aerr != nil {
				return nil, "", aerr
			}
		}
		return nil, "", err
	}
	if docker.IsTemporary(obj.Labels) {
		return nil, "", model.NewCLIError(model.ExitInvalidInput,
			fmt.Sprintf("%s %q is a temporary rollout copy of %q; update %q instead",
				req.Kind, obj.Name, obj.Labels[docker.LabelRolloutOf], obj.Labels[docker.LabelRolloutOf]))
	}

	finalName := obj.Name
	if req.NewName != "" {
		finalName = req.NewName
	}
	return obj, finalName, nil
}

// reload rebuilds the in-memory state of a journaled rollout from the
// daemon.
func (u *Updater) reload(ctx context.Context, r *model.Rollout, data []byte) (*state, error) {
	st := &state{rollout: r, data: data, names: map[string]string{}}

	lookup := func(id string) (*model.Object, error) {
		if id == "" {
			return nil, nil
		}
		obj, err := docker.InspectObject(ctx, u.cli, r.Kind, id)
		if model.CodeOf(err) == model.ExitNotFound {
			return nil, nil
		}
		return obj, err
	}

	var err error
	if st.original, err = lookup(r.OriginalID); err != nil {
		return nil, err
	}
	if st.original == nil {
		// Steps that repoint away from the original only need its identity.
		st.original = &model.Object{ID: r.OriginalID, Kind: r.Kind, Name: r.Name}
	}
	if st.temp, err = lookup(r.TempID); err != nil {
		return nil, err
	}
	if st.final, err = lookup(r.FinalID); err != nil {
		return nil, err
	}

	if st.data == nil && st.final == nil && r.Kind == model.KindConfig && st.temp != nil {
		st.data = st.temp.Data
	}
	if st.final == nil && len(st.data) == 0 {
		return nil, model.NewCLIError(model.ExitInvalidInput,
			fmt.Sprintf("rollout %s needs the %s payload to recreate %q; pass it with --file or --data", r.ID, r.Kind, r.FinalName))
	}
	if len(st.data) > 0 {
		if err := model.ValidatePayload(r.Kind, st.data); err != nil {
			return nil, model.WrapCLIError(model.ExitInvalidInput, "invalid payload", err)
		}
	}

	for _, id := range r.Services {
		st.names[id] = id
	}
	return st, nil
}

func (u *Updater) result(st *state, refs []model.ServiceRef, started time.Time) *Result {
	r := st.rollout
	res := &Result{
		RolloutID: r.ID,
		Strategy:  r.Strategy,
		Phase:     r.Phase,
		Object:    st.final,
		TempName:  r.TempName,
		Services:  refs,
		Warnings:  st.warnings,
		Duration:  time.Since(started),
	}
	if res.Services == nil {
		res.Services = []model.ServiceRef{}
	}
	return res
}

func (u *Updater) logger(r *model.Rollout) *zap.Logger {
	return u.log.With(
		zap.String("rollout_id", r.ID),
		zap.String("kind", string(r.Kind)),
		zap.String("name", r.Name),
	)
}

func chooseStrategy(name, finalName string, refs []model.ServiceRef) model.RolloutStrategy {
	switch {
	case len(refs) == 0:
		return model.StrategyReplace
	case finalName != name:
		return model.StrategyRename
	default:
		return model.StrategyRolling
	}
}

// checkActive returns an ExitConflict error when the journal holds an
// unfinished rollout of any of the names.
func (u *Updater) checkActive(ctx context.Context, kind model.Kind, names ...string) error {
	for _, n := range names {
		active, err := u.journal.Active(ctx, kind, n)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to read rollout journal", err)
		}
		if active != nil {
			return inProgress(kind, n, active.ID)
		}
	}
	return nil
}

// checkFree is checkActive plus the in-process locks, without taking them.
func (u *Updater) checkFree(ctx context.Context, kind model.Kind, name string) error {
	if u.locks.isHeld(kind, name) {
		return inProgress(kind, name, "")
	}
	return u.checkActive(ctx, kind, name)
}

func inProgress(kind model.Kind, name, rolloutID string) error {
	msg := fmt.Sprintf("%s %q: %s", kind, name, ErrRolloutInProgress)
	if rolloutID != "" {
		msg += fmt.Sprintf(" (rollout %s; see \"swarm-secrets rollout show %s\")", rolloutID, rolloutID)
	}
	return model.WrapCLIError(model.ExitConflict, msg, ErrRolloutInProgress)
}

func serviceIDs(refs []model.ServiceRef) []string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ServiceID)
	}
	return ids
}

func serviceNames(refs []model.ServiceRef) map[string]string {
	names := make(map[string]string, len(refs))
	for _, r := range refs {
		names[r.ServiceID] = r.ServiceName
	}
	return names
}
