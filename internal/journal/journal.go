package journal

import (
	"context"
	"errors"

	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// ErrNotFound is returned by Get when no rollout has the given ID.
var ErrNotFound = errors.New("rollout not found")

// Journal persists rollouts and their phase transitions.
type Journal interface {
	// Begin stores a new rollout in its initial phase.
	Begin(ctx context.Context, r *model.Rollout) error

	// Advance saves r's current state (phase, progress, temporary and
	// final IDs) and appends a step with detail.
	Advance(ctx context.Context, r *model.Rollout, detail string) error

	// Finish saves r's final state and stamps FinishedAt.
	Finish(ctx context.Context, r *model.Rollout) error

	// Get returns a rollout and its steps in order.
	Get(ctx context.Context, id string) (*model.Rollout, []model.RolloutStep, error)

	// List returns the most recent rollouts, newest first.
	List(ctx context.Context, limit int) ([]model.Rollout, error)

	// Active returns the unfinished, resumable rollout of the named object,
	// or nil when there is none.
	Active(ctx context.Context, kind model.Kind, name string) (*model.Rollout, error)

	// Incomplete returns every rollout that is not terminal, oldest first.
	Incomplete(ctx context.Context) ([]model.Rollout, error)

	Close() error
}

// Nop is a Journal that keeps nothing.
type Nop struct{}

var _ Journal = Nop{}

func (Nop) Begin(context.Context, *model.Rollout) error           { return nil }
func (Nop) Advance(context.Context, *model.Rollout, string) error { return nil }
func (Nop) Finish(context.Context, *model.Rollout) error          { return nil }
func (Nop) Close() error                                          { return nil }

func (Nop) Get(context.Context, string) (*model.Rollout, []model.RolloutStep, error) {
	return nil, nil, ErrNotFound
}

func (Nop) List(context.Context, int) ([]model.Rollout, error) { return nil, nil }

func (Nop) Active(context.Context, model.Kind, string) (*model.Rollout, error) { return nil, nil }

func (Nop) Incomplete(context.Context) ([]model.Rollout, error) { return nil, nil }
