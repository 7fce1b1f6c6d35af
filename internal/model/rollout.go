package model

import (
	"fmt"
	"time"
)

// RolloutPhase is the last step a rollout completed. The happy path for an
// object that is in use and keeps its name is:
//
//	planned → temp-created → services-on-temp → original-removed →
//	final-created → services-on-final → completed
//
// A rollout that fails before original-removed can be rolled back; after
// that point only rolling forward (Resume) is possible.
type RolloutPhase string

const (
	PhasePlanned         RolloutPhase = "planned"
	PhaseTempCreated     RolloutPhase = "temp-created"
	PhaseServicesOnTemp  RolloutPhase = "services-on-temp"
	PhaseOriginalRemoved RolloutPhase = "original-removed"
	PhaseFinalCreated    RolloutPhase = "final-created"
	PhaseServicesOnFinal RolloutPhase = "services-on-final"
	PhaseCompleted       RolloutPhase = "completed"
	PhaseRolledBack      RolloutPhase = "rolled-back"
	PhaseFailed          RolloutPhase = "failed"
)

// String returns the string representation of RolloutPhase.
func (p RolloutPhase) String() string {
	return string(p)
}

// IsTerminal reports whether no further work is expected for a rollout in
// this phase. Failed rollouts are not terminal: they may be resumed.
func (p RolloutPhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseRolledBack
}

// Ordinal returns the position of a forward phase in the happy path, or -1
// for phases that are not on it (rolled-back, failed).
func (p RolloutPhase) Ordinal() int {
	for i, phase := range forwardPhases {
		if phase == p {
			return i
		}
	}
	return -1
}

// Reached reports whether a rollout whose last forward phase is p has
// already completed target.
func (p RolloutPhase) Reached(target RolloutPhase) bool {
	return p.Ordinal() >= 0 && p.Ordinal() >= target.Ordinal()
}

var forwardPhases = []RolloutPhase{
	PhasePlanned,
	PhaseTempCreated,
	PhaseServicesOnTemp,
	PhaseOriginalRemoved,
	PhaseFinalCreated,
	PhaseServicesOnFinal,
	PhaseCompleted,
}

// RolloutStrategy records which variant of the update a rollout ran.
type RolloutStrategy string

const (
	// StrategyReplace is used for objects no service references:
	// remove the object and create it again.
	StrategyReplace RolloutStrategy = "replace"

	// StrategyRename is used for referenced objects whose final name
	// differs from the current one. The final object can coexist with the
	// original, so no temporary copy is needed.
	StrategyRename RolloutStrategy = "rename"

	// StrategyRolling is the full temporary-copy dance for in-use objects
	// that keep their name.
	StrategyRolling RolloutStrategy = "rolling"
)

// Rollout is one execution of the rolling update for one object, as stored
// in the journal. Payloads are never part of it.
type Rollout struct {
	ID       string          `json:"id"`
	Kind     Kind            `json:"kind"`
	Strategy RolloutStrategy `json:"strategy"`

	// Name is the object's name before the rollout.
	Name string `json:"name"`

	// FinalName is the object's name after the rollout.
	FinalName string `json:"finalName"`

	// OriginalID is the ID of the object being replaced.
	OriginalID string `json:"originalId"`

	// TempName and TempID identify the temporary copy, when one is used.
	TempName string `json:"tempName,omitempty"`
	TempID   string `json:"tempId,omitempty"`

	// FinalID is the ID of the recreated object.
	FinalID string `json:"finalId,omitempty"`

	// Services lists the IDs of services that referenced the object when
	// the rollout started.
	Services []string `json:"services,omitempty"`

	// Labels are the labels the final object is created with.
	Labels map[string]string `json:"labels,omitempty"`

	// Phase is the rollout's current state. It becomes PhaseFailed or
	// PhaseRolledBack when something goes wrong.
	Phase RolloutPhase `json:"phase"`

	// Progress is the furthest forward phase completed. Unlike Phase it is
	// never overwritten by failed or rolled-back, so Resume knows where to
	// continue.
	Progress RolloutPhase `json:"progress"`

	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// SetPhase records phase as the current state and, for forward phases,
// as the progress made.
func (r *Rollout) SetPhase(phase RolloutPhase) {
	r.Phase = phase
	if phase.Ordinal() >= 0 {
		r.Progress = phase
	}
}

// Resumable reports whether an unfinished rollout left anything behind
// that Resume can continue from.
func (r *Rollout) Resumable() bool {
	return !r.Phase.IsTerminal() && r.Progress.Reached(PhaseTempCreated)
}

// Duration returns how long the rollout ran, or has been running so far.
func (r *Rollout) Duration() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// RolloutStep is one journal entry describing a phase transition.
type RolloutStep struct {
	RolloutID string       `json:"rolloutId"`
	Phase     RolloutPhase `json:"phase"`
	Detail    string       `json:"detail,omitempty"`
	At        time.Time    `json:"at"`
}

// String returns a one-line description of the step for text output.
func (s RolloutStep) String() string {
	if s.Detail == "" {
		return fmt.Sprintf("%s %s", s.At.UTC().Format(time.RFC3339), s.Phase)
	}
	return fmt.Sprintf("%s %s: %s", s.At.UTC().Format(time.RFC3339), s.Phase, s.Detail)
}
