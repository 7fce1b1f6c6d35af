package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestKind_IsValid checks that only defined kinds pass validation.
func TestKind_IsValid(t *testing.T) {
	assert.True(t, KindSecret.IsValid())
	assert.True(t, KindConfig.IsValid())
	assert.False(t, Kind("volume").IsValid())
	assert.False(t, Kind("").IsValid())
}

// TestParseKind verifies string-to-kind conversion, including plural
// route segments and case normalization.
func TestParseKind(t *testing.T) {
	tests := []struct {
		input    string
		expected Kind
		hasError bool
	}{
		{"secret", KindSecret, false},
		{"secrets", KindSecret, false},
		{"Config", KindConfig, false},
		{"CONFIGS", KindConfig, false},
		{"network", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseKind(tt.input)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestKind_MaxSize(t *testing.T) {
	assert.Equal(t, 500*1024, KindSecret.MaxSize())
	assert.Equal(t, 1000*1024, KindConfig.MaxSize())
	assert.Equal(t, "secrets", KindSecret.Plural())
}

// TestValidateObjectName covers the swarmkit naming rules.
func TestValidateObjectName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"simple", "db-password", true},
		{"single character", "a", true},
		{"dots and underscores", "app_v2.tls.key", true},
		{"empty", "", false},
		{"leading dash", "-secret", false},
		{"trailing dot", "secret.", false},
		{"slash", "app/secret", false},
		{"space", "my secret", false},
		{"64 characters", strings.Repeat("a", 64), true},
		{"65 characters", strings.Repeat("a", 65), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateObjectName(tt.input)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidatePayload(t *testing.T) {
	assert.NoError(t, ValidatePayload(KindSecret, []byte("hunter2")))
	assert.Error(t, ValidatePayload(KindSecret, nil), "empty payload should be rejected")
	assert.Error(t, ValidatePayload(KindSecret, make([]byte, MaxSecretSize+1)))
	assert.NoError(t, ValidatePayload(KindConfig, make([]byte, MaxSecretSize+1)),
		"configs allow larger payloads than secrets")
}

func TestObject_ShortID(t *testing.T) {
	o := &Object{ID: "abcdef0123456789abcdef"}
	assert.Equal(t, "abcdef012345", o.ShortID())

	short := &Object{ID: "abc"}
	assert.Equal(t, "abc", short.ShortID())
}

// TestRolloutPhase_Reached verifies ordering along the happy path and that
// off-path phases never count as having reached anything.
func TestRolloutPhase_Reached(t *testing.T) {
	assert.True(t, PhaseOriginalRemoved.Reached(PhaseServicesOnTemp))
	assert.True(t, PhaseOriginalRemoved.Reached(PhaseOriginalRemoved))
	assert.False(t, PhaseTempCreated.Reached(PhaseOriginalRemoved))
	assert.False(t, PhaseFailed.Reached(PhasePlanned))
	assert.False(t, PhaseRolledBack.Reached(PhasePlanned))
}

func TestRolloutPhase_IsTerminal(t *testing.T) {
	assert.True(t, PhaseCompleted.IsTerminal())
	assert.True(t, PhaseRolledBack.IsTerminal())
	assert.False(t, PhaseFailed.IsTerminal(), "failed rollouts can still be resumed")
	assert.False(t, PhaseServicesOnTemp.IsTerminal())
}

func TestRollout_SetPhase(t *testing.T) {
	r := &Rollout{}
	r.SetPhase(PhaseServicesOnTemp)
	assert.Equal(t, PhaseServicesOnTemp, r.Progress)

	r.SetPhase(PhaseFailed)
	assert.Equal(t, PhaseFailed, r.Phase)
	assert.Equal(t, PhaseServicesOnTemp, r.Progress, "failure keeps the progress made")
	assert.True(t, r.Resumable())

	r.SetPhase(PhaseRolledBack)
	assert.False(t, r.Resumable())
}

func TestRollout_Resumable(t *testing.T) {
	tests := []struct {
		name     string
		phase    RolloutPhase
		progress RolloutPhase
		want     bool
	}{
		{name: "failed before anything was created", phase: PhaseFailed, progress: PhasePlanned, want: false},
		{name: "failed with temporary copy", phase: PhaseFailed, progress: PhaseTempCreated, want: true},
		{name: "interrupted after original removed", phase: PhaseOriginalRemoved, progress: PhaseOriginalRemoved, want: true},
		{name: "completed", phase: PhaseCompleted, progress: PhaseCompleted, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Rollout{Phase: tt.phase, Progress: tt.progress}
			assert.Equal(t, tt.want, r.Resumable())
		})
	}
}

func TestRollout_Duration(t *testing.T) {
	start := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	r := &Rollout{StartedAt: start, FinishedAt: &end}
	assert.Equal(t, 90*time.Second, r.Duration())
}

// TestCLIError verifies message formatting and unwrapping.
func TestCLIError(t *testing.T) {
	underlying := errors.New("connection refused")
	err := WrapCLIError(ExitDockerNotRunning, "cannot reach daemon", underlying)

	assert.Equal(t, "cannot reach daemon: connection refused", err.Error())
	assert.True(t, errors.Is(err, underlying))

	plain := NewCLIError(ExitNotFound, "secret not found")
	assert.Equal(t, "secret not found", plain.Error())
}

// TestCodeOf checks exit code extraction through wrapping layers.
func TestCodeOf(t *testing.T) {
	assert.Equal(t, ExitSuccess, CodeOf(nil))
	assert.Equal(t, ExitGeneralError, CodeOf(errors.New("boom")))

	wrapped := fmt.Errorf("outer: %w", NewCLIError(ExitConflict, "in use"))
	assert.Equal(t, ExitConflict, CodeOf(wrapped))
}
