package docker

import (
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/client"

	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// classifyError converts a Docker SDK error into a model.CLIError whose
// exit code reflects the error class reported by the daemon. Errors that
// already are CLIErrors pass through unchanged.
func classifyError(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*model.CLIError); ok {
		return err
	}
	return model.WrapCLIError(exitCodeFor(err), message, err)
}

// exitCodeFor maps the errdefs class of err to an exit code.
func exitCodeFor(err error) model.ExitCode {
	switch {
	case cerrdefs.IsNotFound(err):
		return model.ExitNotFound
	case cerrdefs.IsConflict(err), cerrdefs.IsAlreadyExists(err), isInUse(err):
		return model.ExitConflict
	case cerrdefs.IsInvalidArgument(err):
		return model.ExitInvalidInput
	case cerrdefs.IsUnavailable(err), client.IsErrConnectionFailed(err):
		return model.ExitDockerNotRunning
	default:
		return model.ExitGeneralError
	}
}

// isInUse detects swarmkit's "is in use by the following service" refusal.
// The daemon reports it as InvalidArgument, but for callers it is a
// conflict with the services that hold the reference.
func isInUse(err error) bool {
	return strings.Contains(err.Error(), "in use by")
}

// isOutOfSequence detects the optimistic-concurrency failure swarmkit
// returns when a service was updated between our inspect and update.
func isOutOfSequence(err error) bool {
	return strings.Contains(err.Error(), "update out of sequence")
}
