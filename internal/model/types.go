// Package model defines the domain types for the swarm-secrets CLI.
//
// All entities in this package are transient representations of Docker
// Swarm objects. They are reconstructed from Docker API queries at runtime
// and passed between the docker, rollout, cli and server packages so that
// none of those packages depend on the Docker SDK types directly.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Kind identifies which family of Swarm object an operation targets.
// Secrets and configs share an almost identical API surface, so most
// operations in this repository are written once and parameterized by Kind.
type Kind string

const (
	// KindSecret identifies Docker Swarm secrets. The daemon never returns
	// a secret's payload once it has been created.
	KindSecret Kind = "secret"

	// KindConfig identifies Docker Swarm configs. Unlike secrets, config
	// payloads are returned by inspect and list calls.
	KindConfig Kind = "config"
)

// Payload size limits enforced by swarmkit. Checking them locally gives a
// clearer error than the daemon's generic InvalidArgument response.
const (
	// MaxSecretSize is the largest secret payload swarmkit accepts (500 KiB).
	MaxSecretSize = 500 * 1024

	// MaxConfigSize is the largest config payload swarmkit accepts (1000 KiB).
	MaxConfigSize = 1000 * 1024
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	return string(k)
}

// IsValid checks whether the Kind value is one of the predefined kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindSecret, KindConfig:
		return true
	default:
		return false
	}
}

// Plural returns the plural noun used in routes and human-readable output.
func (k Kind) Plural() string {
	return string(k) + "s"
}

// MaxSize returns the payload size limit for this kind.
func (k Kind) MaxSize() int {
	if k == KindConfig {
		return MaxConfigSize
	}
	return MaxSecretSize
}

// ParseKind converts a string to a Kind. Plural forms ("secrets") are
// accepted so route segments can be passed straight through.
func ParseKind(s string) (Kind, error) {
	kind := Kind(strings.TrimSuffix(strings.ToLower(s), "s"))
	if !kind.IsValid() {
		return "", fmt.Errorf("invalid object kind: %q (valid: secret, config)", s)
	}
	return kind, nil
}

// Object is a secret or config as reported by the Docker daemon.
type Object struct {
	// ID is the swarm-assigned object identifier.
	ID string `json:"id"`

	// Kind tells whether this is a secret or a config.
	Kind Kind `json:"kind"`

	// Name is the user-facing unique name of the object.
	Name string `json:"name"`

	// Labels holds the object's Docker labels, including the
	// swarm-secrets.* management labels.
	Labels map[string]string `json:"labels,omitempty"`

	// Version is the swarm object version index. It changes whenever the
	// object's labels are updated.
	Version uint64 `json:"version"`

	// Data is the payload. Always empty for secrets.
	Data []byte `json:"data,omitempty"`

	// Driver is the external secret store driver name, if any.
	Driver string `json:"driver,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ShortID returns the 12-character ID prefix used in tabular output,
// matching the docker CLI's convention.
func (o *Object) ShortID() string {
	if len(o.ID) <= 12 {
		return o.ID
	}
	return o.ID[:12]
}

// ServiceRef describes one service that references a secret or config.
type ServiceRef struct {
	// ServiceID is the swarm service identifier.
	ServiceID string `json:"serviceId"`

	// ServiceName is the human-readable service name.
	ServiceName string `json:"serviceName"`

	// Version is the service spec version seen at discovery time.
	Version uint64 `json:"version"`

	// Targets lists the in-container file names (or "runtime" for
	// credential-spec configs) of every reference that points at the object.
	Targets []string `json:"targets"`
}

// maxObjectNameLength is the name length limit swarmkit enforces for
// secrets and configs.
const maxObjectNameLength = 64

// objectNameRegex mirrors swarmkit's validation: alphanumeric at both ends,
// alphanumerics plus '-', '_' and '.' in between.
var objectNameRegex = regexp.MustCompile(`^[a-zA-Z0-9]+(?:[a-zA-Z0-9-_.]*[a-zA-Z0-9])?$`)

// ValidateObjectName checks if the given name is acceptable as a secret or
// config name.
func ValidateObjectName(name string) error {
	if name == "" {
		return fmt.Errorf("object name must not be empty")
	}
	if len(name) > maxObjectNameLength {
		return fmt.Errorf("invalid object name %q: must be at most %d characters", name, maxObjectNameLength)
	}
	if !objectNameRegex.MatchString(name) {
		return fmt.Errorf("invalid object name %q: must contain only alphanumerics, '-', '_' and '.', and start/end with an alphanumeric", name)
	}
	return nil
}

// ValidatePayload checks that data fits the size limit for kind.
// Empty payloads are rejected as well, because swarmkit refuses them for
// secrets without a driver and they are almost always a caller mistake.
func ValidatePayload(kind Kind, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%s data must not be empty", kind)
	}
	if len(data) > kind.MaxSize() {
		return fmt.Errorf("%s data is %d bytes, exceeds the %d byte limit", kind, len(data), kind.MaxSize())
	}
	return nil
}
