package docker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Label key constants define the Docker label keys swarm-secrets sets on
// the secrets and configs it creates. Labels are the only place state about
// an object is kept on the daemon side; the rollout journal is local.
//
// All keys share the "swarm-secrets." prefix to namespace them and avoid
// collisions with labels set by other tools (docker stack, Compose, etc.).
const (
	// LabelPrefix is the common prefix for all swarm-secrets labels.
	LabelPrefix = "swarm-secrets."

	// LabelManagedBy identifies objects created through swarm-secrets.
	// Key: "swarm-secrets.managed-by", Value: always "swarm-secrets".
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelContentHash stores "sha256:<hex>" of the payload. Secrets can't
	// be read back from the daemon, so this is how "apply" decides whether
	// an object needs to be rolled.
	LabelContentHash = LabelPrefix + "content-hash"

	// LabelRolloutOf marks a temporary copy and stores the name of the
	// object it stands in for.
	LabelRolloutOf = LabelPrefix + "rollout-of"

	// LabelRolloutID stores the journal ID of the rollout that created a
	// temporary copy.
	LabelRolloutID = LabelPrefix + "rollout-id"
)

// ManagedByValue is the constant value for the LabelManagedBy label.
const ManagedByValue = "swarm-secrets"

// ContentHash returns the value stored in LabelContentHash for data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// BuildLabels constructs the label map for a new object. User labels are
// copied first; reserved swarm-secrets.* keys supplied by the caller are
// dropped so they can't be spoofed, then the management labels are added.
func BuildLabels(userLabels map[string]string, data []byte) map[string]string {
	labels := UserLabels(userLabels)
	labels[LabelManagedBy] = ManagedByValue
	if len(data) > 0 {
		labels[LabelContentHash] = ContentHash(data)
	}
	return labels
}

// BuildTempLabels returns the labels for a temporary copy standing in for
// originalName during the rollout identified by rolloutID.
func BuildTempLabels(userLabels map[string]string, data []byte, originalName, rolloutID string) map[string]string {
	labels := BuildLabels(userLabels, data)
	labels[LabelRolloutOf] = originalName
	labels[LabelRolloutID] = rolloutID
	return labels
}

// UserLabels returns a copy of labels without any swarm-secrets.* keys.
// It never returns nil.
func UserLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		if strings.HasPrefix(k, LabelPrefix) {
			continue
		}
		out[k] = v
	}
	return out
}

// IsManaged reports whether labels mark an object created by swarm-secrets.
func IsManaged(labels map[string]string) bool {
	return labels[LabelManagedBy] == ManagedByValue
}

// IsTemporary reports whether labels mark a temporary rollout copy.
func IsTemporary(labels map[string]string) bool {
	return labels[LabelRolloutOf] != ""
}

// HashMatches reports whether the object's content-hash label matches data.
// Objects created outside swarm-secrets carry no hash and never match.
func HashMatches(labels map[string]string, data []byte) bool {
	hash, ok := labels[LabelContentHash]
	return ok && hash == ContentHash(data)
}

// ParseLabelArgs converts "key=value" strings (from --label flags) into a
// map. A bare "key" yields an empty value, matching the docker CLI.
func ParseLabelArgs(args []string) (map[string]string, error) {
	labels := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, _ := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("invalid label %q: key must not be empty", arg)
		}
		if strings.HasPrefix(key, LabelPrefix) {
			return nil, fmt.Errorf("invalid label %q: the %q prefix is reserved", arg, LabelPrefix)
		}
		labels[key] = value
	}
	return labels, nil
}

// FormatLabels renders user labels as a sorted, comma-separated "k=v" list
// for text output. Returns "-" when there are none.
func FormatLabels(labels map[string]string) string {
	user := UserLabels(labels)
	if len(user) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(user))
	for k := range user {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+user[k])
	}
	return strings.Join(parts, ",")
}
