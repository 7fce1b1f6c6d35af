package rollout

import (
	"strings"
)

// maxNameLength is swarmkit's limit for secret and config names.
const maxNameLength = 64

// MaxTempSuffixLength is the longest temp suffix that still leaves room for
// the two separators, the 8 character rollout ID and one character of the
// object name.
const MaxTempSuffixLength = maxNameLength - 10 - 1

// tempName returns the name of the temporary copy standing in for name
// during the rollout with the given ID, for example
// "db-password-rollout-1a2b3c4d". Long names are truncated so the result
// stays within the 64 character limit.
func tempName(name, suffix, rolloutID string) string {
	short := strings.ReplaceAll(rolloutID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	if len(suffix) > MaxTempSuffixLength {
		suffix = suffix[:MaxTempSuffixLength]
	}
	tail := "-" + suffix + "-" + short
	if len(name)+len(tail) > maxNameLength {
		name = strings.TrimRight(name[:maxNameLength-len(tail)], "-_.")
	}
	return name + tail
}
