package manifest

import (
	"fmt"
	"strings"

	"github.com/shinji-kodama/swarm-secrets/internal/docker"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// ValidationError describes one problem with a manifest entry.
type ValidationError struct {
	// Field is the path of the offending field, e.g. "secrets[2].name".
	Field string

	// Message describes what is wrong with it.
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a parsed manifest without touching the filesystem or
// the daemon. It returns every problem found (empty = valid).
//
// Checks performed:
//   - names are valid swarm object names and unique per kind
//   - exactly one payload source is set
//   - labels do not use the reserved swarm-secrets.* prefix
//   - inline payloads respect the per-kind size limit
func Validate(m *Manifest) []ValidationError {
	var errs []ValidationError
	errs = append(errs, validateSection("secrets", model.KindSecret, m.Secrets)...)
	errs = append(errs, validateSection("configs", model.KindConfig, m.Configs)...)
	return errs
}

func validateSection(section string, kind model.Kind, entries []Entry) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]int, len(entries))

	for i := range entries {
		e := &entries[i]
		field := func(name string) string { return fmt.Sprintf("%s[%d].%s", section, i, name) }

		if err := model.ValidateObjectName(e.Name); err != nil {
			errs = append(errs, ValidationError{Field: field("name"), Message: err.Error()})
		} else if prev, dup := seen[e.Name]; dup {
			errs = append(errs, ValidationError{
				Field:   field("name"),
				Message: fmt.Sprintf("duplicate %s name %q (first declared at %s[%d])", kind, e.Name, section, prev),
			})
		} else {
			seen[e.Name] = i
		}

		switch n := countSources(e); {
		case n == 0:
			errs = append(errs, ValidationError{Field: field("data"), Message: "one of data, file, env or age is required"})
		case n > 1:
			errs = append(errs, ValidationError{Field: field(e.Source()), Message: "only one of data, file, env or age may be set"})
		}

		for k := range e.Labels {
			if strings.HasPrefix(k, docker.LabelPrefix) {
				errs = append(errs, ValidationError{
					Field:   field("labels." + k),
					Message: fmt.Sprintf("label prefix %q is reserved", docker.LabelPrefix),
				})
			}
		}

		if e.Data != nil {
			if err := model.ValidatePayload(kind, []byte(*e.Data)); err != nil {
				errs = append(errs, ValidationError{Field: field("data"), Message: err.Error()})
			}
		}
	}
	return errs
}

func countSources(e *Entry) int {
	n := 0
	if e.Data != nil {
		n++
	}
	for _, s := range []string{e.File, e.Env, e.Age} {
		if s != "" {
			n++
		}
	}
	return n
}
