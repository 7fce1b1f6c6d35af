package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// IdentityEnv names the environment variable holding the path of an age
// identity file used when no --identity flag is given.
const IdentityEnv = "SWARM_SECRETS_AGE_IDENTITY"

// Resolver turns manifest entries into payload bytes.
type Resolver struct {
	// Dir is the directory relative paths are resolved against.
	Dir string

	// Identities decrypt "age" entries. May be empty when the manifest
	// has none.
	Identities []age.Identity

	// LookupEnv reads "env" entries. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// NewResolver returns a Resolver for m using the given identities.
func NewResolver(m *Manifest, identities []age.Identity) *Resolver {
	return &Resolver{Dir: m.Dir, Identities: identities, LookupEnv: os.LookupEnv}
}

// Resolve returns the payload of e. The result is validated against the
// size limit of e's kind.
func (r *Resolver) Resolve(e *Entry) ([]byte, error) {
	data, err := r.read(e)
	if err != nil {
		return nil, err
	}
	if err := model.ValidatePayload(e.Kind, data); err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidInput, fmt.Sprintf("%s %q", e.Kind, e.Name), err)
	}
	return data, nil
}

// ResolveAll resolves the payload of every entry in m.
func (r *Resolver) ResolveAll(m *Manifest) ([]Desired, error) {
	entries := m.Entries()
	out := make([]Desired, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		data, err := r.Resolve(e)
		if err != nil {
			return nil, err
		}
		out = append(out, Desired{Kind: e.Kind, Name: e.Name, Labels: e.Labels, Data: data})
	}
	return out, nil
}

func (r *Resolver) read(e *Entry) ([]byte, error) {
	switch e.Source() {
	case "data":
		return []byte(*e.Data), nil

	case "file":
		data, err := os.ReadFile(r.path(e.File))
		if err != nil {
			return nil, fileError(e, err)
		}
		return data, nil

	case "env":
		lookup := r.LookupEnv
		if lookup == nil {
			lookup = os.LookupEnv
		}
		v, ok := lookup(e.Env)
		if !ok {
			return nil, model.NewCLIError(model.ExitInvalidInput,
				fmt.Sprintf("%s %q: environment variable %s is not set", e.Kind, e.Name, e.Env))
		}
		return []byte(v), nil

	case "age":
		data, err := DecryptFile(r.path(e.Age), r.Identities)
		if err != nil {
			return nil, model.WrapCLIError(model.CodeOf(err), fmt.Sprintf("%s %q", e.Kind, e.Name), err)
		}
		return data, nil

	default:
		return nil, model.NewCLIError(model.ExitInvalidInput, fmt.Sprintf("%s %q has no payload source", e.Kind, e.Name))
	}
}

func (r *Resolver) path(p string) string {
	if filepath.IsAbs(p) || r.Dir == "" {
		return p
	}
	return filepath.Join(r.Dir, p)
}

func fileError(e *Entry, err error) error {
	code := model.ExitGeneralError
	if os.IsNotExist(err) {
		code = model.ExitNotFound
	}
	return model.WrapCLIError(code, fmt.Sprintf("%s %q: cannot read payload file", e.Kind, e.Name), err)
}

// LoadIdentities parses age identity files (as written by age-keygen).
// Each file may hold several identities.
func LoadIdentities(paths ...string) ([]age.Identity, error) {
	var out []age.Identity
	for _, p := range paths {
		if p == "" {
			continue
		}
		f, err := os.Open(p)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitInvalidInput, fmt.Sprintf("cannot open age identity file %s", p), err)
		}
		ids, err := age.ParseIdentities(f)
		f.Close()
		if err != nil {
			return nil, model.WrapCLIError(model.ExitInvalidInput, fmt.Sprintf("cannot parse age identity file %s", p), err)
		}
		out = append(out, ids...)
	}
	return out, nil
}

// DecryptFile decrypts an age file, binary or ASCII-armored, with the
// first identity that matches one of its recipients.
func DecryptFile(path string, identities []age.Identity) ([]byte, error) {
	if len(identities) == 0 {
		return nil, model.NewCLIError(model.ExitInvalidInput,
			fmt.Sprintf("cannot decrypt %s: no age identity given (use --identity or %s)", path, IdentityEnv))
	}

	f, err := os.Open(path)
	if err != nil {
		code := model.ExitGeneralError
		if os.IsNotExist(err) {
			code = model.ExitNotFound
		}
		return nil, model.WrapCLIError(code, fmt.Sprintf("cannot open %s", path), err)
	}
	defer f.Close()

	return Decrypt(f, identities)
}

// Decrypt decrypts an age stream, binary or ASCII-armored.
func Decrypt(src io.Reader, identities []age.Identity) ([]byte, error) {
	br := bufio.NewReader(src)
	var in io.Reader = br
	if head, _ := br.Peek(len(armor.Header)); bytes.Equal(head, []byte(armor.Header)) {
		in = armor.NewReader(br)
	}

	rd, err := age.Decrypt(in, identities...)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidInput, "age decryption failed", err)
	}
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidInput, "age decryption failed", err)
	}
	return data, nil
}
