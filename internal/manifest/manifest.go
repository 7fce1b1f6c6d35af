package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// Manifest is the parsed form of a manifest file.
type Manifest struct {
	Secrets []Entry `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	Configs []Entry `json:"configs,omitempty" yaml:"configs,omitempty"`

	// Dir is the directory relative file paths are resolved against.
	// Load sets it to the manifest file's directory.
	Dir string `json:"-" yaml:"-"`
}

// Entry declares one secret or config. Exactly one of Data, File, Env and
// Age must be set.
type Entry struct {
	Name   string            `json:"name" yaml:"name"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`

	// Data is the payload given inline. A pointer so that an explicitly
	// empty config payload can be told apart from a missing one.
	Data *string `json:"data,omitempty" yaml:"data,omitempty"`

	// File is a path to a file holding the payload.
	File string `json:"file,omitempty" yaml:"file,omitempty"`

	// Env names an environment variable holding the payload.
	Env string `json:"env,omitempty" yaml:"env,omitempty"`

	// Age is a path to an age-encrypted file (binary or ASCII-armored)
	// holding the payload.
	Age string `json:"age,omitempty" yaml:"age,omitempty"`

	// Kind is filled in by Load from the section the entry appeared in.
	Kind model.Kind `json:"-" yaml:"-"`
}

// Source returns the name of the payload field that is set, or "" when
// none is.
func (e *Entry) Source() string {
	switch {
	case e.Data != nil:
		return "data"
	case e.File != "":
		return "file"
	case e.Env != "":
		return "env"
	case e.Age != "":
		return "age"
	default:
		return ""
	}
}

// Entries returns all secrets followed by all configs.
func (m *Manifest) Entries() []Entry {
	out := make([]Entry, 0, len(m.Secrets)+len(m.Configs))
	out = append(out, m.Secrets...)
	out = append(out, m.Configs...)
	return out
}

// Load reads and validates the manifest at path. The format is chosen by
// file extension.
//
// Returns a CLIError with ExitNotFound if the file does not exist and with
// ExitInvalidInput if it cannot be parsed or fails validation.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(model.ExitNotFound, fmt.Sprintf("manifest not found: %s", path), err)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidInput, fmt.Sprintf("failed to parse manifest %s", path), err)
	}

	m.Dir = filepath.Dir(path)
	if errs := Validate(m); len(errs) > 0 {
		joined := make([]error, len(errs))
		for i := range errs {
			joined[i] = &errs[i]
		}
		return nil, model.WrapCLIError(model.ExitInvalidInput,
			fmt.Sprintf("manifest %s is invalid", path), errors.Join(joined...))
	}
	return m, nil
}

// Parse decodes a manifest document. ext is the file extension including
// the dot; unknown fields are rejected in both formats so that typos such
// as "lables" do not silently drop data.
func Parse(data []byte, ext string) (*Manifest, error) {
	var m Manifest

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}

	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unsupported manifest extension %q (want .yaml, .yml, .json or .jsonc)", ext)
	}

	for i := range m.Secrets {
		m.Secrets[i].Kind = model.KindSecret
	}
	for i := range m.Configs {
		m.Configs[i].Kind = model.KindConfig
	}
	return &m, nil
}
