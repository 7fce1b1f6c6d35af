package manifest

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// encrypt writes plaintext encrypted to recipient into dir/name,
// optionally ASCII-armored.
func encrypt(t *testing.T, dir, name string, plaintext []byte, recipient age.Recipient, armored bool) string {
	t.Helper()

	var buf bytes.Buffer
	var out io.Writer = &buf
	var aw io.WriteCloser
	if armored {
		aw = armor.NewWriter(&buf)
		out = aw
	}

	w, err := age.Encrypt(out, recipient)
	require.NoError(t, err)
	_, err = w.Write(plaintext)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	if aw != nil {
		require.NoError(t, aw.Close())
	}

	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o600))
	return p
}

func TestResolver_Resolve(t *testing.T) {
	dir := t.TempDir()
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	writeFile(t, dir, "plain.txt", "from-file")
	encrypt(t, dir, "binary.age", []byte("from-age"), id.Recipient(), false)
	encrypt(t, dir, "armored.age", []byte("from-armor"), id.Recipient(), true)
	absPath := writeFile(t, t.TempDir(), "abs.txt", "absolute")

	r := &Resolver{
		Dir:        dir,
		Identities: []age.Identity{id},
		LookupEnv: func(k string) (string, bool) {
			if k == "TOKEN" {
				return "from-env", true
			}
			return "", false
		},
	}

	tests := []struct {
		name  string
		entry Entry
		want  string
	}{
		{name: "inline", entry: Entry{Name: "a", Data: strPtr("inline")}, want: "inline"},
		{name: "relative file", entry: Entry{Name: "a", File: "plain.txt"}, want: "from-file"},
		{name: "absolute file", entry: Entry{Name: "a", File: absPath}, want: "absolute"},
		{name: "env", entry: Entry{Name: "a", Env: "TOKEN"}, want: "from-env"},
		{name: "age binary", entry: Entry{Name: "a", Age: "binary.age"}, want: "from-age"},
		{name: "age armored", entry: Entry{Name: "a", Age: "armored.age"}, want: "from-armor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.entry.Kind = model.KindSecret
			got, err := r.Resolve(&tt.entry)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestResolver_ResolveErrors(t *testing.T) {
	dir := t.TempDir()
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	other, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	encrypt(t, dir, "secret.age", []byte("x"), id.Recipient(), false)
	writeFile(t, dir, "empty.txt", "")

	noEnv := func(string) (string, bool) { return "", false }

	tests := []struct {
		name       string
		identities []age.Identity
		entry      Entry
		code       model.ExitCode
		msg        string
	}{
		{name: "missing file", entry: Entry{Name: "a", File: "nope.txt"}, code: model.ExitNotFound, msg: "cannot read payload file"},
		{name: "empty file", entry: Entry{Name: "a", File: "empty.txt"}, code: model.ExitInvalidInput, msg: "must not be empty"},
		{name: "unset env", entry: Entry{Name: "a", Env: "UNSET"}, code: model.ExitInvalidInput, msg: "UNSET is not set"},
		{name: "no identity", entry: Entry{Name: "a", Age: "secret.age"}, code: model.ExitInvalidInput, msg: IdentityEnv},
		{name: "wrong identity", identities: []age.Identity{other}, entry: Entry{Name: "a", Age: "secret.age"}, code: model.ExitInvalidInput, msg: "age decryption failed"},
		{name: "missing age file", identities: []age.Identity{id}, entry: Entry{Name: "a", Age: "nope.age"}, code: model.ExitNotFound, msg: "cannot open"},
		{name: "no source", entry: Entry{Name: "a"}, code: model.ExitInvalidInput, msg: "no payload source"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Resolver{Dir: dir, Identities: tt.identities, LookupEnv: noEnv}
			tt.entry.Kind = model.KindSecret
			_, err := r.Resolve(&tt.entry)
			require.Error(t, err)
			assert.Equal(t, tt.code, model.CodeOf(err))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadIdentities(t *testing.T) {
	dir := t.TempDir()
	a, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	b, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	keys := writeFile(t, dir, "keys.txt",
		"# created: 2026-01-01T00:00:00Z\n# public key: "+a.Recipient().String()+"\n"+a.String()+"\n"+b.String()+"\n")

	ids, err := LoadIdentities(keys, "")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	secret := encrypt(t, dir, "s.age", []byte("payload"), b.Recipient(), true)
	got, err := DecryptFile(secret, ids)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	_, err = LoadIdentities(filepath.Join(dir, "missing.txt"))
	assert.Equal(t, model.ExitInvalidInput, model.CodeOf(err))

	garbage := writeFile(t, dir, "garbage.txt", "not a key\n")
	_, err = LoadIdentities(garbage)
	assert.Equal(t, model.ExitInvalidInput, model.CodeOf(err))
}

func TestResolveAll(t *testing.T) {
	m, err := Load(filepath.Join("testdata", "stack.yaml"))
	require.NoError(t, err)

	r := NewResolver(m, nil)
	r.LookupEnv = func(k string) (string, bool) { return "tok-" + k, true }

	desired, err := r.ResolveAll(m)
	require.NoError(t, err)
	require.Len(t, desired, 3)
	assert.Equal(t, Desired{Kind: model.KindSecret, Name: "db-password", Labels: map[string]string{"team": "core"}, Data: []byte("hunter2")}, desired[0])
	assert.Equal(t, "tok-API_TOKEN", string(desired[1].Data))
	assert.Equal(t, "worker_processes 4;\n", string(desired[2].Data))
	assert.Equal(t, model.KindConfig, desired[2].Kind)
}
