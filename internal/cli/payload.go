package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/swarm-secrets/internal/manifest"
	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// payloadFlags are the ways create, update and rollout resume accept a
// payload. At most one source may be given.
type payloadFlags struct {
	// file is a path, or "-" for stdin.
	file string

	// data is an inline payload.
	data string

	// ageFile is an age-encrypted file decrypted with identities.
	ageFile string

	// identities are age identity files. When empty, the configured
	// identity (SWARM_SECRETS_AGE_IDENTITY) is used.
	identities []string
}

func (p *payloadFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&p.file, "file", "f", "", `Read the payload from a file ("-" for stdin)`)
	cmd.Flags().StringVar(&p.data, "data", "", "Payload given inline")
	cmd.Flags().StringVar(&p.ageFile, "age-file", "", "Read the payload from an age-encrypted file")
	cmd.Flags().StringSliceVar(&p.identities, "identity", nil, "age identity file for --age-file (repeatable)")
}

// given reports whether any payload source was set.
func (p *payloadFlags) given() bool {
	return p.file != "" || p.data != "" || p.ageFile != ""
}

// read returns the payload from the single source that was given,
// validated against kind's size limit.
func (p *payloadFlags) read(kind model.Kind, stdin io.Reader) ([]byte, error) {
	n := 0
	for _, s := range []string{p.file, p.data, p.ageFile} {
		if s != "" {
			n++
		}
	}
	switch {
	case n == 0:
		return nil, model.NewCLIError(model.ExitInvalidInput, "a payload is required: use --file, --data or --age-file")
	case n > 1:
		return nil, model.NewCLIError(model.ExitInvalidInput, "--file, --data and --age-file are mutually exclusive")
	}

	var data []byte
	var err error
	switch {
	case p.data != "":
		data = []byte(p.data)
	case p.file == "-":
		data, err = readLimited(stdin, kind)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitInvalidInput, "failed to read payload from stdin", err)
		}
	case p.file != "":
		data, err = readFile(p.file, kind)
		if err != nil {
			return nil, err
		}
	default:
		data, err = p.decrypt()
		if err != nil {
			return nil, err
		}
	}

	if err := model.ValidatePayload(kind, data); err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidInput, "invalid payload", err)
	}
	return data, nil
}

func (p *payloadFlags) decrypt() ([]byte, error) {
	paths := p.identities
	if len(paths) == 0 && cfg.AgeIdentity != "" {
		paths = []string{cfg.AgeIdentity}
	}
	ids, err := manifest.LoadIdentities(paths...)
	if err != nil {
		return nil, err
	}
	VerboseLog("Decrypting %s with %d age identit(ies)", p.ageFile, len(ids))
	return manifest.DecryptFile(p.ageFile, ids)
}

func readFile(path string, kind model.Kind) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		code := model.ExitGeneralError
		if os.IsNotExist(err) {
			code = model.ExitNotFound
		}
		return nil, model.WrapCLIError(code, fmt.Sprintf("cannot open %s", path), err)
	}
	defer f.Close()

	data, err := readLimited(f, kind)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidInput, fmt.Sprintf("cannot read %s", path), err)
	}
	return data, nil
}

// readLimited reads at most one byte past kind's size limit, so oversized
// input is rejected by ValidatePayload without reading all of it.
func readLimited(r io.Reader, kind model.Kind) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, int64(kind.MaxSize())+1))
}
