package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

type errorBody struct {
	Error string `json:"error"`
}

type messageBody struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// objectBody is the request body of POST and PUT on secrets and configs.
type objectBody struct {
	Name   string            `json:"name"`
	Data   string            `json:"data"`
	Labels map[string]string `json:"labels,omitempty"`

	// Encoding is "" or "text" for plain payloads, or "base64".
	Encoding string `json:"encoding,omitempty"`
}

func (b *objectBody) payload() ([]byte, error) {
	switch b.Encoding {
	case "", "text":
		return []byte(b.Data), nil
	case "base64":
		data, err := base64.StdEncoding.DecodeString(b.Data)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitInvalidInput, "data is not valid base64", err)
		}
		return data, nil
	default:
		return nil, model.NewCLIError(model.ExitInvalidInput,
			fmt.Sprintf("unsupported encoding %q (want \"text\" or \"base64\")", b.Encoding))
	}
}

// statusFor maps a CLIError exit code to an HTTP status.
func statusFor(code model.ExitCode) int {
	switch code {
	case model.ExitSuccess:
		return http.StatusOK
	case model.ExitInvalidInput:
		return http.StatusBadRequest
	case model.ExitNotFound:
		return http.StatusNotFound
	case model.ExitConflict:
		return http.StatusConflict
	case model.ExitDockerNotRunning:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(model.CodeOf(err)), errorBody{Error: err.Error()})
}

// decodeJSON reads a JSON body into v, rejecting unknown fields and
// bodies larger than maxBodyBytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			return model.WrapCLIError(model.ExitInvalidInput,
				fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit), err)
		case errors.Is(err, io.EOF):
			return model.NewCLIError(model.ExitInvalidInput, "request body is empty")
		default:
			return model.WrapCLIError(model.ExitInvalidInput, "invalid JSON body", err)
		}
	}
	return nil
}

// boolQuery reads a boolean query parameter; absent means false.
func boolQuery(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, model.NewCLIError(model.ExitInvalidInput, fmt.Sprintf("query parameter %s must be a boolean", name))
	}
	return b, nil
}
