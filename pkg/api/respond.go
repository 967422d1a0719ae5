// pkg/api/respond.go

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_io"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBody = 1 << 20

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle runs h inside a RuntimeContext named op and renders its error as
// the JSON envelope.
func (s *Server) handle(op string, h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := pam_io.FromRequest(r, "api."+op)
		if id := identityFrom(r.Context()); id != nil {
			rc.Attributes["entity_id"] = id.EntityID
		}
		err := func() (err error) {
			defer rc.HandlePanic(&err)
			return h(w, r.WithContext(rc.Ctx))
		}()
		if err != nil {
			pam_err.Write(w, err)
		}
		rc.End(&err)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("Failed to write response body", zap.Error(err))
	}
	return nil
}

// decode reads a JSON body into v and validates it. An empty body leaves v
// at its zero value before validation.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return pam_err.NewValidationError("invalid JSON body: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		return pam_err.NewValidationError("invalid request: %v", err)
	}
	return nil
}

func pathID(r *http.Request) (uint, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, pam_err.NewValidationError("invalid request id %q", raw)
	}
	return uint(id), nil
}
