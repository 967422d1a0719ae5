// pkg/api/users.go

package api

import (
	"net/http"
	"strconv"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/models"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/store"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/users"
	cerr "github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
)

type userBody struct {
	Email string `json:"email" validate:"omitempty,email,max=320"`
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) error {
	var f store.UserFilter
	if raw := r.URL.Query().Get("approvers"); raw != "" {
		approvers, err := strconv.ParseBool(raw)
		if err != nil {
			return pam_err.NewValidationError("invalid approvers flag %q", raw)
		}
		if approvers {
			f.AnyPolicy = s.workflow.ApproverPolicies()
		}
	}
	list, err := s.store.ListUsers(r.Context(), f)
	if err != nil {
		return pam_err.WrapInternal(err, "list users")
	}
	if list == nil {
		list = []models.User{}
	}
	return writeJSON(w, http.StatusOK, map[string]any{"users": list})
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) error {
	entityID := mux.Vars(r)["entityId"]
	u, err := s.store.GetUser(r.Context(), entityID)
	if err != nil {
		return userErr(err, entityID)
	}
	return writeJSON(w, http.StatusOK, u)
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) error {
	id := identityFrom(r.Context())
	entityID := mux.Vars(r)["entityId"]
	if entityID != id.EntityID && !s.isAdmin(id) {
		return pam_err.NewForbiddenError("only the user or an administrator may edit this user", nil)
	}
	var body userBody
	if err := decode(r, &body); err != nil {
		return err
	}
	u, err := s.store.UpdateUserEmail(r.Context(), entityID, body.Email)
	if err != nil {
		return userErr(err, entityID)
	}
	return writeJSON(w, http.StatusOK, u)
}

func (s *Server) syncUsers(w http.ResponseWriter, r *http.Request) error {
	if !s.isAdmin(identityFrom(r.Context())) {
		return pam_err.NewForbiddenError("user sync requires an administrator", nil)
	}
	res, err := users.Sync(r.Context(), s.server.Client(), s.store)
	if err != nil {
		return pam_err.NewUpstreamError("user sync incomplete", err)
	}
	return writeJSON(w, http.StatusOK, res)
}

func userErr(err error, entityID string) error {
	if cerr.Is(err, store.ErrNotFound) {
		return pam_err.NewNotFoundError("user %s not found", entityID)
	}
	return pam_err.WrapInternal(err, "user store failure")
}
