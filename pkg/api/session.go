// pkg/api/session.go

package api

import (
	"net/http"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/models"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/shared"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/users"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/vault"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

type loginBody struct {
	Method   string `json:"method" validate:"required,oneof=token userpass ldap"`
	Mount    string `json:"mount" validate:"omitempty,max=128"`
	Username string `json:"username" validate:"required_unless=Method token,max=255"`
	Password string `json:"password" validate:"required_unless=Method token"`
	Token    string `json:"token" validate:"required_if=Method token"`
}

type session struct {
	Token    string          `json:"token,omitempty"`
	Identity *vault.Identity `json:"identity"`
	User     *models.User    `json:"user,omitempty"`
	Approver bool            `json:"approver"`
	Admin    bool            `json:"admin"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	var body loginBody
	if err := decode(r, &body); err != nil {
		return err
	}
	domain := r.Header.Get(shared.VaultDomainHeader)

	var (
		client *vault.Client
		err    error
	)
	switch body.Method {
	case "userpass":
		client, err = s.vault.LoginUserpass(ctx, domain, body.Mount, body.Username, body.Password)
	case "ldap":
		mount := body.Mount
		if mount == "" {
			mount = s.cfg.Vault.LDAPMount
		}
		client, err = s.vault.LoginLDAP(ctx, domain, mount, body.Username, body.Password)
	default:
		client, err = s.vault.ForToken(domain, body.Token)
	}
	if err != nil {
		return err
	}

	id, err := client.LookupSelf(ctx)
	if err != nil {
		if vault.IsForbidden(err) {
			return pam_err.NewUnauthorizedError("invalid or expired vault token")
		}
		return err
	}
	sess := s.session(id)
	sess.Token = client.Token()
	sess.User, err = users.RecordLogin(ctx, s.store, id, s.now())
	if err != nil {
		// Login still succeeds without the users table.
		otelzap.Ctx(ctx).Warn("Failed to record login", zap.String("entity_id", id.EntityID), zap.Error(err))
	}
	return writeJSON(w, http.StatusOK, sess)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) error {
	id := identityFrom(r.Context())
	sess := s.session(id)
	if u, err := s.store.GetUser(r.Context(), id.EntityID); err == nil {
		sess.User = u
	}
	return writeJSON(w, http.StatusOK, sess)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) error {
	if err := clientFrom(r.Context()).RevokeSelf(r.Context()); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) session(id *vault.Identity) *session {
	return &session{
		Identity: id,
		Approver: s.workflow.IsApprover(id),
		Admin:    s.isAdmin(id),
	}
}

func (s *Server) isAdmin(id *vault.Identity) bool {
	return models.HasAnyPolicy(id.Policies, append([]string{"root"}, s.cfg.Vault.AdminPolicies...))
}
