// pkg/api/socket.go

package api

import (
	"net/http"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/shared"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// socket authenticates before upgrading. Browsers cannot set headers on a
// WebSocket handshake, so token and domain may also come from the query.
func (s *Server) socket(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(shared.VaultTokenHeader)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	domain := r.Header.Get(shared.VaultDomainHeader)
	if domain == "" {
		domain = r.URL.Query().Get("domain")
	}

	id, _, err := s.identify(r.Context(), domain, token)
	if err != nil {
		pam_err.Write(w, err)
		return
	}
	rooms := []string{shared.EntityRoom(id.EntityID)}
	if s.workflow.IsApprover(id) {
		rooms = append(rooms, shared.ApproversRoom)
	}
	if err := s.hub.Serve(s.upgrader, w, r, rooms); err != nil {
		otelzap.Ctx(r.Context()).Debug("Socket not served", zap.String("entity_id", id.EntityID), zap.Error(err))
	}
}
