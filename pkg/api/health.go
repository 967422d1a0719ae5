// pkg/api/health.go

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/shared"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

const healthTimeout = 5 * time.Second

type component struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthReport struct {
	Status   string               `json:"status"`
	Version  string               `json:"version"`
	Database component            `json:"database"`
	Vault    map[string]component `json:"vault"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	rep := healthReport{Status: "ok", Version: shared.Version, Database: component{Status: "ok"}, Vault: map[string]component{}}
	if err := s.store.Ping(ctx); err != nil {
		otelzap.Ctx(ctx).Warn("Database health check failed", zap.Error(err))
		rep.Database = component{Status: "down", Error: "database unreachable"}
		rep.Status = "degraded"
	}
	for _, addr := range s.vault.Addresses() {
		c, err := s.vault.ForToken(addr, "")
		if err != nil {
			rep.Vault[addr] = component{Status: "down", Error: err.Error()}
			rep.Status = "degraded"
			continue
		}
		h, err := c.Health(ctx)
		switch {
		case err != nil:
			rep.Vault[addr] = component{Status: "down", Error: "vault unreachable"}
			rep.Status = "degraded"
		case h.Sealed:
			rep.Vault[addr] = component{Status: "sealed"}
			rep.Status = "degraded"
		default:
			rep.Vault[addr] = component{Status: "ok"}
		}
	}

	status := http.StatusOK
	if rep.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	return writeJSON(w, status, rep)
}
