// pkg/api/server.go
//
// Package api serves the /rest endpoints, the WebSocket endpoint, the Vault
// proxy, metrics and the UI bundle behind one router.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/config"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/metrics"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/socket"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/store"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/vault"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/workflow"
	cerr "github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/justinas/alice"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

var validate = validator.New()

// Deps are the collaborators the server routes to.
type Deps struct {
	Config   *config.Config
	Vault    *vault.Factory
	Server   workflow.ServerVault
	Workflow *workflow.Service
	Store    store.Store
	Hub      *socket.Hub
	Proxy    http.Handler
	Now      func() time.Time
}

// Server is the HTTP front end.
type Server struct {
	cfg      *config.Config
	vault    *vault.Factory
	server   workflow.ServerVault
	workflow *workflow.Service
	store    store.Store
	hub      *socket.Hub
	proxy    http.Handler
	upgrader *websocket.Upgrader
	now      func() time.Time
}

// New wires a Server.
func New(d Deps) *Server {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Server{
		cfg:      d.Config,
		vault:    d.Vault,
		server:   d.Server,
		workflow: d.Workflow,
		store:    d.Store,
		hub:      d.Hub,
		proxy:    d.Proxy,
		upgrader: socket.Upgrader(d.Config.Server.AllowedOrigins),
		now:      d.Now,
	}
}

// Handler builds the router wrapped in the common middleware chain.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(instrument)

	r.Handle("/rest/session/login", s.handle("session.login", s.login)).Methods(http.MethodPost)
	r.Handle("/rest/health", s.handle("health", s.health)).Methods(http.MethodGet)
	r.Handle("/rest/socket", http.HandlerFunc(s.socket)).Methods(http.MethodGet)

	rest := r.PathPrefix("/rest").Subrouter()
	rest.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		pam_err.WriteStatus(w, http.StatusNotFound, "no such endpoint")
	})
	rest.Use(s.authenticate)

	rest.Handle("/session/me", s.handle("session.me", s.me)).Methods(http.MethodGet)
	rest.Handle("/session/logout", s.handle("session.logout", s.logout)).Methods(http.MethodPost)

	rest.Handle("/secrets/engines", s.handle("secrets.engines", s.engines)).Methods(http.MethodGet)
	rest.Handle("/secrets/list", s.handle("secrets.list", s.listSecrets)).Methods(http.MethodGet)
	rest.Handle("/secrets/capabilities", s.handle("secrets.capabilities", s.capabilities)).Methods(http.MethodGet)

	rest.Handle("/requests", s.handle("requests.list", s.listRequests)).Methods(http.MethodGet)
	rest.Handle("/requests", s.handle("requests.create", s.createRequest)).Methods(http.MethodPost)
	rest.Handle("/requests/controlgroup", s.handle("requests.controlgroup", s.createControlGroup)).Methods(http.MethodPost)
	rest.Handle("/requests/{id:[0-9]+}", s.handle("requests.get", s.getRequest)).Methods(http.MethodGet)
	rest.Handle("/requests/{id:[0-9]+}/approve", s.handle("requests.approve", s.approve)).Methods(http.MethodPost)
	rest.Handle("/requests/{id:[0-9]+}/reject", s.handle("requests.reject", s.reject)).Methods(http.MethodPost)
	rest.Handle("/requests/{id:[0-9]+}/cancel", s.handle("requests.cancel", s.cancel)).Methods(http.MethodPost)
	rest.Handle("/requests/{id:[0-9]+}/open", s.handle("requests.open", s.open)).Methods(http.MethodPost)

	rest.Handle("/users", s.handle("users.list", s.listUsers)).Methods(http.MethodGet)
	rest.Handle("/users/sync", s.handle("users.sync", s.syncUsers)).Methods(http.MethodPost)
	rest.Handle("/users/{entityId}", s.handle("users.get", s.getUser)).Methods(http.MethodGet)
	rest.Handle("/users/{entityId}", s.handle("users.update", s.updateUser)).Methods(http.MethodPut)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if s.proxy != nil {
		r.PathPrefix("/v1/").Handler(s.proxy)
	}
	r.PathPrefix("/").Handler(uiHandler(s.cfg.Server.UIDir)).Methods(http.MethodGet, http.MethodHead)

	return alice.New(requestID, accessLog, recoverPanic).Then(r)
}

// ListenAndServe runs until ctx is done, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return cerr.Wrapf(err, "listen on %s", s.cfg.Server.Listen)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := otelzap.Ctx(ctx)
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return cerr.Wrap(err, "http server")
	case <-ctx.Done():
	}

	log.Info("Shutting down HTTP server", zap.Duration("timeout", s.cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return cerr.Wrap(err, "http shutdown")
	}
	return nil
}
