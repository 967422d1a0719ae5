// pkg/api/middleware.go

package api

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/metrics"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_io"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/shared"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/vault"
	cerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

type ctxKey int

const (
	identityKey ctxKey = iota
	clientKey
)

// statusRecorder remembers the status written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, cerr.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func recorderFor(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w}
}

// requestID reuses a sane incoming X-Request-Id or mints one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(shared.RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(shared.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(pam_io.WithRequestID(r.Context(), id)))
	})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := recorderFor(w)
		next.ServeHTTP(rec, r)

		log := otelzap.Ctx(r.Context())
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.code()),
			zap.Int("bytes", rec.bytes),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", pam_io.RequestID(r.Context())),
			zap.String("remote", r.RemoteAddr),
		}
		if rec.code() >= http.StatusInternalServerError {
			log.Warn("HTTP request", fields...)
			return
		}
		log.Info("HTTP request", fields...)
	})
}

func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				otelzap.Ctx(r.Context()).Error("Panic serving HTTP request",
					zap.Any("panic", p),
					zap.String("path", r.URL.Path),
					zap.String("request_id", pam_io.RequestID(r.Context())))
				pam_err.WriteStatus(w, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// instrument records per-route metrics using the matched route template so
// ids do not explode label cardinality.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		start := time.Now()
		rec := recorderFor(w)
		next.ServeHTTP(rec, r)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code())).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// authenticate resolves X-Vault-Token against the selected Vault domain.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, client, err := s.identify(r.Context(),
			r.Header.Get(shared.VaultDomainHeader),
			r.Header.Get(shared.VaultTokenHeader))
		if err != nil {
			pam_err.Write(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		ctx = context.WithValue(ctx, clientKey, client)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) identify(ctx context.Context, domain, token string) (*vault.Identity, *vault.Client, error) {
	if token == "" {
		return nil, nil, pam_err.NewUnauthorizedError("missing vault token")
	}
	client, err := s.vault.ForToken(domain, token)
	if err != nil {
		return nil, nil, err
	}
	id, err := client.LookupSelf(ctx)
	if err != nil {
		if vault.IsForbidden(err) {
			return nil, nil, pam_err.NewUnauthorizedError("invalid or expired vault token")
		}
		return nil, nil, err
	}
	return id, client, nil
}

func identityFrom(ctx context.Context) *vault.Identity {
	id, _ := ctx.Value(identityKey).(*vault.Identity)
	return id
}

func clientFrom(ctx context.Context) *vault.Client {
	c, _ := ctx.Value(clientKey).(*vault.Client)
	return c
}
