// pkg/proxy/proxy.go
//
// Package proxy forwards /v1/* to the Vault server selected by the
// X-Vault-Domain header.
package proxy

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/metrics"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/shared"
	cerr "github.com/cockroachdb/errors"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// forwarded are the only request headers passed on to Vault.
var forwarded = []string{
	shared.VaultTokenHeader,
	shared.VaultNamespaceHeader,
	shared.VaultWrapTTLHeader,
	shared.VaultRequestHeader,
	"Content-Type",
	"Accept",
}

// Resolver picks Vault addresses. *vault.Factory implements it.
type Resolver interface {
	Resolve(domain string) (string, error)
	Addresses() []string
	Transport() http.RoundTripper
}

// Proxy is an http.Handler relaying to Vault.
type Proxy struct {
	resolver Resolver
	limiter  *Limiter
	targets  map[string]*httputil.ReverseProxy
}

// New builds one reverse proxy per allowed address. limiter may be nil.
func New(r Resolver, limiter *Limiter) (*Proxy, error) {
	p := &Proxy{
		resolver: r,
		limiter:  limiter,
		targets:  make(map[string]*httputil.ReverseProxy),
	}
	for _, addr := range r.Addresses() {
		u, err := url.Parse(addr)
		if err != nil {
			return nil, cerr.Wrapf(err, "parse vault address %q", addr)
		}
		p.targets[addr] = p.reverseProxy(u)
	}
	return p, nil
}

func (p *Proxy) reverseProxy(target *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Transport: p.resolver.Transport(),
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
			h := make(http.Header, len(forwarded))
			for _, name := range forwarded {
				if v := pr.In.Header.Values(name); len(v) > 0 {
					h[name] = append([]string(nil), v...)
				}
			}
			pr.Out.Header = h
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Del("Set-Cookie")
			metrics.ObserveProxy(resp.Request.Method, resp.StatusCode)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			otelzap.Ctx(r.Context()).Warn("Vault proxy request failed",
				zap.String("target", target.String()),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			metrics.ObserveProxy(r.Method, http.StatusBadGateway)
			pam_err.WriteStatus(w, http.StatusBadGateway, "vault is unreachable")
		},
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr, err := p.resolver.Resolve(r.Header.Get(shared.VaultDomainHeader))
	if err != nil {
		pam_err.Write(w, err)
		return
	}
	rp, ok := p.targets[addr]
	if !ok {
		pam_err.WriteStatus(w, http.StatusBadRequest, "vault domain is not allowed")
		return
	}
	if !p.limiter.Allow(limitKey(r)) {
		metrics.ProxyRateLimited.Inc()
		pam_err.Write(w, pam_err.NewRateLimitedError())
		return
	}
	rp.ServeHTTP(w, r)
}

// limitKey is the caller's token, or its address when anonymous.
func limitKey(r *http.Request) string {
	if tok := r.Header.Get(shared.VaultTokenHeader); tok != "" {
		return "token:" + tok
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}
