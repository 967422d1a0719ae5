// pkg/vault/factory.go
//
// Vault clients for the whitelisted Vault servers. One prototype client is
// built per address at startup; callers get clones carrying their own token.
package vault

import (
	"net/http"
	"strings"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/config"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
)

// Factory hands out clients for the default address and the whitelist.
type Factory struct {
	defaultAddr string
	order       []string
	protos      map[string]*api.Client
	transport   http.RoundTripper
}

// NewFactory builds prototype clients for every allowed address.
func NewFactory(cfg config.VaultConfig) (*Factory, error) {
	f := &Factory{
		defaultAddr: normalizeAddr(cfg.Address),
		protos:      make(map[string]*api.Client),
	}
	for _, raw := range cfg.AllowedAddrs() {
		addr := normalizeAddr(raw)
		if _, ok := f.protos[addr]; ok {
			continue
		}
		vcfg := api.DefaultConfig()
		if vcfg.Error != nil {
			return nil, cerr.Wrap(vcfg.Error, "vault default config")
		}
		vcfg.Address = addr
		if cfg.Timeout > 0 {
			vcfg.Timeout = cfg.Timeout
		}
		if cfg.CACert != "" || cfg.SkipVerify {
			if err := vcfg.ConfigureTLS(&api.TLSConfig{
				CACert:   cfg.CACert,
				Insecure: cfg.SkipVerify,
			}); err != nil {
				return nil, cerr.Wrapf(err, "vault TLS setup for %s", addr)
			}
		}
		client, err := api.NewClient(vcfg)
		if err != nil {
			return nil, cerr.Wrapf(err, "vault client for %s", addr)
		}
		// Callers supply tokens explicitly; never pick one up from VAULT_TOKEN.
		client.ClearToken()
		f.protos[addr] = client
		f.order = append(f.order, addr)
		if f.transport == nil {
			f.transport = vcfg.HttpClient.Transport
		}
	}
	return f, nil
}

func normalizeAddr(addr string) string {
	return strings.TrimRight(strings.TrimSpace(addr), "/")
}

// Resolve maps an x-vault-domain value to an allowed address. Empty selects
// the default address.
func (f *Factory) Resolve(domain string) (string, error) {
	if strings.TrimSpace(domain) == "" {
		return f.defaultAddr, nil
	}
	addr := normalizeAddr(domain)
	if _, ok := f.protos[addr]; ok {
		return addr, nil
	}
	return "", pam_err.NewValidationError("vault domain %q is not allowed", domain)
}

// Addresses lists the default address first, then the whitelist.
func (f *Factory) Addresses() []string {
	return append([]string(nil), f.order...)
}

// Transport is the TLS-configured transport used for proxying.
func (f *Factory) Transport() http.RoundTripper {
	return f.transport
}

// ForToken returns a client for domain carrying token.
func (f *Factory) ForToken(domain, token string) (*Client, error) {
	addr, err := f.Resolve(domain)
	if err != nil {
		return nil, err
	}
	c, err := f.protos[addr].Clone()
	if err != nil {
		return nil, cerr.Wrap(err, "clone vault client")
	}
	c.ClearToken()
	if token != "" {
		c.SetToken(token)
	}
	return &Client{api: c, Addr: addr}, nil
}
