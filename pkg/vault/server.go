// pkg/vault/server.go

package vault

import (
	"context"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/config"
	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// ServerIdentity is the service's own Vault login, used where the workflow
// acts on its own behalf: minting wrapped responses, refreshing control
// groups, revoking accessors and syncing entities.
type ServerIdentity struct {
	factory *Factory
	auth    config.VaultAuthConfig

	mu     sync.RWMutex
	client *Client
	secret *api.Secret
}

// NewServerIdentity logs in with the configured method.
func NewServerIdentity(ctx context.Context, f *Factory, auth config.VaultAuthConfig) (*ServerIdentity, error) {
	s := &ServerIdentity{factory: f, auth: auth}
	if err := s.login(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ServerIdentity) login(ctx context.Context) error {
	var (
		client *Client
		secret *api.Secret
		err    error
	)
	switch s.auth.Method {
	case "approle":
		client, secret, err = s.factory.LoginAppRole(ctx, "", s.auth.AppRoleMount, s.auth.RoleID, s.auth.SecretID)
		if err != nil {
			return err
		}
	default:
		client, err = s.factory.ForToken("", s.auth.Token)
		if err != nil {
			return err
		}
		id, lerr := client.LookupSelf(ctx)
		if lerr != nil {
			return cerr.Wrap(lerr, "server token lookup")
		}
		secret = &api.Secret{Auth: &api.SecretAuth{
			ClientToken:   s.auth.Token,
			Accessor:      id.Accessor,
			Renewable:     id.Renewable,
			LeaseDuration: int(id.TTL / time.Second),
		}}
	}

	s.mu.Lock()
	s.client, s.secret = client, secret
	s.mu.Unlock()
	return nil
}

// Client returns the current server client.
func (s *ServerIdentity) Client() *Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// Run keeps the token alive until ctx is done. Renewable tokens are renewed
// by a LifetimeWatcher; when renewal stops an AppRole identity logs in again.
func (s *ServerIdentity) Run(ctx context.Context) {
	log := otelzap.Ctx(ctx)
	for {
		s.mu.RLock()
		client, secret := s.client, s.secret
		s.mu.RUnlock()

		if secret == nil || secret.Auth == nil || !secret.Auth.Renewable {
			if s.auth.Method != "approle" || secret == nil || secret.Auth == nil || secret.Auth.LeaseDuration == 0 {
				log.Debug("Server token is not renewable, no lifetime watcher started")
				<-ctx.Done()
				return
			}
			// Non-renewable approle token: log in again shortly before expiry.
			wait := time.Duration(secret.Auth.LeaseDuration) * time.Second * 9 / 10
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		} else {
			watcher, err := client.api.NewLifetimeWatcher(&api.LifetimeWatcherInput{Secret: secret})
			if err != nil {
				log.Error("Failed to start token lifetime watcher", zap.Error(err))
				<-ctx.Done()
				return
			}
			go watcher.Start()
			done := s.watch(ctx, watcher)
			watcher.Stop()
			if done {
				return
			}
		}

		if s.auth.Method != "approle" {
			log.Warn("Server token can no longer be renewed")
			<-ctx.Done()
			return
		}
		if err := s.relogin(ctx); err != nil {
			return
		}
	}
}

// watch returns true when ctx ended, false when the watcher finished.
func (s *ServerIdentity) watch(ctx context.Context, w *api.LifetimeWatcher) bool {
	log := otelzap.Ctx(ctx)
	for {
		select {
		case <-ctx.Done():
			return true
		case err := <-w.DoneCh():
			if err != nil {
				log.Warn("Server token renewal stopped", zap.Error(err))
			}
			return false
		case r := <-w.RenewCh():
			if r != nil && r.Secret != nil && r.Secret.Auth != nil {
				log.Debug("Server token renewed", zap.Int("lease_seconds", r.Secret.Auth.LeaseDuration))
			}
		}
	}
}

func (s *ServerIdentity) relogin(ctx context.Context) error {
	log := otelzap.Ctx(ctx)
	backoff := time.Second
	for {
		err := s.login(ctx)
		if err == nil {
			log.Info("Server re-authenticated with Vault")
			return nil
		}
		log.Error("Server re-authentication failed", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}
