// pkg/vault/auth.go

package vault

import (
	"context"
	"strings"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"github.com/hashicorp/vault/api/auth/approle"
	"github.com/hashicorp/vault/api/auth/userpass"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// LoginUserpass logs in with the userpass method and returns a client
// carrying the new token.
func (f *Factory) LoginUserpass(ctx context.Context, domain, mount, username, password string) (*Client, error) {
	if mount == "" {
		mount = "userpass"
	}
	if err := checkLoginName(username); err != nil {
		return nil, err
	}
	c, err := f.ForToken(domain, "")
	if err != nil {
		return nil, err
	}
	upAuth, err := userpass.NewUserpassAuth(username,
		&userpass.Password{FromString: password},
		userpass.WithMountPath(strings.Trim(mount, "/")),
	)
	if err != nil {
		return nil, pam_err.NewValidationError("userpass login: %v", err)
	}
	secret, err := upAuth.Login(ctx, c.api)
	if err != nil {
		return nil, wrapVault(err, "userpass login")
	}
	return c.withAuth(secret)
}

// checkLoginName rejects usernames that are not a single path segment. Login
// paths are built as auth/<mount>/login/<username> and cleaned by the Vault
// client, so "../" would address a different endpoint.
func checkLoginName(username string) error {
	if strings.Contains(username, "/") || username == "." || username == ".." {
		return pam_err.NewValidationError("invalid username")
	}
	return nil
}

// LoginLDAP logs in against an LDAP auth mount.
func (f *Factory) LoginLDAP(ctx context.Context, domain, mount, username, password string) (*Client, error) {
	if mount == "" {
		mount = "ldap"
	}
	if username == "" || password == "" {
		return nil, pam_err.NewValidationError("username and password are required")
	}
	if err := checkLoginName(username); err != nil {
		return nil, err
	}
	c, err := f.ForToken(domain, "")
	if err != nil {
		return nil, err
	}
	path := "auth/" + strings.Trim(mount, "/") + "/login/" + username
	secret, err := c.api.Logical().WriteWithContext(ctx, path, map[string]any{"password": password})
	if err != nil {
		return nil, wrapVault(err, "ldap login")
	}
	return c.withAuth(secret)
}

// LoginAppRole logs in with role and secret ids.
func (f *Factory) LoginAppRole(ctx context.Context, domain, mount, roleID, secretID string) (*Client, *api.Secret, error) {
	if mount == "" {
		mount = "approle"
	}
	c, err := f.ForToken(domain, "")
	if err != nil {
		return nil, nil, err
	}
	auth, err := approle.NewAppRoleAuth(roleID,
		&approle.SecretID{FromString: secretID},
		approle.WithMountPath(strings.Trim(mount, "/")),
	)
	if err != nil {
		return nil, nil, cerr.Wrap(err, "create approle auth")
	}
	secret, err := c.api.Auth().Login(ctx, auth)
	if err != nil {
		return nil, nil, wrapVault(err, "approle login")
	}
	if secret == nil || secret.Auth == nil {
		return nil, nil, cerr.New("no auth info returned from Vault approle login")
	}
	c.api.SetToken(secret.Auth.ClientToken)
	otelzap.Ctx(ctx).Info("Authenticated with Vault using AppRole",
		zap.String("addr", c.Addr),
		zap.String("token_accessor", secret.Auth.Accessor))
	return c, secret, nil
}

func (c *Client) withAuth(secret *api.Secret) (*Client, error) {
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return nil, pam_err.NewUnauthorizedError("login response missing auth data")
	}
	c.api.SetToken(secret.Auth.ClientToken)
	return c, nil
}
