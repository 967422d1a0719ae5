// pkg/users/users.go
//
// Package users keeps the users table in step with Vault identities.
package users

import (
	"context"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/models"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/store"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/vault"
	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// EntityLister lists Vault identity entities. *vault.Client implements it.
type EntityLister interface {
	ListEntities(ctx context.Context) ([]vault.Entity, error)
}

// SyncResult counts what Sync did.
type SyncResult struct {
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
}

// Sync mirrors every enabled entity into st. One bad row does not stop the
// rest; the failures are returned together.
func Sync(ctx context.Context, src EntityLister, st store.Store) (SyncResult, error) {
	var res SyncResult
	entities, err := src.ListEntities(ctx)
	if err != nil {
		return res, cerr.Wrap(err, "list vault entities")
	}

	var errs *multierror.Error
	for _, e := range entities {
		if e.Disabled {
			res.Skipped++
			continue
		}
		if _, err := st.UpsertUser(ctx, &models.User{
			EntityID: e.ID,
			Name:     e.Name,
			Email:    e.Email(),
			Policies: e.Policies,
			Groups:   append([]string{}, e.GroupIDs...),
		}); err != nil {
			errs = multierror.Append(errs, cerr.Wrapf(err, "upsert entity %s", e.ID))
			continue
		}
		res.Synced++
	}
	otelzap.Ctx(ctx).Info("Synced Vault entities",
		zap.Int("synced", res.Synced),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", len(entities)-res.Synced-res.Skipped))
	return res, errs.ErrorOrNil()
}

// RecordLogin stamps the user row for a freshly authenticated identity. The
// token's policies are added to whatever Sync stored; groups are untouched.
func RecordLogin(ctx context.Context, st store.Store, id *vault.Identity, at time.Time) (*models.User, error) {
	u, err := st.RecordUserLogin(ctx, &models.User{
		EntityID:    id.EntityID,
		Name:        id.Name,
		Email:       id.Meta["email"],
		Policies:    id.Policies,
		LastLoginAt: &at,
	})
	if err != nil {
		return nil, cerr.Wrap(err, "record login")
	}
	return u, nil
}
