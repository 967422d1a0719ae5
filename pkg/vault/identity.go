// pkg/vault/identity.go

package vault

import (
	"context"
	"net/http"
	"sort"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
)

// Entity is a Vault identity entity.
type Entity struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Policies []string          `json:"policies"`
	GroupIDs []string          `json:"groupIds"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Disabled bool              `json:"disabled"`
}

// Email returns the address stored in entity metadata, if any.
func (e *Entity) Email() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata["email"]
}

// ReadEntity reads identity/entity/id/<id>.
func (c *Client) ReadEntity(ctx context.Context, id string) (*Entity, error) {
	secret, err := c.api.Logical().ReadWithContext(ctx, "identity/entity/id/"+id)
	if err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return nil, pam_err.NewNotFoundError("entity %s not found", id)
		}
		return nil, wrapVault(err, "read entity")
	}
	if secret == nil || secret.Data == nil {
		return nil, pam_err.NewNotFoundError("entity %s not found", id)
	}
	d := secret.Data
	return &Entity{
		ID:       stringField(d, "id"),
		Name:     stringField(d, "name"),
		Policies: stringSlice(d["policies"]),
		GroupIDs: stringSlice(d["group_ids"]),
		Metadata: stringMap(d["metadata"]),
		Disabled: boolField(d, "disabled"),
	}, nil
}

// ListEntities lists every entity and reads each one.
func (c *Client) ListEntities(ctx context.Context) ([]Entity, error) {
	ids, err := c.List(ctx, "identity/entity/id")
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]Entity, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := c.ReadEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}
