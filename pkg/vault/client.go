// pkg/vault/client.go

package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("vault-pam/pkg/vault")

// Client is a Vault client bound to one address and one token.
type Client struct {
	api  *api.Client
	Addr string
}

// API exposes the underlying client.
func (c *Client) API() *api.Client { return c.api }

func (c *Client) Token() string { return c.api.Token() }

// Identity is the caller as seen by token lookup-self.
type Identity struct {
	EntityID    string            `json:"entityId"`
	Name        string            `json:"name"`
	Accessor    string            `json:"accessor,omitempty"`
	Policies    []string          `json:"policies"`
	Meta        map[string]string `json:"meta,omitempty"`
	TTL         time.Duration     `json:"ttl"`
	Domain      string            `json:"domain"`
	Token       string            `json:"-"`
	Renewable   bool              `json:"-"`
	DisplayName string            `json:"displayName,omitempty"`
}

// LookupSelf resolves the client token to an identity.
func (c *Client) LookupSelf(ctx context.Context) (*Identity, error) {
	ctx, span := tracer.Start(ctx, "vault.LookupSelf")
	defer span.End()

	if c.Token() == "" {
		return nil, pam_err.NewUnauthorizedError("missing vault token")
	}
	secret, err := c.api.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil {
		return nil, wrapVault(err, "token lookup-self")
	}
	if secret == nil || secret.Data == nil {
		return nil, pam_err.NewUnauthorizedError("token lookup returned no data")
	}

	d := secret.Data
	id := &Identity{
		EntityID:    stringField(d, "entity_id"),
		DisplayName: stringField(d, "display_name"),
		Accessor:    stringField(d, "accessor"),
		Policies:    mergePolicies(stringSlice(d["policies"]), stringSlice(d["identity_policies"])),
		Meta:        stringMap(d["meta"]),
		TTL:         time.Duration(int64Field(d, "ttl")) * time.Second,
		Domain:      c.Addr,
		Token:       c.Token(),
		Renewable:   boolField(d, "renewable"),
	}
	id.Name = id.DisplayName
	if u := id.Meta["username"]; u != "" {
		id.Name = u
	}
	if id.Name == "" {
		id.Name = id.EntityID
	}
	// Root and orphan tokens without an entity still need a stable key.
	if id.EntityID == "" {
		id.EntityID = "token:" + id.Accessor
	}
	return id, nil
}

// RevokeSelf revokes the client token.
func (c *Client) RevokeSelf(ctx context.Context) error {
	if err := c.api.Auth().Token().RevokeSelfWithContext(ctx, ""); err != nil {
		return wrapVault(err, "revoke-self")
	}
	return nil
}

// List returns the keys under path.
func (c *Client) List(ctx context.Context, path string) ([]string, error) {
	secret, err := c.api.Logical().ListWithContext(ctx, strings.Trim(path, "/"))
	if err != nil {
		return nil, wrapVault(err, "list "+path)
	}
	if secret == nil || secret.Data == nil {
		return []string{}, nil
	}
	return stringSlice(secret.Data["keys"]), nil
}

// CapabilitiesSelf returns the client token's capabilities per path.
func (c *Client) CapabilitiesSelf(ctx context.Context, paths ...string) (map[string][]string, error) {
	out := make(map[string][]string, len(paths))
	if len(paths) == 0 {
		return out, nil
	}
	secret, err := c.api.Logical().WriteWithContext(ctx, "sys/capabilities-self", map[string]any{"paths": paths})
	if err != nil {
		return nil, wrapVault(err, "capabilities-self")
	}
	for _, p := range paths {
		var caps []string
		if secret != nil && secret.Data != nil {
			caps = stringSlice(secret.Data[p])
			if len(caps) == 0 && len(paths) == 1 {
				caps = stringSlice(secret.Data["capabilities"])
			}
		}
		if caps == nil {
			caps = []string{"deny"}
		}
		out[p] = caps
	}
	return out, nil
}

// AuthorizeControlGroup records the client's authorization on a control
// group request and reports whether it is now approved.
func (c *Client) AuthorizeControlGroup(ctx context.Context, accessor string) (bool, error) {
	ctx, span := tracer.Start(ctx, "vault.AuthorizeControlGroup")
	defer span.End()

	secret, err := c.api.Logical().WriteWithContext(ctx, "sys/control-group/authorize", map[string]any{"accessor": accessor})
	if err != nil {
		return false, wrapVault(err, "control-group authorize")
	}
	if secret == nil || secret.Data == nil {
		return false, nil
	}
	return boolField(secret.Data, "approved"), nil
}

// ControlGroupAuthorization is one approver on a control group.
type ControlGroupAuthorization struct {
	EntityID   string `json:"entityId"`
	EntityName string `json:"entityName"`
}

// ControlGroupStatus is the state Vault reports for a wrapping accessor.
type ControlGroupStatus struct {
	Approved          bool                        `json:"approved"`
	RequestPath       string                      `json:"requestPath"`
	RequestEntityID   string                      `json:"requestEntityId"`
	RequestEntityName string                      `json:"requestEntityName"`
	Authorizations    []ControlGroupAuthorization `json:"authorizations"`
}

// CheckControlGroup reads the control group state for accessor.
func (c *Client) CheckControlGroup(ctx context.Context, accessor string) (*ControlGroupStatus, error) {
	ctx, span := tracer.Start(ctx, "vault.CheckControlGroup")
	defer span.End()

	secret, err := c.api.Logical().WriteWithContext(ctx, "sys/control-group/request", map[string]any{"accessor": accessor})
	if err != nil {
		return nil, wrapVault(err, "control-group request")
	}
	if secret == nil || secret.Data == nil {
		return nil, pam_err.NewNotFoundError("control group %s not found", accessor)
	}
	d := secret.Data
	st := &ControlGroupStatus{
		Approved:    boolField(d, "approved"),
		RequestPath: stringField(d, "request_path"),
	}
	if ent, ok := d["request_entity"].(map[string]any); ok {
		st.RequestEntityID = stringField(ent, "id")
		st.RequestEntityName = stringField(ent, "name")
	}
	if auths, ok := d["authorizations"].([]any); ok {
		for _, a := range auths {
			if m, ok := a.(map[string]any); ok {
				st.Authorizations = append(st.Authorizations, ControlGroupAuthorization{
					EntityID:   stringField(m, "entity_id"),
					EntityName: stringField(m, "entity_name"),
				})
			}
		}
	}
	return st, nil
}

// WrapInfo is a response-wrapping token minted for a request.
type WrapInfo struct {
	Token     string
	Accessor  string
	ExpiresAt time.Time
}

// WrapRequest performs a read (data empty) or write on path with response
// wrapping and returns the wrapping token.
func (c *Client) WrapRequest(ctx context.Context, path string, data map[string]any, ttl time.Duration) (*WrapInfo, error) {
	ctx, span := tracer.Start(ctx, "vault.WrapRequest")
	defer span.End()
	span.SetAttributes(attribute.String("vault.path", path))

	wc, err := c.api.Clone()
	if err != nil {
		return nil, cerr.Wrap(err, "clone vault client")
	}
	wc.SetToken(c.Token())
	ttlStr := fmt.Sprintf("%ds", int(ttl.Seconds()))
	wc.SetWrappingLookupFunc(func(string, string) string { return ttlStr })

	path = strings.Trim(path, "/")
	var secret *api.Secret
	if len(data) == 0 {
		secret, err = wc.Logical().ReadWithContext(ctx, path)
	} else {
		secret, err = wc.Logical().WriteWithContext(ctx, path, data)
	}
	if err != nil {
		return nil, wrapVault(err, "wrapped request "+path)
	}
	if secret == nil || secret.WrapInfo == nil || secret.WrapInfo.Token == "" {
		return nil, pam_err.NewNotFoundError("vault returned nothing to wrap at %s", path)
	}
	created := secret.WrapInfo.CreationTime
	if created.IsZero() {
		created = time.Now()
	}
	return &WrapInfo{
		Token:     secret.WrapInfo.Token,
		Accessor:  secret.WrapInfo.Accessor,
		ExpiresAt: created.Add(time.Duration(secret.WrapInfo.TTL) * time.Second),
	}, nil
}

// Unwrap exchanges a wrapping token for the wrapped response.
func (c *Client) Unwrap(ctx context.Context, wrapToken string) (*api.Secret, error) {
	secret, err := c.api.Logical().UnwrapWithContext(ctx, wrapToken)
	if err != nil {
		return nil, wrapVault(err, "unwrap")
	}
	if secret == nil {
		return nil, pam_err.NewGoneError("wrapping token is not valid or does not exist")
	}
	return secret, nil
}

// RevokeAccessor revokes the token behind accessor.
func (c *Client) RevokeAccessor(ctx context.Context, accessor string) error {
	if _, err := c.api.Logical().WriteWithContext(ctx, "auth/token/revoke-accessor", map[string]any{"accessor": accessor}); err != nil {
		return wrapVault(err, "revoke accessor")
	}
	return nil
}

// Health reports the server's seal and init state.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	h, err := c.api.Sys().HealthWithContext(ctx)
	if err != nil {
		return nil, wrapVault(err, "health")
	}
	return h, nil
}

// wrapVault keeps Vault response errors intact for relaying and marks
// transport failures as upstream errors.
func wrapVault(err error, op string) error {
	var respErr *api.ResponseError
	if cerr.As(err, &respErr) {
		return cerr.Wrap(err, op)
	}
	return pam_err.NewUpstreamError("vault "+op+" failed", err)
}

// IsStatus reports whether err is a Vault response error with status code.
func IsStatus(err error, code int) bool {
	var respErr *api.ResponseError
	return cerr.As(err, &respErr) && respErr.StatusCode == code
}

// IsForbidden reports a Vault 403.
func IsForbidden(err error) bool { return IsStatus(err, http.StatusForbidden) }

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func boolField(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

func int64Field(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case json.Number:
		n, _ := v.Int64()
		return n
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, e := range m {
		if s, ok := e.(string); ok {
			out[k] = s
		}
	}
	return out
}

func mergePolicies(lists ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range lists {
		for _, p := range l {
			if p != "" && !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}
