// pkg/api/secrets.go

package api

import (
	"net/http"
	"strings"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/vault"
)

// SecretKey is one entry of a listing.
type SecretKey struct {
	Name         string   `json:"name"`
	Path         string   `json:"path"`
	Folder       bool     `json:"folder"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Listing is the response of /rest/secrets/list.
type Listing struct {
	Path       string      `json:"path"`
	EngineType string      `json:"engineType,omitempty"`
	Keys       []SecretKey `json:"keys"`
}

func (s *Server) engines(w http.ResponseWriter, r *http.Request) error {
	mounts, err := clientFrom(r.Context()).ListMounts(r.Context())
	if err != nil {
		return err
	}
	out := make([]map[string]string, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, map[string]string{
			"path":        m.Path,
			"type":        m.EngineType(),
			"description": m.Description,
		})
	}
	return writeJSON(w, http.StatusOK, map[string]any{"engines": out})
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	client := clientFrom(ctx)
	path := strings.Trim(r.URL.Query().Get("path"), "/")
	if path == "" {
		return pam_err.NewValidationError("path is required")
	}

	mounts, err := client.ListMounts(ctx)
	if err != nil {
		return err
	}
	keys, err := client.List(ctx, vault.ListPath(mounts, path))
	if err != nil {
		return err
	}

	listing := Listing{Path: path, Keys: make([]SecretKey, 0, len(keys))}
	if m, ok := vault.MatchMount(mounts, path); ok {
		listing.EngineType = m.EngineType()
	}
	var leaves []string
	for _, k := range keys {
		full := path + "/" + k
		key := SecretKey{Name: k, Path: strings.TrimSuffix(full, "/"), Folder: strings.HasSuffix(k, "/")}
		if !key.Folder {
			leaves = append(leaves, vault.DataPath(mounts, key.Path))
		}
		listing.Keys = append(listing.Keys, key)
	}

	// One capabilities round trip for every leaf in the listing.
	caps, err := client.CapabilitiesSelf(ctx, leaves...)
	if err != nil {
		return err
	}
	for i := range listing.Keys {
		k := &listing.Keys[i]
		if !k.Folder {
			k.Capabilities = caps[vault.DataPath(mounts, k.Path)]
		}
	}
	return writeJSON(w, http.StatusOK, listing)
}

func (s *Server) capabilities(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	client := clientFrom(ctx)
	path := strings.Trim(r.URL.Query().Get("path"), "/")
	if path == "" {
		return pam_err.NewValidationError("path is required")
	}
	mounts, err := client.ListMounts(ctx)
	if err != nil {
		return err
	}
	target := vault.DataPath(mounts, path)
	caps, err := client.CapabilitiesSelf(ctx, target)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"path": target, "capabilities": caps[target]})
}
