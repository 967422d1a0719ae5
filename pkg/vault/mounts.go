// pkg/vault/mounts.go

package vault

import (
	"context"
	"sort"
	"strings"
)

// Mount is a secrets engine visible to the caller.
type Mount struct {
	Path        string `json:"path"`
	Type        string `json:"type"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Accessor    string `json:"accessor,omitempty"`
}

// EngineType returns the type with the kv version folded in, e.g. "kv-v2".
func (m Mount) EngineType() string {
	if m.Type == "kv" && m.Version == "2" {
		return "kv-v2"
	}
	return m.Type
}

// ListMounts returns the secrets engines the token can see, using the
// UI mounts endpoint which filters by the token's ACL.
func (c *Client) ListMounts(ctx context.Context) ([]Mount, error) {
	secret, err := c.api.Logical().ReadWithContext(ctx, "sys/internal/ui/mounts")
	if err != nil {
		return nil, wrapVault(err, "list mounts")
	}
	var out []Mount
	if secret == nil || secret.Data == nil {
		return out, nil
	}
	engines, _ := secret.Data["secret"].(map[string]any)
	for path, raw := range engines {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		mount := Mount{
			Path:        path,
			Type:        stringField(m, "type"),
			Description: stringField(m, "description"),
			Accessor:    stringField(m, "accessor"),
		}
		if opts, ok := m["options"].(map[string]any); ok {
			mount.Version = stringField(opts, "version")
		}
		out = append(out, mount)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// MatchMount returns the mount with the longest prefix of path.
func MatchMount(mounts []Mount, path string) (Mount, bool) {
	path = strings.TrimLeft(path, "/")
	var best Mount
	found := false
	for _, m := range mounts {
		prefix := strings.TrimSuffix(m.Path, "/") + "/"
		if (strings.HasPrefix(path+"/", prefix)) && len(m.Path) > len(best.Path) {
			best, found = m, true
		}
	}
	return best, found
}

// ListPath maps a logical browse path onto the API path to LIST. kv-v2
// mounts are listed through their metadata endpoint.
func ListPath(mounts []Mount, path string) string {
	path = strings.Trim(path, "/")
	m, ok := MatchMount(mounts, path)
	if !ok || m.EngineType() != "kv-v2" {
		return path
	}
	mountPath := strings.TrimSuffix(m.Path, "/")
	rest := strings.TrimPrefix(strings.TrimPrefix(path, mountPath), "/")
	if strings.HasPrefix(rest, "metadata/") || rest == "metadata" {
		return path
	}
	rest = strings.TrimPrefix(rest, "data/")
	if rest == "data" {
		rest = ""
	}
	if rest == "" {
		return mountPath + "/metadata"
	}
	return mountPath + "/metadata/" + rest
}

// DataPath maps a kv-v2 key onto its data endpoint, used for capability
// checks and reads. Other engines are returned unchanged.
func DataPath(mounts []Mount, path string) string {
	path = strings.Trim(path, "/")
	m, ok := MatchMount(mounts, path)
	if !ok || m.EngineType() != "kv-v2" {
		return path
	}
	mountPath := strings.TrimSuffix(m.Path, "/")
	rest := strings.TrimPrefix(strings.TrimPrefix(path, mountPath), "/")
	if strings.HasPrefix(rest, "data/") {
		return path
	}
	rest = strings.TrimPrefix(rest, "metadata/")
	return mountPath + "/data/" + rest
}
