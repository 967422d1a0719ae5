// pkg/shared/constants.go

package shared

// Version is overridden at build time with -ldflags "-X .../pkg/shared.Version=...".
var Version = "dev"

const (
	ServiceName = "vault-pam"
	EnvPrefix   = "VAULT_PAM"

	DefaultConfigFile = "vault-pam.yaml"
	DefaultListenAddr = ":8080"
	DefaultVaultAddr  = "http://127.0.0.1:8200"
)

// Headers exchanged with the UI and forwarded to Vault.
const (
	VaultTokenHeader     = "X-Vault-Token"
	VaultDomainHeader    = "X-Vault-Domain"
	VaultNamespaceHeader = "X-Vault-Namespace"
	VaultWrapTTLHeader   = "X-Vault-Wrap-TTL"
	VaultRequestHeader   = "X-Vault-Request"
	RequestIDHeader      = "X-Request-Id"
)

// Socket rooms.
const (
	ApproversRoom    = "approvers"
	EntityRoomPrefix = "entity:"
)

// EntityRoom returns the room an entity's sockets join.
func EntityRoom(entityID string) string {
	return EntityRoomPrefix + entityID
}

const (
	FilePermOwnerReadWrite = 0600
	DirPermOwnerRWX        = 0700
)
