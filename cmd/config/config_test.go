// cmd/config/config_test.go

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/app"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "vault-pam.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
vault:
  address: "https://vault.example.com"
  auth:
    method: token
    token: "hvs.server-secret"
database:
  host: db.internal
  password: "pg-secret"
`), 0o600))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server:\n  listen: 8080\n"), 0o600))
	envFile := filepath.Join(dir, "missing.env")

	root := &cobra.Command{Use: "vault-pam", SilenceUsage: true, SilenceErrors: true}
	app.AddGlobalFlags(root)
	root.AddCommand(ConfigCmd)

	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs(append([]string{"config", "check", "--env-file", envFile}, args...))
		err := root.Execute()
		return out.String(), err
	}

	out, err := run("-c", file)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")

	_, err = run("-c", bad)
	assert.Error(t, err)

	out, err = run("-c", file, "--print")
	require.NoError(t, err)
	assert.Contains(t, out, "https://vault.example.com")
	assert.Contains(t, out, "db.internal")
	assert.NotContains(t, out, "hvs.server-secret")
	assert.NotContains(t, out, "pg-secret")
}
