package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(LoadOptions{EnvFile: noEnvFile(t)})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "http://127.0.0.1:8200", cfg.Vault.Address)
	assert.Equal(t, 15*time.Minute, cfg.Vault.WrapTTL)
	assert.Equal(t, 1, cfg.Workflow.RequiredApprovals)
	assert.Equal(t, []string{"pam-approver"}, cfg.Workflow.ApproverPolicies)
	assert.Equal(t, "none", cfg.Socket.Backplane)
	assert.Equal(t, "token", cfg.Vault.Auth.Method)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	file := writeFile(t, "vault-pam.yaml", `
server:
  listen: ":9000"
vault:
  address: "https://vault.example.com/"
  domains: ["https://vault-dr.example.com"]
  wrap_ttl: 5m
workflow:
  required_approvals: 2
  approver_policies: ["security-approver"]
log:
  level: debug
`)
	t.Setenv("VAULT_PAM_WORKFLOW_REQUEST_TTL", "24h")
	t.Setenv("VAULT_PAM_SMTP_PASSWORD", "hunter2")

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.String("listen", "", "")
	require.NoError(t, fs.Parse([]string{"--listen", ":9100"}))

	cfg, err := Load(LoadOptions{
		File:     file,
		EnvFile:  noEnvFile(t),
		Flags:    fs,
		FlagKeys: map[string]string{"listen": "server.listen"},
	})
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Listen, "flag beats file")
	assert.Equal(t, "https://vault.example.com", cfg.Vault.Address, "trailing slash trimmed")
	assert.Equal(t, []string{"https://vault.example.com", "https://vault-dr.example.com"}, cfg.Vault.AllowedAddrs())
	assert.Equal(t, 5*time.Minute, cfg.Vault.WrapTTL)
	assert.Equal(t, 2, cfg.Workflow.RequiredApprovals)
	assert.Equal(t, 24*time.Hour, cfg.Workflow.RequestTTL)
	assert.Equal(t, "hunter2", cfg.SMTP.Password)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	envFile := writeFile(t, ".env", "VAULT_PAM_SOCKET_SEND_BUFFER=64\n")
	t.Cleanup(func() { os.Unsetenv("VAULT_PAM_SOCKET_SEND_BUFFER") })

	cfg, err := Load(LoadOptions{EnvFile: envFile})
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Socket.SendBuffer)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown log level", "log:\n  level: verbose\n"},
		{"port out of range", "database:\n  port: 70000\n"},
		{"bad backplane", "socket:\n  backplane: kafka\n"},
		{"bad duration", "vault:\n  wrap_ttl: soon\n"},
		{"non http domain", "vault:\n  domains: [\"vault.example.com\"]\n"},
		{"approle without role", "vault:\n  auth:\n    method: approle\n"},
		{"smtp enabled without host", "smtp:\n  enabled: true\n  from: pam@example.com\n"},
		{"zero approvals", "workflow:\n  required_approvals: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := writeFile(t, "vault-pam.yaml", tt.yaml)
			_, err := Load(LoadOptions{File: file, EnvFile: noEnvFile(t)})
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(LoadOptions{File: filepath.Join(t.TempDir(), "nope.yaml"), EnvFile: noEnvFile(t)})
	assert.Error(t, err)
}

func TestValidateYAML(t *testing.T) {
	assert.NoError(t, ValidateYAML("ok.yaml", []byte("server:\n  listen: \":8080\"\nrate_limit:\n  per_second: 2.5\n")))
	assert.Error(t, ValidateYAML("bad.yaml", []byte("server:\n  listen: 8080\n")))
}

func TestConnString(t *testing.T) {
	tests := []struct {
		name string
		db   DatabaseConfig
		want string
	}{
		{
			name: "explicit dsn",
			db:   DatabaseConfig{DSN: "postgres://u:p@db/pam", Host: "ignored"},
			want: "postgres://u:p@db/pam",
		},
		{
			name: "keyword form",
			db:   DatabaseConfig{Host: "db", Port: 5432, User: "pam", Password: "s3cret", Name: "vault_pam", SSLMode: "disable"},
			want: "host=db port=5432 user=pam password=s3cret dbname=vault_pam sslmode=disable",
		},
		{
			name: "quoted password",
			db:   DatabaseConfig{Host: "db", Port: 5432, Password: "it's a secret"},
			want: `host=db port=5432 password='it\'s a secret'`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.db.ConnString())
		})
	}
}

func TestWriteYAMLMasksSecrets(t *testing.T) {
	cfg, err := Load(LoadOptions{EnvFile: noEnvFile(t)})
	require.NoError(t, err)
	cfg.Vault.Auth.Token = "hvs.server-token"
	cfg.Database.DSN = "postgres://pam:dbpass@db:5432/pam"
	cfg.SMTP.Password = "mailpass"

	var buf bytes.Buffer
	require.NoError(t, cfg.WriteYAML(&buf))
	out := buf.String()

	assert.NotContains(t, out, "hvs.server-token")
	assert.NotContains(t, out, "dbpass")
	assert.NotContains(t, out, "mailpass")
	assert.Contains(t, out, "wrap_ttl: 15m0s")
	assert.Equal(t, "hvs.server-token", cfg.Vault.Auth.Token, "original untouched")
}
