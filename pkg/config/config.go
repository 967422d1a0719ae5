// pkg/config/config.go
//
// Configuration loading. Precedence, lowest first: built-in defaults, the
// YAML file, a .env file, VAULT_PAM_* environment variables, command flags.
package config

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/cli"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/shared"
	cerr "github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const masked = "********"

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// File is the YAML file. Empty means shared.DefaultConfigFile if present.
	File string
	// EnvFile is a dotenv file loaded before env lookup. Empty means ".env".
	EnvFile string
	Flags   *pflag.FlagSet
	// FlagKeys maps flag names to config keys.
	FlagKeys map[string]string
}

var validate = validator.New()

// Load reads, merges and validates the configuration.
func Load(opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, cerr.Wrapf(err, "load env file %s", envFile)
	}

	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")

	file, err := resolveFile(opts.File)
	if err != nil {
		return nil, err
	}
	if file != "" {
		if err := ValidateFile(file); err != nil {
			return nil, err
		}
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, cerr.Wrapf(err, "read config %s", file)
		}
	}

	cli.SetViperEnvPrefix(v, shared.EnvPrefix)
	if err := cli.BindFlagsToViper(opts.Flags, v, opts.FlagKeys); err != nil {
		return nil, cerr.Wrap(err, "bind flags")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, cerr.Wrap(err, "decode config")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolveFile(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", cerr.Wrapf(err, "config file %s", path)
		}
		return path, nil
	}
	if _, err := os.Stat(shared.DefaultConfigFile); err == nil {
		return shared.DefaultConfigFile, nil
	}
	return "", nil
}

// SetDefaults registers every key so env variables resolve during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", shared.DefaultListenAddr)
	v.SetDefault("server.ui_dir", "")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("vault.address", shared.DefaultVaultAddr)
	v.SetDefault("vault.domains", []string{})
	v.SetDefault("vault.ca_cert", "")
	v.SetDefault("vault.skip_verify", false)
	v.SetDefault("vault.timeout", 30*time.Second)
	v.SetDefault("vault.wrap_ttl", 15*time.Minute)
	v.SetDefault("vault.ldap_mount", "ldap")
	v.SetDefault("vault.admin_policies", []string{"pam-admin"})
	v.SetDefault("vault.auth.method", "token")
	v.SetDefault("vault.auth.token", "")
	v.SetDefault("vault.auth.role_id", "")
	v.SetDefault("vault.auth.secret_id", "")
	v.SetDefault("vault.auth.approle_mount", "approle")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "vault_pam")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("workflow.required_approvals", 1)
	v.SetDefault("workflow.request_ttl", 72*time.Hour)
	v.SetDefault("workflow.reconcile_interval", time.Minute)
	v.SetDefault("workflow.approver_policies", []string{"pam-approver"})
	v.SetDefault("workflow.approval_policy_file", "")

	v.SetDefault("socket.backplane", "none")
	v.SetDefault("socket.channel", "vault_pam_events")
	v.SetDefault("socket.send_buffer", 32)
	v.SetDefault("socket.ping_interval", 30*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.tls", "starttls")
	v.SetDefault("smtp.ui_url", "")
	v.SetDefault("smtp.queue_size", 100)
	v.SetDefault("smtp.timeout", 10*time.Second)

	v.SetDefault("rate_limit.per_second", 10.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("rate_limit.per_minute", 300)
	v.SetDefault("rate_limit.idle_ttl", 10*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.file", "")
}

func (c *Config) normalize() {
	c.Vault.Address = strings.TrimRight(c.Vault.Address, "/")
	for i, d := range c.Vault.Domains {
		c.Vault.Domains[i] = strings.TrimRight(strings.TrimSpace(d), "/")
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Socket.Backplane = strings.ToLower(c.Socket.Backplane)
	c.SMTP.TLS = strings.ToLower(c.SMTP.TLS)
}

// Validate runs the struct tag rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return cerr.WithHint(cerr.Wrap(err, "invalid configuration"),
			"check the config file and VAULT_PAM_* environment variables")
	}
	return nil
}

// AllowedAddrs returns the default address followed by the whitelist.
func (c VaultConfig) AllowedAddrs() []string {
	out := []string{c.Address}
	for _, d := range c.Domains {
		if d != c.Address {
			out = append(out, d)
		}
	}
	return out
}

// ConnString returns the Postgres DSN, building a keyword string when no
// explicit DSN is set.
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	parts := []string{
		"host=" + quoteDSN(d.Host),
		fmt.Sprintf("port=%d", d.Port),
	}
	if d.User != "" {
		parts = append(parts, "user="+quoteDSN(d.User))
	}
	if d.Password != "" {
		parts = append(parts, "password="+quoteDSN(d.Password))
	}
	if d.Name != "" {
		parts = append(parts, "dbname="+quoteDSN(d.Name))
	}
	if d.SSLMode != "" {
		parts = append(parts, "sslmode="+d.SSLMode)
	}
	return strings.Join(parts, " ")
}

func quoteDSN(s string) string {
	if s != "" && !strings.ContainsAny(s, ` '\`) {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// Masked returns a copy with credentials replaced.
func (c Config) Masked() Config {
	out := c
	out.Vault.Domains = append([]string(nil), c.Vault.Domains...)
	maskString(&out.Vault.Auth.Token)
	maskString(&out.Vault.Auth.SecretID)
	maskString(&out.Database.Password)
	maskString(&out.Redis.Password)
	maskString(&out.SMTP.Password)
	out.Database.DSN = maskDSN(c.Database.DSN)
	return out
}

func maskString(s *string) {
	if *s != "" {
		*s = masked
	}
}

func maskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), masked)
			return u.String()
		}
		return dsn
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=" + masked
		}
	}
	return strings.Join(fields, " ")
}

// WriteYAML prints the masked configuration.
func (c Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Masked()); err != nil {
		return cerr.Wrap(err, "encode config")
	}
	return enc.Close()
}
