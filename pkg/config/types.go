// pkg/config/types.go

package config

import "time"

// Config is the effective server configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Vault     VaultConfig     `mapstructure:"vault" yaml:"vault"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Workflow  WorkflowConfig  `mapstructure:"workflow" yaml:"workflow"`
	Socket    SocketConfig    `mapstructure:"socket" yaml:"socket"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	SMTP      SMTPConfig      `mapstructure:"smtp" yaml:"smtp"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

type ServerConfig struct {
	Listen          string        `mapstructure:"listen" yaml:"listen" validate:"required"`
	UIDir           string        `mapstructure:"ui_dir" yaml:"ui_dir"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

type VaultConfig struct {
	Address    string        `mapstructure:"address" yaml:"address" validate:"required,url"`
	Domains    []string      `mapstructure:"domains" yaml:"domains" validate:"dive,url"`
	CACert     string        `mapstructure:"ca_cert" yaml:"ca_cert"`
	SkipVerify bool          `mapstructure:"skip_verify" yaml:"skip_verify"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	WrapTTL    time.Duration `mapstructure:"wrap_ttl" yaml:"wrap_ttl" validate:"gt=0"`
	LDAPMount  string        `mapstructure:"ldap_mount" yaml:"ldap_mount"`
	// AdminPolicies grant user administration (email edits, entity sync).
	AdminPolicies []string        `mapstructure:"admin_policies" yaml:"admin_policies"`
	Auth          VaultAuthConfig `mapstructure:"auth" yaml:"auth"`
}

// VaultAuthConfig is the server's own Vault identity, used to mint wrapped
// responses, refresh control groups and revoke accessors.
type VaultAuthConfig struct {
	Method       string `mapstructure:"method" yaml:"method" validate:"oneof=token approle"`
	Token        string `mapstructure:"token" yaml:"token" validate:"required_if=Method token"`
	RoleID       string `mapstructure:"role_id" yaml:"role_id" validate:"required_if=Method approle"`
	SecretID     string `mapstructure:"secret_id" yaml:"secret_id" validate:"required_if=Method approle"`
	AppRoleMount string `mapstructure:"approle_mount" yaml:"approle_mount"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Host            string        `mapstructure:"host" yaml:"host" validate:"required_without=DSN"`
	Port            int           `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	SSLMode         string        `mapstructure:"sslmode" yaml:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

type WorkflowConfig struct {
	RequiredApprovals  int           `mapstructure:"required_approvals" yaml:"required_approvals" validate:"gte=1"`
	RequestTTL         time.Duration `mapstructure:"request_ttl" yaml:"request_ttl" validate:"gte=0"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval" yaml:"reconcile_interval" validate:"gte=0"`
	ApproverPolicies   []string      `mapstructure:"approver_policies" yaml:"approver_policies" validate:"min=1,dive,required"`
	ApprovalPolicyFile string        `mapstructure:"approval_policy_file" yaml:"approval_policy_file"`
}

type SocketConfig struct {
	Backplane    string        `mapstructure:"backplane" yaml:"backplane" validate:"oneof=none redis postgres"`
	Channel      string        `mapstructure:"channel" yaml:"channel" validate:"required,max=63"`
	SendBuffer   int           `mapstructure:"send_buffer" yaml:"send_buffer" validate:"gt=0"`
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval" validate:"gt=0"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db" validate:"gte=0"`
}

type SMTPConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Host      string        `mapstructure:"host" yaml:"host" validate:"required_if=Enabled true"`
	Port      int           `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
	Username  string        `mapstructure:"username" yaml:"username"`
	Password  string        `mapstructure:"password" yaml:"password"`
	From      string        `mapstructure:"from" yaml:"from" validate:"required_if=Enabled true,omitempty,email"`
	TLS       string        `mapstructure:"tls" yaml:"tls" validate:"oneof=none starttls tls"`
	UIURL     string        `mapstructure:"ui_url" yaml:"ui_url" validate:"omitempty,url"`
	QueueSize int           `mapstructure:"queue_size" yaml:"queue_size" validate:"gt=0"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
}

type RateLimitConfig struct {
	PerSecond float64       `mapstructure:"per_second" yaml:"per_second" validate:"gte=0"`
	Burst     int           `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
	PerMinute int           `mapstructure:"per_minute" yaml:"per_minute" validate:"gte=0"`
	IdleTTL   time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json console"`
	File   string `mapstructure:"file" yaml:"file"`
}

type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	File    string `mapstructure:"file" yaml:"file" validate:"required_if=Enabled true"`
}
