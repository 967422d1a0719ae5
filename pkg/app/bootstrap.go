// pkg/app/bootstrap.go

package app

import (
	"context"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/cli"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/config"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/logger"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/shared"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/telemetry"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
)

// FlagKeys maps command flags onto config keys. Commands declare only the
// flags that make sense for them.
var FlagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"log-file":     "log.file",
	"listen":       "server.listen",
	"ui-dir":       "server.ui_dir",
	"vault-addr":   "vault.address",
	"auto-migrate": "database.auto_migrate",

	"required-approvals": "workflow.required_approvals",
}

// AddGlobalFlags declares the persistent flags shared by every command.
func AddGlobalFlags(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringP("config", "c", "", "YAML config file (default "+shared.DefaultConfigFile+" when present)")
	pf.String("env-file", "", "dotenv file read before the environment (default .env)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "json", "log format: json or console")
	pf.String("log-file", "", "also write JSON logs to this file")
	pf.String("vault-addr", "", "default Vault address")
}

// LoadConfig resolves configuration for cmd from file, env and flags.
func LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(config.LoadOptions{
		File:     cli.GetStringOrEmpty(cmd, "config"),
		EnvFile:  cli.GetStringOrEmpty(cmd, "env-file"),
		Flags:    cmd.Flags(),
		FlagKeys: FlagKeys,
	})
}

// Setup installs the configured logger and tracer. The returned function
// flushes both.
func Setup(cfg *config.Config) (func(context.Context) error, error) {
	logger.Initialize(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	shutdown, err := telemetry.Init(cfg.Telemetry.Enabled, cfg.Telemetry.File)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		var errs *multierror.Error
		if err := shutdown(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
		// stdout cannot be synced on most terminals; that error is noise.
		_ = logger.Sync()
		return errs.ErrorOrNil()
	}, nil
}
