// cmd/config/config.go

package config

import (
	"fmt"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/app"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/cli"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_io"
	"github.com/spf13/cobra"
)

// ConfigCmd groups configuration commands.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect vault-pam configuration",
}

// CheckCmd loads and validates the effective configuration.
var CheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration",
	Long: `Load the config file, .env file, VAULT_PAM_* environment and flags,
validate the result and optionally print it with secrets masked.

Examples:
  vault-pam config check -c /etc/vault-pam/vault-pam.yaml
  vault-pam config check --print`,
	Args: cobra.NoArgs,
	RunE: cli.Wrap(func(rc *pam_io.RuntimeContext, cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(cmd)
		if err != nil {
			return err
		}
		show, _ := cmd.Flags().GetBool("print")
		if !show {
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		}
		return cfg.Masked().WriteYAML(cmd.OutOrStdout())
	}),
}

func init() {
	cli.AddBoolFlag(CheckCmd, "print", "p", false, "print the effective configuration with secrets masked")
	ConfigCmd.AddCommand(CheckCmd)
}
