/* cmd/root.go */

package cmd

import (
	"fmt"
	"os"

	"github.com/CodeMonkeyCybersecurity/vault-pam/cmd/config"
	"github.com/CodeMonkeyCybersecurity/vault-pam/cmd/migrate"
	"github.com/CodeMonkeyCybersecurity/vault-pam/cmd/serve"
	"github.com/CodeMonkeyCybersecurity/vault-pam/cmd/users"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/app"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/cli"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/logger"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_err"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_io"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/shared"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootCmd is the base command for vault-pam.
var RootCmd = &cobra.Command{
	Use:   "vault-pam",
	Short: "Privileged access management in front of HashiCorp Vault",
	Long: `vault-pam proxies the Vault API for a web UI and runs an approval
workflow for secrets access: requests are recorded in Postgres, approvers are
notified over WebSocket and email, and approved secrets are handed out as
single-use wrapped responses.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: cli.Wrap(func(rc *pam_io.RuntimeContext, cmd *cobra.Command, args []string) error {
		return cmd.Help()
	}),
}

// VersionCmd prints the build version.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the vault-pam version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), shared.ServiceName, shared.Version)
	},
}

// RegisterCommands adds all subcommands to the root command.
func RegisterCommands() {
	app.AddGlobalFlags(RootCmd)
	for _, subCmd := range []*cobra.Command{
		serve.ServeCmd,
		migrate.MigrateCmd,
		config.ConfigCmd,
		users.UsersCmd,
		VersionCmd,
	} {
		RootCmd.AddCommand(subCmd)
	}
}

// Execute registers the commands and runs the CLI.
func Execute() {
	defer func() {
		// stdout cannot be synced on most terminals.
		_ = logger.Sync()
	}()

	RegisterCommands()

	if err := RootCmd.Execute(); err != nil {
		if pam_err.IsClientError(err) {
			logger.L().Warn("Command rejected", zap.Error(err))
		} else {
			logger.L().Error("Command failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
