// cmd/serve/serve.go

package serve

import (
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/app"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/cli"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_io"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/shared"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ServeCmd runs the HTTP server.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the vault-pam HTTP server",
	Long: `Serve the REST API under /rest, the Vault proxy under /v1, the
WebSocket endpoint at /rest/socket, Prometheus metrics at /metrics and the
UI bundle from server.ui_dir. SIGINT or SIGTERM triggers a graceful shutdown.`,
	Args: cobra.NoArgs,
	RunE: cli.Wrap(runServe),
}

func init() {
	cli.AddStringFlag(ServeCmd, "listen", "l", shared.DefaultListenAddr, "address to listen on", false)
	cli.AddStringFlag(ServeCmd, "ui-dir", "", "", "directory holding the built UI", false)
	cli.AddBoolFlag(ServeCmd, "auto-migrate", "", false, "create or update tables on start")
	cli.AddIntFlag(ServeCmd, "required-approvals", "", 0, "approvals needed before a request is granted")
}

func runServe(rc *pam_io.RuntimeContext, cmd *cobra.Command, args []string) error {
	cfg, err := app.LoadConfig(cmd)
	if err != nil {
		return err
	}
	flush, err := app.Setup(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := flush(rc.Ctx); err != nil {
			rc.Log.Warn("Failed to flush telemetry", zap.Error(err))
		}
	}()

	rc.Log.Info("Starting vault-pam",
		zap.String("version", shared.Version),
		zap.String("listen", cfg.Server.Listen),
		zap.String("vault", cfg.Vault.Address))

	a, err := app.New(rc.Ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.Run(rc.Ctx); err != nil {
		return err
	}
	rc.Log.Info("vault-pam stopped")
	return nil
}
