// cmd/migrate/migrate.go

package migrate

import (
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/app"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/cli"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_io"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_postgres"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// MigrateCmd creates or updates the database tables.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the vault-pam tables in Postgres",
	Args:  cobra.NoArgs,
	RunE: cli.Wrap(func(rc *pam_io.RuntimeContext, cmd *cobra.Command, args []string) error {
		cfg, err := app.LoadConfig(cmd)
		if err != nil {
			return err
		}
		flush, err := app.Setup(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = flush(rc.Ctx) }()

		db, err := pam_postgres.Open(rc.Ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() {
			if err := pam_postgres.Close(db); err != nil {
				rc.Log.Warn("Failed to close postgres", zap.Error(err))
			}
		}()

		if err := pam_postgres.Migrate(rc.Ctx, db); err != nil {
			return err
		}
		rc.Log.Info("Database schema is up to date")
		return nil
	}),
}
