// cmd/users/users.go

package users

import (
	"fmt"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/app"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/cli"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_io"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_postgres"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/store"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/users"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/vault"
	cerr "github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// UsersCmd groups user directory commands.
var UsersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage the vault-pam user directory",
}

// SyncCmd copies Vault identity entities into the users table.
var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import Vault identity entities into the users table",
	Long: `List every identity entity with the server's Vault identity and upsert
it into Postgres. Disabled entities are skipped. Email addresses are taken
from the entity's "email" metadata key.`,
	Args: cobra.NoArgs,
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

		f, err := vault.NewFactory(cfg.Vault)
		if err != nil {
			return err
		}
		identity, err := vault.NewServerIdentity(rc.Ctx, f, cfg.Vault.Auth)
		if err != nil {
			return cerr.Wrap(err, "server vault identity")
		}

		res, err := users.Sync(rc.Ctx, identity.Client(), store.NewGormStore(db))
		fmt.Fprintf(cmd.OutOrStdout(), "synced %d entities, skipped %d\n", res.Synced, res.Skipped)
		return err
	}),
}

// SetEmailCmd sets the notification address of a synced user.
var SetEmailCmd = &cobra.Command{
	Use:   "set-email",
	Short: "Set the email address used to notify a user",
	Args:  cobra.NoArgs,
	RunE: cli.Wrap(func(rc *pam_io.RuntimeContext, cmd *cobra.Command, args []string) error {
		entityID, err := cli.GetRequiredString(cmd, "entity-id")
		if err != nil {
			return err
		}
		email, err := cli.GetRequiredString(cmd, "email")
		if err != nil {
			return err
		}
		if err := validator.New().Var(email, "email,max=320"); err != nil {
			return cerr.Newf("invalid email %q", email)
		}

		cfg, err := app.LoadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := pam_postgres.Open(rc.Ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() {
			if err := pam_postgres.Close(db); err != nil {
				rc.Log.Warn("Failed to close postgres", zap.Error(err))
			}
		}()

		u, err := store.NewGormStore(db).UpdateUserEmail(rc.Ctx, entityID, email)
		if err != nil {
			return cerr.Wrapf(err, "set email for %s", entityID)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) will be notified at %s\n", u.Name, u.EntityID, u.Email)
		return nil
	}),
}

func init() {
	cli.AddStringFlag(SetEmailCmd, "entity-id", "", "", "Vault identity entity ID", false)
	cli.AddStringFlag(SetEmailCmd, "email", "", "", "notification address", false)
	UsersCmd.AddCommand(SyncCmd, SetEmailCmd)
}
