// pkg/cli/wrap.go

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/pam_io"
	"github.com/spf13/cobra"
)

// RunFunc is a command body running under a RuntimeContext.
type RunFunc func(rc *pam_io.RuntimeContext, cmd *cobra.Command, args []string) error

// Wrap adapts fn to cobra's RunE. The context is cancelled on SIGINT or
// SIGTERM, panics surface as errors and the outcome is logged on the span.
func Wrap(fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
		defer stop()

		rc := pam_io.NewContext(ctx, cmd.CommandPath())
		defer rc.End(&err)
		defer rc.HandlePanic(&err)

		rc.Attributes["command"] = cmd.CommandPath()
		return fn(rc, cmd, args)
	}
}
