package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/friendica/friendica-go/internal/config"
	"github.com/friendica/friendica-go/internal/exauth"
	"github.com/friendica/friendica-go/internal/logger"
	"github.com/friendica/friendica-go/internal/settings"
)

// NewAuthEjabberdCommand creates the ejabberd external authentication bridge.
func NewAuthEjabberdCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "auth-ejabberd",
		Short: "Authenticate ejabberd users against this node",
		Long: `Speaks the ejabberd extauth protocol on stdin and stdout. Configure it
in ejabberd.yml as extauth_program.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := g.connect(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			auth := exauth.New(a.db, settings.NewPConfig(a.db, logger.Logger()), a.cfg.Hostname(), a.cfg.Jabber)
			a.cfg.Watch(func(c *config.Config, _ fsnotify.Event) {
				auth.SetDebug(c.Jabber.Debug)
			})
			return auth.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
