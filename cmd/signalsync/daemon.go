package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalcast/signalsync/internal/syncengine/daemon"
)

func newDaemonCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "daemon",
		GroupID: "sync",
		Short:   "Run the sync engine in the foreground",
		Long: `Run the sync engine until interrupted.

The daemon:
  - restores the saved login (see 'signalsync login')
  - syncs every sync.interval and whenever the backend reconnects
  - keeps the realtime channel open while online and awake
  - activates scheduled signals when their time comes
  - optionally serves a local dashboard (ws://localhost:<port>/ws)

The device state is read from host.activity_file when set; the file holds
one of active, idle, locked or sleeping.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.RequireBackend(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			d, err := daemon.New(daemon.FromConfig(a.cfg, store, a.logs))
			if err != nil {
				return err
			}
			if a.cfg.Dashboard.Enabled {
				fmt.Fprintf(cmd.ErrOrStderr(), "Dashboard: ws://localhost:%d/ws\n", a.cfg.Dashboard.Port)
			}
			return d.Start(ctx)
		},
	}

	cmd.Flags().Bool("dashboard", false, "serve the local dashboard")
	cmd.Flags().IntP("port", "p", 8080, "dashboard port")
	cmd.Flags().String("activity-file", "", "file holding the device state")
	return cmd
}
