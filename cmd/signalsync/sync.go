package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/signalcast/signalsync/internal/syncengine/coordinator"
	"github.com/signalcast/signalsync/internal/syncengine/db"
	"github.com/signalcast/signalsync/internal/syncengine/remote"
	"github.com/signalcast/signalsync/internal/ui"
)

func newSyncCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "sync",
		GroupID: "sync",
		Short:   "Push pending changes and pull labels once",
		Long: `Run one sync pass against the backend:
  1. Push pending signals (create, edit, delete)
  2. Push pending responses
  3. Push pending labels and pull the backend's labels`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			if eng.coord.Identity() == nil {
				return coordinator.ErrNotAuthenticated
			}
			report, err := eng.coord.RunSync(ctx)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Report(report))
			return nil
		},
	}
}

// statusView is the machine-readable form of 'signalsync status'.
type statusView struct {
	Identity *remote.Identity `json:"identity" yaml:"identity"`
	Backend  string           `json:"backend" yaml:"backend"`
	Store    string           `json:"store" yaml:"store"`
	Stats    *db.Stats        `json:"stats" yaml:"stats"`
}

func newStatusCommand(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: "sync",
		Short:   "Show the login and local store counters",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			session, err := coordinator.LoadSession(ctx, store)
			if err != nil {
				return err
			}
			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}

			view := statusView{Backend: a.cfg.Backend.URL, Store: store.Path(), Stats: stats}
			if session != nil {
				view.Identity = &session.Identity
			}

			out := cmd.OutOrStdout()
			switch format {
			case "yaml":
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				if err := enc.Encode(view); err != nil {
					return err
				}
				return enc.Close()
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			case "text":
				fmt.Fprint(out, ui.Status(view.Identity, stats))
				return nil
			default:
				return fmt.Errorf("invalid format %q: must be text, yaml or json", format)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format (text|yaml|json)")
	return cmd
}
