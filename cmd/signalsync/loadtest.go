package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalcast/signalsync/internal/syncengine/db"
	"github.com/signalcast/signalsync/internal/syncengine/loadtest"
	"github.com/signalcast/signalsync/internal/ui"
)

func newLoadtestCommand(a *app) *cobra.Command {
	opts := loadtest.DefaultOptions()
	var path string

	cmd := &cobra.Command{
		Use:     "loadtest",
		GroupID: "maint",
		Short:   "Check the store under concurrent writers",
		Long: `Hammer a scratch store with concurrent signal and response upserts on a
shared key space, then check that it converged to one row per key.

The run uses a temporary database unless --path is given; it never touches
the configured store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				dir, err := os.MkdirTemp("", "signalsync-loadtest-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(dir)
				path = filepath.Join(dir, "load.db")
			}

			store, err := db.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()
			if err := store.InitSchemaContext(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d writers x %d upserts on %d keys, %d responders\n",
				opts.Writers, opts.WritesPerWriter, opts.Keys, opts.Users)

			result, err := loadtest.Run(ctx, store, opts)
			if err != nil {
				return err
			}
			result.Print(out)

			if err := loadtest.Verify(ctx, store); err != nil {
				return fmt.Errorf("store did not converge: %w", err)
			}
			fmt.Fprintln(out, ui.Success("Store converged: one row per key"))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.Writers, "writers", opts.Writers, "concurrent writers")
	flags.IntVar(&opts.Keys, "keys", opts.Keys, "distinct signals")
	flags.IntVar(&opts.WritesPerWriter, "writes", opts.WritesPerWriter, "upserts per writer")
	flags.IntVar(&opts.Users, "users", opts.Users, "responders")
	flags.Int64Var(&opts.Seed, "seed", opts.Seed, "random seed")
	flags.StringVar(&path, "path", "", "database path (default: temporary)")
	return cmd
}
