package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalcast/signalsync/internal/syncengine/backup"
	"github.com/signalcast/signalsync/internal/ui"
)

func newExportCommand(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "export",
		GroupID: "maint",
		Short:   "Write the local store as JSON Lines",
		Long: `Write every label, signal and response in the local store as JSON Lines,
one record per line. Responses follow the signal they answer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			w := cmd.OutOrStdout()
			toFile := output != "" && output != "-"
			if toFile {
				f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}

			result, err := backup.Export(ctx, store, w)
			if err != nil {
				return err
			}
			if toFile {
				fmt.Fprintln(cmd.OutOrStdout(), ui.Success("Exported %d labels, %d signals, %d responses to %s",
					result.Labels, result.Signals, result.Responses, output))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	return cmd
}

func newImportCommand(a *app) *cobra.Command {
	opts := backup.ImportOptions{}

	cmd := &cobra.Command{
		Use:     "import <file.jsonl>",
		GroupID: "maint",
		Short:   "Load a JSON Lines export into the local store",
		Long: `Load a JSON Lines export into the local store. Signals already known by
their cloud id are merged. Records that fail validation are reported and
skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			opts.From = args[0]
			result, err := backup.Import(ctx, store, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if result.BackupCreated != "" {
				fmt.Fprintf(out, "Backup written to %s\n", result.BackupCreated)
			}
			verb := "Imported"
			if opts.DryRun {
				verb = "Would import"
			}
			fmt.Fprintln(out, ui.Success("%s %d labels, %d signals, %d responses (%d merged)",
				verb, result.Labels, result.Signals, result.Responses, result.Merged))
			for _, msg := range result.Errors {
				fmt.Fprintln(out, ui.Warning("skipped %s", msg))
			}
			if len(result.Errors) > 0 {
				return fmt.Errorf("%d records skipped", len(result.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "validate without writing")
	cmd.Flags().BoolVar(&opts.Backup, "backup", true, "snapshot the store before writing")
	return cmd
}
