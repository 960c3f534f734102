package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalcast/signalsync/internal/syncengine/schema"
	"github.com/signalcast/signalsync/internal/ui"
)

func newLabelCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "label",
		GroupID: "signals",
		Short:   "Manage labels",
	}
	cmd.AddCommand(newLabelCreateCommand(a), newLabelListCommand(a))
	return cmd
}

func newLabelCreateCommand(a *app) *cobra.Command {
	var color, description string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a label",
		Long: `Create a label. Names are unique ignoring case and may not contain
whitespace, '~' or '#'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			label, err := eng.coord.CreateLabel(ctx, &schema.Label{
				Name:        args[0],
				Color:       color,
				Description: description,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Success("Created label %s", label.Name))
			eng.syncAfter(ctx, cmd)
			return nil
		},
	}
	cmd.Flags().StringVar(&color, "color", "", "display color, e.g. #ff8800")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func newLabelListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List local labels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			labels, err := store.ListLabels(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Labels(labels))
			return nil
		},
	}
}
