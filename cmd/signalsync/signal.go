package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/signalcast/signalsync/internal/syncengine/schema"
	"github.com/signalcast/signalsync/internal/ui"
)

func newSignalCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "signal",
		GroupID: "signals",
		Short:   "Create, list, edit and delete signals",
	}
	cmd.AddCommand(
		newSignalCreateCommand(a),
		newSignalListCommand(a),
		newSignalEditCommand(a),
		newSignalDeleteCommand(a),
		newSignalResultsCommand(a),
	)
	return cmd
}

// signalFlags are the content flags shared by create and edit.
type signalFlags struct {
	question    string
	options     []string
	consumers   []string
	labels      []string
	deadline    string
	schedule    string
	defaultResp string
	anonymous   bool
	showDefault bool
	finalAlert  bool
}

func (f *signalFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.question, "question", "q", "", "question to ask")
	flags.StringArrayVarP(&f.options, "option", "o", nil, "answer option (repeat for each option)")
	flags.StringSliceVarP(&f.consumers, "consumer", "c", nil, "consumer email (repeatable, comma separated)")
	flags.StringSliceVar(&f.labels, "label", nil, "label name (repeatable)")
	flags.StringVar(&f.deadline, "deadline", "in 1 hour", `deadline, e.g. "in 2 hours", "tomorrow at 9am", 90m or RFC 3339`)
	flags.StringVar(&f.schedule, "schedule", "", "publish later, same formats as --deadline")
	flags.StringVar(&f.defaultResp, "default", "", "response recorded for consumers who do not answer")
	flags.BoolVar(&f.anonymous, "anonymous", false, "do not record who answered what")
	flags.BoolVar(&f.showDefault, "show-default", false, "show the default response to consumers")
	flags.BoolVar(&f.finalAlert, "final-alert", false, "keep the final reminder on screen until answered")
}

// apply copies the flags the user set onto sig.
func (f *signalFlags) apply(cmd *cobra.Command, sig *schema.Signal, now time.Time) error {
	changed := cmd.Flags().Changed
	if changed("question") {
		sig.Question = f.question
	}
	if changed("option") {
		sig.Options = schema.OptionsFromTexts(f.options)
	}
	if changed("consumer") {
		sig.Consumers = f.consumers
	}
	if changed("label") {
		sig.Labels = f.labels
	}
	if changed("deadline") || sig.Deadline.IsZero() {
		t, err := parseTime(f.deadline, now)
		if err != nil {
			return fmt.Errorf("invalid --deadline: %w", err)
		}
		sig.Deadline = t
	}
	if changed("schedule") {
		t, err := parseTime(f.schedule, now)
		if err != nil {
			return fmt.Errorf("invalid --schedule: %w", err)
		}
		sig.ScheduledFor = &t
	}
	if changed("default") {
		sig.DefaultResponse = f.defaultResp
	}
	if changed("anonymous") {
		sig.AnonymityMode = schema.AnonymityRecord
		if f.anonymous {
			sig.AnonymityMode = schema.AnonymityAnonymous
		}
	}
	if changed("show-default") {
		sig.ShowDefaultToConsumers = f.showDefault
	}
	if changed("final-alert") {
		sig.IsPersistentFinalAlert = f.finalAlert
	}
	return nil
}

func newSignalCreateCommand(a *app) *cobra.Command {
	f := &signalFlags{}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a signal",
		Example: `  signalsync signal create -q "Deploy at 5?" -o Yes -o No -c ops@example.com
  signalsync signal create -q "Retro topics?" -o Process -o Tooling --schedule "tomorrow at 9am" --deadline "tomorrow at 5pm"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			draft := &schema.Signal{}
			if err := f.apply(cmd, draft, time.Now()); err != nil {
				return err
			}
			if draft.ScheduledFor != nil && !draft.Deadline.After(*draft.ScheduledFor) {
				return fmt.Errorf("--deadline must be after --schedule")
			}

			sig, err := eng.coord.CreateSignal(ctx, draft)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Success("Created signal %s", sig.LocalID))
			if sig.Status != schema.StatusScheduled {
				eng.syncAfter(ctx, cmd)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newSignalListCommand(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List local signals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			signals, err := store.ListSignalsContext(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case "text":
				fmt.Fprintln(out, ui.Signals(signals, time.Now()))
				return nil
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(signals)
			case "yaml":
				return yaml.NewEncoder(out).Encode(signals)
			default:
				return fmt.Errorf("invalid format %q: must be text, yaml or json", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format (text|yaml|json)")
	return cmd
}

func newSignalEditCommand(a *app) *cobra.Command {
	f := &signalFlags{}
	var republish bool

	cmd := &cobra.Command{
		Use:   "edit <local-id>",
		Short: "Edit a signal",
		Long: `Edit a signal. Only the flags given are changed.

With --republish, every answer collected so far is discarded locally and on
the backend, and consumers are asked again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			sig, err := eng.store.GetSignalContext(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to load signal %s: %w", args[0], err)
			}
			if err := f.apply(cmd, sig, time.Now()); err != nil {
				return err
			}
			if _, err := eng.coord.EditSignal(ctx, sig, republish); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Success("Updated signal %s", sig.LocalID))
			eng.syncAfter(ctx, cmd)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&republish, "republish", false, "discard collected answers and ask again")
	return cmd
}

func newSignalDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <local-id>",
		Short: "Delete a signal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.coord.DeleteSignal(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Success("Deleted signal %s", args[0]))
			eng.syncAfter(ctx, cmd)
			return nil
		},
	}
}

func newSignalResultsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "results <local-id>",
		Short: "Show the backend's tally for a signal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			results, err := eng.coord.FetchResults(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), ui.Results(results))
			return nil
		},
	}
}
