package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/signalcast/signalsync/internal/syncengine/schema"
	"github.com/signalcast/signalsync/internal/ui"
)

func newRespondCommand(a *app) *cobra.Command {
	var (
		user       string
		option     string
		skip       string
		useDefault bool
	)

	cmd := &cobra.Command{
		Use:     "respond <local-id>",
		GroupID: "signals",
		Short:   "Answer a signal",
		Long: `Answer a signal with one of its options, its default response, or a
reason for skipping it. A later answer by the same user replaces the earlier
one.`,
		Example: `  signalsync respond 3f2a... --option Yes
  signalsync respond 3f2a... --skip "on leave"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set := 0
			for _, given := range []bool{option != "", skip != "", useDefault} {
				if given {
					set++
				}
			}
			if set != 1 {
				return fmt.Errorf("give exactly one of --option, --skip or --default")
			}

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

			if user == "" {
				if id := eng.coord.Identity(); id != nil {
					user = id.Email
				}
			}
			resp := &schema.Response{SignalLocalID: sig.LocalID, UserID: user}
			switch {
			case option != "":
				text, ok := matchOption(sig, option)
				if !ok {
					return fmt.Errorf("signal %s has no option %q (options: %s)",
						sig.LocalID, option, strings.Join(sig.OptionTexts(), ", "))
				}
				resp.SelectedOption = text
			case skip != "":
				resp.SkipReason = skip
			default:
				if sig.DefaultResponse == "" {
					return fmt.Errorf("signal %s has no default response", sig.LocalID)
				}
				resp.SelectedOption = sig.DefaultResponse
				resp.IsDefault = true
			}

			if err := eng.coord.SubmitResponse(ctx, resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Success("Recorded response to %s", sig.LocalID))
			eng.syncAfter(ctx, cmd)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "responding user (default: logged-in user)")
	cmd.Flags().StringVar(&option, "option", "", "selected option text")
	cmd.Flags().StringVar(&skip, "skip", "", "reason for skipping")
	cmd.Flags().BoolVar(&useDefault, "default", false, "answer with the signal's default response")
	return cmd
}

// matchOption finds the option whose text equals text, ignoring case.
func matchOption(sig *schema.Signal, text string) (string, bool) {
	want := schema.NormalizeName(text)
	for _, opt := range sig.Options {
		if schema.NormalizeName(opt.Text) == want {
			return opt.Text, true
		}
	}
	return "", false
}
