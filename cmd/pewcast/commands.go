package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pewcast/internal/app"
	"pewcast/internal/services/broadcast"
	"pewcast/internal/transcode"
	"pewcast/internal/transport"
)

func newSendCommand(cfgPath *string) *cobra.Command {
	var (
		forwardID string
		exclude   string
		raw       bool
	)
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Broadcast text, a raw message or a stored forward bundle once",
		Example: `pewcast send "maintenance at 22:00"
pewcast send --forward-id 7300112233 --exclude 123456
pewcast send --raw '[{"type":"text","data":{"text":"hi"}},{"type":"at","data":{"qq":"all"}}]'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			var content transcode.Content
			switch {
			case forwardID != "" && text != "":
				return errors.New("give either text or --forward-id, not both")
			case forwardID != "":
				content = transcode.FromForwardID(forwardID)
			case strings.TrimSpace(text) == "":
				return errors.New("nothing to send")
			case raw:
				content = transcode.FromRaw([]byte(text))
			default:
				content = transcode.FromText(text)
			}

			task := broadcast.Task{Name: "cli", Content: content}
			if exclude != "" {
				t, err := transport.ParseTarget(exclude)
				if err != nil {
					return fmt.Errorf("--exclude: %w", err)
				}
				task.Exclude = &t
			}

			return withApp(*cfgPath, true, func(ctx context.Context, a *app.App) error {
				if !a.Broadcast().Enabled() {
					return errors.New("broadcasts are disabled (broadcast.enabled=false)")
				}
				rep, err := a.Broadcast().Broadcast(ctx, task)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), rep.Summary())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&forwardID, "forward-id", "", "id of a stored forward bundle to rebroadcast")
	cmd.Flags().StringVar(&exclude, "exclude", "", "target key to leave out (group or group:channel)")
	cmd.Flags().BoolVar(&raw, "raw", false, "treat the argument as a JSON message payload")
	return cmd
}

func newRecallCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "recall",
		Short: "Delete every message sent by the latest broadcast",
		Long:  "Recall reads the delivery ledger from storage, so it works against a broadcast sent by the daemon.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(*cfgPath, true, func(ctx context.Context, a *app.App) error {
				res := a.Broadcast().RecallLast(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), res.Summary())
				return nil
			})
		},
	}
}

func newTargetsCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List candidate targets and whether broadcasts reach them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(*cfgPath, true, func(ctx context.Context, a *app.App) error {
				states, err := a.ListTargets(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				enabled := 0
				for _, s := range states {
					state := "enabled"
					switch {
					case s.Static:
						state = "blocked (config)"
					case s.Blocked:
						state = "blocked"
					default:
						enabled++
					}
					fmt.Fprintf(out, "%-24s %-18s %s\n", s.Target.Key(), state, s.Target.Name)
				}
				fmt.Fprintf(out, "%d of %d targets enabled\n", enabled, len(states))
				return nil
			})
		},
	}
}

func newBlockCommand(cfgPath *string, blocked bool) *cobra.Command {
	use, short := "block <target>", "Stop broadcasts to a target"
	if !blocked {
		use, short = "unblock <target>", "Resume broadcasts to a target"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*cfgPath, false, func(ctx context.Context, a *app.App) error {
				if err := a.SetBlocked(ctx, args[0], blocked); err != nil {
					return err
				}
				verb := "blocked"
				if !blocked {
					verb = "unblocked"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, args[0])
				return nil
			})
		},
	}
}

func newBlockedCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "blocked",
		Short: "List blocked target keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(*cfgPath, false, func(ctx context.Context, a *app.App) error {
				keys, err := a.BlockedKeys(ctx)
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			})
		},
	}
}
