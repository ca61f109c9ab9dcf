package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pewcast/internal/app"
)

const stopTimeout = 15 * time.Second

func newRootCommand() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "pewcast",
		Short:         "Broadcast messages and forward bundles to every group the bot is in",
		Example:       "pewcast run --config ./pewcast.yaml",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./pewcast.yaml", "path to config (json or yaml)")

	cmd.AddCommand(
		newRunCommand(&cfgPath),
		newSendCommand(&cfgPath),
		newRecallCommand(&cfgPath),
		newTargetsCommand(&cfgPath),
		newBlockCommand(&cfgPath, true),
		newBlockCommand(&cfgPath, false),
		newBlockedCommand(&cfgPath),
	)
	return cmd
}

func newRunCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon: transport, scheduled broadcasts, config hot reload",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDaemon(*cfgPath)
		},
	}
}

func runDaemon(cfgPath string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopAppStop
	select {
	case s := <-sigCh:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	fatal := a.Err()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return fatal
	}
	return nil
}

// withApp builds the app for a one-shot command, optionally connects the
// transport, and always stops it afterwards.
func withApp(cfgPath string, connect bool, fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopCommandEnd)
	}()

	if connect {
		if err := a.Connect(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, a)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
