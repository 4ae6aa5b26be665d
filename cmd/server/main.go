package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"vehicle-guard/internal/config"
	"vehicle-guard/pkg/log"
)

const (
	commandName = "vehicle-guard"
	commandDesc = `vehicle-guard ingests vehicle telemetry over HTTP and MQTT, keeps the latest
state of every vehicle, raises security alerts, dispatches remote commands
and streams all of it to dashboards over websockets.`
)

func newCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           commandName,
		Short:         "Run the vehicle security telemetry backend",
		Long:          commandDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			log.Init(cfg.Log)
			defer log.Sync()

			undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
				log.Info(fmt.Sprintf(format, args...))
			}))
			defer undo()
			if err != nil {
				log.Warn("Failed to set GOMAXPROCS", "error", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := newServer(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			return srv.Run(ctx)
		},
	}
	config.AddFlags(cmd.Flags())
	return cmd
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
