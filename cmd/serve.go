package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/internal/gateway"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane and its HTTP/WebSocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	setupLogging(os.Stdout)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	gw := gateway.NewServer(cfg, rt.bus, gateway.Deps{
		Projects:   rt.projects,
		Servers:    rt.servers,
		Router:     rt.router,
		Dispatcher: rt.dispatcher,
		Relay:      rt.relay,
	})

	slog.Info("conductor.started",
		"config", cfgPath,
		"projects", rt.projects.Len(),
		"servers", len(rt.servers.All()),
		"notifiers", rt.hub.Len(),
	)

	if err := rt.run(ctx, gw.Start); err != nil {
		return err
	}
	slog.Info("conductor.stopped")
	return nil
}
