package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/internal/mcp"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve conductor tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd.Context())
		},
	}
}

func runMCP(parent context.Context) error {
	// stdout carries the MCP protocol; logs go to stderr.
	setupLogging(os.Stderr)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	s := mcp.NewServer(Version, mcp.Deps{
		Projects:   rt.projects,
		Servers:    rt.servers,
		Router:     rt.router,
		Dispatcher: rt.dispatcher,
		Relay:      rt.relay,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- rt.run(ctx) }()

	serveErr := mcp.ServeStdio(s)
	cancel()
	if err := <-errc; err != nil {
		return err
	}
	return serveErr
}
