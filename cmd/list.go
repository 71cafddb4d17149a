package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/internal/projects"
	"github.com/nextlevelbuilder/conductor/internal/servers"
	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

func projectsCmd() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List known projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []projects.Project
			if local {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				list = projects.Discover(cfg.ResolvedRoots(), cfg.Projects.MaxDepth)
			} else {
				c, err := newGatewayClient()
				if err != nil {
					return err
				}
				var res struct {
					Projects []projects.Project `json:"projects"`
				}
				if _, err := c.do(cmd.Context(), http.MethodGet, protocol.RouteProjects, nil, &res); err != nil {
					return err
				}
				list = res.Projects
			}
			rows := make([][]string, 0, len(list))
			for _, p := range list {
				rows = append(rows, []string{p.ID, p.Name, string(p.State), p.Path})
			}
			printTable(os.Stdout, []string{"ID", "NAME", "STATE", "PATH"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "scan the configured roots instead of asking the gateway")
	return cmd
}

func serversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List managed agent servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newGatewayClient()
			if err != nil {
				return err
			}
			var res struct {
				Servers []servers.ServerInfo `json:"servers"`
			}
			if _, err := c.do(cmd.Context(), http.MethodGet, protocol.RouteServers, nil, &res); err != nil {
				return err
			}
			rows := make([][]string, 0, len(res.Servers))
			for _, s := range res.Servers {
				checked := "-"
				if s.LastHealthCheck != nil {
					checked = time.Since(*s.LastHealthCheck).Round(time.Second).String() + " ago"
				}
				rows = append(rows, []string{
					string(s.Status), strconv.Itoa(s.PID), s.URL, strconv.Itoa(s.ConsecutiveFailures), checked, s.ProjectPath,
				})
			}
			printTable(os.Stdout, []string{"STATUS", "PID", "URL", "FAILS", "CHECKED", "PROJECT"}, rows)
			return nil
		},
	}
}
