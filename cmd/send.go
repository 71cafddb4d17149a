package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/conductor/internal/dispatch"
	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

func sendCmd() *cobra.Command {
	var (
		req       protocol.DispatchRequest
		routeOnly bool
	)
	cmd := &cobra.Command{
		Use:   "send <message...>",
		Short: "Route a message to a project agent through the running gateway",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Message = strings.Join(args, " ")
			c, err := newGatewayClient()
			if err != nil {
				return err
			}
			if routeOnly {
				return runRoute(cmd.Context(), c, req)
			}
			return runSend(cmd.Context(), c, req)
		},
	}
	cmd.Flags().StringVarP(&req.Project, "project", "p", "", "project id or name (skips routing)")
	cmd.Flags().StringVar(&req.SessionID, "session", "", "send to this session id")
	cmd.Flags().BoolVar(&req.NewSession, "new", false, "always start a new session")
	cmd.Flags().StringVar(&req.TitleKeyword, "title", "", "prefer the session whose title contains this keyword")
	cmd.Flags().BoolVar(&routeOnly, "route-only", false, "only show where the message would go")
	return cmd
}

func runRoute(ctx context.Context, c *gatewayClient, req protocol.DispatchRequest) error {
	var res struct {
		ProjectID  string   `json:"projectId"`
		Confidence string   `json:"confidence"`
		Layer      int      `json:"layer"`
		Candidates []string `json:"candidates"`
		Cleaned    string   `json:"cleanedMessage"`
	}
	if _, err := c.do(ctx, http.MethodPost, protocol.RouteRoute, req, &res); err != nil {
		return err
	}
	if res.ProjectID == "" {
		fmt.Printf("no project determined; candidates: %s\n", strings.Join(res.Candidates, ", "))
		return nil
	}
	fmt.Printf("project: %s (confidence %s, layer %d)\nmessage: %s\n", res.ProjectID, res.Confidence, res.Layer, res.Cleaned)
	return nil
}

func runSend(ctx context.Context, c *gatewayClient, req protocol.DispatchRequest) error {
	var res struct {
		dispatch.HandleResult
		Error string `json:"error"`
	}
	status, err := c.do(ctx, http.MethodPost, protocol.RouteDispatch, req, &res)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusConflict:
		fmt.Printf("which project? candidates: %s\nretry with --project\n", strings.Join(res.Route.Candidates, ", "))
		return nil
	case res.Error != "":
		return fmt.Errorf("dispatch failed (%d): %s", status, res.Error)
	case res.Record == nil:
		return fmt.Errorf("unexpected gateway response (%d)", status)
	}
	rec := res.Record
	fmt.Printf("dispatched %s to %s, session %s", rec.ID, rec.ProjectName, rec.SessionID)
	if res.Target != nil {
		fmt.Printf(" (%s, %.2f)", res.Target.Strategy, res.Target.Confidence)
	}
	fmt.Println()
	return nil
}
