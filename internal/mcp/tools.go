package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/conductor/internal/dispatch"
	"github.com/nextlevelbuilder/conductor/internal/notify"
	"github.com/nextlevelbuilder/conductor/internal/projects"
	"github.com/nextlevelbuilder/conductor/internal/routing"
	"github.com/nextlevelbuilder/conductor/internal/servers"
	"github.com/nextlevelbuilder/conductor/internal/sessions"
	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

// RouteTool handles route_message.
type RouteTool struct {
	router *routing.Router
}

func NewRouteTool(router *routing.Router) *RouteTool { return &RouteTool{router: router} }

func (t *RouteTool) Definition() mcp.Tool {
	return mcp.NewTool(protocol.ToolRouteMessage,
		mcp.WithDescription("Decide which project a natural-language message is about without sending it."),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("The message to route"),
		),
	)
}

func (t *RouteTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	msg := req.GetString("message", "")
	if strings.TrimSpace(msg) == "" {
		return mcp.NewToolResultError("'message' is required"), nil
	}
	return jsonResult(t.router.Route(ctx, msg))
}

// DispatchTool handles dispatch_message.
type DispatchTool struct {
	dispatcher *dispatch.Dispatcher
}

func NewDispatchTool(d *dispatch.Dispatcher) *DispatchTool { return &DispatchTool{dispatcher: d} }

func (t *DispatchTool) Definition() mcp.Tool {
	return mcp.NewTool(protocol.ToolDispatchMessage,
		mcp.WithDescription(
			"Send a message to the agent working on a project. The project is inferred from the "+
				"message unless given; the session is picked from the project's recent sessions.",
		),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("The task or question for the agent"),
		),
		mcp.WithString("project",
			mcp.Description("Project id or name; skips routing"),
		),
		mcp.WithString("session_id",
			mcp.Description("Send to this exact session"),
		),
		mcp.WithBoolean("new_session",
			mcp.Description("Always start a new session"),
		),
		mcp.WithString("title_keyword",
			mcp.Description("Prefer the session whose title contains this keyword"),
		),
	)
}

func (t *DispatchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	msg := req.GetString("message", "")
	if strings.TrimSpace(msg) == "" {
		return mcp.NewToolResultError("'message' is required"), nil
	}
	opts := dispatch.HandleOptions{
		Project: req.GetString("project", ""),
		Overrides: sessions.Overrides{
			SessionID:    req.GetString("session_id", ""),
			NewSession:   req.GetBool("new_session", false),
			TitleKeyword: req.GetString("title_keyword", ""),
		},
	}
	res, err := t.dispatcher.HandleMessage(ctx, msg, opts)
	if err != nil {
		if errors.Is(err, dispatch.ErrProjectNotFound) || errors.Is(err, dispatch.ErrMaxConcurrent) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("dispatch failed: %v", err)), nil
	}
	if res.Record == nil {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Could not tell which project this is for. Candidates: %s. Retry with 'project' set.",
			strings.Join(res.Route.Candidates, ", "),
		)), nil
	}
	return jsonResult(res)
}

// ProjectsTool handles list_projects.
type ProjectsTool struct {
	projects *projects.Registry
	servers  *servers.Registry
}

func NewProjectsTool(p *projects.Registry, s *servers.Registry) *ProjectsTool {
	return &ProjectsTool{projects: p, servers: s}
}

func (t *ProjectsTool) Definition() mcp.Tool {
	return mcp.NewTool(protocol.ToolListProjects,
		mcp.WithDescription("List known projects and the status of their agent servers."),
	)
}

type projectView struct {
	projects.Project
	ServerStatus servers.Status `json:"serverStatus,omitempty"`
	ServerURL    string         `json:"serverUrl,omitempty"`
}

func (t *ProjectsTool) Handle(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	all := t.projects.All()
	out := make([]projectView, 0, len(all))
	for _, p := range all {
		v := projectView{Project: p}
		if t.servers != nil {
			if info, ok := t.servers.Get(p.Path); ok {
				v.ServerStatus = info.Status
				v.ServerURL = info.URL
			}
		}
		out = append(out, v)
	}
	return jsonResult(out)
}

// NotificationsTool handles list_notifications.
type NotificationsTool struct {
	relay *notify.Relay
}

func NewNotificationsTool(r *notify.Relay) *NotificationsTool { return &NotificationsTool{relay: r} }

func (t *NotificationsTool) Definition() mcp.Tool {
	return mcp.NewTool(protocol.ToolListNotifications,
		mcp.WithDescription("List responses that arrived from project agents since they were last cleared."),
		mcp.WithBoolean("clear",
			mcp.Description("Remove the listed notifications from the queue"),
		),
	)
}

func (t *NotificationsTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pending := t.relay.Pending()
	if len(pending) == 0 {
		return mcp.NewToolResultText("No pending notifications."), nil
	}
	var b strings.Builder
	for _, n := range pending {
		b.WriteString(notify.Format(n))
		b.WriteString("\n")
	}
	if req.GetBool("clear", false) {
		for _, n := range pending {
			t.relay.Clear(n.DispatchID)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}
