// Package mcp exposes the control plane as Model Context Protocol tools.
package mcp

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/conductor/internal/dispatch"
	"github.com/nextlevelbuilder/conductor/internal/notify"
	"github.com/nextlevelbuilder/conductor/internal/projects"
	"github.com/nextlevelbuilder/conductor/internal/routing"
	"github.com/nextlevelbuilder/conductor/internal/servers"
)

// Deps are the components the tools call into.
type Deps struct {
	Projects   *projects.Registry
	Servers    *servers.Registry
	Router     *routing.Router
	Dispatcher *dispatch.Dispatcher
	Relay      *notify.Relay
}

const instructions = `conductor routes messages to the coding agents running in your projects.
Use route_message to preview where a message would go, dispatch_message to send it,
list_projects to see projects and server state, and list_notifications to read responses.`

// NewServer builds an MCP server with every conductor tool registered.
func NewServer(version string, deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"conductor",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	route := NewRouteTool(deps.Router)
	s.AddTool(route.Definition(), route.Handle)

	send := NewDispatchTool(deps.Dispatcher)
	s.AddTool(send.Definition(), send.Handle)

	list := NewProjectsTool(deps.Projects, deps.Servers)
	s.AddTool(list.Definition(), list.Handle)

	notes := NewNotificationsTool(deps.Relay)
	s.AddTool(notes.Definition(), notes.Handle)

	return s
}

// ServeStdio runs s over stdin/stdout until the client disconnects.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}
