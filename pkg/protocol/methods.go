package protocol

// HTTP routes served by the gateway.
const (
	RouteHealth        = "/health"
	RouteWebSocket     = "/ws"
	RouteProjects      = "/v1/projects"
	RouteServers       = "/v1/servers"
	RouteRoute         = "/v1/route"
	RouteDispatch      = "/v1/dispatch"
	RouteDispatches    = "/v1/dispatches/"
	RouteNotifications = "/v1/notifications"
)

// MCP tool names exposed by `conductor mcp`.
const (
	ToolRouteMessage      = "route_message"
	ToolDispatchMessage   = "dispatch_message"
	ToolListProjects      = "list_projects"
	ToolListNotifications = "list_notifications"
)

// Frame is the JSON envelope written to WebSocket clients.
type Frame struct {
	Type    string      `json:"type"` // always "event" for now
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	Seq     int64       `json:"seq"`
}

// FrameTypeEvent is the only frame type the gateway pushes.
const FrameTypeEvent = "event"

// DispatchRequest is the body of POST /v1/dispatch and POST /v1/route.
type DispatchRequest struct {
	Message      string `json:"message"`
	Project      string `json:"project,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	NewSession   bool   `json:"new_session,omitempty"`
	StrategyHint string `json:"strategy_hint,omitempty"`
	TitleKeyword string `json:"title_keyword,omitempty"`
}
