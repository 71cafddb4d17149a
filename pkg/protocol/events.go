package protocol

// ProtocolVersion is bumped whenever the gateway frame shape changes.
const ProtocolVersion = 1

// WebSocket event names pushed from the gateway to clients.
const (
	EventNotification  = "dispatch.notification"
	EventDispatch      = "dispatch.updated"
	EventServerStatus  = "server.status"
	EventProjectChange = "project.changed"
	EventHealth        = "health"
	EventConnected     = "connected"
)

// Event types emitted by agent-server streams (GET /event).
const (
	StreamServerConnected = "server.connected"
	StreamServerHeartbeat = "server.heartbeat"

	StreamSessionCreated   = "session.created"
	StreamSessionUpdated   = "session.updated"
	StreamSessionDeleted   = "session.deleted"
	StreamSessionStatus    = "session.status"
	StreamSessionIdle      = "session.idle"
	StreamSessionError     = "session.error"
	StreamSessionCompacted = "session.compacted"

	StreamMessageUpdated     = "message.updated"
	StreamMessageRemoved     = "message.removed"
	StreamMessagePartUpdated = "message.part.updated"
	StreamMessagePartRemoved = "message.part.removed"

	StreamPermissionUpdated = "permission.updated"
	StreamPermissionReplied = "permission.replied"
	StreamTodoUpdated       = "todo.updated"
	StreamFileEdited        = "file.edited"

	// StreamMessagePrefix marks every message-scoped event as relevant.
	StreamMessagePrefix = "message."
)

// Dispatch event subtypes (in payload.status).
const (
	DispatchPending   = "pending"
	DispatchSent      = "sent"
	DispatchCompleted = "completed"
	DispatchFailed    = "failed"
	DispatchCancelled = "cancelled"
)
