// Package events names the events the runtime broadcasts and wires the bus.
package events

// Event types. The gateway forwards each as {"type":"<event>",...data}.
const (
	SessionUpdate      = "session_update"
	SessionRecovered   = "session_recovered"
	PermissionRequest  = "permission_request"
	PermissionResolved = "permission_resolved"
	AgentInitialized   = "agent_initialized"
	AgentStderr        = "agent_stderr"
	AgentExit          = "agent_exit"
	TerminalOutput     = "terminal_output"
	TerminalExit       = "terminal_exit"
)

// Event sources.
const (
	SourceLifecycle  = "lifecycle"
	SourceSession    = "session"
	SourcePermission = "permission"
	SourceTerminal   = "terminal"
	SourceAgent      = "agent"
)

// SubjectPrefix namespaces bridge events on the bus.
const SubjectPrefix = "acp."

// SubjectAll matches every bridge event.
const SubjectAll = SubjectPrefix + ">"

// Subject returns the bus subject for an event type.
func Subject(eventType string) string {
	return SubjectPrefix + eventType
}
