// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// SessionCreateTimeout bounds a shared session/new call. It is detached
	// from any single caller so one cancelled request cannot fail the others.
	SessionCreateTimeout = 2 * time.Minute

	// ProcessStopGrace is how long a stopping agent gets after stdin closes
	// before its process group is signalled.
	ProcessStopGrace = 500 * time.Millisecond

	// ShutdownTimeout bounds graceful HTTP server and runtime shutdown.
	ShutdownTimeout = 10 * time.Second

	// PermissionTombstoneLimit is how many resolved permission ids are
	// remembered to reject duplicate answers.
	PermissionTombstoneLimit = 1024
)
