// Package events provides event types and subject utilities for the daemon's
// event system.
package events

// Event types for sessions
const (
	SessionCreated   = "session.created"
	SessionRunning   = "session.running"
	SessionCompleted = "session.completed"
	SessionFailed    = "session.failed"
	SessionCancelled = "session.cancelled"
	SessionTimedOut  = "session.timed_out"
	SessionEvicted   = "session.evicted"
)

// Event types for decoded stream messages
const (
	SessionStream = "session.stream" // Base subject for per-session decoded messages
	SessionError  = "session.error"  // Child-reported errors, published with high priority
)

// Event types for checkpoints
const (
	CheckpointCreated  = "checkpoint.created"
	CheckpointRestored = "checkpoint.restored"
	CheckpointBranched = "checkpoint.branched"
	CheckpointDeleted  = "checkpoint.deleted"
)

// Event types for child processes
const (
	ProcessRegistered   = "process.registered"
	ProcessUnregistered = "process.unregistered"
	ProcessOrphaned     = "process.orphaned"
	ProcessReused       = "process.reused"
	ProcessViolation    = "process.violation"
	ProcessAlert        = "process.alert"
	ProcessTerminated   = "process.terminated"
)

// Event types for binary resolution
const (
	BinaryResolved = "binary.resolved"
)

// BuildSessionStreamSubject creates a stream subject for a specific session
func BuildSessionStreamSubject(sessionID string) string {
	return SessionStream + "." + sessionID
}

// BuildSessionStreamWildcardSubject creates a wildcard subscription for all
// session stream events
func BuildSessionStreamWildcardSubject() string {
	return SessionStream + ".*"
}

// BuildSessionErrorSubject creates an error subject for a specific session
func BuildSessionErrorSubject(sessionID string) string {
	return SessionError + "." + sessionID
}

// BuildSessionErrorWildcardSubject creates a wildcard subscription for all
// session error events
func BuildSessionErrorWildcardSubject() string {
	return SessionError + ".*"
}

// BuildProcessSubject creates a process lifecycle subject for a specific process
func BuildProcessSubject(eventType, processID string) string {
	return eventType + "." + processID
}
