// Package events defines the message kinds and NATS subjects used by the
// coordinator's session stream.
package events

// Message kinds carried on the session stream.
const (
	SessionCreated = "session_created"
	SessionUpdated = "session_updated"
	SessionDeleted = "session_deleted"
	EventAppended  = "event_appended"
)

// NATS subjects for the optional external mirror.
const (
	SubjectSessionCreated = "session.created"
	SubjectSessionUpdated = "session.updated"
	SubjectSessionDeleted = "session.deleted"
	SubjectEventAppended  = "session.event"
)

// Subject maps a message kind to its NATS subject.
func Subject(kind string) string {
	switch kind {
	case SessionCreated:
		return SubjectSessionCreated
	case SessionUpdated:
		return SubjectSessionUpdated
	case SessionDeleted:
		return SubjectSessionDeleted
	case EventAppended:
		return SubjectEventAppended
	}
	return "session.unknown"
}

// BuildSessionSubject creates a per-session subject for a message kind, so
// external consumers can subscribe to a single session's stream.
func BuildSessionSubject(kind, sessionID string) string {
	return Subject(kind) + "." + sessionID
}
