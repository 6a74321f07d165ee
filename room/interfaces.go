package room

// Broadcaster defines the interface for delivering encoded frames to sessions.
// This is defined here to break the import cycle between room and broadcast.
type Broadcaster interface {
	BroadcastToSessions(sessionIDs []string, data []byte)
}
