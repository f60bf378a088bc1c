package interfaces

import "classsync/pkg/types"

// Connection represents a live client socket.
type Connection interface {
	// ID returns the process-unique connection id assigned at upgrade.
	ID() string

	// WriteJSON queues v for delivery. It must be safe for concurrent use.
	WriteJSON(v interface{}) error

	Close() error
}

// Notifier delivers a notification to a set of connections. Unknown or
// closed connection ids are skipped.
type Notifier interface {
	Notify(connIDs []string, n types.Notification)
}
