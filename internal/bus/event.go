package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync engine.
const (
	KindSyncStarted   = "sync.started"
	KindSyncCompleted = "sync.completed"
	KindSyncFailed    = "sync.failed"
	KindSyncSkipped   = "sync.skipped"
	KindSyncRoom      = "sync.room"

	KindDaemonStatus = "daemon.status_changed"
)
