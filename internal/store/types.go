package store

// Room kinds as stored in rooms.room_type.
const (
	RoomTypePublic = "public"
	RoomTypeDirect = "direct"
)

// Membership statuses. Join is the only status the engine maintains.
const MembershipJoin = "join"

// Sync run kinds.
const (
	SyncKindFull        = "full"
	SyncKindLightweight = "lightweight"
	SyncKindConcurrent  = "background_concurrent"
)

// Sync run statuses.
const (
	SyncRunning   = "running"
	SyncCompleted = "completed"
	SyncFailed    = "failed"
)

// Room represents a cached Matrix room. MemberCount is the authoritative
// snapshot from the last successful fetch and is only written as part of a
// room-sync unit of work.
type Room struct {
	ID          string
	Name        string
	Topic       string
	MemberCount int
	IsDirect    bool
	RoomType    string
	LastSynced  int64
}

// User represents a cached Matrix user.
type User struct {
	ID          string
	DisplayName string
	LastSeen    int64
}

// Membership links a user to a room.
type Membership struct {
	RoomID   string
	UserID   string
	Status   string
	JoinedAt int64
}

// Member is a room member as reported by the homeserver, used when
// replacing a room's membership snapshot.
type Member struct {
	UserID      string
	DisplayName string
}

// CachedUser is a row of the denormalized user_cache read model.
type CachedUser struct {
	UserID       string
	DisplayName  string
	RoomCount    int
	RoomNames    string
	IsBridgeUser bool
}

// SyncRun is an append-only record of one sync attempt.
type SyncRun struct {
	SyncID            string
	Kind              string
	Status            string
	StartedAt         int64
	FinishedAt        int64
	RoomsSynced       int
	UsersSynced       int
	MembershipsSynced int
	Error             string
}

// RoomDrift compares a room's cached member count against its actual
// membership row count. Diagnostic only, not used in the write path.
type RoomDrift struct {
	RoomID         string
	Name           string
	CachedCount    int
	MembershipRows int
	NeedsSync      bool
}
