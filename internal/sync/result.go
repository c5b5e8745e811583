package sync

// Status is the top-level outcome of a sync entry point. Failures surface
// here as values; nothing escapes to callers as a raw error.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusError     Status = "error"
)

// Skip reasons reported on Result.Reason.
const (
	ReasonSyncInProgress = "sync_in_progress"
	ReasonCacheFresh     = "cache_fresh"
	ReasonNoTargetRooms  = "no_target_rooms"
)

// Result is the structured outcome of a sync entry point.
type Result struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
	SyncID string `json:"sync_id,omitempty"`
	RoomID string `json:"room_id,omitempty"`

	RoomsSynced       int `json:"rooms_synced"`
	UsersSynced       int `json:"users_synced"`
	MembershipsSynced int `json:"memberships_synced"`
	CacheUpdated      int `json:"cache_updated"`
}

func skipped(reason string) *Result {
	return &Result{Status: StatusSkipped, Reason: reason}
}

func errorResult(msg string) *Result {
	return &Result{Status: StatusError, Error: msg}
}

// roomOutcome is the per-room result of a fetch-and-reconcile step. Skips are
// ordinary values with a reason, not control-flow exceptions.
type roomOutcome struct {
	code   outcomeCode
	reason skipReason
	err    error

	users       int
	memberships int
}

type outcomeCode int

const (
	outcomeSynced outcomeCode = iota
	outcomeSkipped
	outcomeFailed
)

type skipReason string

const (
	skipBelowFloor        skipReason = "below_floor"
	skipStableCount       skipReason = "stable_count"
	skipUnchanged         skipReason = "unchanged"
	skipBudgetExhausted   skipReason = "budget_exhausted"
	skipMembershipCurrent skipReason = "membership_current"
)

func syncedOutcome() roomOutcome {
	return roomOutcome{code: outcomeSynced}
}

func skippedOutcome(reason skipReason) roomOutcome {
	return roomOutcome{code: outcomeSkipped, reason: reason}
}

func failedOutcome(err error) roomOutcome {
	return roomOutcome{code: outcomeFailed, err: err}
}

// passStats aggregates per-room outcomes over one tiered pass.
type passStats struct {
	roomsSynced       int
	roomsSkipped      int
	roomsErrored      int
	usersSynced       int
	membershipsSynced int
}

func (s *passStats) add(o roomOutcome) {
	switch o.code {
	case outcomeSynced:
		s.roomsSynced++
	case outcomeSkipped:
		s.roomsSkipped++
	case outcomeFailed:
		s.roomsErrored++
	}
	s.usersSynced += o.users
	s.membershipsSynced += o.memberships
}

func (s *passStats) merge(other passStats) {
	s.roomsSynced += other.roomsSynced
	s.roomsSkipped += other.roomsSkipped
	s.roomsErrored += other.roomsErrored
	s.usersSynced += other.usersSynced
	s.membershipsSynced += other.membershipsSynced
}
