package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lcarv/commdash/internal/bus"
	"github.com/lcarv/commdash/internal/matrix"
	"github.com/lcarv/commdash/internal/store"
)

// syncMemberships reconciles membership rows for rooms already present in
// the store, tier by tier. only restricts the pass to that room set when
// non-nil. Each room commits its own transaction: one room's failure is
// logged and the pass moves on.
func (e *Engine) syncMemberships(ctx context.Context, rapid bool, only []string, concurrency int64) (passStats, error) {
	var stats passStats

	rooms, err := e.db.ListRooms()
	if err != nil {
		return stats, fmt.Errorf("list cached rooms: %w", err)
	}
	if only != nil {
		keep := make(map[string]bool, len(only))
		for _, id := range only {
			keep[id] = true
		}
		filtered := rooms[:0]
		for _, r := range rooms {
			if keep[r.ID] {
				filtered = append(filtered, r)
			}
		}
		rooms = filtered
	}

	tiers := e.partitionCachedRooms(rooms)
	sem := semaphore.NewWeighted(concurrency)

	for t := tierCritical; t <= tierStandard; t++ {
		tierRooms := tiers[t]
		if len(tierRooms) == 0 {
			continue
		}
		results := make(chan roomOutcome, len(tierRooms))
		for _, room := range tierRooms {
			go func(room store.Room) {
				if err := sem.Acquire(ctx, 1); err != nil {
					results <- failedOutcome(err)
					return
				}
				defer sem.Release(1)
				results <- e.syncRoomMembers(ctx, room, t, rapid)
			}(room)
		}
		for i := 0; i < len(tierRooms); i++ {
			stats.add(<-results)
		}
	}

	e.logger.Info("membership sync finished",
		zap.Int("rooms", stats.roomsSynced),
		zap.Int("users", stats.usersSynced),
		zap.Int("memberships", stats.membershipsSynced),
		zap.Int("skipped", stats.roomsSkipped),
		zap.Int("errors", stats.roomsErrored))
	return stats, nil
}

// partitionCachedRooms buckets already-cached rooms into the same tiers as
// the room sync. ListRooms orders by member count descending, so the
// standard tier keeps the important-rooms-first ordering for free.
func (e *Engine) partitionCachedRooms(rooms []store.Room) map[tier][]store.Room {
	inTier := map[string]tier{}
	for _, id := range e.criticalRoomIDs() {
		inTier[id] = tierCritical
	}
	for _, id := range e.opts.ConfiguredRoomIDs {
		if _, ok := inTier[id]; !ok {
			inTier[id] = tierConfigured
		}
	}
	tiers := map[tier][]store.Room{}
	for _, r := range rooms {
		t, ok := inTier[r.ID]
		if !ok {
			t = tierStandard
		}
		tiers[t] = append(tiers[t], r)
	}
	return tiers
}

// syncRoomMembers fetches one room's member list and replaces its membership
// snapshot. The cheap staleness check compares the cached member count with
// the local membership row count; equality cannot detect "same count,
// different members" and is an accepted approximation.
func (e *Engine) syncRoomMembers(ctx context.Context, room store.Room, t tier, rapid bool) roomOutcome {
	if room.MemberCount < e.opts.MinRoomMembers && !t.exempt() {
		return skippedOutcome(skipBelowFloor)
	}

	if !rapid {
		rows, err := e.db.MembershipCount(room.ID)
		if err == nil && rows == room.MemberCount {
			return skippedOutcome(skipMembershipCurrent)
		}
	}

	members, err := e.client.RoomMembers(ctx, room.ID)
	if err != nil {
		e.logger.Warn("member list fetch failed",
			zap.String("room_id", room.ID),
			zap.String("tier", t.String()),
			zap.Error(err))
		return failedOutcome(err)
	}

	users, memberships, err := e.db.ReplaceRoomMembers(room.ID, toStoreMembers(members))
	if err != nil {
		e.logger.Error("membership replace failed", zap.String("room_id", room.ID), zap.Error(err))
		return failedOutcome(err)
	}

	out := syncedOutcome()
	out.users = users
	out.memberships = memberships
	return out
}

// SyncEntryRoom synchronously refreshes membership of the designated entry
// room under a hard timeout, for callers that cannot wait for a full pass.
// A deadline surfaces as StatusTimeout, not an error: proceed with the
// best available cached data.
func (e *Engine) SyncEntryRoom(ctx context.Context) *Result {
	if e.client == nil {
		return errorResult("matrix integration disabled")
	}
	roomID := e.opts.EntryRoomID
	if roomID == "" {
		return errorResult("entry room not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.EntryRoomTimeout)
	defer cancel()

	run, err := e.db.BeginSyncRun(store.SyncKindLightweight)
	if err != nil {
		return errorResult(fmt.Sprintf("open sync run: %v", err))
	}

	members, err := e.client.RoomMembers(ctx, roomID)
	if err != nil {
		e.closeRunFailed(run.SyncID, err.Error())
		if ctx.Err() != nil {
			e.logger.Warn("entry room sync timed out", zap.String("room_id", roomID))
			return &Result{Status: StatusTimeout, RoomID: roomID, SyncID: run.SyncID}
		}
		return &Result{Status: StatusFailed, RoomID: roomID, SyncID: run.SyncID, Error: err.Error()}
	}

	// The room row must exist before membership rows can reference it.
	if err := e.ensureRoomRow(ctx, roomID); err != nil {
		e.closeRunFailed(run.SyncID, err.Error())
		return &Result{Status: StatusFailed, RoomID: roomID, SyncID: run.SyncID, Error: err.Error()}
	}

	users, memberships, err := e.db.ReplaceRoomMembers(roomID, toStoreMembers(members))
	if err != nil {
		e.closeRunFailed(run.SyncID, err.Error())
		return &Result{Status: StatusFailed, RoomID: roomID, SyncID: run.SyncID, Error: err.Error()}
	}

	e.closeRunCompleted(run.SyncID, &Result{RoomsSynced: 1, UsersSynced: users, MembershipsSynced: memberships})
	e.logger.Info("entry room synced",
		zap.String("room_id", roomID),
		zap.Int("members", memberships))
	return &Result{
		Status:            StatusCompleted,
		RoomID:            roomID,
		SyncID:            run.SyncID,
		RoomsSynced:       1,
		UsersSynced:       users,
		MembershipsSynced: memberships,
	}
}

// BackgroundConcurrentSync refreshes only the critical and operator-configured
// rooms with a lower concurrency bound: a fast, low-cost pass over the
// known-important set without the cost of full discovery.
func (e *Engine) BackgroundConcurrentSync(ctx context.Context) *Result {
	if e.client == nil {
		return errorResult("matrix integration disabled")
	}

	targets := e.criticalRoomIDs()
	seen := make(map[string]bool, len(targets))
	for _, id := range targets {
		seen[id] = true
	}
	for _, id := range e.opts.ConfiguredRoomIDs {
		if !seen[id] {
			seen[id] = true
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		res := skipped(ReasonNoTargetRooms)
		e.publish(bus.KindSyncSkipped, res)
		return res
	}

	if !e.inProgress.CompareAndSwap(false, true) {
		res := skipped(ReasonSyncInProgress)
		e.publish(bus.KindSyncSkipped, res)
		return res
	}
	defer e.inProgress.Store(false)

	run, err := e.db.BeginSyncRun(store.SyncKindConcurrent)
	if err != nil {
		return errorResult(fmt.Sprintf("open sync run: %v", err))
	}
	start := time.Now()

	var stats passStats
	sem := semaphore.NewWeighted(e.opts.ConcurrentConcurrency)
	results := make(chan roomOutcome, len(targets))
	for _, roomID := range targets {
		go func(roomID string) {
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- failedOutcome(err)
				return
			}
			defer sem.Release(1)
			results <- e.refreshTargetRoom(ctx, roomID)
		}(roomID)
	}
	for i := 0; i < len(targets); i++ {
		stats.add(<-results)
	}

	cacheCount, err := e.db.RebuildUserCache(e.opts.BridgeUserPrefix)
	if err != nil {
		e.closeRunFailed(run.SyncID, err.Error())
		return &Result{Status: StatusFailed, SyncID: run.SyncID, Error: err.Error()}
	}

	result := &Result{
		Status:            StatusCompleted,
		SyncID:            run.SyncID,
		RoomsSynced:       stats.roomsSynced,
		UsersSynced:       stats.usersSynced,
		MembershipsSynced: stats.membershipsSynced,
		CacheUpdated:      cacheCount,
	}
	e.closeRunCompleted(run.SyncID, result)
	e.observeEnd(store.SyncKindConcurrent, result, time.Since(start))
	e.logger.Info("background concurrent sync completed",
		zap.Int("rooms", result.RoomsSynced),
		zap.Int("memberships", result.MembershipsSynced))
	return result
}

// refreshTargetRoom does a full fetch-and-reconcile for one known-important
// room: fresh details, then a membership replace. No skip heuristics; these
// rooms are synced because they matter, not because they look stale.
func (e *Engine) refreshTargetRoom(ctx context.Context, roomID string) roomOutcome {
	details, err := e.client.RoomDetails(ctx, roomID, false)
	if err != nil {
		e.logger.Warn("room details fetch failed", zap.String("room_id", roomID), zap.Error(err))
		return failedOutcome(err)
	}
	roomType := store.RoomTypePublic
	if details.IsDirect {
		roomType = store.RoomTypeDirect
	}
	if err := e.db.UpsertRoom(&store.Room{
		ID:          roomID,
		Name:        details.Name,
		Topic:       details.Topic,
		MemberCount: details.MemberCount,
		IsDirect:    details.IsDirect,
		RoomType:    roomType,
		LastSynced:  time.Now().UnixMilli(),
	}); err != nil {
		return failedOutcome(err)
	}

	members, err := e.client.RoomMembers(ctx, roomID)
	if err != nil {
		e.logger.Warn("member list fetch failed", zap.String("room_id", roomID), zap.Error(err))
		return failedOutcome(err)
	}
	users, memberships, err := e.db.ReplaceRoomMembers(roomID, toStoreMembers(members))
	if err != nil {
		return failedOutcome(err)
	}

	out := syncedOutcome()
	out.users = users
	out.memberships = memberships
	return out
}

// ensureRoomRow upserts a minimal room row if the room is not cached yet,
// using the cheap details fetch that skips member enumeration.
func (e *Engine) ensureRoomRow(ctx context.Context, roomID string) error {
	cached, err := e.db.GetRoom(roomID)
	if err != nil {
		return err
	}
	if cached != nil {
		return nil
	}
	details, err := e.client.RoomDetails(ctx, roomID, true)
	if err != nil {
		// Name and topic are cosmetic here; membership sync must not
		// fail because a state fetch did.
		e.logger.Warn("room details fetch failed", zap.String("room_id", roomID), zap.Error(err))
		details = &matrix.RoomDetails{}
	}
	return e.db.UpsertRoom(&store.Room{
		ID:         roomID,
		Name:       details.Name,
		Topic:      details.Topic,
		LastSynced: time.Now().UnixMilli(),
	})
}

func toStoreMembers(members map[string]matrix.Member) []store.Member {
	out := make([]store.Member, 0, len(members))
	for userID, m := range members {
		out = append(out, store.Member{UserID: userID, DisplayName: m.DisplayName})
	}
	return out
}
