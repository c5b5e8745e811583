package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lcarv/commdash/internal/bus"
	"github.com/lcarv/commdash/internal/store"
)

// Room tiers, processed strictly in order with a commit boundary after each
// tier: critical and configured data is durable even if the standard tier is
// cut short by the budget or a crash.
type tier int

const (
	tierCritical tier = iota
	tierConfigured
	tierStandard
)

func (t tier) String() string {
	switch t {
	case tierCritical:
		return "critical"
	case tierConfigured:
		return "configured"
	default:
		return "standard"
	}
}

// exempt reports whether rooms in this tier bypass the member-count floor.
func (t tier) exempt() bool {
	return t != tierStandard
}

// syncRooms fetches and upserts room metadata for the joined room set,
// partitioned into priority tiers. Only a room-list failure aborts the pass;
// individual room failures are logged and counted.
func (e *Engine) syncRooms(ctx context.Context, rapid bool) (passStats, error) {
	var stats passStats

	joined, err := e.client.ListJoinedRooms(ctx)
	if err != nil {
		return stats, fmt.Errorf("list joined rooms: %w", err)
	}

	cached, err := e.cachedRoomsByID()
	if err != nil {
		return stats, err
	}
	// No rooms cached yet: first pass against an empty store always
	// fetches fresh counts.
	initial := len(cached) == 0

	tiers := e.partitionRooms(joined, cached, rapid)

	budget := e.opts.Budget
	if rapid {
		budget = e.opts.RapidBudget
	}
	deadline := time.Now().Add(budget)

	for t := tierCritical; t <= tierStandard; t++ {
		rooms := tiers[t]
		if len(rooms) == 0 {
			continue
		}
		tierStats := e.syncRoomTier(ctx, t, rooms, cached, rapid, initial, deadline)
		stats.merge(tierStats)
	}

	e.logger.Info("room sync finished",
		zap.Int("synced", stats.roomsSynced),
		zap.Int("skipped", stats.roomsSkipped),
		zap.Int("errors", stats.roomsErrored))
	return stats, nil
}

// partitionRooms splits the joined room list into critical, configured and
// standard tiers. Standard rooms are ordered by previously cached member
// count descending and capped to bound total work per pass.
func (e *Engine) partitionRooms(joined []string, cached map[string]store.Room, rapid bool) map[tier][]string {
	inTier := map[string]tier{}
	for _, id := range e.criticalRoomIDs() {
		inTier[id] = tierCritical
	}
	for _, id := range e.opts.ConfiguredRoomIDs {
		if _, ok := inTier[id]; !ok {
			inTier[id] = tierConfigured
		}
	}

	tiers := map[tier][]string{}
	for _, id := range joined {
		t, ok := inTier[id]
		if !ok {
			t = tierStandard
		}
		tiers[t] = append(tiers[t], id)
	}

	standard := tiers[tierStandard]
	sort.SliceStable(standard, func(i, j int) bool {
		return cached[standard[i]].MemberCount > cached[standard[j]].MemberCount
	})
	limit := e.opts.RoomCap
	if rapid {
		limit = e.opts.RapidRoomCap
	}
	if len(standard) > limit {
		e.logger.Info("standard tier capped",
			zap.Int("joined", len(standard)),
			zap.Int("cap", limit))
		standard = standard[:limit]
	}
	tiers[tierStandard] = standard

	return tiers
}

// syncRoomTier fans out one tier's room fetches, bounded by the fetch
// semaphore, and joins them before returning so tiers commit in order. The
// standard tier stops launching work once the wall-clock deadline passes.
func (e *Engine) syncRoomTier(ctx context.Context, t tier, rooms []string, cached map[string]store.Room, rapid, initial bool, deadline time.Time) passStats {
	sem := semaphore.NewWeighted(e.opts.FullConcurrency)
	results := make(chan roomOutcome, len(rooms))
	launched := 0

	for _, roomID := range rooms {
		if t == tierStandard && time.Now().After(deadline) {
			remaining := len(rooms) - launched
			e.logger.Warn("sync budget exhausted, abandoning standard tier",
				zap.Int("rooms_skipped", remaining))
			for i := 0; i < remaining; i++ {
				results <- skippedOutcome(skipBudgetExhausted)
			}
			break
		}
		launched++
		go func(roomID string) {
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- failedOutcome(err)
				return
			}
			defer sem.Release(1)
			results <- e.syncRoom(ctx, roomID, t, cached, rapid, initial)
		}(roomID)
	}

	var stats passStats
	for i := 0; i < len(rooms); i++ {
		stats.add(<-results)
	}
	return stats
}

// syncRoom fetches one room's details and upserts its row. Returns a tagged
// outcome rather than using errors for skip decisions.
func (e *Engine) syncRoom(ctx context.Context, roomID string, t tier, cachedRooms map[string]store.Room, rapid, initial bool) roomOutcome {
	cached, known := cachedRooms[roomID]

	// Stable-count heuristic: when the cached count is usable and close to
	// the locally observed membership rows, skip the expensive fetch. A
	// rapid manual sync always prefers live data; an initial sync has
	// nothing cached to trust. The delta is a cost/freshness tunable, not
	// a correctness bound.
	if known && !rapid && !initial && cached.MemberCount > 0 {
		rows, err := e.db.MembershipCount(roomID)
		if err == nil && absDiff(cached.MemberCount, rows) < e.opts.StableCountDelta {
			return skippedOutcome(skipStableCount)
		}
	}

	details, err := e.client.RoomDetails(ctx, roomID, false)
	if err != nil {
		e.logger.Warn("room details fetch failed",
			zap.String("room_id", roomID),
			zap.String("tier", t.String()),
			zap.Error(err))
		return failedOutcome(err)
	}

	// Member-count floor: small rooms are noise unless the operator or the
	// critical set says otherwise.
	if details.MemberCount < e.opts.MinRoomMembers && !t.exempt() {
		return skippedOutcome(skipBelowFloor)
	}

	// Identical count and not a rapid sync: nothing worth writing.
	if known && cached.MemberCount == details.MemberCount && !rapid {
		return skippedOutcome(skipUnchanged)
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
		e.logger.Error("room upsert failed", zap.String("room_id", roomID), zap.Error(err))
		return failedOutcome(err)
	}

	e.publish(bus.KindSyncRoom, roomID)
	return syncedOutcome()
}

func (e *Engine) cachedRoomsByID() (map[string]store.Room, error) {
	rooms, err := e.db.ListRooms()
	if err != nil {
		return nil, fmt.Errorf("list cached rooms: %w", err)
	}
	byID := make(map[string]store.Room, len(rooms))
	for _, r := range rooms {
		byID[r.ID] = r
	}
	return byID, nil
}

func absDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
