// Package sync implements the Matrix room/user cache synchronization engine:
// prioritized incremental sync passes over the homeserver's rooms and
// memberships, with staleness detection, bounded-concurrency fan-out and
// per-room transactional writes.
package sync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lcarv/commdash/internal/bus"
	"github.com/lcarv/commdash/internal/config"
	"github.com/lcarv/commdash/internal/matrix"
	"github.com/lcarv/commdash/internal/metrics"
	"github.com/lcarv/commdash/internal/status"
	"github.com/lcarv/commdash/internal/store"
)

// ChatClient is the capability set the engine needs from the homeserver.
// matrix.Adapter satisfies it; tests substitute a fake.
type ChatClient interface {
	ListJoinedRooms(ctx context.Context) ([]string, error)
	RoomDetails(ctx context.Context, roomID string, skipMemberCount bool) (*matrix.RoomDetails, error)
	RoomMembers(ctx context.Context, roomID string) (map[string]matrix.Member, error)
}

// Options holds the engine's tunables. Zero values fall back to the
// defaults in normalize.
type Options struct {
	MinRoomMembers   int
	StableCountDelta int
	RoomCap          int
	RapidRoomCap     int

	Budget           time.Duration
	RapidBudget      time.Duration
	EntryRoomTimeout time.Duration

	EntryRoomID        string
	DefaultRoomID      string
	BridgeStatusRoomID string
	BridgeUserPrefix   string
	ConfiguredRoomIDs  []string

	FullConcurrency       int64
	ConcurrentConcurrency int64
}

// OptionsFromConfig maps the operator configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	ids := make([]string, 0, len(cfg.Sync.Rooms))
	for _, r := range cfg.Sync.Rooms {
		ids = append(ids, r.RoomID)
	}
	return Options{
		MinRoomMembers:     cfg.Sync.MinRoomMembers,
		StableCountDelta:   cfg.Sync.StableCountDelta,
		RoomCap:            cfg.Sync.RoomCap,
		RapidRoomCap:       cfg.Sync.RapidRoomCap,
		Budget:             cfg.Sync.Budget(),
		RapidBudget:        cfg.Sync.RapidBudget(),
		EntryRoomTimeout:   cfg.Sync.EntryRoomTimeout(),
		EntryRoomID:        cfg.Sync.EntryRoomID,
		DefaultRoomID:      cfg.Sync.DefaultRoomID,
		BridgeStatusRoomID: cfg.Sync.BridgeStatusRoomID,
		BridgeUserPrefix:   cfg.Sync.BridgeUserPrefix,
		ConfiguredRoomIDs:  ids,
	}
}

func (o Options) normalize() Options {
	if o.RoomCap <= 0 {
		o.RoomCap = 50
	}
	if o.RapidRoomCap <= 0 {
		o.RapidRoomCap = 20
	}
	if o.Budget == 0 {
		o.Budget = 30 * time.Minute
	}
	if o.RapidBudget == 0 {
		o.RapidBudget = 10 * time.Minute
	}
	if o.EntryRoomTimeout <= 0 {
		o.EntryRoomTimeout = 5 * time.Second
	}
	if o.BridgeUserPrefix == "" {
		o.BridgeUserPrefix = "@signal_"
	}
	if o.FullConcurrency <= 0 {
		o.FullConcurrency = 10
	}
	if o.ConcurrentConcurrency <= 0 {
		o.ConcurrentConcurrency = 5
	}
	return o
}

// Engine mirrors the homeserver's rooms, users and memberships into the
// local store. It is the sole writer of the Matrix tables.
type Engine struct {
	db      *store.DB
	client  ChatClient
	fresh   *Freshness
	bus     *bus.Bus
	machine *status.Machine
	metrics *metrics.Metrics
	logger  *zap.Logger
	opts    Options

	// inProgress provides intra-process exclusion only. Two daemon
	// instances can still race; single-writer deployment is assumed.
	inProgress atomic.Bool
	// lastForced is the UnixNano of the previous forced sync, for the
	// rapid-manual-sync guard.
	lastForced atomic.Int64
}

// NewEngine creates a sync engine. machine and met may be nil.
func NewEngine(db *store.DB, client ChatClient, b *bus.Bus, machine *status.Machine, met *metrics.Metrics, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:      db,
		client:  client,
		fresh:   NewFreshness(db),
		bus:     b,
		machine: machine,
		metrics: met,
		logger:  logger,
		opts:    opts.normalize(),
	}
}

// Freshness exposes the engine's freshness policy for external callers.
func (e *Engine) Freshness() *Freshness {
	return e.fresh
}

// FullSync runs a complete pass: room sync, then user-and-membership sync,
// then the denormalized cache rebuild, in that order. With force set the
// freshness gate is bypassed; the in-progress guard never is.
func (e *Engine) FullSync(ctx context.Context, force bool) *Result {
	if e.client == nil {
		return errorResult("matrix integration disabled")
	}

	rapid := false
	if force {
		rapid = e.noteForced()
	}

	if !e.inProgress.CompareAndSwap(false, true) {
		res := skipped(ReasonSyncInProgress)
		e.publish(bus.KindSyncSkipped, res)
		return res
	}
	defer e.inProgress.Store(false)

	if !force && !rapid {
		fresh, err := e.fresh.IsFresh(BackgroundFreshnessWindow)
		if err != nil {
			e.logger.Warn("freshness check failed", zap.Error(err))
		} else if fresh {
			res := skipped(ReasonCacheFresh)
			e.publish(bus.KindSyncSkipped, res)
			return res
		}
	}

	run, err := e.db.BeginSyncRun(store.SyncKindFull)
	if err != nil {
		return errorResult(fmt.Sprintf("open sync run: %v", err))
	}

	e.transition(status.Syncing)
	e.publish(bus.KindSyncStarted, run.SyncID)
	e.observeStart()
	start := time.Now()
	e.logger.Info("full sync started",
		zap.String("sync_id", run.SyncID),
		zap.Bool("force", force),
		zap.Bool("rapid_manual", rapid))

	result := e.runFullPass(ctx, rapid)
	result.SyncID = run.SyncID
	e.observeEnd(store.SyncKindFull, result, time.Since(start))

	if result.Status == StatusFailed {
		e.closeRunFailed(run.SyncID, result.Error)
		e.transition(status.Degraded)
		e.publish(bus.KindSyncFailed, result)
		e.logger.Error("full sync failed", zap.String("sync_id", run.SyncID), zap.String("error", result.Error))
		return result
	}

	e.closeRunCompleted(run.SyncID, result)
	e.transition(status.Idle)
	e.publish(bus.KindSyncCompleted, result)
	e.logger.Info("full sync completed",
		zap.String("sync_id", run.SyncID),
		zap.Int("rooms", result.RoomsSynced),
		zap.Int("users", result.UsersSynced),
		zap.Int("memberships", result.MembershipsSynced),
		zap.Duration("elapsed", time.Since(start)))
	return result
}

// runFullPass executes the three stages. Room sync must complete before
// membership sync: membership rows reference the room rows it creates.
func (e *Engine) runFullPass(ctx context.Context, rapid bool) *Result {
	roomStats, err := e.syncRooms(ctx, rapid)
	if err != nil {
		return &Result{Status: StatusFailed, Error: err.Error()}
	}

	memberStats, err := e.syncMemberships(ctx, rapid, nil, e.opts.FullConcurrency)
	if err != nil {
		return &Result{Status: StatusFailed, Error: err.Error()}
	}

	cacheCount, err := e.db.RebuildUserCache(e.opts.BridgeUserPrefix)
	if err != nil {
		return &Result{Status: StatusFailed, Error: fmt.Sprintf("rebuild user cache: %v", err)}
	}

	return &Result{
		Status:            StatusCompleted,
		RoomsSynced:       roomStats.roomsSynced,
		UsersSynced:       memberStats.usersSynced,
		MembershipsSynced: memberStats.membershipsSynced,
		CacheUpdated:      cacheCount,
	}
}

// BackgroundSync checks freshness and, if stale, runs an unforced full sync.
// Intended to be scheduled off the request path.
func (e *Engine) BackgroundSync(ctx context.Context, maxAge time.Duration) *Result {
	fresh, err := e.fresh.IsFresh(maxAge)
	if err != nil {
		e.logger.Warn("freshness check failed", zap.Error(err))
	} else if fresh {
		res := skipped(ReasonCacheFresh)
		e.publish(bus.KindSyncSkipped, res)
		return res
	}
	return e.FullSync(ctx, false)
}

// StartupSync refreshes the cache once at boot with the short startup window.
func (e *Engine) StartupSync(ctx context.Context) *Result {
	return e.BackgroundSync(ctx, StartupFreshnessWindow)
}

// noteForced records a forced sync and reports whether it arrived within the
// rapid-manual window of the previous one.
func (e *Engine) noteForced() bool {
	now := time.Now()
	prev := e.lastForced.Swap(now.UnixNano())
	return prev > 0 && now.Sub(time.Unix(0, prev)) < rapidManualWindow
}

// criticalRoomIDs returns the fixed always-sync room set, in order, without
// empties or duplicates.
func (e *Engine) criticalRoomIDs() []string {
	var ids []string
	seen := map[string]bool{}
	for _, id := range []string{e.opts.EntryRoomID, e.opts.DefaultRoomID, e.opts.BridgeStatusRoomID} {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

func (e *Engine) closeRunCompleted(syncID string, r *Result) {
	// Best effort: a bookkeeping failure must never mask the sync outcome.
	if err := e.db.CompleteSyncRun(syncID, r.RoomsSynced, r.UsersSynced, r.MembershipsSynced); err != nil {
		e.logger.Warn("failed to close sync run", zap.String("sync_id", syncID), zap.Error(err))
	}
}

func (e *Engine) closeRunFailed(syncID, errText string) {
	if err := e.db.FailSyncRun(syncID, errText); err != nil {
		e.logger.Warn("failed to close sync run", zap.String("sync_id", syncID), zap.Error(err))
	}
}

func (e *Engine) transition(to status.State) {
	if e.machine == nil {
		return
	}
	if err := e.machine.Transition(to); err != nil {
		e.logger.Debug("state transition rejected", zap.Error(err))
	}
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, Payload: payload})
}

func (e *Engine) observeStart() {
	if e.metrics == nil {
		return
	}
	e.metrics.SyncInFlight.Set(1)
}

func (e *Engine) observeEnd(kind string, r *Result, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.SyncInFlight.Set(0)
	e.metrics.SyncPasses.WithLabelValues(kind, string(r.Status)).Inc()
	e.metrics.SyncDuration.Observe(elapsed.Seconds())
	e.metrics.RoomsSynced.Add(float64(r.RoomsSynced))
	e.metrics.UsersSynced.Add(float64(r.UsersSynced))
	e.metrics.MembershipsSynced.Add(float64(r.MembershipsSynced))
}
