// Package schedule drives the periodic sync passes while the daemon runs.
package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	csync "github.com/lcarv/commdash/internal/sync"
)

// Scheduler triggers background full syncs and targeted concurrent
// refreshes on their own intervals. Both paths share the engine's
// in-progress guard, so overlapping ticks degrade to skips.
type Scheduler struct {
	engine *csync.Engine
	logger *zap.Logger

	backgroundEvery time.Duration
	concurrentEvery time.Duration

	cancel context.CancelFunc
}

func New(engine *csync.Engine, logger *zap.Logger, backgroundEvery, concurrentEvery time.Duration) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		engine:          engine,
		logger:          logger,
		backgroundEvery: backgroundEvery,
		concurrentEvery: concurrentEvery,
	}
}

// Start begins the periodic sync loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the loop. A pass already in flight finishes on its own.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	background := time.NewTicker(s.backgroundEvery)
	defer background.Stop()
	concurrent := time.NewTicker(s.concurrentEvery)
	defer concurrent.Stop()

	for {
		select {
		case <-background.C:
			res := s.engine.BackgroundSync(ctx, csync.BackgroundFreshnessWindow)
			s.logResult("background sync", res)
		case <-concurrent.C:
			res := s.engine.BackgroundConcurrentSync(ctx)
			s.logResult("concurrent refresh", res)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) logResult(pass string, res *csync.Result) {
	switch res.Status {
	case csync.StatusCompleted:
		s.logger.Info(pass+" completed",
			zap.Int("rooms", res.RoomsSynced),
			zap.Int("memberships", res.MembershipsSynced))
	case csync.StatusSkipped:
		s.logger.Debug(pass+" skipped", zap.String("reason", res.Reason))
	default:
		s.logger.Error(pass+" failed",
			zap.String("status", string(res.Status)),
			zap.String("error", res.Error))
	}
}
