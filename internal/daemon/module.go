// Package daemon composes the commdash daemon: config, store, Matrix
// adapter, sync engine, scheduler and the HTTP API, wired with fx.
package daemon

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lcarv/commdash/internal/api"
	"github.com/lcarv/commdash/internal/bus"
	"github.com/lcarv/commdash/internal/cache"
	"github.com/lcarv/commdash/internal/config"
	"github.com/lcarv/commdash/internal/home"
	"github.com/lcarv/commdash/internal/lock"
	"github.com/lcarv/commdash/internal/logging"
	"github.com/lcarv/commdash/internal/matrix"
	"github.com/lcarv/commdash/internal/metrics"
	"github.com/lcarv/commdash/internal/schedule"
	"github.com/lcarv/commdash/internal/status"
	"github.com/lcarv/commdash/internal/store"
	csync "github.com/lcarv/commdash/internal/sync"
)

// Params holds the flags resolved by the commdashd entrypoint.
type Params struct {
	ConfigPath string
	ListenAddr string // optional override for testing; empty = use config
}

// Module composes all daemon providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideAdapter,
			provideRegistry,
			provideMetrics,
			provideSyncEngine,
			provideReader,
			provideScheduler,
			provideAPIServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = home.ConfigPath()
	}
	cfg := config.Default()
	if _, err := os.Stat(path); err == nil {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cfg.Daemon.DataDir == "" {
		cfg.Daemon.DataDir = home.BaseDir()
	}
	if p.ListenAddr != "" {
		cfg.Daemon.ListenAddr = p.ListenAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(home.LogPath(cfg.Daemon.DataDir))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := home.EnsureDirs(cfg.Daemon.DataDir); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(cfg.Daemon.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("daemon lock acquired", zap.String("data_dir", cfg.Daemon.DataDir))
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	dbPath := home.DBPath(cfg.Daemon.DataDir)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideAdapter returns nil when the Matrix integration is disabled; the
// engine and API degrade to serving cached data only.
func provideAdapter(cfg *config.Config, logger *zap.Logger) (*matrix.Adapter, error) {
	if !cfg.Matrix.Enabled {
		logger.Info("matrix integration disabled, serving cache only")
		return nil, nil
	}
	return matrix.NewAdapter(cfg.Matrix, logger)
}

func provideRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func provideSyncEngine(db *store.DB, adapter *matrix.Adapter, b *bus.Bus, machine *status.Machine, met *metrics.Metrics, logger *zap.Logger, cfg *config.Config) *csync.Engine {
	var client csync.ChatClient
	if adapter != nil {
		client = adapter
	}
	return csync.NewEngine(db, client, b, machine, met, logger, csync.OptionsFromConfig(cfg))
}

func provideReader(db *store.DB) *cache.Reader {
	return cache.NewReader(db)
}

func provideScheduler(engine *csync.Engine, logger *zap.Logger, cfg *config.Config) *schedule.Scheduler {
	return schedule.New(engine, logger,
		time.Duration(cfg.Daemon.BackgroundIntervalMinutes)*time.Minute,
		time.Duration(cfg.Daemon.ConcurrentIntervalMinutes)*time.Minute)
}

func provideAPIServer(reader *cache.Reader, engine *csync.Engine, adapter *matrix.Adapter, machine *status.Machine, b *bus.Bus, reg *prometheus.Registry, logger *zap.Logger) *api.Server {
	var messenger api.Messenger
	if adapter != nil {
		messenger = adapter
	}
	return api.NewServer(reader, engine, messenger, machine, b, reg, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, adapter *matrix.Adapter, engine *csync.Engine, scheduler *schedule.Scheduler, machine *status.Machine, logger *zap.Logger, cfg *config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			if adapter == nil {
				_ = machine.Transition(status.Degraded)
				return nil
			}

			// Verify credentials before settling in.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				userID, err := adapter.WhoAmI(ctx)
				if err != nil {
					logger.Error("homeserver credential check failed", zap.Error(err))
					_ = machine.Transition(status.Degraded)
					return
				}
				logger.Info("authenticated to homeserver", zap.String("user_id", userID))
				_ = machine.Transition(status.Idle)

				res := engine.StartupSync(context.Background())
				logger.Info("startup sync finished",
					zap.String("status", string(res.Status)),
					zap.String("reason", res.Reason))
			}()

			scheduler.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
