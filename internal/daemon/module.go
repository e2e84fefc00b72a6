package daemon

import (
	"context"
	"net/http"
	"slices"
	gosync "sync"

	"github.com/matheus3301/voipsms/internal/api"
	"github.com/matheus3301/voipsms/internal/bus"
	"github.com/matheus3301/voipsms/internal/config"
	"github.com/matheus3301/voipsms/internal/delivery"
	"github.com/matheus3301/voipsms/internal/lock"
	"github.com/matheus3301/voipsms/internal/logging"
	"github.com/matheus3301/voipsms/internal/metrics"
	"github.com/matheus3301/voipsms/internal/session"
	"github.com/matheus3301/voipsms/internal/status"
	"github.com/matheus3301/voipsms/internal/store"
	intsync "github.com/matheus3301/voipsms/internal/sync"
	"github.com/matheus3301/voipsms/internal/voipms"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	// Registerer receives the engine metrics; nil means the default registry.
	Registerer prometheus.Registerer
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideMetrics,
			provideLock,
			provideStore,
			provideProvider,
			provideCoordinator,
			provideDelivery,
			provideWatcher,
			provideService,
			NewServer,
			NewHooks,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Live, error) {
	cfg, err := config.Load(context.Background(), session.ConfigPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	return config.NewLive(cfg), nil
}

func provideLogger(p Params, live *config.Live) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, live.Get().Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideMetrics(p Params) *metrics.Metrics {
	reg := p.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return metrics.New(reg)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so no second daemon touches the database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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
		logger.Info("schema migrated", zap.Uint("from", result.From), zap.Uint("to", result.Version))
	} else {
		logger.Info("schema up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideProvider(live *config.Live, m *metrics.Metrics, logger *zap.Logger) *voipms.Client {
	cfg := live.Get().API
	return voipms.New(voipms.Options{
		BaseURL:     cfg.BaseURL,
		Credentials: live.Credentials,
		HTTPClient:  &http.Client{Timeout: cfg.Timeout},
		MaxRetries:  cfg.MaxRetries,
		Logger:      logger.Named("voipms"),
		Metrics:     m,
	})
}

func syncSettings(live *config.Live) intsync.SettingsFunc {
	return func() intsync.Settings {
		cfg := live.Get()
		return intsync.Settings{
			Lines:         cfg.Lines,
			Retention:     cfg.Retention(),
			PartialBuffer: cfg.Sync.PartialBuffer,
			Workers:       cfg.Sync.Workers,
			Interval:      cfg.Sync.Interval,
		}
	}
}

func provideCoordinator(db *store.DB, provider *voipms.Client, live *config.Live, b *bus.Bus, st *status.Machine, m *metrics.Metrics, logger *zap.Logger) *intsync.Coordinator {
	return intsync.NewCoordinator(intsync.Deps{
		DB:       db,
		Fetcher:  provider,
		Settings: syncSettings(live),
		Bus:      b,
		Status:   st,
		Metrics:  m,
		Logger:   logger.Named("sync"),
	})
}

func provideDelivery(db *store.DB, provider *voipms.Client, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *delivery.Machine {
	return delivery.NewMachine(db, provider, b, m, logger.Named("delivery"))
}

func provideWatcher(p Params, live *config.Live, logger *zap.Logger) *config.Watcher {
	return config.NewWatcher(session.ConfigPath(p.SessionName), live, nil, logger.Named("config"))
}

func provideService(p Params, db *store.DB, coord *intsync.Coordinator, d *delivery.Machine, st *status.Machine, b *bus.Bus, live *config.Live, logger *zap.Logger) *api.Service {
	return api.NewService(api.Deps{
		Session:     p.SessionName,
		DB:          db,
		Coordinator: coord,
		Delivery:    d,
		Status:      st,
		Bus:         b,
		Lines:       func() []string { return live.Get().Lines },
		Logger:      logger.Named("api"),
	})
}

type lifecycleParams struct {
	fx.In

	Server      *Server
	Hooks       *Hooks
	Lock        *lock.Lock
	DB          *store.DB
	Live        *config.Live
	Watcher     *config.Watcher
	Coordinator *intsync.Coordinator
	Delivery    *delivery.Machine
	Status      *status.Machine
	Logger      *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	ctx, cancel := context.WithCancel(context.Background())
	var bg gosync.WaitGroup
	logger := p.Logger

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if _, err := p.Delivery.RecoverInFlight(startCtx); err != nil {
				return err
			}
			if _, _, err := p.Coordinator.ApplyLines(startCtx, p.Live.Get().Lines); err != nil {
				return err
			}

			if err := p.Hooks.Start(); err != nil {
				return err
			}

			p.Watcher.OnChange(func(old, cfg *config.Config) {
				onConfigChange(ctx, &bg, p, old, cfg)
			})
			if err := p.Watcher.Start(); err != nil {
				logger.Warn("config hot reload disabled", zap.Error(err))
			}

			go func() {
				if err := p.Server.Serve(); err != nil {
					logger.Error("control socket server", zap.Error(err))
				}
			}()

			p.Coordinator.Start(ctx)
			bg.Add(1)
			go func() {
				defer bg.Done()
				initialSync(ctx, p)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := p.Hooks.Stop(stopCtx); err != nil {
				logger.Warn("hook server shutdown", zap.Error(err))
			}
			if err := p.Watcher.Close(); err != nil {
				logger.Warn("config watcher close", zap.Error(err))
			}
			p.Coordinator.Stop()
			bg.Wait()
			p.Server.Stop(stopCtx)
			if err := p.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// initialSync brings the store up to date after boot. Missing lines leave
// the daemon Ready with nothing to do; bad credentials surface as
// AuthRequired from the sync itself.
func initialSync(ctx context.Context, p lifecycleParams) {
	if len(p.Live.Get().Lines) == 0 {
		p.Logger.Warn("no lines configured, nothing to sync")
		_ = p.Status.Transition(status.Ready, "no lines configured")
		return
	}
	if _, err := p.Coordinator.Sync(ctx, intsync.Request{Mode: intsync.ModeFull}); err != nil && ctx.Err() == nil {
		p.Logger.Error("initial sync failed", zap.Error(err))
	}
}

// onConfigChange applies a reloaded config. A changed line set purges and
// syncs through ApplyLines; new credentials retry a sync that failed auth.
func onConfigChange(ctx context.Context, bg *gosync.WaitGroup, p lifecycleParams, old, cfg *config.Config) {
	linesChanged := !slices.Equal(sortedLines(old), sortedLines(cfg))
	credsChanged := old.API.Username != cfg.API.Username || old.API.Password != cfg.API.Password
	if !linesChanged && !(credsChanged && p.Status.Current() == status.AuthRequired) {
		return
	}
	bg.Add(1)
	go func() {
		defer bg.Done()
		if linesChanged {
			if _, _, err := p.Coordinator.ApplyLines(ctx, cfg.Lines); err != nil && ctx.Err() == nil {
				p.Logger.Error("apply line change", zap.Error(err))
			}
			return
		}
		if _, err := p.Coordinator.Sync(ctx, intsync.Request{Mode: intsync.ModeFull}); err != nil && ctx.Err() == nil {
			p.Logger.Error("sync after credential change", zap.Error(err))
		}
	}()
}

func sortedLines(cfg *config.Config) []string {
	if cfg == nil {
		return nil
	}
	lines := slices.Clone(cfg.Lines)
	slices.Sort(lines)
	return lines
}
