package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tallychat/tally/internal/auth"
	"github.com/tallychat/tally/internal/backend"
	"github.com/tallychat/tally/internal/bus"
	"github.com/tallychat/tally/internal/channel"
	"github.com/tallychat/tally/internal/config"
	"github.com/tallychat/tally/internal/convo"
	"github.com/tallychat/tally/internal/health"
	"github.com/tallychat/tally/internal/lifecycle"
	"github.com/tallychat/tally/internal/lock"
	"github.com/tallychat/tally/internal/logging"
	"github.com/tallychat/tally/internal/outbox"
	"github.com/tallychat/tally/internal/presence"
	"github.com/tallychat/tally/internal/send"
	"github.com/tallychat/tally/internal/session"
	"github.com/tallychat/tally/internal/status"
	"github.com/tallychat/tally/internal/store"
	intsync "github.com/tallychat/tally/internal/sync"
	"github.com/tallychat/tally/internal/tui"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the client, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("tally",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideSet,
			provideClient,
			provideAuthManager,
			provideHealth,
			provideCoreFactory,
			provideApp,
		),
		fx.Invoke(registerLifecycle),
		fx.NopLogger,
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	path := session.ConfigPath()
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	cfg = config.Default()
	if saveErr := config.Save(path, cfg); saveErr != nil {
		return nil, saveErr
	}
	logger.Info("wrote default config, backend coordinates must be filled in",
		zap.String("path", path))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
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

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.MirrorDBPath(p.SessionName)
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
	logger.Info("mirror initialized", zap.String("path", dbPath))
	return db, nil
}

func provideSet() *store.Set {
	return store.NewSet()
}

func provideClient(cfg *config.Config) *backend.Client {
	return backend.New(cfg.Backend.URL, cfg.Backend.AnonKey)
}

func provideAuthManager(client *backend.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *auth.Manager {
	return auth.New(client, db, b, logger)
}

func provideHealth(p Params, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *health.Server {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}
	return health.New(socketPath, machine, b, logger)
}

// provideCoreFactory wires the per-session delivery machinery. Built as
// a factory because everything in it needs the signed-in user's id.
func provideCoreFactory(client *backend.Client, db *store.DB, set *store.Set, b *bus.Bus, cfg *config.Config, logger *zap.Logger) tui.CoreFactory {
	return func(selfID string) *tui.Core {
		setTyping := func(on bool) {
			err := client.UpdateProfile(context.Background(), selfID, map[string]any{"is_typing": on})
			if err != nil {
				logger.Debug("typing flag write failed", zap.Error(err))
			}
		}
		cc := convo.New(selfID, b, cfg.Timing.TypingDebounce(), setTyping)

		subscribe := func(ctx context.Context, name, table, action string, onChange backend.ChangeHandler, onStatus backend.StatusHandler) (channel.Closer, error) {
			sub, err := client.Subscribe(ctx, name, table, action, onChange, onStatus)
			if err != nil {
				return nil, err
			}
			return sub, nil
		}
		channels := channel.New(subscribe, client, set, cc, b, logger,
			cfg.Timing.SubscribeDelay(), cfg.Timing.PollArmDelay(), cfg.Timing.PollInterval())

		return &tui.Core{
			Convo:    cc,
			Engine:   intsync.New(set, db, cc, b, logger),
			Pipeline: send.New(client, db, set, cc, b, logger),
			Queue:    outbox.New(db, client, cc, b, logger, cfg.Timing.RetrySweep()),
			Channels: channels,
			Monitor: presence.New(client, client, b, logger, selfID,
				cfg.Timing.ProbeInterval(), cfg.Timing.PresenceCooldown(),
				cfg.Quality.GoodBelow(), cfg.Quality.PoorBelow()),
			Recovery: lifecycle.New(db, set, cc, channels, client, client, b, logger,
				cfg.Timing.InitTimeout()),
		}
	}
}

func provideApp(p Params, b *bus.Bus, set *store.Set, client *backend.Client, authMgr *auth.Manager, machine *status.Machine, factory tui.CoreFactory, cfg *config.Config, logger *zap.Logger) *tui.App {
	return tui.NewApp(b, set, client, authMgr, machine, factory, cfg, logger, p.SessionName)
}

func registerLifecycle(lc fx.Lifecycle, shutdowner fx.Shutdowner, app *tui.App, hs *health.Server, authMgr *auth.Manager, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := hs.Start(context.Background()); err != nil {
				return err
			}
			go func() {
				if err := app.Run(); err != nil {
					logger.Error("tui exited", zap.Error(err))
				}
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			app.Stop()
			authMgr.Close()
			hs.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("mirror close failed", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}
