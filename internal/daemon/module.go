package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/wutzup/internal/api"
	"github.com/matheus3301/wutzup/internal/bus"
	"github.com/matheus3301/wutzup/internal/config"
	"github.com/matheus3301/wutzup/internal/connectivity"
	"github.com/matheus3301/wutzup/internal/conversation"
	"github.com/matheus3301/wutzup/internal/lifecycle"
	"github.com/matheus3301/wutzup/internal/lock"
	"github.com/matheus3301/wutzup/internal/logging"
	"github.com/matheus3301/wutzup/internal/mirror"
	"github.com/matheus3301/wutzup/internal/outbox"
	"github.com/matheus3301/wutzup/internal/profile"
	"github.com/matheus3301/wutzup/internal/store"
	"github.com/matheus3301/wutzup/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.wutzup/config.toml
	// Paths overrides the network path source; nil = poll host interfaces.
	Paths connectivity.PathSource
}

func (p Params) configPath() string {
	if p.ConfigPath != "" {
		return p.ConfigPath
	}
	return profile.ConfigPath()
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideMonitor,
			provideTransport,
			provideQueue,
			provideSender,
			provideConversations,
			provideCoordinator,
			provideMirror,
			provideControlService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(p.configPath())
	if err != nil {
		return nil, err
	}
	if cfg.BackendURL == "" {
		logger.Warn("no backend_url configured; messages will queue until one is set")
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// process that owns the profile.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

func provideMonitor(b *bus.Bus, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(b, logger)
}

func provideTransport(cfg *config.Config, logger *zap.Logger) *transport.Session {
	return transport.NewSession(transport.SessionConfig{
		URL:    cfg.BackendURL,
		Token:  cfg.Token,
		UserID: cfg.UserID,
	}, logger)
}

func queuePolicy(cfg *config.Config) outbox.Policy {
	return outbox.Policy{
		MaxAttempts:       cfg.Queue.MaxAttempts,
		Throttle:          cfg.Queue.Throttle.Duration,
		PollInterval:      cfg.Queue.PollInterval.Duration,
		FastFailPermanent: cfg.Queue.FastFailPermanent,
	}
}

func lifecycleConfig(cfg *config.Config) lifecycle.Config {
	d := lifecycle.DefaultConfig()
	return lifecycle.Config{
		GraceWindow:      cfg.Lifecycle.GraceWindow.Duration,
		CatchUpThreshold: cfg.Lifecycle.CatchUpThreshold.Duration,
		RecoveryDelay:    d.RecoveryDelay,
	}
}

func conversationOptions(cfg *config.Config) conversation.Options {
	return conversation.Options{
		UserID:       cfg.UserID,
		TypingTTL:    cfg.Conversation.TypingTTL.Duration,
		ReceiptDelay: cfg.Conversation.ReceiptDelay.Duration,
		FetchLimit:   cfg.Conversation.FetchLimit,
	}
}

func provideQueue(db *store.DB, monitor *connectivity.Monitor, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *outbox.Queue {
	return outbox.NewQueue(db, monitor, b, logger.Named("outbox"), queuePolicy(cfg))
}

func provideSender(q *outbox.Queue, t *transport.Session, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(q, t, b, logger.Named("outbox"))
}

func provideConversations(t *transport.Session, q *outbox.Queue, db *store.DB, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *conversation.Manager {
	return conversation.NewManager(conversation.Deps{
		Messages: t,
		Presence: t,
		Queue:    q,
		Cache:    db,
		Bus:      b,
		Logger:   logger.Named("conversation"),
	}, conversationOptions(cfg))
}

func provideCoordinator(mgr *conversation.Manager, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *lifecycle.Coordinator {
	return lifecycle.New(lifecycleConfig(cfg), lifecycle.Hooks{
		Pause:      mgr.PauseAll,
		Resume:     mgr.ResumeAll,
		Foreground: mgr.ForegroundAll,
		CatchUp:    mgr.CatchUpAll,
	}, b, logger.Named("lifecycle"))
}

func provideMirror(db *store.DB, b *bus.Bus, logger *zap.Logger) *mirror.Mirror {
	return mirror.New(db, b, logger.Named("mirror"))
}

func provideControlService(
	p Params,
	cfg *config.Config,
	db *store.DB,
	q *outbox.Queue,
	sender *outbox.Sender,
	mgr *conversation.Manager,
	coord *lifecycle.Coordinator,
	monitor *connectivity.Monitor,
	t *transport.Session,
	mir *mirror.Mirror,
	b *bus.Bus,
	logger *zap.Logger,
) *api.Service {
	return api.NewService(api.Options{
		Profile:       p.ProfileName,
		UserID:        cfg.UserID,
		DB:            db,
		Queue:         q,
		Sender:        sender,
		Conversations: mgr,
		Lifecycle:     coord,
		Network:       monitor,
		Backend:       t,
		Mirror:        mir,
		Bus:           b,
		Logger:        logger,
	})
}

// components groups everything registerLifecycle starts and stops.
type components struct {
	fx.In

	Params  Params
	Config  *config.Config
	Server  *Server
	Lock    *lock.Lock
	DB      *store.DB
	Monitor *connectivity.Monitor
	Session *transport.Session
	Queue   *outbox.Queue
	Sender  *outbox.Sender
	Manager *conversation.Manager
	Coord   *lifecycle.Coordinator
	Mirror  *mirror.Mirror
	Bus     *bus.Bus
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, c components) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The mirror subscribes first so no message event is missed.
			c.Mirror.Start(ctx)

			paths := c.Params.Paths
			if paths == nil {
				paths = &connectivity.InterfacePoller{
					Interval: c.Config.Connectivity.PollInterval.Duration,
					LowData:  c.Config.Connectivity.LowDataMode,
					Logger:   c.Logger.Named("connectivity"),
				}
			}
			c.Monitor.Start(ctx, paths)
			c.Coord.Start(ctx)
			c.Sender.Start(ctx)

			go func() {
				err := config.Watch(ctx, c.Params.configPath(), 250*time.Millisecond, c.Logger, func(cfg *config.Config) {
					c.Queue.SetPolicy(queuePolicy(cfg))
					c.Coord.SetConfig(lifecycleConfig(cfg))
					opts := conversationOptions(cfg)
					opts.UserID = c.Config.UserID
					c.Manager.SetOptions(opts)
					c.Bus.Emit(bus.KindConfigReloaded, cfg.Queue)
				})
				if err != nil {
					c.Logger.Warn("config watcher unavailable", zap.Error(err))
				}
			}()

			go func() {
				if err := c.Server.Start(); err != nil {
					c.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			c.Logger.Info("daemon started",
				zap.Int("queued", c.Queue.PendingCount()),
				zap.Bool("queue_degraded", c.Queue.Degraded()))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			c.Server.Stop(stopCtx)
			c.Coord.Stop()
			c.Sender.Stop()
			c.Manager.Shutdown()
			c.Monitor.Stop()
			c.Mirror.Stop()
			cancel()

			err := multierr.Combine(
				c.Session.Close(),
				c.DB.Close(),
				c.Lock.Release(),
			)
			if err != nil {
				c.Logger.Warn("errors during shutdown", zap.Error(err))
			}
			c.Logger.Info("daemon stopped")
			_ = c.Logger.Sync()
			return err
		},
	})
}
