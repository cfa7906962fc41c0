package daemon

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matheus3301/dfchat/internal/api"
	"github.com/matheus3301/dfchat/internal/backend"
	"github.com/matheus3301/dfchat/internal/bus"
	"github.com/matheus3301/dfchat/internal/config"
	"github.com/matheus3301/dfchat/internal/conn"
	"github.com/matheus3301/dfchat/internal/lock"
	"github.com/matheus3301/dfchat/internal/logging"
	"github.com/matheus3301/dfchat/internal/metrics"
	"github.com/matheus3301/dfchat/internal/outbox"
	"github.com/matheus3301/dfchat/internal/session"
	"github.com/matheus3301/dfchat/internal/status"
	"github.com/matheus3301/dfchat/internal/store"
	intsync "github.com/matheus3301/dfchat/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Config      *config.Config
	// Console mirrors the log file to stderr.
	Console bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideBackend,
			provideConnManager,
			provideSyncEngine,
			provideArchive,
			provideSessionService,
			provideChatService,
			provideMetricsServer,
			NewServer,
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: logger.Named("fx")}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:    session.LogPath(p.SessionName),
		Session: p.SessionName,
		Console: p.Console,
		Level:   zapcore.InfoLevel,
	})
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
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired", zap.String("instance", l.Holder().Instance))
	return l, nil
}

// provideStore depends on the lock so the cache is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CachePath(p.SessionName)
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

func provideBackend(p Params, logger *zap.Logger) *backend.Client {
	cfg := p.Config.Backend
	return backend.New(backend.Config{
		URL:     p.Config.APIURL,
		Timeout: cfg.Timeout.Duration,
		Rate:    cfg.Rate,
		Burst:   cfg.Burst,
	}, logger.Named("backend"))
}

func provideConnManager(p Params, m *status.Machine, logger *zap.Logger) *conn.Manager {
	rc := p.Config.Reconnect
	return conn.NewManager(conn.Options{
		URL:              p.Config.WSURL,
		HandshakeTimeout: rc.HandshakeTimeout.Duration,
		InitialInterval:  rc.InitialInterval.Duration,
		MaxInterval:      rc.MaxInterval.Duration,
		MaxElapsed:       rc.MaxElapsed.Duration,
	}, outbox.NewQueue(), m, logger.Named("conn"))
}

func provideSyncEngine(p Params, client *backend.Client, mgr *conn.Manager, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	tc := p.Config.Typing
	engine := intsync.NewEngine(client, mgr, b, logger.Named("sync"), intsync.Options{
		TypingTTL:       tc.TTL.Duration,
		KeepalivePeriod: tc.Keepalive.Duration,
		TypingIdle:      tc.Idle.Duration,
		RequestTimeout:  p.Config.Backend.Timeout.Duration,
	})
	mgr.SetHandler(engine)
	return engine
}

func provideArchive(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Archive {
	return intsync.NewArchive(db, b, logger.Named("archive"))
}

func provideSessionService(p Params, lk *lock.Lock, m *status.Machine, engine *intsync.Engine, mgr *conn.Manager, db *store.DB, b *bus.Bus, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(api.SessionDeps{
		SessionName:  p.SessionName,
		Instance:     lk.Holder().Instance,
		IdentityPath: session.IdentityPath(p.SessionName),
		Machine:      m,
		Engine:       engine,
		Conn:         mgr,
		DB:           db,
		Bus:          b,
		Logger:       logger.Named("api"),
	})
}

func provideChatService(p Params, engine *intsync.Engine, db *store.DB, b *bus.Bus, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(p.SessionName, engine, db, b, logger.Named("api"))
}

// provideMetricsServer returns nil when metrics are disabled.
func provideMetricsServer(p Params, m *status.Machine, logger *zap.Logger) (*metrics.Server, error) {
	if p.Config.MetricsAddr == "" {
		return nil, nil
	}
	return metrics.NewServer(p.Config.MetricsAddr, func() (string, bool) {
		state := m.Current()
		return string(state), state != status.Booting
	}, logger.Named("metrics"))
}

type lifecycleDeps struct {
	fx.In

	Params  Params
	Server  *Server
	Metrics *metrics.Server
	Lock    *lock.Lock
	DB      *store.DB
	Conn    *conn.Manager
	Engine  *intsync.Engine
	Archive *intsync.Archive
	Machine *status.Machine
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The archive subscribes before anything publishes chat events.
			d.Archive.Start(context.Background())

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			if d.Metrics != nil {
				go func() {
					if err := d.Metrics.Start(); err != nil {
						d.Logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}

			id, err := session.LoadIdentity(session.IdentityPath(d.Params.SessionName))
			if err != nil {
				if !errors.Is(err, session.ErrNoIdentity) {
					d.Logger.Warn("unreadable identity, login required", zap.Error(err))
				} else {
					d.Logger.Info("no identity found, login required")
				}
				_ = d.Machine.Transition(status.AuthRequired)
				return nil
			}

			d.Logger.Info("resuming session", zap.Int64("user_id", id.UserID))
			go d.Engine.Start(context.Background(), id)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Engine.Close()
			d.Conn.Disconnect()
			d.Server.Stop(ctx)
			if d.Metrics != nil {
				if err := d.Metrics.Stop(ctx); err != nil {
					d.Logger.Warn("error stopping metrics server", zap.Error(err))
				}
			}
			d.Archive.Stop()
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return nil
		},
	})
}
