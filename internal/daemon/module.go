package daemon

import (
	"context"

	"github.com/matheus3301/bugle/internal/api"
	"github.com/matheus3301/bugle/internal/bus"
	"github.com/matheus3301/bugle/internal/config"
	"github.com/matheus3301/bugle/internal/datamodel"
	"github.com/matheus3301/bugle/internal/lock"
	"github.com/matheus3301/bugle/internal/logging"
	"github.com/matheus3301/bugle/internal/notify"
	"github.com/matheus3301/bugle/internal/participant"
	"github.com/matheus3301/bugle/internal/profile"
	"github.com/matheus3301/bugle/internal/status"
	"github.com/matheus3301/bugle/internal/store"
	intsync "github.com/matheus3301/bugle/internal/sync"
	"github.com/matheus3301/bugle/internal/telephony"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional; nil = load ~/.bugle/config.toml
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
			provideLock,
			provideStore,
			provideTelephony,
			provideOperations,
			provideCoordinator,
			notify.NewTray,
			provideNotifier,
			provideSyncEngine,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened by a second
// daemon of the same profile.
func provideStore(p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = profile.DBPath(p.Profile)
	}
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

// provideTelephony seeds the in-process provider from config. It serves
// contacts, subscriptions, thread recipients and message history until a
// device bridge replaces it.
func provideTelephony(cfg *config.Config) *telephony.Memory {
	mem := telephony.NewMemory()
	t := cfg.Telephony
	if t.Self != nil {
		mem.SetSelfProfile(contact(*t.Self))
	}
	for _, c := range t.Contacts {
		mem.AddContact(*contact(c))
	}
	for _, s := range t.Subscriptions {
		mem.AddSubscription(telephony.Subscription{
			SubID: s.SubID, SlotID: s.SlotID, Name: s.Name, Color: s.Color, Destination: s.Destination,
		})
	}
	return mem
}

func contact(c config.Contact) *telephony.Contact {
	return &telephony.Contact{
		ID:          c.ID,
		FullName:    c.FullName,
		FirstName:   c.FirstName,
		PhotoURI:    c.PhotoURI,
		Destination: c.Destination,
	}
}

func provideOperations(db *store.DB, mem *telephony.Memory, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *datamodel.Operations {
	resolver := participant.NewResolver(participant.NewCache(), mem, mem, logger)
	return datamodel.New(db, resolver, participant.NewNormalizer(cfg.Telephony.DefaultRegion), b, logger,
		datamodel.WithThreadRecipients(mem),
		datamodel.WithContentRemover(mem),
	)
}

// provideCoordinator also registers the coordinator as the insert observer
// so every store insert moves the sync high-water mark.
func provideCoordinator(db *store.DB, mem *telephony.Memory, ops *datamodel.Operations, cfg *config.Config) (*intsync.Coordinator, error) {
	coord, err := intsync.NewCoordinator(context.Background(), db, mem, cfg.Sync.FullSyncBackoff)
	if err != nil {
		return nil, err
	}
	ops.SetInsertObserver(coord)
	return coord, nil
}

func provideNotifier(db *store.DB, tray *notify.Tray, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *notify.Engine {
	n := cfg.Notifications
	return notify.NewEngine(db, tray, notify.FileLoader{Root: n.ImageRoot}, b, logger, notify.Config{
		Enabled:                  n.Enabled,
		Package:                  n.Package,
		Locale:                   n.Locale,
		MaxMessages:              n.MaxMessages,
		MaxMessagesWithCompanion: n.MaxMessagesWithCompanion,
		CompanionPaired:          n.CompanionPaired,
		TimeBetweenDings:         n.TimeBetweenDings,
		AvatarTimeout:            n.AvatarTimeout,
	})
}

func provideSyncEngine(ops *datamodel.Operations, coord *intsync.Coordinator, mem *telephony.Memory, notifier *notify.Engine,
	cfg *config.Config, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(ops, coord, mem, mem, notifier, b, logger, intsync.Options{
		BatchSize:       cfg.Sync.BatchSize,
		MaxBatchRetries: cfg.Sync.MaxBatchRetries,
		Interval:        cfg.Sync.Interval,
	})
}

func provideService(p Params, ops *datamodel.Operations, engine *intsync.Engine, notifier *notify.Engine, tray *notify.Tray,
	mem *telephony.Memory, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(api.Deps{
		Profile:  p.Profile,
		Ops:      ops,
		Sync:     engine,
		Notify:   notifier,
		Tray:     tray,
		Provider: mem,
		Machine:  machine,
		Bus:      b,
		Logger:   logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, engine *intsync.Engine, notifier *notify.Engine,
	machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			machine.Follow(ctx, b, logger)
			engine.Start(ctx)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Repost whatever was unseen when the daemon last stopped.
			if err := notifier.Update(ctx, 0, true, notify.CoverageAll); err != nil {
				logger.Warn("initial notification refresh failed", zap.Error(err))
			}
			return machine.Transition(status.Idle)
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			engine.Stop()
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
