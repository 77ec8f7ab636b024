// Package node wires one statistics node: store, notices, cache, engine,
// query facade, placeholder expansion and the HTTP surface.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/LaoMaoBoss/MultiSync-Stats/internal/engine"
	"github.com/LaoMaoBoss/MultiSync-Stats/internal/placeholder"
	"github.com/LaoMaoBoss/MultiSync-Stats/internal/query"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/cache"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/config"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/logger"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/notify"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/retry"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/server"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/store"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/store/memstore"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/store/postgres"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/store/sqlite"
)

// Service coordinates the components of one node
type Service struct {
	cfg       *config.AppConfig
	logger    *logger.Logger
	store     store.Backend
	bus       notify.Bus
	cache     *cache.Cache
	engine    *engine.Engine
	facade    *query.Facade
	expansion *placeholder.Expansion
	server    *server.Server
}

// OpenStore connects the configured backend and wraps it with transient retries
func OpenStore(ctx context.Context, cfg *config.AppConfig, l *logger.Logger) (store.Backend, error) {
	var (
		backend store.Backend
		err     error
	)
	switch cfg.Store.Driver {
	case "postgres":
		pg := cfg.Store.Postgres
		backend, err = postgres.New(ctx, postgres.Config{
			URI:             pg.URI,
			MinConns:        int32(pg.MinConns),
			MaxConns:        int32(pg.MaxConns),
			MaxConnLifetime: pg.MaxConnLifetime,
			MaxConnIdleTime: pg.MaxConnIdleTime,
		}, l.Named("postgres"))
	case "sqlite":
		backend, err = sqlite.Open(ctx, sqlite.Config{
			Path:        cfg.Store.SQLite.Path,
			BusyTimeout: cfg.Store.SQLite.BusyTimeout,
		})
	case "memory":
		backend = memstore.New()
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", config.ErrInvalid, cfg.Store.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}

	r := cfg.Store.Retry
	opts := retry.DefaultOptions()
	opts.MaxAttempts = r.MaxAttempts
	opts.InitialInterval = r.InitialInterval
	opts.MaxInterval = r.MaxInterval
	opts.Multiplier = r.Multiplier
	return store.WithRetry(backend, opts, l.Named("store")), nil
}

// OpenBus creates the configured change notice transport
func OpenBus(cfg *config.AppConfig, l *logger.Logger) notify.Bus {
	n := cfg.Notify
	switch n.Driver {
	case "redis":
		return notify.NewRedisBus(notify.RedisConfig{
			Addr:     n.Redis.Addr,
			Password: n.Redis.Password,
			DB:       n.Redis.DB,
			Channel:  n.Redis.Channel,
		}, cfg.Node.ID, l.Named("notify"))
	case "kafka":
		return notify.NewKafkaBus(notify.KafkaConfig{
			Brokers: n.Kafka.Brokers,
			Topic:   n.Kafka.Topic,
		}, cfg.Node.ID, l.Named("notify"))
	default:
		return notify.Nop{}
	}
}

// EngineConfig maps the sync section onto engine settings
func EngineConfig(cfg *config.AppConfig) engine.Config {
	s := cfg.Sync
	policy, err := stats.ParsePolicy(s.DefaultPolicy)
	if err != nil {
		policy = stats.PolicyLWW
	}
	return engine.Config{
		FlushInterval:   s.FlushInterval,
		PullInterval:    s.PullInterval,
		PullBatchSize:   s.PullBatchSize,
		PullOverlap:     s.PullOverlap,
		ResolveTimeout:  s.ResolveTimeout,
		DegradedAfter:   s.DegradedAfter,
		BackoffInitial:  s.BackoffInitial,
		BackoffMax:      s.BackoffMax,
		ShutdownGrace:   s.ShutdownGrace,
		WorkerCount:     s.WorkerCount,
		DefaultPolicy:   policy,
		RegistryRefresh: s.RegistryRefresh,
	}
}

// NewService opens the store and wires every component
func NewService(ctx context.Context, cfg *config.AppConfig, l *logger.Logger) (*Service, error) {
	if cfg.UsesDefaultNodeID() {
		l.Warn("node.id is not set, conflict tie-breaks assume every node has a distinct id",
			zap.String("node", cfg.Node.ID))
	}

	backend, err := OpenStore(ctx, cfg, l)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		logger: l,
		store:  backend,
		bus:    OpenBus(cfg, l),
		cache:  cache.New(stats.NewClock(cfg.Node.ID)),
	}
	s.engine = engine.New(EngineConfig(cfg), s.cache, s.store, s.bus, l.Named("engine"))
	s.facade = query.NewFacade(s.cache, s.engine, l.Named("query"))
	s.expansion = placeholder.New(cfg.Placeholder.Identifier, s.facade, s.engine)
	s.server = server.New(cfg.Server.Addr, s.facade, s.expansion, l.Named("server"))

	s.facade.OnStatus(func(st engine.Status) {
		l.Info("synchronization status changed", zap.Stringer("status", st))
	})
	return s, nil
}

// Facade returns the statistic surface for in-process game logic
func (s *Service) Facade() *query.Facade {
	return s.facade
}

// Placeholders returns the placeholder expansion
func (s *Service) Placeholders() *placeholder.Expansion {
	return s.expansion
}

// Start runs the node until ctx is done, then shuts it down
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting node",
		zap.String("store", s.cfg.Store.Driver),
		zap.String("notify", s.cfg.Notify.Driver))

	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- s.server.Start()
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-serverErr:
			if err != nil {
				runErr = fmt.Errorf("http server: %w", err)
			}
			break loop
		case <-hup:
			if err := s.Reload(ctx); err != nil {
				s.logger.Warn("reload failed", zap.Error(err))
			}
		}
	}

	shutdownErr := s.Shutdown(context.WithoutCancel(ctx))
	return errors.Join(runErr, shutdownErr)
}

// Reload re-reads the tracked statistics and runs a flush and pull right away.
// Other settings take effect on restart.
func (s *Service) Reload(ctx context.Context) error {
	s.logger.Info("reloading tracked statistics")
	if err := s.engine.RefreshRegistry(ctx); err != nil {
		return err
	}
	return errors.Join(s.engine.Flush(ctx), s.engine.Pull(ctx))
}

// Shutdown stops the HTTP surface, drains the engine and closes connections
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down node")

	errServer := s.server.Shutdown(ctx)
	errEngine := s.engine.Stop(ctx)
	errBus := s.bus.Close()
	errStore := s.store.Close()

	if errServer != nil || errEngine != nil || errBus != nil || errStore != nil {
		return fmt.Errorf("shutdown errors: server=%v, engine=%v, notify=%v, store=%v",
			errServer, errEngine, errBus, errStore)
	}
	return nil
}
