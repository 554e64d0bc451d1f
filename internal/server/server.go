package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/retailops/walletledger/internal/cache"
	"github.com/retailops/walletledger/internal/config"
	"github.com/retailops/walletledger/internal/events"
	"github.com/retailops/walletledger/internal/infra"
	"github.com/retailops/walletledger/internal/ledger"
	"github.com/retailops/walletledger/internal/logging"
	"github.com/retailops/walletledger/internal/routes"
	"github.com/retailops/walletledger/internal/sweeper"
	"github.com/retailops/walletledger/internal/wallet"
)

// Server wraps the Fiber application, the wallet engine and the expiry sweeper.
type Server struct {
	app         *fiber.App
	cfg         config.Config
	logger      *slog.Logger
	sweeper     *sweeper.Sweeper
	stopSweeper context.CancelFunc
	closers     []func() error
}

// New composes the ledger store, the engine and its collaborators, then
// delegates route wiring to routes.Setup. db and rdb may be nil in dev.
func New(ctx context.Context, cfg config.Config, db *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	var store ledger.Store
	if db != nil {
		pg := ledger.NewPostgresStore(db, ledger.WithLockTimeout(cfg.LockTimeout))
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		store = pg
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory wallet store")
		store = ledger.NewInMemory(ledger.WithLockTimeout(cfg.LockTimeout))
	}

	var balances cache.BalanceCache = cache.Nop{}
	if rdb != nil {
		balances = cache.NewRedisBalanceCache(rdb, cfg.BalanceCacheTTL)
	}

	publisher, err := s.publisher(cfg, logger)
	if err != nil {
		return nil, err
	}

	retries := cfg.MaxConflictRetries
	if retries == 0 {
		retries = -1 // explicit zero disables retries
	}
	svc := wallet.NewService(store, wallet.Options{
		Cache:                   balances,
		Publisher:               publisher,
		Logger:                  logger,
		MaxConflictRetries:      retries,
		DefaultCreditExpiryDays: cfg.DefaultCreditExpiryDays,
		RecentTransactionsLimit: cfg.RecentTransactionsLimit,
	})

	s.sweeper = sweeper.New(store, svc, sweeper.Config{
		Interval:    cfg.SweepInterval,
		BatchSize:   cfg.SweepBatchSize,
		Concurrency: cfg.SweepConcurrency,
		Logger:      logger,
	})

	s.app = fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	if err := routes.Setup(s.app, routes.Deps{Cfg: cfg, DB: db, Cache: rdb, Logger: logger, Wallet: svc}); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Server) publisher(cfg config.Config, logger *slog.Logger) (events.Publisher, error) {
	if cfg.KafkaBrokers == "" {
		return events.NewLogPublisher(logging.With(logger, "events")), nil
	}
	writer, err := infra.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		return nil, fmt.Errorf("configure kafka: %w", err)
	}
	s.closers = append(s.closers, writer.Close)
	return events.NewKafkaPublisher(writer), nil
}

// Listen starts the expiry sweeper and then the HTTP server.
func (s *Server) Listen() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopSweeper = cancel
	go s.sweeper.Start(ctx)

	return s.app.Listen(s.cfg.Address())
}

// Shutdown stops the sweeper, drains HTTP and releases owned resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sweeper.Stop()
	if s.stopSweeper != nil {
		s.stopSweeper()
	}

	errs := []error{s.app.ShutdownWithContext(ctx)}
	for _, closeFn := range s.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}
