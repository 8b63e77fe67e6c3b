// Package app assembles the store, the lending engine and the services on
// top of it into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"libranexus/lending/internal/activity"
	"libranexus/lending/internal/audit"
	"libranexus/lending/internal/catalog"
	"libranexus/lending/internal/clock"
	"libranexus/lending/internal/config"
	"libranexus/lending/internal/lending"
	"libranexus/lending/internal/membership"
	"libranexus/lending/internal/store"
	"libranexus/lending/internal/web"
)

// App holds every component built from one configuration.
type App struct {
	Config  config.Config
	DB      *store.DB
	Log     *activity.Log
	Engine  *lending.Engine
	Catalog catalog.Service
	Members membership.Service

	now    clock.Clock
	logger *slog.Logger
}

// Open connects to the configured store, migrates it when asked to and
// builds the components.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	sc := cfg.Store()
	sc.Logger = logger
	db, err := store.Open(ctx, sc)
	if err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return New(db, cfg, clock.System(), logger), nil
}

// New builds the components on an open store.
func New(db *store.DB, cfg config.Config, now clock.Clock, logger *slog.Logger) *App {
	log := activity.NewLog(db, now)
	engine := lending.NewEngine(db, log, now, lending.Config{
		LoanPeriod:  cfg.LoanPeriod,
		FineCents:   cfg.FineAmountCents,
		BorrowLimit: cfg.BorrowLimit,
	}, logger)

	return &App{
		Config:  cfg,
		DB:      db,
		Log:     log,
		Engine:  engine,
		Catalog: catalog.NewService(db, log, engine, now, logger),
		Members: membership.NewService(db, log, engine, now, logger),
		now:     now,
		logger:  logger,
	}
}

// Router serves the whole HTTP API.
func (a *App) Router() http.Handler {
	r := web.NewRouter(a.logger, web.NewRateLimiter(a.Config.RateLimitRPS, a.Config.RateLimitBurst))
	lending.NewHandler(a.Engine).Routes(r)
	catalog.NewHandler(a.Catalog, a.Engine).Routes(r)
	membership.NewHandler(a.Members).Routes(r)
	return r
}

// AuditTarget drives experiments against this process.
func (a *App) AuditTarget() audit.Local {
	return audit.Local{Catalog: a.Catalog, Members: a.Members, Engine: a.Engine}
}

// Invariants are the lending invariants checked against this store.
func (a *App) Invariants() []audit.Metric {
	return audit.Invariants(a.DB, a.Engine.Config().BorrowLimit)
}

// RunBackground runs the fine sweep and, when AMQP is configured, the
// activity relay until ctx is cancelled.
func (a *App) RunBackground(ctx context.Context) {
	var wg sync.WaitGroup

	if every := a.Config.FineSweepInterval; every > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.sweepEvery(ctx, every)
		}()
	}

	if a.Config.AMQPURL != "" {
		pub := activity.NewAMQPPublisher(a.Config.AMQPURL, a.Config.AMQPQueue, a.logger)
		relay := activity.NewRelay(a.Log, pub, "amqp:"+a.Config.AMQPQueue, a.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer pub.Close()
			if err := relay.Run(ctx, a.Config.RelayInterval); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("activity relay stopped", "error", err)
			}
		}()
	}

	wg.Wait()
}

func (a *App) sweepEvery(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Engine.Sweep(ctx)
			if err != nil {
				a.logger.Warn("fine sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("fine sweep", "fines_issued", n)
			}
		}
	}
}

// Close releases the store.
func (a *App) Close() error {
	return a.DB.Close()
}
