// Package app wires every component (§5 "Composition") into a runnable
// marketplace: Store, Agent Registry, Job Queue, Settlement Pool,
// Scheduler, Lifecycle Controller, realtime Bus, and the API Server,
// following the teacher's app/config composition-root pattern.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/nodepool/marketplace/internal/clock"
	"github.com/nodepool/marketplace/internal/lifecycle"
	"github.com/nodepool/marketplace/internal/pkg/logger"
	"github.com/nodepool/marketplace/internal/queue"
	"github.com/nodepool/marketplace/internal/realtime/bus"
	"github.com/nodepool/marketplace/internal/registry"
	"github.com/nodepool/marketplace/internal/scheduler"
	"github.com/nodepool/marketplace/internal/server"
	"github.com/nodepool/marketplace/internal/settlement"
	"github.com/nodepool/marketplace/internal/store"
)

type App struct {
	cfg       Config
	log       *logger.Logger
	clock     clock.Clock
	store     store.Store
	registry  *registry.Registry
	queue     *queue.Queue
	pool      *settlement.Pool
	scheduler *scheduler.Scheduler
	lifecycle *lifecycle.Controller
	bus       *bus.Bus
	server    *server.Server
}

// New assembles the App. settlementImpl lets callers supply a real
// Settlement transport in production and settlement.NewMock() in tests;
// the composition root never decides that for itself.
func New(cfg Config, baseLog *logger.Logger, settlementImpl settlement.Settlement) (*App, error) {
	clk := clock.New()

	st, err := newStore(cfg, baseLog)
	if err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	var notifier *bus.Bus
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		notifier = bus.New(client, baseLog)
	}

	reg := registry.New(st, baseLog, clk, cfg.HeartbeatTimeout, cfg.DefaultMaxConcurrent)
	q := queue.New()
	pool := settlement.NewPool(settlementImpl, st, baseLog, clk, cfg.SettlementWorkers, settlement.DefaultBackoff)
	sched := scheduler.New(st, reg, q, pool, clk, baseLog, cfg.Scheduler, notifier)
	lc := lifecycle.New(st, reg, q, pool, clk, baseLog, cfg.DefaultMaxRetries, notifier)

	srv := server.New(server.Config{
		Addr:                cfg.Addr,
		AdminPassphraseHash: cfg.AdminPassphraseHash,
		AdminJWTSecret:      []byte(cfg.AdminJWTSecret),
	}, lc, reg, q, baseLog)

	return &App{
		cfg:       cfg,
		log:       baseLog.With("component", "App"),
		clock:     clk,
		store:     st,
		registry:  reg,
		queue:     q,
		pool:      pool,
		scheduler: sched,
		lifecycle: lc,
		bus:       notifier,
		server:    srv,
	}, nil
}

func newStore(cfg Config, baseLog *logger.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return store.NewPostgres(db, baseLog)
	default:
		return store.NewMemory(), nil
	}
}

// Run starts the maintenance loop and blocks serving HTTP until ctx is
// cancelled, then signals the maintenance loop to stop and drains in-flight
// HTTP requests (for up to 15s) before returning. It does not wait for a
// maintenance pass that is already running to finish.
func (a *App) Run(ctx context.Context) error {
	a.scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Run()
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
		a.scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (a *App) Server() *server.Server       { return a.server }
func (a *App) Lifecycle() *lifecycle.Controller { return a.lifecycle }
func (a *App) Registry() *registry.Registry { return a.registry }
func (a *App) Queue() *queue.Queue          { return a.queue }
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }
