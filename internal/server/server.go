package server

import (
	"context"
	"errors"
	"time"

	"github.com/coder/quartz"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"colorspin/internal/cache"
	"colorspin/internal/config"
	"colorspin/internal/database"
	"colorspin/internal/game"
	"colorspin/internal/store"
)

type FiberServer struct {
	*fiber.App

	cfg      *config.Config
	db       database.Service
	cache    cache.Service
	store    store.Store
	hub      *game.Hub
	delivery *game.Delivery
	guard    *game.Guard
	engine   *game.Engine
	monitor  *game.Monitor
}

func New() *FiberServer {
	cfg := config.Load()
	clock := quartz.NewReal()

	db := database.New()
	st := store.New(db)

	// Redis is optional: without it, snapshots and session mirroring
	// are skipped and everything reads from Postgres.
	redisService := cache.New()
	var (
		mirror    game.SessionMirror
		snapshots game.SnapshotCache
	)
	if redisService != nil {
		mirror = redisService
		snapshots = redisService
	}

	hub := game.NewHub()
	delivery := game.NewDelivery(hub, clock, cfg.DeliveryTimeout, cfg.DeliveryMaxRetries, cfg.DeliveryMaxPending)
	notifier := game.NewLogNotifier()
	guard := game.NewGuard(cfg, clock, st.Bets(), notifier, mirror)
	engine := game.NewEngine(cfg, clock, st, game.NewResultGenerator(), guard, delivery, notifier, snapshots)
	monitor := game.NewMonitor(cfg, clock, st, engine)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "colorspin",
			AppName:       "colorspin",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		cfg:      cfg,
		db:       db,
		cache:    redisService,
		store:    st,
		hub:      hub,
		delivery: delivery,
		guard:    guard,
		engine:   engine,
		monitor:  monitor,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
	}))

	return server
}

// Start launches the background loops: the round timer, the reliable
// delivery retry loop and the recovery monitor. It returns when the
// context is cancelled and every loop has drained.
func (s *FiberServer) Start(ctx context.Context) error {
	s.engine.Start(ctx)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.engine.Timer().Run(ctx) })
	group.Go(func() error { return s.delivery.Run(ctx) })
	group.Go(func() error { return s.monitor.Run(ctx) })

	log.Info("[SERVER] Round timer, delivery and recovery loops started")
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown closes external connections after the HTTP listener stops.
func (s *FiberServer) Shutdown() error {
	log.Info("[SERVER] Shutting down...")

	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	return nil
}
