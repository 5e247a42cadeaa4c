package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/p2p-engine/internal/api"
	"github.com/Checker-Finance/p2p-engine/internal/book"
	"github.com/Checker-Finance/p2p-engine/internal/dispute"
	"github.com/Checker-Finance/p2p-engine/internal/escrow"
	"github.com/Checker-Finance/p2p-engine/internal/match"
	"github.com/Checker-Finance/p2p-engine/internal/publisher"
	"github.com/Checker-Finance/p2p-engine/internal/store"
	"github.com/Checker-Finance/p2p-engine/internal/wallet"
	"github.com/Checker-Finance/p2p-engine/pkg/config"
	"github.com/Checker-Finance/p2p-engine/pkg/eventbus"
	"github.com/Checker-Finance/p2p-engine/pkg/logger"
	"github.com/Checker-Finance/p2p-engine/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	logg := logger.S()
	logg.Info("starting [p2p-engine]...")

	// --- Store ---
	var st store.Store
	switch cfg.StoreDriver {
	case "memory":
		logg.Warn("using in-memory store; all state is lost on restart")
		st = store.NewMemory()
	default:
		logg.Info("connecting to DSN: ", utils.MaskDSN(cfg.DatabaseURL))
		hybrid, err := store.NewHybrid(cfg.RedisAddr, cfg.RedisDB, cfg.DatabaseURL, store.PGPoolConfig{
			MaxConns:          int32(cfg.PGMaxConns),
			MinConns:          int32(cfg.PGMinConns),
			MaxConnLifetime:   cfg.PGMaxConnLifetime,
			MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
			HealthCheckPeriod: cfg.PGHealthCheckPeriod,
		}, logg.Desugar())
		if err != nil {
			logg.Fatalw("failed to init store", "error", err)
		}
		st = hybrid
	}

	// --- Connect to NATS ---
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logg.Fatalw("failed to connect to NATS", "error", err)
	}

	// --- Event bus and NATS relay ---
	bus := eventbus.New()
	pub, err := publisher.New(nc, cfg.OutboundSubject, cfg.ServiceName)
	if err != nil {
		logg.Fatalw("failed to init publisher", "error", err)
	}
	pub.Attach(bus)

	// --- Custody ---
	// TODO(wallet): swap for the platform custody client once its gRPC
	// surface is published.
	custody := wallet.NewMemoryCustody()

	// --- Engine services ---
	orderBook := book.New(st, bus, logg.Desugar())
	ledger := escrow.NewLedger(st, custody, bus, logg.Desugar(), escrow.Config{
		PaymentWindow: cfg.PaymentWindow,
		ReleaseWindow: cfg.ReleaseWindow,
		FeeBps:        cfg.FeeBps,
	})
	matcher := match.New(st, orderBook, ledger, bus, logg.Desugar())
	disputes := dispute.NewService(st, ledger, bus, logg.Desugar())

	// --- Expiry supervisor ---
	sweeper := escrow.NewSweeper(st, ledger, disputes, logg.Desugar(), cfg.SweepInterval, cfg.SweepBatch)
	go sweeper.Start(ctx)

	// --- Fiber HTTP server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BodyLimit:    cfg.HTTPBodyLimit,
	})

	handler := api.NewHandler(logg.Desugar(), orderBook, matcher, ledger, st, disputes)
	api.RegisterRoutes(app, nc, st, handler)

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	logg.Infow("[p2p-engine] running",
		"nats", cfg.NATSURL,
		"env", cfg.Env,
		"store", cfg.StoreDriver,
		"sweep_interval", cfg.SweepInterval)

	<-ctx.Done()
	logg.Info("shutting down [p2p-engine]...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}
	if err := nc.Drain(); err != nil {
		logg.Warnw("nats.drain_failed", "error", err)
	}
	if err := st.Close(); err != nil {
		logg.Warnw("store.close_failed", "error", err)
	}
	logger.Sync()
}
