package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tradebridge/internal/api"
	"tradebridge/internal/autotrade"
	"tradebridge/internal/events"
	"tradebridge/internal/execution"
	"tradebridge/internal/reconcile"
	"tradebridge/internal/session"
	"tradebridge/pkg/config"
	"tradebridge/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting bridge server on port %s (db: %s)", cfg.Port, cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()
	defer bus.Close()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	registry := session.NewRegistry(bus, cfg.HeartbeatInterval, cfg.StaleMultiplier)
	registry.Start()
	defer registry.Stop()

	reconciler := reconcile.NewEngine(database, bus, registry, cfg.ReconcileInterval)
	accounts, err := database.ListAccountIDs(ctx)
	if err != nil {
		log.Fatalf("account list failed: %v", err)
	}
	if err := reconciler.Load(ctx, accounts); err != nil {
		log.Fatalf("mirror load failed: %v", err)
	}
	reconciler.Start(ctx)

	exec := execution.NewService(database, bus, registry, reconciler, cfg.CommandTimeout)

	spreads := autotrade.NewSpreadTable()
	startScheduler(ctx, cfg, database, bus, exec, spreads)

	server := api.NewServer(bus, database, registry, exec, reconciler, spreads,
		cfg.JWTSecret, cfg.AdminKey, cfg.HeartbeatInterval, cfg.CommandTimeout)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
}

// startScheduler wires the autonomous trading loop when it is enabled and
// its config is present. A missing pairs file disables the loop rather than
// failing the whole server.
func startScheduler(ctx context.Context, cfg *config.Config, database *db.Database,
	bus *events.Bus, exec *execution.Service, spreads *autotrade.SpreadTable) {

	if !cfg.AutoTradeEnabled {
		log.Println("autotrade: disabled by config")
		return
	}

	pairs, err := autotrade.LoadConfig(cfg.AutoTradeConfig)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("autotrade: no pairs file at %s, loop disabled", cfg.AutoTradeConfig)
			return
		}
		log.Fatalf("autotrade config failed: %v", err)
	}

	signaler, err := autotrade.NewGRPCSignaler(cfg.SignalServerAddr)
	if err != nil {
		log.Fatalf("signal client failed: %v", err)
	}

	scheduler, err := autotrade.NewScheduler(database, bus, exec, signaler, spreads,
		pairs, cfg.AutoTradeInterval, cfg.AutoTradeWorkers, cfg.ReferenceTimezone)
	if err != nil {
		log.Fatalf("scheduler init failed: %v", err)
	}
	scheduler.Start(ctx)
}
