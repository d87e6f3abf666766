// The connector runs next to the execution terminal and bridges it to the
// server: it authenticates one websocket session, executes inbound trade
// commands and pushes position deltas upstream. With no real terminal
// attached it runs against the built-in simulated one.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tradebridge/internal/agent"
	"tradebridge/pkg/config"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if cfg.Account == "" || cfg.Token == "" {
		log.Fatal("BRIDGE_ACCOUNT and BRIDGE_TOKEN are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		log.Println("shutting down")
		cancel()
	}()

	terminal := agent.NewSimTerminal(10000)
	terminal.SetSpread("EURUSD", 1.2)
	terminal.SetSpread("GBPUSD", 1.8)

	a := agent.New(cfg, terminal)
	if err := a.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("agent stopped: %v", err)
	}
}
