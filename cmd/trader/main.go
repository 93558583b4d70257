// OKX Trader — state reconciliation core for perpetual-swap trading on OKX.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — wires streams → reconciler → ledger → store, owns order entry
//	exchange/session.go  — private WebSocket: login, subscribe, heartbeat, auto-reconnect
//	exchange/client.go   — signed REST client: orders, algos, leverage, rate limited
//	stream/orders.go     — orders channel: dedup, normalize, persist, hand fills onward
//	stream/positions.go  — positions channel: snapshot journal + close classification
//	recon/engine.go      — correlates fills and close events with ledger trades
//	ledger/ledger.go     — logical trades keyed by client order ID, append-only journal
//	dedup/registry.go    — TTL-bounded (id, uTime) dedup for at-least-once streams
//	store/store.go       — SQLite persistence (orders, snapshots, trades, journal)
//
// What it guarantees:
//
//	Every order update and every position decrease observed on the private
//	channels is applied exactly once to the trade it belongs to. Positions
//	closed outside this process (liquidation, manual close, triggered algo)
//	are detected, journaled, and their leftover stop/take-profit algos
//	cancelled. Nothing observed is ever silently dropped: what cannot be
//	correlated lands in the journal as an orphan row.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"okx-trader/internal/config"
	"okx-trader/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	eng.Start()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("okx trader started",
		"sandbox", cfg.Exchange.Sandbox,
		"store", cfg.Store.Path,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
