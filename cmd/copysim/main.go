// Polycopy — a copy-trading execution simulator for Polymarket prediction
// markets. It follows configured leader wallets, batches their fills and
// simulates copying them against the live order book, keeping a full
// decision and accounting ledger without ever placing a real order.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires services, waits for SIGINT/SIGTERM
//	engine/engine.go     — routes leader events to aggregator/buffer, runs executor workers
//	pipeline/aggregator  — 2s-window batching of leader fills per (leader, token, side)
//	pipeline/buffer.go   — coalesces dust trades until a flush condition fires
//	pipeline/activity.go — batches merge/split/redeem events (recorded, never copied)
//	executor/            — sizing, budget caps, guardrails, book-walk fill simulation
//	book/                — live book cache fed by WebSocket with rate-limited REST fallback
//	store/store.go       — SQLite persistence: attempts, fills, ledger, snapshots, config
//	api/                 — dashboard REST surface and runtime config endpoints
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"polycopy/internal/api"
	"polycopy/internal/book"
	"polycopy/internal/config"
	"polycopy/internal/engine"
	"polycopy/internal/executor"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("COPYSIM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
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

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open store", "error", err, "path", cfg.Store.Path)
		os.Exit(1)
	}
	defer st.Close()

	runtime, err := config.NewRuntime(*cfg, st)
	if err != nil {
		logger.Error("failed to build runtime config", "error", err)
		os.Exit(1)
	}

	leaders := cfg.NormalizedLeaders()
	users := make([]types.FollowedUser, len(leaders))
	for i, l := range leaders {
		users[i] = types.FollowedUser{ID: l.ID, Address: l.Address, Label: l.Label}
	}
	if err := st.UpsertFollowedUsers(context.Background(), users); err != nil {
		logger.Error("failed to sync followed users", "error", err)
		os.Exit(1)
	}

	books := book.NewService(cfg.Venue, cfg.Book, st, logger)
	state := executor.NewStateReader(st, runtime.System)
	exec := executor.New(st, books, runtime, state, logger)
	eng := engine.New(cfg.Engine, runtime, books, exec, logger)

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, st, runtime, exec, state, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return books.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx) })

	logger.Info("copy simulator started",
		"leaders", len(leaders),
		"workers", cfg.Engine.ExecutorWorkers,
		"window_ms", cfg.System.AggregationWindowMs,
		"buffering", cfg.Buffering.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	cancel()
	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("copy simulator stopped")
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
