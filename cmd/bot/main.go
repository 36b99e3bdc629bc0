// StockBot — an automated KRX equities trading bot for the KIS OpenAPI.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires exchange → data plane → strategies → scheduler
//	schedule/scheduler   — five intraday slots that reshape the watch list and run the day exit
//	market/collector.go  — unified read path: realtime stream over cache over REST
//	market/subs.go       — juggles the 20 realtime stream slots by priority, polls the rest
//	strategy/pipeline.go — stream prints → debounce → signal engine → executor
//	strategy/candle.go   — candlestick pattern watcher with its own entry/exit loop
//	trade/executor.go    — order sizing, submission, the in-flight table, and the stale monitor
//	risk/manager.go      — realized-loss guard: daily cap and losing-streak pause
//	exchange/client.go   — REST client for quotes, orders, balance, and the market screen
//	exchange/ws.go       — realtime WebSocket with resubscribe-on-reconnect
//	store/               — SQLite journal: trades, slot selections, daily summaries
//
// How it trades:
//
//	Each time slot screens the market for gap, volume, momentum, and
//	technical candidates, subscribes the heaviest ones to the realtime
//	stream, and hands their prints to the signal pipeline. Buys are
//	sized from available cash; every position carries a stop and target
//	enforced on live prints. In day mode everything the bot bought is
//	flattened before the close.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tgparkk/StockBot-sub002/internal/api"
	"github.com/tgparkk/StockBot-sub002/internal/config"
	"github.com/tgparkk/StockBot-sub002/internal/engine"
)

func main() {
	// Credentials usually live in .env during development; absence is fine.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("STOCKBOT_CONFIG"); p != "" {
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

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("operator api started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Broker.Demo {
		logger.Warn("DEMO MODE — orders go to the paper-trading endpoint")
	}

	logger.Info("stockbot started",
		"mode", cfg.Trading.Mode,
		"max_positions", cfg.Trading.MaxPositions,
		"daily_loss_cap", cfg.Risk.MaxDailyLossKRW,
	)

	// Exit on an OS signal or an operator /shutdown, whichever first.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-eng.Done():
		logger.Info("shutdown requested via api")
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}

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
