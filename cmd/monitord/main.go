// Trade Monitor — an always-on rule engine that watches live market ticks
// and order-status events for many users and fires automation actions
// (place/cancel/modify order, cancel a linked rule).
//
// Architecture:
//
//	main.go              — entry point: loads config, starts daemon, waits for SIGINT/SIGTERM
//	daemon/daemon.go     — orchestrator: rule poll loop, per-user dispatchers, 1-Hz clock
//	daemon/executor.go   — translates fired actions into broker calls
//	eval/eval.go         — pure evaluation kernel: (rule, context) → fire decision
//	rules/               — typed rule model, trigger/action config validation
//	candles/             — per-instrument OHLCV ring buffers + indicator functions
//	session/             — per-user state: credentials, feeds, subscriptions, buffers
//	broker/client.go     — REST client for the brokerage (orders, quotes, token refresh)
//	broker/ws.go         — WebSocket feeds (market ticks + portfolio) with auto-reconnect
//	store/store.go       — SQLite rule store: rules, fire logs, encrypted credentials
//
// Rules pair a trigger (price level, clock time, indicator reading, order
// status, trailing stop, or a boolean combination) with an action. The
// daemon keeps each user's rule set hot in memory, evaluates on every
// relevant event, and accounts every fire in a transactional audit log.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"niftystrategist/internal/api"
	"niftystrategist/internal/broker"
	"niftystrategist/internal/config"
	"niftystrategist/internal/daemon"
	"niftystrategist/internal/session"
	"niftystrategist/internal/store"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MONITOR_CONFIG"); p != "" {
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

	st, err := store.Open(cfg.Database.Path, cfg.Database.TokenKey)
	if err != nil {
		logger.Error("failed to open store", "error", err, "path", cfg.Database.Path)
		os.Exit(1)
	}
	defer st.Close()

	client := broker.NewClient(cfg.Broker, cfg.DryRun, logger)
	sessions := session.NewManager(*cfg, client, st, logger)

	d, err := daemon.New(cfg, st, client, sessions, logger)
	if err != nil {
		logger.Error("failed to create daemon", "error", err)
		os.Exit(1)
	}

	var statusServer *api.Server
	if cfg.Status.Enabled {
		statusServer = api.NewServer(cfg.Status, sessions, st, logger)
		go func() {
			if err := statusServer.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		logger.Info("status server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Status.Port))
	}

	if err := d.Start(context.Background()); err != nil {
		logger.Error("failed to start daemon", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("trade monitor started",
		"db", cfg.Database.Path,
		"poll_interval", cfg.Monitor.PollInterval,
		"timezone", cfg.Monitor.Timezone,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if statusServer != nil {
		if err := statusServer.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}

	d.Stop()
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
