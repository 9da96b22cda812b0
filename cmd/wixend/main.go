package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/engine"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
	mailsync "github.com/PratikP1/Wixen-Mail-sub002/internal/sync"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to the configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		logger.Error("loading configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("starting engine", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.Error("starting account loops", "error", err)
		_ = eng.Stop()
		os.Exit(1)
	}
	logger.Info("engine started", "accounts", len(cfg.Accounts))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case res := <-eng.Results():
			logResult(logger, res)
		case <-quit:
			logger.Info("shutting down")
			cancel()
			if err := eng.Stop(); err != nil {
				logger.Error("closing engine", "error", err)
				os.Exit(1)
			}
			logger.Info("engine stopped")
			return
		}
	}
}

func logResult(logger *slog.Logger, res mailsync.Result) {
	if res.Err != nil {
		logger.Warn("sync failed", "account", res.AccountID, "auth", res.AuthFailed, "error", res.Err)
		return
	}
	var added, removed int
	for _, s := range res.Summaries {
		added += s.New
		removed += s.Removed
	}
	if added > 0 || removed > 0 {
		logger.Info("sync completed", "account", res.AccountID, "new", added, "removed", removed)
	}
}
