package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/auth"
	"github.com/courier-chat/courier/internal/config"
	"github.com/courier-chat/courier/internal/directory"
	"github.com/courier-chat/courier/internal/logging"
	"github.com/courier-chat/courier/internal/server"
	"github.com/courier-chat/courier/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	users, err := auth.NewFileStore(cfg.Auth.UsersPath)
	if err != nil {
		logger.Fatal("open user store", zap.Error(err))
	}
	dir, err := directory.New(cfg.Store.DirectoryPath)
	if err != nil {
		logger.Fatal("open room directory", zap.Error(err))
	}

	var msgStore store.MessageStore
	if cfg.Store.Path != "" {
		badgerStore, err := store.OpenBadger(cfg.Store.Path)
		if err != nil {
			logger.Fatal("open message store", zap.Error(err))
		}
		defer badgerStore.Close()
		msgStore = badgerStore
		logger.Info("message store opened", zap.String("path", cfg.Store.Path))
	} else {
		msgStore = store.NewMemoryStore()
		logger.Warn("no store path configured; messages are kept in memory only")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewRelayServer(cfg, logger, users, dir, msgStore)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}
