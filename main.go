package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pliu/chatbox/internal/attachments"
	"github.com/pliu/chatbox/internal/auth"
	"github.com/pliu/chatbox/internal/config"
	"github.com/pliu/chatbox/internal/logging"
	"github.com/pliu/chatbox/internal/permissions"
	"github.com/pliu/chatbox/internal/registry"
	"github.com/pliu/chatbox/internal/router"
	"github.com/pliu/chatbox/internal/server"
	"github.com/pliu/chatbox/internal/store/sqlstore"
	"github.com/pliu/chatbox/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "chatbox: %v\n", err)
		os.Exit(1)
	}
}

// run wires the server and blocks until it stops. Every resource it opens is
// released before it returns.
func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level, logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	secret, err := cfg.TokenSecret()
	if err != nil {
		logger.Error("token secret unavailable", zap.Error(err))
		return err
	}

	if cfg.Database.Driver == "sqlite3" && cfg.Database.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
			logger.Error("create database directory", zap.Error(err))
			return err
		}
	}
	st, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Error("open store", zap.String("driver", cfg.Database.Driver), zap.Error(err))
		return err
	}
	defer st.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	perms := permissions.NewService(st, logger.Named("permissions"))
	reg := registry.New(st, registry.Options{
		Metrics: registry.NewMetrics(promReg),
		Logger:  logger.Named("registry"),
	})
	rt := router.New(st, perms, reg, router.Options{
		Metrics: router.NewMetrics(promReg),
		Logger:  logger.Named("router"),
	})
	tokens := auth.NewTokens(secret, cfg.Auth.TokenTTL)

	blobs, err := attachments.New(cfg.Attachments.Dir, cfg.Attachments.PublicBaseURL, cfg.Attachments.MaxBytes, logger.Named("attachments"))
	if err != nil {
		logger.Error("open attachment store", zap.Error(err))
		return err
	}

	hub := ws.NewHub(st, reg, rt, tokens, ws.Options{
		SendBuffer:      cfg.WS.SendBuffer,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		Logger:          logger.Named("ws"),
	})

	handler := server.Routes(server.Deps{
		Store:       st,
		Tokens:      tokens,
		Permissions: perms,
		Hub:         hub,
		Attachments: blobs,
		Log:         logger.Named("http"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, logger, handler, promReg, hub.Close)
	if err := srv.Start(ctx); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
