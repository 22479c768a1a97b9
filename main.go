package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quant-sandbox/internal/api"
	"quant-sandbox/internal/config"
	"quant-sandbox/internal/db"
	"quant-sandbox/internal/engine"
	"quant-sandbox/internal/ibkr"
	"quant-sandbox/internal/logger"
	"quant-sandbox/internal/resolver"
)

var version = "dev"

func main() {
	logger.Banner(version)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("CONFIG", fmt.Sprintf("load failed: %v", err))
		os.Exit(1)
	}
	logger.SetVerbosity(cfg.Verbosity)

	logger.Section("startup")
	logger.Stats("gateway", fmt.Sprintf("%s:%d", cfg.GatewayHost, cfg.GatewayPort))
	logger.Stats("data_dir", cfg.DataDir)
	logger.Stats("fill_cap", cfg.FillCap)

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		logger.Error("DB", fmt.Sprintf("open failed: %v", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := ibkr.NewSession(cfg)
	if err := session.Connect(ctx); err != nil {
		// The gateway may come up after us; requests fail fast until then.
		logger.Warn("SESSION", fmt.Sprintf("gateway not reachable yet: %v", err))
	}
	defer session.Close()

	coord := ibkr.NewCoordinator(cfg, session)
	if err := coord.Start(ctx); err != nil {
		logger.Error("COORD", fmt.Sprintf("start failed: %v", err))
		os.Exit(1)
	}

	res := resolver.New(cfg, coord, database)
	eng := engine.New(cfg, coord, res)
	srv := api.NewServer(cfg, eng)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Server(addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("MAIN", "shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("SERVER", fmt.Sprintf("failed: %v", err))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("SERVER", fmt.Sprintf("shutdown: %v", err))
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Warn("COORD", fmt.Sprintf("shutdown: %v", err))
	}
}
