package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleet-tracker/internal/config"
	"fleet-tracker/internal/dispatcher"
	"fleet-tracker/internal/hub"
	"fleet-tracker/internal/observability"
	"fleet-tracker/internal/server"
)

func main() {
	cfg, err := config.Load(config.GetConfigPath())
	if err != nil {
		observability.NewLogger().Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWith(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Starting gateway...", "port", cfg.Gateway.TCPPort, "ws", cfg.Gateway.WSAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hub.New(logger)
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	wsServer := &http.Server{Addr: cfg.Gateway.WSAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("websocket hub failed", "error", err)
			stop()
		}
	}()

	go func() {
		if err := observability.StartMetricsServer(cfg.Metrics.Port); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	tcp := server.New(dispatcher.New(h, logger), server.Options{
		Addr:      ":" + cfg.Gateway.TCPPort,
		RawLogDir: cfg.Gateway.RawLogDir,
		Logger:    logger,
	})
	if err := tcp.Start(ctx); err != nil {
		logger.Error("TCP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = wsServer.Shutdown(shutdownCtx)
	logger.Info("gateway stopped")
}
