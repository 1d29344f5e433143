package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleet-tracker/internal/api"
	"fleet-tracker/internal/config"
	"fleet-tracker/internal/demo"
	"fleet-tracker/internal/forwarder"
	"fleet-tracker/internal/link"
	"fleet-tracker/internal/observability"
	"fleet-tracker/internal/pipeline"
	"fleet-tracker/internal/simulator"
	"fleet-tracker/internal/store"
	"fleet-tracker/internal/stream"
	"fleet-tracker/internal/telemetry"
	"fleet-tracker/internal/tracking"
)

func main() {
	cfg, err := config.Load(config.GetConfigPath())
	if err != nil {
		observability.NewLogger().Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWith(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Starting fleetd...", "http", cfg.HTTP.Addr, "endpoint", cfg.Transport.Endpoint)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := simulator.New(simulator.Config{
		Interval:  cfg.Simulator.Interval,
		OriginLat: cfg.Simulator.OriginLat,
		OriginLon: cfg.Simulator.OriginLon,
		MaxDrift:  cfg.Simulator.MaxDrift,
	}, simulator.WithLogger(logger))

	// svc is assigned before the transport is ever connected
	var svc *tracking.Service
	transport := link.New(link.Options{
		MaxAttempts:      cfg.Transport.MaxReconnectAttempts,
		BaseDelay:        cfg.Transport.ReconnectBaseDelay,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		OnRecord:         func(r telemetry.Record) { svc.HandleRecord(r) },
		OnOpen:           func() { svc.ResendSubscriptions() },
		Logger:           logger,
	})

	svcOpts := []tracking.Option{
		tracking.WithEndpoint(cfg.Transport.Endpoint),
		tracking.WithLogger(logger),
	}
	var apiOpts []api.Option
	var sinks []pipeline.Sink
	var closers []io.Closer

	if cfg.Redis.Addr != "" {
		hist, err := store.InitRedis(ctx, store.Options{
			Addr:      cfg.Redis.Addr,
			DB:        cfg.Redis.DB,
			TTL:       cfg.Redis.TTL,
			MaxPoints: cfg.Redis.MaxPoints,
		})
		if err != nil {
			logger.Error("Redis init failed", "error", err)
			os.Exit(1)
		}
		logger.Info("redis connected", "addr", cfg.Redis.Addr)
		sinks = append(sinks, hist)
		closers = append(closers, hist)
		svcOpts = append(svcOpts, tracking.WithHistory(hist))
		apiOpts = append(apiOpts, api.WithLatest(hist))
	}
	if cfg.Forwarder.GRPCServer != "" {
		fw, err := forwarder.NewGRPCClient(cfg.Forwarder.GRPCServer, cfg.Forwarder.Timeout)
		if err != nil {
			logger.Error("gRPC forwarder init failed", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, fw)
		closers = append(closers, fw)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		pub := stream.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sinks = append(sinks, pub)
		closers = append(closers, pub)
	}
	if cfg.Pipeline.Enabled && len(sinks) > 0 {
		p := pipeline.New(cfg.Pipeline.QueueSize, sinks, pipeline.WithLogger(logger))
		go p.Run(ctx)
		svcOpts = append(svcOpts, tracking.WithRecorder(p))
	}

	svc = tracking.NewService(transport, sim, svcOpts...)

	if len(cfg.Demo.Vehicles) > 0 {
		d := demo.New(demo.Config{
			Vehicles:  cfg.Demo.Vehicles,
			Interval:  cfg.Demo.Interval,
			CenterLat: cfg.Demo.CenterLat,
			CenterLon: cfg.Demo.CenterLon,
		}, demo.WithLogger(logger))
		go d.Run(ctx)
		apiOpts = append(apiOpts, api.WithDemo(d))
	}

	go func() {
		if err := observability.StartMetricsServer(cfg.Metrics.Port); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	source, err := tracking.ParseSource(cfg.Tracking.Source)
	if err != nil {
		logger.Error("invalid tracking source", "error", err)
		os.Exit(1)
	}
	srv := api.NewServer(api.Config{
		Addr:          cfg.HTTP.Addr,
		DefaultSource: source,
		PathLimit:     cfg.Tracking.PathLimit,
	}, svc, append(apiOpts, api.WithLogger(logger))...)

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", "error", err)
	}
	svc.Disconnect()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Warn("close sink", "error", err)
		}
	}
	logger.Info("fleetd stopped")
}
