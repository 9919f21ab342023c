package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/anim-stream-service/internal/backend"
	"github.com/skypro1111/anim-stream-service/internal/backend/sim"
	"github.com/skypro1111/anim-stream-service/internal/config"
	"github.com/skypro1111/anim-stream-service/internal/metrics"
	"github.com/skypro1111/anim-stream-service/internal/provider"
	"github.com/skypro1111/anim-stream-service/internal/registry"
	"github.com/skypro1111/anim-stream-service/internal/remote"
	"github.com/skypro1111/anim-stream-service/internal/server"
	"github.com/skypro1111/anim-stream-service/internal/stream"
	"github.com/skypro1111/anim-stream-service/internal/worker"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "anim-stream-service"
	serviceVersion    = "1.0.0"
)

// inferenceBackend is what the service needs from a backend
type inferenceBackend interface {
	backend.Backend
	backend.StreamEvaluator
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_concurrent_streams", cfg.Server.MaxConcurrentStreams),
		slog.Int("target_sample_rate", cfg.Audio.TargetSampleRate),
		slog.String("backend_type", cfg.Backend.Type),
		slog.String("provider", cfg.Backend.Provider),
		slog.Int("frame_rate", cfg.Backend.FrameRate),
		slog.Bool("worker_enabled", cfg.Worker.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(promRegistry)
	logger.Info("Prometheus metrics initialized")

	consumers := registry.New(logger)
	pool := stream.NewPool(consumers, logger, appMetrics)
	pool.StartReaper(cfg.Pool.GetReapInterval(), cfg.Pool.GetIdleTimeout())
	logger.Info("Session pool initialized",
		slog.Int("slots", pool.Stats().Slots),
		slog.Duration("idle_timeout", cfg.Pool.GetIdleTimeout()),
	)

	be, closeBackend := newBackend(cfg.Backend, logger)

	animProvider, err := provider.New(ctx, provider.Config{
		Name: cfg.Backend.Provider,
		Instance: backend.InstanceParams{
			Model:      cfg.Backend.Model,
			FrameRate:  cfg.Backend.FrameRate,
			SampleRate: cfg.Backend.SampleRate,
		},
		MinimumInitialSamples: cfg.Audio.MinimumInitialSamples,
		Params:                cfg.Backend.Params,
		StreamName:            cfg.Backend.StreamName,
	}, be, pool, logger)
	if err != nil {
		logger.Error("Failed to create animation provider", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Animation provider initialized",
		slog.String("provider", animProvider.Name()),
		slog.Int("sample_rate", animProvider.SampleRate()),
		slog.Int("minimum_initial_samples", animProvider.MinimumInitialSampleCount()),
	)

	udpServer := server.NewUDPServer(&cfg.Server, &cfg.Audio, animProvider, consumers, logger, appMetrics)
	logger.Info("UDP server initialized")

	var rpcServer *remote.Server
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		opts := server.HTTPServerOptions{Gatherer: promRegistry}
		if cfg.HTTP.ServeBackend {
			rpcServer = remote.NewServer(be, logger)
			opts.RPC = rpcServer
		}
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, pool, udpServer, appMetrics, opts)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
			slog.Bool("serve_backend", cfg.HTTP.ServeBackend),
		)
	}

	if err := udpServer.Start(); err != nil {
		logger.Error("Failed to start UDP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	var streamWorker *worker.Worker
	var forwardConn *net.UDPConn
	if cfg.Worker.Enabled {
		streamWorker, forwardConn, err = startWorker(ctx, cfg, be, consumers, logger, appMetrics)
		if err != nil {
			logger.Error("Failed to start persistent stream worker", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.UDPPort)),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if streamWorker != nil {
		streamWorker.Stop()
		forwardConn.Close()
	}

	// Ingest streams end their sessions before the provider releases them
	if err := udpServer.Stop(); err != nil {
		logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
	}

	if err := animProvider.Close(shutdownCtx); err != nil {
		logger.Error("Error closing animation provider", slog.String("error", err.Error()))
	}
	pool.Stop(shutdownCtx)

	if rpcServer != nil {
		rpcServer.Close()
	}
	closeBackend()

	stats := udpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("rejected_streams", stats.RejectedStreams),
	)

	logger.Info("Service stopped")
}

// newBackend builds the configured backend and its close function
func newBackend(cfg config.BackendConfig, logger *slog.Logger) (inferenceBackend, func()) {
	if cfg.Type == "remote" {
		client := remote.NewClient(remote.Config{
			URL:               cfg.Remote.URL,
			DialTimeout:       cfg.Remote.GetDialTimeout(),
			RequestTimeout:    cfg.Remote.GetRequestTimeout(),
			ReconnectAttempts: cfg.Remote.ReconnectAttempts,
			ReconnectBackoff:  cfg.Remote.GetReconnectBackoff(),
			MaxBackoff:        cfg.Remote.GetMaxBackoff(),
		}, logger)
		logger.Info("Using remote backend", slog.String("url", cfg.Remote.URL))
		return client, func() {
			if err := client.Close(); err != nil {
				logger.Warn("Error closing remote backend", slog.String("error", err.Error()))
			}
		}
	}

	local := sim.New(sim.Config{
		Model:      cfg.Model,
		FrameRate:  cfg.FrameRate,
		SampleRate: cfg.SampleRate,
	}, logger)
	logger.Info("Using local backend", slog.String("model", cfg.Model))
	return local, func() {}
}

// startWorker follows the configured persistent stream and forwards its
// frames as Frame packets to the configured address
func startWorker(ctx context.Context, cfg *config.Config, evaluator backend.StreamEvaluator, reg *registry.Registry,
	logger *slog.Logger, m *metrics.Metrics) (*worker.Worker, *net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.Worker.ForwardAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open forward socket: %w", err)
	}

	logger = logger.With(slog.String("stream_name", cfg.Worker.StreamName))
	writer := server.NewFrameWriter(conn, addr, 0, logger, m)

	w := worker.New(worker.Config{
		StreamName: cfg.Worker.StreamName,
		SampleRate: cfg.Backend.SampleRate,
		MaxRetries: cfg.Worker.MaxRetries,
		RetryDelay: cfg.Worker.GetRetryDelay(),
	}, evaluator, reg, writer, logger, m)
	w.Start(ctx)

	logger.Info("Persistent stream worker started",
		slog.Int64("stream_id", int64(w.StreamID())),
		slog.String("forward_address", addr.String()),
	)
	return w, conn, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
