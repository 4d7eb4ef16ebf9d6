// Package main implements the entry point for the streamhub server.
// Streamhub is a streaming session engine: clients attach over SSE or
// WebSocket, receive per-stream sequenced events with bounded replay on
// reconnect, and join rooms whose broadcasts span instances over NATS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/streamhub/config"
	"github.com/c360/streamhub/health"
	"github.com/c360/streamhub/metric"
	"github.com/c360/streamhub/natsadapter"
	"github.com/c360/streamhub/natsclient"
	"github.com/c360/streamhub/sse"
	"github.com/c360/streamhub/stream"
	"github.com/c360/streamhub/wstransport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "streamhub"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting streamhub",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	metricsRegistry := metric.NewMetricsRegistry()

	adapter, natsClient, err := buildAdapter(cfg, logger, metricsRegistry)
	if err != nil {
		return err
	}
	if natsClient != nil {
		defer natsClient.Close(ctx)
	}

	hub, err := stream.NewHub(cfg.Hub, stream.HubOptions{
		Origin:   cfg.Platform.ID,
		Adapter:  adapter,
		Logger:   logger,
		Registry: metricsRegistry,
	})
	if err != nil {
		return fmt.Errorf("create hub: %w", err)
	}

	sseServer, err := sse.NewServer(sse.ServerConfig{
		Port:     cfg.HTTP.SSEPort,
		Path:     cfg.HTTP.SSEPath,
		Hub:      hub,
		Logger:   logger,
		Registry: metricsRegistry,
	})
	if err != nil {
		return fmt.Errorf("create sse server: %w", err)
	}
	wsServer, err := wstransport.NewServer(wstransport.ServerConfig{
		Port:     cfg.HTTP.WebSocketPort,
		Path:     cfg.HTTP.WebSocketPath,
		Hub:      hub,
		Logger:   logger,
		Registry: metricsRegistry,
	})
	if err != nil {
		return fmt.Errorf("create websocket server: %w", err)
	}
	metricsServer := metric.NewServer(cfg.HTTP.MetricsPort, cfg.HTTP.MetricsPath, metricsRegistry)

	monitor := health.NewMonitor()
	monitor.Track("hub", hub)
	monitor.Track("sse", sseServer)
	monitor.Track("websocket", wsServer)
	if na, ok := adapter.(*natsadapter.Adapter); ok {
		monitor.Track("nats-adapter", na)
	}
	metricsServer.Mount("/healthz", monitor.Handler(appName, logger))

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := startAll(signalCtx, cfg, adapter, hub, sseServer, wsServer, metricsServer); err != nil {
		return err
	}
	slog.Info("streamhub started",
		"sse_port", cfg.HTTP.SSEPort,
		"websocket_port", cfg.HTTP.WebSocketPort,
		"metrics_port", cfg.HTTP.MetricsPort,
		"nats_enabled", cfg.NATS.Enabled)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	shutdown(cliCfg.ShutdownTimeout, sseServer, wsServer, hub, adapter, metricsServer)
	slog.Info("streamhub shutdown complete")
	return nil
}

// buildAdapter creates the distributed adapter. With NATS disabled the hub
// runs single-instance on the no-op adapter and no client is created.
func buildAdapter(
	cfg *config.Config,
	logger *slog.Logger,
	registry *metric.MetricsRegistry,
) (stream.Adapter, *natsclient.Client, error) {
	if !cfg.NATS.Enabled {
		return stream.NewNoopAdapter(), nil, nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(appName + "-" + cfg.Platform.ID),
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS client: %w", err)
	}

	adapter, err := natsadapter.New(natsadapter.Config{
		Client:        client,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		Logger:        logger,
		Metrics:       registry,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS adapter: %w", err)
	}
	return adapter, client, nil
}

// startAll initializes and starts every component. The adapter and hub come
// up first so the transports never accept a session the hub cannot serve;
// the client-facing listeners then start concurrently.
func startAll(
	ctx context.Context,
	cfg *config.Config,
	adapter stream.Adapter,
	hub *stream.Hub,
	sseServer *sse.Server,
	wsServer *wstransport.Server,
	metricsServer *metric.Server,
) error {
	if na, ok := adapter.(*natsadapter.Adapter); ok {
		if err := na.Initialize(); err != nil {
			return fmt.Errorf("initialize adapter: %w", err)
		}
		if err := na.Start(ctx); err != nil {
			return fmt.Errorf("start adapter: %w", err)
		}
	}

	if err := hub.Initialize(); err != nil {
		return fmt.Errorf("initialize hub: %w", err)
	}
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}

	if err := sseServer.Initialize(); err != nil {
		return fmt.Errorf("initialize sse server: %w", err)
	}
	if err := wsServer.Initialize(); err != nil {
		return fmt.Errorf("initialize websocket server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sseServer.Start(gctx) })
	g.Go(func() error { return wsServer.Start(gctx) })
	if cfg.HTTP.MetricsPort > 0 {
		g.Go(func() error { return metricsServer.Start() })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("start transports: %w", err)
	}
	return nil
}

// shutdown stops components in reverse start order: listeners first so no
// new sessions arrive, then the hub drain, then the adapter.
func shutdown(
	timeout time.Duration,
	sseServer *sse.Server,
	wsServer *wstransport.Server,
	hub *stream.Hub,
	adapter stream.Adapter,
	metricsServer *metric.Server,
) {
	if err := sseServer.Stop(timeout); err != nil {
		slog.Error("Error stopping sse server", "error", err)
	}
	if err := wsServer.Stop(timeout); err != nil {
		slog.Error("Error stopping websocket server", "error", err)
	}
	if err := hub.Stop(timeout); err != nil {
		slog.Error("Error stopping hub", "error", err)
	}
	if na, ok := adapter.(*natsadapter.Adapter); ok {
		if err := na.Stop(timeout); err != nil {
			slog.Error("Error stopping adapter", "error", err)
		}
	}
	if err := metricsServer.Stop(5 * time.Second); err != nil {
		slog.Error("Error stopping metrics server", "error", err)
	}
}
