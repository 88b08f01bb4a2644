package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/XavTo/OpenHands-Fork/internal/gateway"
	"github.com/XavTo/OpenHands-Fork/internal/gateway/httpapi"
	"github.com/XavTo/OpenHands-Fork/internal/gateway/ws"
	"github.com/XavTo/OpenHands-Fork/internal/ratelimit"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	servePort       int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator (HTTP API, WebSocket event stream)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `openhands --config path` and `openhands serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file (JSON or YAML)")
		cmd.Flags().IntVar(&servePort, "port", 0, "override HTTP listen port")
	}
}

// runServe starts the orchestrator service.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	configPath := goutils.Env("OPENHANDS_CONFIG", serveConfigPath)
	sc, err := initShared(configPath, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	port := sc.BaseConfig.Port
	if servePort > 0 {
		port = servePort
	}

	logger.Info("starting orchestrator",
		slog.Int("port", port),
		slog.String("runtime", string(sc.BaseConfig.RuntimeMode)),
	)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// WebSocket event server, mounted on the HTTP gateway.
	wsServer := ws.NewServer(sc.Sessions, &ws.Config{
		Token: os.Getenv("OPENHANDS_WS_TOKEN"),
	}, logger)

	httpGW := buildHTTPGateway(sc, port)
	httpGW.WithHandler("/v1/events/ws", wsServer.Handler())

	gateways := []gateway.Gateway{httpGW}

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildHTTPGateway assembles the HTTP API gateway from shared components.
func buildHTTPGateway(sc *SharedComponents, port int) *httpapi.Gateway {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: 120,
		BurstSize:         30,
	})

	// API key → client ID mapping from env: "key1:alice,key2:bob".
	apiKeys := make(map[string]string)
	if envKeys := os.Getenv("OPENHANDS_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}

	cfg := httpapi.Config{
		ListenAddr:      fmt.Sprintf(":%d", port),
		EnableDocs:      true,
		APIKeys:         apiKeys,
		Metrics:         sc.Obs.Metrics,
		HealthChecker:   sc.Obs.Health,
		Anomaly:         sc.Obs.Anomaly,
		MetricsRegistry: sc.Obs.Metrics.Registry,
	}
	if sc.Obs.Tracer != nil {
		cfg.Tracer = sc.Obs.Tracer.Tracer()
	}
	if sc.BaseConfig.ServeFrontend {
		cfg.FrontendDir = sc.Layout.FrontendDir()
	}

	gw := httpapi.NewGateway(cfg, sc.Sessions, limiter, sc.Logger)
	gw.WithSSE(true)
	return gw
}
