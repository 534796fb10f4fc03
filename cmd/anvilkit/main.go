// Package main runs a supervised ephemeral anvil node from the command line:
// it starts the node, optionally applies a JSON setup batch, prints the RPC
// endpoint and keeps the node alive until interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Bidon15/anvilkit/internal/artifacts"
	"github.com/Bidon15/anvilkit/internal/config"
	"github.com/Bidon15/anvilkit/internal/deploy"
	"github.com/Bidon15/anvilkit/internal/node"
)

func main() {
	setupFile := flag.String("setup", "", "JSON file with deployments and calls to apply after startup")
	flag.Parse()

	// Local overrides via .env are optional.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	n := node.New(cfg.Node.NodeConfig(), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := n.Start(ctx); err != nil {
		cancel()
		log.Fatalf("Failed to start node: %v", err)
	}
	cancel()
	defer n.Stop()

	if cfg.Metrics.Enabled {
		go serveMetrics(logger, cfg.Metrics.Addr)
	}

	if *setupFile != "" {
		if err := applySetup(logger, n, cfg, *setupFile); err != nil {
			n.Stop()
			log.Fatalf("Failed to apply setup: %v", err)
		}
	}

	fmt.Printf("RPC endpoint: %s (chain id %d)\n", n.RPCURL(), cfg.Node.ChainID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
}

// applySetup decodes and applies one deployment batch against the node.
func applySetup(logger *slog.Logger, n *node.Node, cfg *config.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read setup file: %w", err)
	}
	var setup deploy.SetupConfig
	if err := json.Unmarshal(data, &setup); err != nil {
		return fmt.Errorf("parse setup file %s: %w", path, err)
	}

	engine := deploy.NewEngine(n, artifacts.NewLoader(cfg.Artifacts.Root), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := engine.ApplySetup(ctx, setup); err != nil {
		return err
	}

	logger.Info("Setup applied",
		slog.Int("deployments", len(setup.Deployments)),
		slog.Int("calls", len(setup.Calls)),
	)
	return nil
}

// serveMetrics exposes the Prometheus registry over HTTP.
func serveMetrics(logger *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("Metrics endpoint listening", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics endpoint failed", slog.String("error", err.Error()))
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
