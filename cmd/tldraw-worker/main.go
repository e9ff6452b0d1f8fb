// Command tldraw-worker runs the document compaction worker: it claims
// per-stream compaction tasks from Redis, folds stream tails into storage
// snapshots, and serves the admin/metrics HTTP surface.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/hpi-schul-cloud/tldraw-server-sub000/internal/app"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/config"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/logger"
)

// version is set via ldflags during release builds.
var version = "dev"

func main() {
	_ = godotenv.Load(".env")

	cfgPath := flag.String("config", os.Getenv("TLDRAW_CONFIG"), "path to YAML config file")
	noBanner := flag.Bool("no-banner", false, "suppress the startup banner")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger.InitWithLevel(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, version)
	if err != nil {
		logger.Error("startup_failed", "error", err)
		os.Exit(1)
	}
	if !*noBanner {
		a.PrintBanner()
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("worker_exit", "error", err)
		os.Exit(1)
	}
}
