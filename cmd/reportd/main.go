package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"reportd/internal/app"
	"reportd/pkg/banner"
	"reportd/pkg/config"
	"reportd/pkg/logger"
	"reportd/pkg/shutdown"
)

// build metadata, set via ldflags during release
var version = "dev"

func main() {
	_ = godotenv.Load(".env")
	fl := config.ParseFlags()

	cfgPath := fl.Config
	if !fl.Set["config"] {
		if p := os.Getenv("REPORTD_CONFIG"); p != "" {
			cfgPath = p
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.ApplyEnv(cfg)
	config.ApplyFlags(cfg, fl)
	config.ApplyDefaults(cfg)

	logger.Init(cfg.Logging.Level)

	if err := config.Validate(cfg); err != nil {
		shutdown.Abort("invalid configuration", err, cfg.Ingest.BasePath)
	}

	banner.Print(cfg, version)

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, version)
	if err != nil {
		shutdown.Abort("startup failed", err, cfg.Ingest.BasePath)
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("server_exit", "error", err)
		os.Exit(1)
	}
	logger.Info("server_exit_clean")
}
