package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"silt/internal/config"
	"silt/internal/engine"
	"silt/internal/logging"
)

func main() {
	logging.InitFromEnv()

	path := os.Getenv("SILT_CONFIG")
	if path == "" {
		path = "silt.yml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Bootstrap(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	if err := e.Run(ctx); err != nil {
		log.Fatalf("engine: %v", err)
	}
}
