package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"wispchat/internal/app"
)

func main() {
	_ = godotenv.Load(".env")

	config := flag.String("config", envOrDefault("WISPCHAT_CONFIG", ""), "path to a yaml config file")
	addr := flag.String("addr", "", "server listen address (overrides config)")
	db := flag.String("db", "", "sqlite database path (overrides config)")
	flag.Parse()

	cfg, err := app.LoadServerConfig(*config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wispchat-server: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *db != "" {
		cfg.DBPath = *db
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wispchat-server: %v\n", err)
		os.Exit(1)
	}
	if err := handle.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "wispchat-server: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
