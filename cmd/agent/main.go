package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"devdispatch/internal/agent"
	"devdispatch/internal/agent/client"
	"devdispatch/internal/agent/config"
	"devdispatch/internal/agent/handler"
	"devdispatch/internal/logger"
	"devdispatch/internal/version"

	"go.uber.org/zap"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	deviceID := flag.String("device", "", "Device id, overrides the config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Show version if requested
	if *showVersion {
		fmt.Println(version.GetInfo().String())
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
	}

	// Initialize logger
	log, err := logger.New(&cfg.Log)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	log = log.Named("agent")

	cl, err := client.New(cfg.Server, log)
	if err != nil {
		log.Fatal("Failed to create client", zap.Error(err))
	}

	// Stop polling on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg, cl, handler.NewHandler(log), log)
	if err := a.Run(ctx); err != nil {
		log.Error("Agent exited with error", zap.Error(err))
	}
}
