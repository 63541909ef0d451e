package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"devdispatch/internal/api"
	"devdispatch/internal/clock"
	"devdispatch/internal/config"
	"devdispatch/internal/database"
	"devdispatch/internal/kv"
	kvmemory "devdispatch/internal/kv/memory"
	kvredis "devdispatch/internal/kv/redis"
	"devdispatch/internal/logger"
	"devdispatch/internal/metrics"
	"devdispatch/internal/retry"
	"devdispatch/internal/scheduler"
	"devdispatch/internal/store"
	"devdispatch/internal/store/memory"
	"devdispatch/internal/store/mongostore"
	"devdispatch/internal/store/sqlstore"
	"devdispatch/internal/version"

	"go.uber.org/zap"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
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
		_, _ = fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(&cfg.Log)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("Server exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("Starting "+version.Name,
		zap.String("version", version.Version),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("redis", cfg.Redis.Enabled))

	// Initialize storage
	st, db, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("Failed to close storage", zap.Error(err))
		}
	}()

	// Initialize idempotency key-value store
	keys, err := openKV(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize key-value store: %w", err)
	}
	defer func() {
		if err := keys.Close(); err != nil {
			log.Error("Failed to close key-value store", zap.Error(err))
		}
	}()

	if cfg.Metrics.Enabled {
		metrics.Init(db)
	}

	// Initialize scheduler
	svc, err := scheduler.New(st, keys, clock.Real(), cfg.SchedulerConfig(), log)
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	// Initialize router
	router := api.NewRouter(cfg, svc, log)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in background
	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting server",
			zap.String("address", cfg.Server.Address),
			zap.Bool("tls", cfg.Server.TLS.Enabled))

		var err error
		if cfg.Server.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info("Received signal", zap.String("signal", sig.String()))
	case err, ok := <-serverErr:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown
	log.Info("Starting graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error", zap.Error(err))
	}

	log.Info("Shutdown complete")
	return nil
}

// openStore builds the command store for the configured driver. The SQL
// handle is returned as well so its pool statistics can be exported.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, database.Interface, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		log.Warn("Using in-memory storage; commands are lost on restart")
		return memory.New(), nil, nil

	case config.DriverMongo:
		var st *mongostore.Store
		err := retry.Execute(ctx, &cfg.Retry, log, "connect mongo", func(ctx context.Context) error {
			var err error
			st, err = mongostore.New(ctx, cfg.Storage.MongoStore(), log)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil

	default:
		var db database.Interface
		err := retry.Execute(ctx, &cfg.Retry, log, "connect database", func(context.Context) error {
			var err error
			db, err = database.New(cfg.Storage.Database(), log)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		return sqlstore.New(db, log), db, nil
	}
}

// openKV builds the idempotency key-value store. Without redis the keys
// live in process, which only deduplicates within a single replica.
func openKV(ctx context.Context, cfg *config.Config, log *zap.Logger) (kv.Store, error) {
	if !cfg.Redis.Enabled {
		log.Warn("Redis disabled; idempotency keys are kept in memory")
		return kvmemory.New(clock.Real()), nil
	}

	var keys *kvredis.Store
	err := retry.Execute(ctx, &cfg.Retry, log, "connect redis", func(context.Context) error {
		var err error
		keys, err = kvredis.New(kvredis.Config{
			Addr:         cfg.Redis.Addr,
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			PoolSize:     cfg.Redis.PoolSize,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
