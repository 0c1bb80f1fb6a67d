// Package main is the control-plane entry point. One binary runs the
// event store, the runner hub, the browser fanout, and the REST API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codyde/sentryvibe-sub006/internal/common/config"
	"github.com/codyde/sentryvibe-sub006/internal/common/database"
	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/common/tracing"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/api"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/commands"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/fanout"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/keys"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/runnerhub"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/runtime"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store/postgres"
	"github.com/codyde/sentryvibe-sub006/internal/controlplane/store/sqlite"
	"github.com/codyde/sentryvibe-sub006/internal/events/bus"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(2)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting SentryVibe control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Optional tracing
	traceProvider, err := tracing.Setup(ctx, "sentryvibe-control-plane", cfg.Tracing)
	if err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	}
	defer traceProvider.Shutdown(context.Background())

	// 4. Event store: Postgres when configured, embedded SQLite otherwise
	var eventStore store.Store
	if cfg.Database.UsePostgres() {
		log.Info("Connecting to PostgreSQL...",
			zap.String("host", cfg.Database.Host),
			zap.String("db", cfg.Database.DBName))
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		eventStore, err = postgres.New(ctx, db, log)
		if err != nil {
			log.Fatal("Failed to initialize postgres store", zap.Error(err))
		}
	} else {
		log.Info("Using embedded SQLite store", zap.String("path", cfg.Database.SQLitePath))
		eventStore, err = sqlite.New(cfg.Database.SQLitePath, log)
		if err != nil {
			log.Fatal("Failed to initialize sqlite store", zap.Error(err))
		}
	}
	defer eventStore.Close()

	// 5. Broadcast bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("Using in-memory broadcast bus")
		memBus := bus.NewMemoryEventBus(log)
		eventBus = memBus
		defer memBus.Close()
	}

	// 6. Session runtime and command queue. Finalized sessions release
	// their runner's command slot.
	rt := runtime.New(eventStore, eventBus, cfg.Build, log)
	queue := commands.NewQueue(cfg.Build.AckTimeoutDuration(), log)
	rt.SetFinalizedHook(func(runnerID, sessionID string) {
		queue.Release(runnerID, sessionID)
	})

	// 7. Runner credentials
	keySvc := keys.NewService(eventStore, cfg.Auth.RunnerSharedSecret, log)

	// 8. Runner hub and browser fanout
	runnerHub := runnerhub.NewHub(rt, queue, keySvc, eventStore, eventBus, cfg.Build, log)
	fanoutHub, err := fanout.NewHub(eventStore, rt, eventBus, log)
	if err != nil {
		log.Fatal("Failed to start browser fanout", zap.Error(err))
	}

	// 9. HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := api.NewHandler(eventStore, rt, queue, runnerHub, keySvc, eventBus, cfg, log)
	handler.RegisterRoutes(router)
	router.GET("/ws/runner", runnerHub.HandleWS)
	router.GET("/ws", fanoutHub.HandleWS)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sig:
			log.Info("Shutting down...", zap.String("signal", s.String()))
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		runnerHub.Shutdown()
		fanoutHub.Shutdown()
		rt.Shutdown()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Control plane stopped")
}
