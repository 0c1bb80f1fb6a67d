// Package main is the runner daemon entry point. It connects to the
// control plane, executes dispatched builds, and manages dev servers
// and tunnels for the projects it hosts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codyde/sentryvibe-sub006/internal/common/logger"
	"github.com/codyde/sentryvibe-sub006/internal/runner/builds"
	"github.com/codyde/sentryvibe-sub006/internal/runner/config"
	"github.com/codyde/sentryvibe-sub006/internal/runner/devserver"
	"github.com/codyde/sentryvibe-sub006/internal/runner/transport"
	"github.com/codyde/sentryvibe-sub006/internal/runner/tunnel"
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
		Level:      cfg.LogLevel,
		Format:     "text",
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(2)
	}
	defer log.Sync()
	logger.SetDefault(log)
	log = log.WithRunnerID(cfg.RunnerID)

	log.Info("Starting runnerd...",
		zap.String("control_plane", cfg.ControlPlane),
		zap.Int("concurrency", cfg.Concurrency))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Shared port allocator, tunnels, dev servers
	alloc := devserver.NewAllocator(cfg.DevPortMin, cfg.DevPortMax)
	var tunnels *tunnel.Manager
	if cfg.Tunnel.Enabled {
		tunnels = tunnel.NewManager(cfg, alloc, log)
	}

	// 4. Build supervisor behind the transport. Two-step construction:
	// the supervisor queues events through the client, the client routes
	// inbound frames to the supervisor.
	client := transport.New(cfg, log)
	supervisor := builds.New(cfg, client, log)
	client.SetHandler(supervisor)

	var devServers *devserver.Manager
	if tunnels != nil {
		devServers, err = devserver.NewManager(cfg, client, tunnels, alloc, log)
	} else {
		devServers, err = devserver.NewManager(cfg, client, nil, alloc, log)
	}
	if err != nil {
		log.Fatal("Failed to initialize dev-server manager", zap.Error(err))
	}

	// Successful builds get a dev server.
	supervisor.SetFinishedHook(func(projectID, workspace string, succeeded bool) {
		if succeeded {
			devServers.Start(projectID, workspace)
		}
	})

	// 5. Run until signalled
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		client.Run(gctx)
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
		cancel()
		supervisor.Shutdown()
		devServers.StopAll()
		if tunnels != nil {
			tunnels.CloseAll()
		}
		client.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("runnerd exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("runnerd stopped")
}
