// Package main is the entry point for shannond, the Shannon MCP daemon.
// It supervises Claude Code CLI subprocesses and exposes their lifecycle
// over MCP (stdio or HTTP transport), with an optional read-only HTTP API
// and WebSocket gateway for observers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shannonlabs/shannon-mcp/internal/binary"
	"github.com/shannonlabs/shannon-mcp/internal/checkpoint"
	"github.com/shannonlabs/shannon-mcp/internal/common/config"
	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
	"github.com/shannonlabs/shannon-mcp/internal/db"
	"github.com/shannonlabs/shannon-mcp/internal/events"
	gateway "github.com/shannonlabs/shannon-mcp/internal/gateway/websocket"
	"github.com/shannonlabs/shannon-mcp/internal/httpapi"
	"github.com/shannonlabs/shannon-mcp/internal/mcpserver"
	"github.com/shannonlabs/shannon-mcp/internal/registry"
	"github.com/shannonlabs/shannon-mcp/internal/session"
	"github.com/shannonlabs/shannon-mcp/internal/session/cache"
	"github.com/shannonlabs/shannon-mcp/internal/supervisor"
	"github.com/shannonlabs/shannon-mcp/internal/tracing"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "shannond: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Initialize logger. On the stdio transport stdout belongs to the
	// MCP framing, so logs go to a file under the data root unless the
	// config says otherwise.
	logOutput := cfg.Logging.OutputPath
	if logOutput == "" && (cfg.Server.Transport == "" || cfg.Server.Transport == "stdio") {
		logOutput = cfg.LogPath()
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: logOutput,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting shannond...",
		zap.String("version", version),
		zap.String("transport", cfg.Server.Transport),
		zap.String("data_root", cfg.DataRoot))

	// 3. Root context cancelled on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus (in-memory by default, NATS when configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer busCleanup()
	eventBus := provided.Bus

	// 5. Embedded stores
	sessionsPool, err := db.OpenSQLitePool(cfg.SessionsDBPath())
	if err != nil {
		return fmt.Errorf("failed to open sessions database: %w", err)
	}
	defer sessionsPool.Close()

	registryPool, err := db.OpenSQLitePool(cfg.RegistryDBPath())
	if err != nil {
		return fmt.Errorf("failed to open registry database: %w", err)
	}
	defer registryPool.Close()

	checkpointPool, err := db.OpenSQLitePool(cfg.CheckpointsDBPath())
	if err != nil {
		return fmt.Errorf("failed to open checkpoints database: %w", err)
	}
	defer checkpointPool.Close()

	// 6. Binary resolver with its discovery audit log
	discoveryLog, err := binary.NewDiscoveryLog(ctx, registryPool)
	if err != nil {
		return err
	}
	resolver := binary.NewResolver(cfg.Binary, discoveryLog, log)

	// 7. Process registry plus its monitor and maintenance loops
	registryStore, err := registry.NewStore(ctx, registryPool)
	if err != nil {
		return err
	}
	procRegistry, err := registry.New(ctx, cfg.Registry, cfg.PIDDir(), registryStore,
		registry.NewOSInspector(), eventBus, log)
	if err != nil {
		return err
	}
	go procRegistry.RunMonitor(ctx)
	go procRegistry.RunMaintenance(ctx)

	// 8. Session store and terminal-session cache
	sessionStore, err := session.NewStore(ctx, sessionsPool)
	if err != nil {
		return err
	}
	sessionCache, err := cache.New(cache.Config{
		MaxEntries:  cfg.Session.CacheMaxEntries,
		MaxBytes:    cfg.Session.CacheMaxBytes,
		TerminalTTL: cfg.Session.CacheTerminalTTL,
	}, cfg.SessionCacheDir(), log)
	if err != nil {
		return err
	}

	// 9. Checkpoint store with retention cleanup
	checkpointStore, err := checkpoint.NewStore(ctx, cfg.Checkpoint, checkpointPool,
		cfg.CheckpointBlobDir(), eventBus, log)
	if err != nil {
		return err
	}
	go checkpointStore.RunCleanup(ctx)

	// 10. Session supervisor
	sup := supervisor.New(cfg.Session, cfg.Checkpoint.AutoInterval,
		resolver, procRegistry, sessionStore, sessionCache, checkpointStore,
		eventBus, nil, log)
	go sup.RunMonitor(ctx)

	// 11. MCP server
	_, mcpCleanup, err := mcpserver.Provide(ctx, cfg.Server, mcpserver.Deps{
		Sessions:    sup,
		Binaries:    resolver,
		Checkpoints: checkpointStore,
	}, log)
	if err != nil {
		return err
	}
	defer mcpCleanup()

	// 12. Optional HTTP API and WebSocket gateway
	var (
		apiServer *httpapi.Server
		bridge    *gateway.Bridge
	)
	if cfg.Server.HTTPEnabled {
		hub, wsHandler, wsBridge := gateway.Provide(eventBus, sup, log)
		go hub.Run(ctx)
		if err := wsBridge.Start(); err != nil {
			return fmt.Errorf("failed to start event bridge: %w", err)
		}
		bridge = wsBridge

		apiServer = httpapi.NewServer(cfg.Server, httpapi.Deps{
			Sessions:    sup,
			Checkpoints: checkpointStore,
			Processes:   procRegistry,
			Version:     version,
		}, wsHandler, log)
		if err := apiServer.Start(); err != nil {
			return err
		}
	}

	log.Info("shannond ready")

	// 13. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down...", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Session.ShutdownWindow)
	defer shutdownCancel()

	// Stop accepting new work, then drain running sessions.
	if err := mcpCleanup(); err != nil {
		log.Warn("MCP server shutdown error", zap.Error(err))
	}
	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Warn("HTTP API shutdown error", zap.Error(err))
		}
	}
	if bridge != nil {
		bridge.Stop()
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Warn("Supervisor shutdown incomplete", zap.Error(err))
	}

	cancel()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := tracing.Shutdown(flushCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}

	log.Info("shannond stopped")
	return nil
}
