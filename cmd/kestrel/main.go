// Package main is the entry point for the Kestrel coordinator.
// A single binary serves the HTTP API, the runner long-poll and the
// session event streams.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/common/tracing"
	"github.com/kestrelhq/kestrel/internal/coordinator/blueprint"
	"github.com/kestrelhq/kestrel/internal/coordinator/controller"
	"github.com/kestrelhq/kestrel/internal/coordinator/handlers"
	"github.com/kestrelhq/kestrel/internal/coordinator/queue"
	"github.com/kestrelhq/kestrel/internal/coordinator/registry"
	"github.com/kestrelhq/kestrel/internal/coordinator/store"
	"github.com/kestrelhq/kestrel/internal/events/bus"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Kestrel coordinator...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error("Tracing shutdown error", zap.Error(err))
		}
	}()

	// 3. Event bus (in-memory, or NATS-mirrored if configured)
	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 4. Store
	pool, err := openPool(cfg.Store)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer pool.Close()

	st := store.New(pool, log)
	if err := st.InitSchema(ctx); err != nil {
		log.Fatal("Failed to initialize store schema", zap.Error(err))
	}
	log.Info("Store initialized", zap.String("url", cfg.Store.URL), zap.Bool("postgres", cfg.Store.IsPostgres()))

	// 5. Coordinator components
	catalog := blueprint.NewCatalog(st, log)
	if cfg.Coordinator.AgentsDir != "" {
		if err := catalog.SeedFromDir(ctx, cfg.Coordinator.AgentsDir); err != nil {
			log.Fatal("Failed to seed agent blueprints", zap.Error(err), zap.String("dir", cfg.Coordinator.AgentsDir))
		}
	}

	reg := registry.New(st, catalog, cfg.Coordinator, log)
	if err := reg.RebuildFromStore(ctx); err != nil {
		log.Fatal("Failed to rebuild runner registry", zap.Error(err))
	}

	q := queue.New(st, reg, catalog, eventBus, cfg.Coordinator, log)
	ctrl := controller.New(st, q, reg, eventBus, cfg.Coordinator, log)
	reg.SetOfflineHandler(ctrl.RecoverRunner)

	// 6. Startup recovery of runs interrupted by the previous process
	if err := ctrl.Recover(ctx); err != nil {
		log.Fatal("Startup recovery failed", zap.Error(err))
	}

	// 7. Background loops
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q.SweepLoop(gctx)
		return nil
	})
	g.Go(func() error {
		reg.MonitorLoop(gctx, cfg.Coordinator.SweepIntervalDuration())
		return nil
	})

	// 8. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handlers.New(st, q, ctrl, reg, catalog, eventBus, cfg, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      h.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		// Must exceed the runner long-poll duration.
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Coordinator listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 9. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Kestrel coordinator...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := g.Wait(); err != nil {
		log.Error("Background loop error", zap.Error(err))
	}

	log.Info("Kestrel coordinator stopped")
}
