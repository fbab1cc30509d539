// Package main is the entry point for the Loom orchestration daemon.
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

	"github.com/loomworks/loom/internal/agentrole"
	"github.com/loomworks/loom/internal/common/config"
	"github.com/loomworks/loom/internal/common/logger"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/gateway/websocket"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/orchestrator/handlers"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting loomd...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		log.Fatal("Failed to create data directory", zap.Error(err))
	}

	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	st, err := store.New(cfg.Data.StorePath(), log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}

	var workspaces *workspace.Manager
	if cfg.Workspaces.Enabled() {
		if err := os.MkdirAll(cfg.Workspaces.Dir, 0o755); err != nil {
			log.Fatal("Failed to create workspaces directory", zap.Error(err))
		}
		workspaces = workspace.NewManager(workspace.Config{
			CloneTimeout: cfg.Workspaces.CloneTimeoutDuration(),
			GitTimeout:   cfg.Workspaces.GitTimeoutDuration(),
		}, log)
		log.Info("Git workspace features enabled", zap.String("dir", cfg.Workspaces.Dir))
	} else {
		log.Info("Git workspace features disabled")
	}

	journal := events.NewJournal(cfg.Data.Dir, log)
	audit := events.NewClassifierAudit(cfg.Data.Dir, log)
	resolver := agentrole.NewResolver(cfg.AgentRoles)

	// The agent runtime is external; until one is attached the in-memory
	// gateway lets the engine run end to end.
	agentGateway := llm.NewFake()

	orch := orchestrator.New(orchestrator.Options{
		Store:      st,
		Workspaces: workspaces,
		Gateway:    agentGateway,
		Bus:        providedBus.Bus,
		Journal:    journal,
		Resolver:   resolver,
		Audit:      audit,
		Config:     cfg,
		Logger:     log,
	})
	defer orch.Close()

	gateway := websocket.NewGateway(log)
	handlers.New(orch, log).Register(gateway.Dispatcher)

	notifier := websocket.NewEventNotifier(gateway.Hub, providedBus.Bus, log)
	if err := notifier.Start(); err != nil {
		log.Fatal("Failed to start event notifier", zap.Error(err))
	}
	defer notifier.Stop()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	gateway.SetupRoutes(router)
	registerHookRoutes(router, orch, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": gateway.Hub.GetClientCount()})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		gateway.Hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down loomd...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("loomd exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("loomd stopped")
}
