// Package main is the unified entry point for Parley.
// This single binary runs the conversation orchestrator, the HTTP and
// WebSocket APIs, and the optional bridge tool surface together.
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

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/bridge"
	"github.com/parleyhq/parley/internal/bridge/mcpserver"
	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/common/httpmw"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/common/tracing"
	"github.com/parleyhq/parley/internal/conversation/handlers"
	"github.com/parleyhq/parley/internal/conversation/store"
	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/events/bus"
	gateways "github.com/parleyhq/parley/internal/gateway/websocket"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/scenario"
	"github.com/parleyhq/parley/internal/token"
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

	log.Info("Starting Parley...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 5. Initialize conversation store
	var conversationStore store.Store
	if cfg.Database.Driver == "memory" {
		log.Info("Using in-memory conversation store")
		conversationStore = store.NewMemoryStore()
	} else {
		pool, err := db.Open(cfg.Database)
		if err != nil {
			log.Fatal("Failed to open database", zap.Error(err))
		}
		defer pool.Close()

		sqlStore, err := store.NewSQLStore(pool)
		if err != nil {
			log.Fatal("Failed to initialize conversation store", zap.Error(err))
		}
		conversationStore = sqlStore
		log.Info("Conversation store initialized",
			zap.String("driver", cfg.Database.Driver))
	}

	// 6. Load scenarios
	scenarioRegistry := scenario.NewRegistry(conversationStore, log)
	if cfg.Runtime.ScenarioDir != "" {
		n, err := scenarioRegistry.LoadDir(ctx, cfg.Runtime.ScenarioDir)
		if err != nil {
			log.Fatal("Failed to load scenarios", zap.Error(err))
		}
		log.Info("Scenarios loaded",
			zap.Int("count", n),
			zap.String("dir", cfg.Runtime.ScenarioDir))
	}

	// 7. Agent token registry
	tokens := token.NewRegistry(conversationStore, cfg.Runtime.TokenDurationTime(), log)

	// 8. Completion capability for server-managed agents
	var completions llm.CompletionClient
	if cfg.LLM.APIKey != "" {
		completions = llm.NewOpenAIClient(cfg.LLM)
		log.Info("LLM completions enabled", zap.String("model", cfg.LLM.Model))
	} else {
		log.Warn("No LLM API key configured; scenario-driven agents are unavailable")
	}
	factory := agent.NewFactory(completions, cfg.Runtime.MaxStepsPerTurn, log)

	// 9. Orchestrator
	orchestratorSvc := orchestrator.NewService(
		conversationStore,
		eventBus,
		tokens,
		factory,
		orchestrator.Config{
			UserQueryTimeout:     cfg.Runtime.UserQueryTimeoutDuration(),
			ResurrectionLookback: cfg.Runtime.ResurrectionLookback(),
		},
		log,
	)
	if err := orchestratorSvc.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}
	log.Info("Orchestrator started")

	// 10. WebSocket gateway
	gateway := gateways.NewGateway(orchestratorSvc, log)
	gateway.Start(ctx, eventBus)

	// 11. HTTP server (REST API + WebSocket endpoint)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.OtelTracing("parley"))

	gateway.SetupRoutes(router)
	handlers.RegisterConversationRoutes(router, orchestratorSvc, tokens, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "parley",
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("websocket", "/ws"),
			zap.String("api", "/api/v1"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 12. Bridge tool surface (optional)
	var bridgeManager *bridge.Manager
	var bridgeServer *mcpserver.Server
	if cfg.Bridge.Enabled && cfg.Bridge.ConfigBlob != "" {
		bridgeManager = bridge.NewManager(orchestratorSvc, cfg.Bridge.WaitTimeoutDuration(), log)
		bridgeServer = mcpserver.New(mcpserver.Config{
			Port: cfg.Bridge.Port,
			Blob: cfg.Bridge.ConfigBlob,
		}, bridgeManager, log)
		if err := bridgeServer.Start(ctx); err != nil {
			log.Fatal("Failed to start bridge server", zap.Error(err))
		}
		log.Info("Bridge server listening",
			zap.Int("port", cfg.Bridge.Port),
			zap.String("sse", "/sse"),
			zap.String("streamable_http", "/mcp"))
	} else if cfg.Bridge.Enabled {
		log.Info("Bridge disabled: no endpoint config blob")
	}

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Parley...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if bridgeServer != nil {
		if err := bridgeServer.Stop(shutdownCtx); err != nil {
			log.Error("Bridge server shutdown error", zap.Error(err))
		}
	}
	if bridgeManager != nil {
		bridgeManager.Close()
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	orchestratorSvc.Close(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Parley stopped")
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
