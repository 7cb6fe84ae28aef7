// Package main is the control plane's unified entry point: it wires
// configuration, logging, the event bus, persistence, the Agent
// Registry, Session Transport, Command Dispatcher, and every broker into
// a single HTTP/WebSocket server.
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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kandev/controlplane/internal/apperr"
	"github.com/kandev/controlplane/internal/common/config"
	"github.com/kandev/controlplane/internal/common/database"
	"github.com/kandev/controlplane/internal/common/httpmw"
	"github.com/kandev/controlplane/internal/common/logger"
	"github.com/kandev/controlplane/internal/dispatcher"
	"github.com/kandev/controlplane/internal/events/bus"
	"github.com/kandev/controlplane/internal/filetransfer"
	"github.com/kandev/controlplane/internal/httpapi"
	"github.com/kandev/controlplane/internal/masterrelay"
	"github.com/kandev/controlplane/internal/policy"
	"github.com/kandev/controlplane/internal/registry"
	"github.com/kandev/controlplane/internal/store"
	"github.com/kandev/controlplane/internal/streambroker"
	"github.com/kandev/controlplane/internal/terminalbroker"
	"github.com/kandev/controlplane/internal/toolcapability"
	"github.com/kandev/controlplane/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)
	log.Info("Starting control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	persistentStore := store.NewPostgresStore(db)

	var tokenStore store.TokenStore
	if cfg.Agents.Redis.Addr != "" {
		log.Info("Using Redis token store", zap.String("addr", cfg.Agents.Redis.Addr))
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Agents.Redis.Addr, DB: cfg.Agents.Redis.DB})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		tokenStore = store.NewRedisTokenStore(redisClient)
	} else {
		log.Warn("No Redis configured, using in-memory token store (single-instance only)")
		tokenStore = store.NewMemoryTokenStore()
	}

	reg := registry.New(persistentStore, log, cfg.Agents.SleepQueueCap, cfg.Agents.CmdDefaultTimeout())
	reg.SetEventBus(eventBus)
	pol := policy.New(persistentStore)
	pol.SetEventBus(eventBus)
	tools := toolcapability.New(persistentStore)
	disp := dispatcher.New(reg, persistentStore, tools, nil, false, cfg.Agents.CmdDefaultTimeout())

	th := transport.New(reg, persistentStore, pol, tools, log)

	streamBroker := streambroker.New(reg, persistentStore, tokenStore, log,
		cfg.Agents.MaxStreamsPerAgent, cfg.Agents.StreamTokenTTL(), cfg.Agents.CmdDefaultTimeout())
	termBroker := terminalbroker.New(reg, tokenStore, log,
		time.Duration(cfg.Agents.TerminalPollInterval)*time.Millisecond, cfg.Agents.CmdDefaultTimeout())
	files := filetransfer.New(reg, persistentStore, log,
		cfg.Agents.ChunkSizeBytes, cfg.Agents.MaxFileSizeBytes, cfg.Agents.TransferTimeout(), cfg.Agents.CmdDefaultTimeout())
	relay := masterrelay.New(reg, persistentStore, log, cfg.Relay.RelayTimeout())

	th.SetStreamSink(streamBroker)
	th.SetRelaySink(relay)
	th.SetRegisterSink(relay)

	go runTokenSweep(ctx, tokenStore, log, cfg.Agents.TokenSweepInterval())

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "controlplane"))

	router.GET("/ws/agent", th.HandleAgentWS)
	httpapi.New(reg, persistentStore, streamBroker, termBroker, files, relay, disp, log).RegisterRoutes(router)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Control plane listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down control plane...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("Control plane stopped")
}

func runTokenSweep(ctx context.Context, tokens store.TokenStore, log *logger.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tokens.Sweep(ctx); err != nil {
				log.Error("token sweep failed", zap.Error(apperr.Wrap(apperr.Internal, err)))
			}
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-User-Id, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
