// Package main is the entry point for the AgentDock server. The single
// binary hosts the websocket gateway, the session orchestrator and the
// usage reporter over shared infrastructure.
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
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/broker"
	"github.com/agentdock/agentdock/internal/common/config"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/events/bus"
	"github.com/agentdock/agentdock/internal/gateway"
	"github.com/agentdock/agentdock/internal/orchestrator"
	"github.com/agentdock/agentdock/internal/store"
	"github.com/agentdock/agentdock/internal/tracing"
	"github.com/agentdock/agentdock/internal/usage"
	"github.com/agentdock/agentdock/internal/workspace"
)

// Command-line flags override the corresponding config keys.
var (
	portFlag            = pflag.Int("port", 0, "HTTP server port")
	hostFlag            = pflag.String("host", "", "HTTP server bind host")
	dbPathFlag          = pflag.String("db-path", "", "SQLite database path")
	sessionsBaseDirFlag = pflag.String("sessions-base-dir", "", "Base directory for provisioned session workspaces")
	mockFlag            = pflag.Bool("mock", false, "Use the bundled mock-agent instead of the real agent CLI")
	configPathFlag      = pflag.String("config", "", "Directory containing config.yaml")
)

func main() {
	pflag.Parse()

	cfg, err := config.LoadWithPath(*configPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg)

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

	log.Info("Starting AgentDock...",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("mock", cfg.Agent.Mock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory unless NATS is configured.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// Session store. Rehydration resets statuses left over from a
	// previous run; agent children did not survive it.
	st, err := store.NewSQLiteStore(cfg.Database.Path, eventBus, log)
	if err != nil {
		log.Fatal("Failed to open session database", zap.Error(err), zap.String("db_path", cfg.Database.Path))
	}
	defer st.Close()
	if err := st.Rehydrate(ctx); err != nil {
		log.Fatal("Failed to rehydrate sessions", zap.Error(err))
	}

	cacheDir, err := cfg.Workspace.ExpandedCacheDir()
	if err != nil {
		log.Fatal("Failed to resolve workspace cache dir", zap.Error(err))
	}
	provisioner, err := workspace.NewProvisioner(workspace.Config{
		SessionsBaseDir: cfg.Workspace.SessionsBaseDir,
		CacheDir:        cacheDir,
		ContainerMode:   cfg.Workspace.ContainerMode,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize workspace provisioner", zap.Error(err))
	}

	hub := gateway.NewHub(log)
	orch := orchestrator.New(st, provisioner, broker.NewBroker(log), eventBus, hub, orchestrator.Config{
		Agent:      cfg.Agent,
		GatewayURL: fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port),
	}, log)

	reporter := usage.NewReporter(st, hub, eventBus, cfg.Usage.ReportIntervalDuration(), log)
	go reporter.Run(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	gateway.New(hub, st, orch, log).RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("WebSocket server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down AgentDock...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	orch.Shutdown()
	hub.Close()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("AgentDock stopped")
}

// applyFlags copies explicitly set command-line flags over the loaded
// configuration.
func applyFlags(cfg *config.Config) {
	if pflag.CommandLine.Changed("port") {
		cfg.Server.Port = *portFlag
	}
	if pflag.CommandLine.Changed("host") {
		cfg.Server.Host = *hostFlag
	}
	if pflag.CommandLine.Changed("db-path") {
		cfg.Database.Path = *dbPathFlag
	}
	if pflag.CommandLine.Changed("sessions-base-dir") {
		cfg.Workspace.SessionsBaseDir = *sessionsBaseDirFlag
	}
	if pflag.CommandLine.Changed("mock") {
		cfg.Agent.Mock = *mockFlag
	}
}

// corsMiddleware allows browser clients on other origins to reach the
// HTTP and websocket endpoints.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
