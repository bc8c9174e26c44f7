package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/office-agent-chat/backend/api/handlers"
	"github.com/office-agent-chat/backend/internal/agentcli"
	"github.com/office-agent-chat/backend/internal/backend"
	"github.com/office-agent-chat/backend/internal/broker"
	"github.com/office-agent-chat/backend/internal/config"
	"github.com/office-agent-chat/backend/internal/db"
	"github.com/office-agent-chat/backend/internal/logger"
	"github.com/office-agent-chat/backend/internal/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	// Initialize database
	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.CloseDB()

	sessionRepo := repository.NewSessionRepository(database)

	transcripts, err := logger.NewTranscriptLogger(cfg.TranscriptDir)
	if err != nil {
		log.Fatalf("Failed to initialize transcript logger: %v", err)
	}
	defer transcripts.Close()

	// The agent CLI is started lazily by the shared handle on the
	// first session.create or models.list.
	client := agentcli.New(cfg.AgentCommand, cfg.AgentArgs...)
	handle := backend.NewHandle(client)

	brokerService := broker.NewService(handle, sessionRepo, transcripts, broker.Config{
		PermissionTimeout: cfg.PermissionTimeout,
		HealthWindow:      cfg.HealthWindow,
		SkillsDir:         cfg.SkillsDir,
	})
	defer brokerService.Close()

	// Initialize handlers
	wsHandler := handlers.NewWebSocketHandler(brokerService, cfg.WSPath)
	sessionHandler := handlers.NewSessionHandler(sessionRepo)
	healthHandler := handlers.NewHealthHandler(brokerService)

	// Initialize Gin router
	r := gin.Default()

	// Enable CORS for development
	r.Use(corsMiddleware())

	r.GET("/health", healthHandler.Health)
	wsHandler.RegisterRoutes(r)

	api := r.Group("/api")
	{
		sessionHandler.RegisterRoutes(api)
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down server...")
		brokerService.Close()
		if err := client.Stop(); err != nil {
			log.Printf("Agent client stop: %v", err)
		}
		transcripts.Close()
		db.CloseDB()
		os.Exit(0)
	}()

	// Start server
	log.Printf("Starting server on port %s (agent endpoint %s)", cfg.Port, cfg.WSPath)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
