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
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/Call-Sure-AI/csai-processor-sub000/internal/adapter"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/cache"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/carrier"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/knowledge"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/pipeline"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/server"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/session"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/stt"
	"github.com/Call-Sure-AI/csai-processor-sub000/internal/tts"
	"github.com/Call-Sure-AI/csai-processor-sub000/pkg/config"
	"github.com/Call-Sure-AI/csai-processor-sub000/pkg/logger"
)

func main() {
	// Initialize logger
	if err := logger.Init(os.Getenv("ENV")); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting voice call processor...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize Neo4j driver
	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4jURI,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
	)
	if err != nil {
		log.Fatal("Failed to create Neo4j driver", zap.Error(err))
	}
	defer driver.Close(context.Background())

	// Verify Neo4j connection
	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Fatal("Failed to verify Neo4j connectivity", zap.Error(err))
	}

	// Initialize dependencies
	repo := knowledge.NewRepository(driver)
	llm := adapter.NewLLMAdapter(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.ModelID, cfg.EmbeddingModel)
	responseCache := cache.New(cache.TTLConfig{
		Short:  cfg.CacheTTLShort,
		Medium: cfg.CacheTTLMedium,
		Long:   cfg.CacheTTLLong,
	}, time.Minute)
	defer responseCache.Close()

	sttClient := stt.NewClient(cfg.STTServiceURL)
	ttsClient := tts.NewClient(cfg.TTSServiceURL, cfg.TTSVoiceID)
	synthesizer := pipeline.NewTTSSynthesizer(ttsClient)
	retriever := pipeline.NewKnowledgeRetriever(llm, repo)

	orchestrator := pipeline.NewOrchestrator(responseCache, retriever, llm, synthesizer, pipeline.Config{
		RetrievalJoinTimeout: cfg.RetrievalJoinTimeout,
		GenerationTimeout:    cfg.GenerationTimeout,
		MinChunkChars:        cfg.MinChunkChars,
		MaxPassages:          5,
	})

	sessionCfg := session.DefaultConfig()
	sessionCfg.InterruptMinWords = cfg.InterruptMinWords
	sessionCfg.CancelAckTimeout = cfg.CancelAckTimeout
	sessionCfg.PendingInterruptAge = cfg.PendingInterruptAge
	sessionCfg.EchoWindow = cfg.EchoWindow
	sessionCfg.MaxConsecutiveFailures = cfg.MaxConsecutiveFailures

	registry := session.NewRegistry()
	manager := server.NewManager(
		registry,
		session.NewSTTSource(sttClient),
		orchestrator,
		synthesizer,
		repo,
		sessionCfg,
		server.Config{
			BatchSize:        cfg.BatchSize,
			BatchWait:        cfg.BatchWait,
			WorkerCapacity:   cfg.WorkerCapacity,
			HandshakeTimeout: cfg.HandshakeTimeout,
			SendTimeout:      cfg.SendTimeout,
		},
	)
	defer manager.Close()

	// Setup Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Aggregate stats: connection manager counters plus cache hit/miss
	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"connections": manager.Stats(),
			"cache":       responseCache.Stats(),
		})
	})

	// Carrier media streams, one socket per call
	router.GET("/ws/:carrier", func(c *gin.Context) {
		kind := carrier.Kind(c.Param("carrier"))
		manager.HandleConnection(c.Writer, c.Request, kind)
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("Listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Forced shutdown", zap.Error(err))
	}
}
