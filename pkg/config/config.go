package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// App
	Port string
	Env  string

	// Neo4j (knowledge base + call records)
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	// LLM
	LLMBaseURL     string
	LLMAPIKey      string
	ModelID        string
	EmbeddingModel string

	// Voice services
	STTServiceURL string // Streaming speech-to-text WebSocket URL
	TTSServiceURL string // Streaming text-to-speech WebSocket URL
	TTSVoiceID    string

	// Turn pipeline
	RetrievalJoinTimeout time.Duration // How long generation waits for retrieval results
	GenerationTimeout    time.Duration
	MinChunkChars        int // Smallest generated fragment forwarded to synthesis

	// Interruption handling
	InterruptMinWords   int           // Interim transcripts below this word count are ignored
	CancelAckTimeout    time.Duration // How long to wait for synthesis cancellation acknowledgment
	PendingInterruptAge time.Duration // How long an interrupted fragment stays mergeable
	EchoWindow          time.Duration // Suppress interims echoing agent speech within this window

	// Response cache TTLs per class
	CacheTTLShort  time.Duration
	CacheTTLMedium time.Duration
	CacheTTLLong   time.Duration

	// Connection manager
	BatchSize        int
	BatchWait        time.Duration
	WorkerCapacity   int
	HandshakeTimeout time.Duration
	SendTimeout      time.Duration

	// Failure policy
	MaxConsecutiveFailures int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		Neo4jURI:      getEnv("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:     getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword: getEnv("NEO4J_PASSWORD", "password"),

		LLMBaseURL:     getEnv("LLM_BASE_URL", "http://localhost:4000"),
		LLMAPIKey:      getEnv("LLM_API_KEY", ""),
		ModelID:        getEnv("MODEL_ID", "gpt-4o-mini"),
		EmbeddingModel: getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),

		STTServiceURL: getEnv("STT_SERVICE_URL", "ws://localhost:8001/stream"),
		TTSServiceURL: getEnv("TTS_SERVICE_URL", "ws://localhost:8002/stream"),
		TTSVoiceID:    getEnv("TTS_VOICE_ID", "default"),

		RetrievalJoinTimeout: getEnvDuration("RETRIEVAL_JOIN_TIMEOUT_MS", 1000),
		GenerationTimeout:    getEnvDuration("GENERATION_TIMEOUT_MS", 15000),
		MinChunkChars:        getEnvInt("MIN_CHUNK_CHARS", 3),

		InterruptMinWords:   getEnvInt("INTERRUPT_MIN_WORDS", 2),
		CancelAckTimeout:    getEnvDuration("CANCEL_ACK_TIMEOUT_MS", 300),
		PendingInterruptAge: getEnvDuration("PENDING_INTERRUPT_AGE_MS", 10000),
		EchoWindow:          getEnvDuration("ECHO_WINDOW_MS", 1500),

		CacheTTLShort:  getEnvDuration("CACHE_TTL_SHORT_MS", 300000),
		CacheTTLMedium: getEnvDuration("CACHE_TTL_MEDIUM_MS", 900000),
		CacheTTLLong:   getEnvDuration("CACHE_TTL_LONG_MS", 3600000),

		BatchSize:        getEnvInt("BATCH_SIZE", 8),
		BatchWait:        getEnvDuration("BATCH_WAIT_MS", 50),
		WorkerCapacity:   getEnvInt("WORKER_CAPACITY", 16),
		HandshakeTimeout: getEnvDuration("HANDSHAKE_TIMEOUT_MS", 10000),
		SendTimeout:      getEnvDuration("SEND_TIMEOUT_MS", 5000),

		MaxConsecutiveFailures: getEnvInt("MAX_CONSECUTIVE_FAILURES", 3),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if c.Neo4jURI == "" {
		return fmt.Errorf("NEO4J_URI is required")
	}
	if c.LLMBaseURL == "" {
		return fmt.Errorf("LLM_BASE_URL is required")
	}
	if c.ModelID == "" {
		return fmt.Errorf("MODEL_ID is required")
	}
	if c.STTServiceURL == "" {
		return fmt.Errorf("STT_SERVICE_URL is required")
	}
	if c.TTSServiceURL == "" {
		return fmt.Errorf("TTS_SERVICE_URL is required")
	}
	if c.InterruptMinWords < 1 {
		return fmt.Errorf("INTERRUPT_MIN_WORDS must be at least 1")
	}
	if c.BatchSize < 1 || c.WorkerCapacity < 1 {
		return fmt.Errorf("BATCH_SIZE and WORKER_CAPACITY must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvDuration reads a millisecond count from the environment.
func getEnvDuration(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMillis)) * time.Millisecond
}
