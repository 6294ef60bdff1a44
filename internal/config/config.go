// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
	NATSBucket   string

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// Model provider settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
	DefaultProvider string

	AnthropicDefaultModel string
	OpenAIDefaultModel    string
	GoogleDefaultModel    string

	// Agent runtime settings
	AgentMaxSteps       int
	AgentRunTimeout     time.Duration
	ProviderMaxRetries  int
	HistoryMaxMessages  int
	PersistTimeout      time.Duration
	AgentMaxTokens      int
	EmbeddingModel      string

	// Retrieval settings
	DatabaseURL string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RunLimitRequests  int
	RunLimitWindow    time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),
		NATSBucket:   getEnv("NATS_BUCKET", "CONVERSATIONS"),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),

		// Providers
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		GoogleAPIKey:    getEnv("GOOGLE_API_KEY", ""),
		DefaultProvider: getEnv("DEFAULT_PROVIDER", "anthropic"),

		AnthropicDefaultModel: getEnv("ANTHROPIC_DEFAULT_MODEL", "claude-3-5-sonnet-20241022"),
		OpenAIDefaultModel:    getEnv("OPENAI_DEFAULT_MODEL", "gpt-4o"),
		GoogleDefaultModel:    getEnv("GOOGLE_DEFAULT_MODEL", "gemini-2.0-flash"),

		// Agent runtime
		AgentMaxSteps:      getIntEnv("AGENT_MAX_STEPS", 5),
		AgentRunTimeout:    getDurationEnv("AGENT_RUN_TIMEOUT", 2*time.Minute),
		ProviderMaxRetries: getIntEnv("PROVIDER_MAX_RETRIES", 3),
		HistoryMaxMessages: getIntEnv("HISTORY_MAX_MESSAGES", 1000),
		PersistTimeout:     getDurationEnv("PERSIST_TIMEOUT", 30*time.Second),
		AgentMaxTokens:     getIntEnv("AGENT_MAX_TOKENS", 4096),
		EmbeddingModel:     getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),

		// Retrieval
		DatabaseURL: getEnv("DATABASE_URL", ""),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		RunLimitRequests:  getIntEnv("RUN_LIMIT_REQUESTS", 10),
		RunLimitWindow:    getDurationEnv("RUN_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
