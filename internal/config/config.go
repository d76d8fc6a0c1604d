// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string

	// Database settings
	DatabaseDriver string
	DatabaseURL    string

	// NATS settings; an empty URL runs the registry process-local.
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Stream settings
	StreamRetention      time.Duration
	StreamRelayMaxAge    time.Duration
	StreamHeartbeat      time.Duration
	CompletionMaxSteps   int
	CompletionSystemFile string

	// JWT settings
	JWTSecret string

	// LLM settings
	AnthropicAPIKey   string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	TitleModel        string

	// Tool settings
	SearchEnabled    bool
	SearchUserAgent  string
	CodeTimeout      time.Duration
	CodeMaxSteps     uint64
	FetchMaxBytes    int64
	S3Region         string
	S3Endpoint       string
	AttachmentsInS3  bool
	FetchConcurrency int

	// FetchAllowPrivate lets attachment and page fetches reach private
	// networks.
	FetchAllowPrivate bool

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads an optional .env file, then configuration from environment
// variables. Variables already set win over the file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		AllowedOrigins:     getListEnv("ALLOWED_ORIGINS", []string{"https://*", "http://*"}),

		// Database
		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    getEnv("DATABASE_URL", "file:chatstream.db"),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Streams
		StreamRetention:      getDurationEnv("STREAM_RETENTION", time.Minute),
		StreamRelayMaxAge:    getDurationEnv("STREAM_RELAY_MAX_AGE", time.Hour),
		StreamHeartbeat:      getDurationEnv("STREAM_HEARTBEAT", 15*time.Second),
		CompletionMaxSteps:   getIntEnv("COMPLETION_MAX_STEPS", 5),
		CompletionSystemFile: getEnv("SYSTEM_PROMPT_FILE", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// LLM
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", ""),
		OpenRouterAPIKey:  getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		TitleModel:        getEnv("TITLE_MODEL", "google/gemini-2.0-flash-001"),

		// Tools
		SearchEnabled:    getBoolEnv("SEARCH_ENABLED", true),
		SearchUserAgent:  getEnv("SEARCH_USER_AGENT", "chatstream/1.0"),
		CodeTimeout:      getDurationEnv("CODE_TIMEOUT", 5*time.Second),
		CodeMaxSteps:     uint64(getIntEnv("CODE_MAX_STEPS", 10_000_000)),
		FetchMaxBytes:    int64(getIntEnv("FETCH_MAX_BYTES", 10<<20)),
		FetchConcurrency: getIntEnv("FETCH_CONCURRENCY", 4),
		S3Region:         getEnv("S3_REGION", ""),
		S3Endpoint:       getEnv("S3_ENDPOINT", ""),
		AttachmentsInS3:  getBoolEnv("ATTACHMENTS_S3", false),

		FetchAllowPrivate: getBoolEnv("FETCH_ALLOW_PRIVATE", false),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.AnthropicAPIKey == "" && c.OpenAIAPIKey == "" && c.OpenRouterAPIKey == "" {
		errs = append(errs, errors.New("at least one of ANTHROPIC_API_KEY, OPENAI_API_KEY, OPENROUTER_API_KEY is required"))
	}
	if c.StreamRetention <= 0 {
		errs = append(errs, errors.New("STREAM_RETENTION must be positive"))
	}
	return errors.Join(errs...)
}

// SystemPrompt returns the contents of SYSTEM_PROMPT_FILE, or "" when unset.
func (c *Config) SystemPrompt() (string, error) {
	if c.CompletionSystemFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.CompletionSystemFile)
	if err != nil {
		return "", fmt.Errorf("failed to read system prompt: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
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

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
