package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	// Server
	HTTPAddr       string
	LogLevel       string
	AllowedOrigins []string

	// Agents service (gRPC + MCP), used by the agents binary
	GRPCAddr        string
	MCPAddr         string
	AgentsTokenHash string // bcrypt hash of the bearer token accepted by gRPC and MCP

	// API base URL, used by the illustrate command to reach a running API
	APIBaseURL string

	// Database (generation event log, worker only)
	DatabaseURL string

	// Kafka (lifecycle events); empty brokers disable publishing
	KafkaBrokers       []string
	KafkaConsumerGroup string
	KafkaTopicEvents   string

	// S3/Storage (downloadable copies of rendered images); empty bucket disables uploads
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3PublicURL string

	// Gemini API
	GeminiAPIKey      string
	GeminiAPIEndpoint string // if set, overrides default Gemini API base URL
	GeminiModelText   string // style resolution with search grounding
	GeminiModelImage  string // image generation, e.g. gemini-3-pro-image-preview
	GeminiModelChat   string // art buddy chat
	ImageAspectRatio  string

	// Pipeline
	UpstreamTimeout  time.Duration
	ChatHistoryLimit int
	MaxTitleLength   int
	MaxStoryLength   int
}

// Load loads configuration from environment variables. A .env file in the
// working directory is applied first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),

		GRPCAddr:        getEnv("GRPC_ADDR", ":9090"),
		MCPAddr:         getEnv("MCP_ADDR", ":9091"),
		AgentsTokenHash: getEnv("AGENTS_TOKEN_HASH", ""),

		APIBaseURL: getEnv("API_BASE_URL", "http://localhost:8080"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		KafkaBrokers:       getEnvList("KAFKA_BROKERS", nil),
		KafkaConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "picturebook-worker"),
		KafkaTopicEvents:   getEnv("KAFKA_TOPIC_EVENTS", "picturebook.events.v1"),

		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3PublicURL: getEnv("S3_PUBLIC_URL", ""),

		GeminiAPIKey:      getEnv("API_KEY", getEnv("GEMINI_API_KEY", "")),
		GeminiAPIEndpoint: getEnv("GEMINI_API_ENDPOINT", ""),
		GeminiModelText:   getEnv("GEMINI_MODEL_TEXT", "gemini-3-pro-preview"),
		GeminiModelImage:  getEnv("GEMINI_MODEL_IMAGE", "gemini-3-pro-image-preview"),
		GeminiModelChat:   getEnv("GEMINI_MODEL_CHAT", "gemini-3-pro-preview"),
		ImageAspectRatio:  getEnv("IMAGE_ASPECT_RATIO", "1:1"),

		UpstreamTimeout:  getEnvDuration("UPSTREAM_TIMEOUT", 120*time.Second),
		ChatHistoryLimit: clampMin(getEnvInt("CHAT_HISTORY_LIMIT", 20), 0),
		MaxTitleLength:   clampMin(getEnvInt("MAX_TITLE_LENGTH", 200), 1),
		MaxStoryLength:   clampMin(getEnvInt("MAX_STORY_LENGTH", 2000), 1),
	}
}

// StorageEnabled reports whether rendered images should be copied to S3.
func (c *Config) StorageEnabled() bool {
	return c.S3Bucket != "" && (c.S3AccessKey != "" || c.S3Endpoint != "")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// clampMin returns v if v >= min, otherwise min. Used to ensure config values are in valid range.
func clampMin(v, min int) int {
	if v < min {
		return min
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
