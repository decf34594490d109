package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string

	TierTablePath     string
	ModelRegistryPath string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OllamaBaseURL string

	OTLPEndpoint     string
	AWSRegion        string
	BillingQueueURL  string
	AlertTopicArn    string
	SecretName       string
	EncryptionKey    string
	AdminAuthEnabled bool

	// Horizontal scaling features
	UseDistributedRateLimit      bool
	UseDistributedCircuitBreaker bool

	CircuitFailureThreshold int
	CircuitSuccessThreshold int
	CircuitOpenTimeout      time.Duration

	ExecuteTimeout  time.Duration
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                         getEnv("ADDR", ":8080"),
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
		RedisURL:                     getEnv("REDIS_URL", ""),
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		TierTablePath:                getEnv("TIER_TABLE_PATH", ""),
		ModelRegistryPath:            getEnv("MODEL_REGISTRY_PATH", ""),
		OpenAIAPIKey:                 getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:                getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OllamaBaseURL:                getEnv("OLLAMA_BASE_URL", ""),
		OTLPEndpoint:                 getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:                    getEnv("AWS_REGION", ""),
		BillingQueueURL:              getEnv("BILLING_QUEUE_URL", ""),
		AlertTopicArn:                getEnv("ALERT_TOPIC_ARN", ""),
		SecretName:                   getEnv("PROVIDER_SECRET_NAME", ""),
		EncryptionKey:                getEnv("ENCRYPTION_KEY", ""),
		AdminAuthEnabled:             getEnv("ADMIN_AUTH_ENABLED", "false") == "true",
		UseDistributedRateLimit:      getEnv("USE_DISTRIBUTED_RATELIMIT", "false") == "true",
		UseDistributedCircuitBreaker: getEnv("USE_DISTRIBUTED_CB", "false") == "true",
		CircuitFailureThreshold:      getIntEnv("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitSuccessThreshold:      getIntEnv("CIRCUIT_SUCCESS_THRESHOLD", 2),
		CircuitOpenTimeout:           getDurationEnv("CIRCUIT_OPEN_TIMEOUT", 30*time.Second),
		ExecuteTimeout:               getDurationEnv("EXECUTE_TIMEOUT", 120*time.Second),
		ShutdownTimeout:              getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
