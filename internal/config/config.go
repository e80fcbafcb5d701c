package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port               int
	NatsURL            string
	NatsToken          string
	DatabaseURL        string
	RedisURL           string
	LogLevel           string
	APIToken           string
	EngineConfigPath   string
	ModelServingURL    string
	ModelServingToken  string
	FeedbackBucket     string
	AWSRegion          string
	Workers            int
	CheckpointInterval time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:               envInt("CLOSER_PORT", 8760),
		NatsURL:            envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:          envStr("NATS_TOKEN", ""),
		DatabaseURL:        envStr("DATABASE_URL", ""),
		RedisURL:           envStr("REDIS_URL", ""),
		LogLevel:           envStr("LOG_LEVEL", "info"),
		APIToken:           envStr("CLOSER_API_TOKEN", ""),
		EngineConfigPath:   envStr("ENGINE_CONFIG", "engine.yaml"),
		ModelServingURL:    envStr("MODEL_SERVING_URL", "http://model-serving:8080"),
		ModelServingToken:  envStr("MODEL_SERVING_TOKEN", ""),
		FeedbackBucket:     envStr("FEEDBACK_BUCKET", ""),
		AWSRegion:          envStr("AWS_REGION", "us-east-1"),
		Workers:            envInt("CLOSER_WORKERS", 8),
		CheckpointInterval: envDur("CHECKPOINT_INTERVAL", 30*time.Second),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
