package main

import (
	"os"
	"strconv"
	"time"
)

type appConfig struct {
	HTTPAddr       string
	PostgresDSN    string
	RedisAddr      string
	NATSURL        string
	NATSSubject    string
	AMQPURL        string
	AMQPExchange   string
	JWTSecret      string
	MaxRetries     int
	GuardTTL       time.Duration
	NearbyRadiusKM float64
	NearbyLimit    int
	IdempotencyTTL time.Duration
	OutboxPoll     time.Duration
	OutboxBatch    int
	OutboxRetry    int
	NotifyBuffer   int
	NotifyWorkers  int
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		PostgresDSN:    firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		NATSURL:        os.Getenv("NATS_URL"),
		NATSSubject:    getenv("NATS_SUBJECT", "assist.notifications"),
		AMQPURL:        os.Getenv("AMQP_URL"),
		AMQPExchange:   getenv("AMQP_EXCHANGE", "assist.notifications"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		MaxRetries:     parseIntEnv("ENGINE_MAX_RETRIES", 5),
		GuardTTL:       parseDurationEnv("ASSIGN_GUARD_TTL_MS", 5000, time.Millisecond),
		NearbyRadiusKM: parseFloatEnv("NEARBY_DEFAULT_RADIUS_M", 10000) / 1000,
		NearbyLimit:    parseIntEnv("NEARBY_LIMIT", 20),
		IdempotencyTTL: parseDurationEnv("IDEMPOTENCY_TTL_SEC", 86400, time.Second),
		OutboxPoll:     parseDurationEnv("OUTBOX_POLL_MS", 200, time.Millisecond),
		OutboxBatch:    parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry:    parseIntEnv("OUTBOX_RETRY_MAX", 3),
		NotifyBuffer:   parseIntEnv("NOTIFY_BUFFER", 256),
		NotifyWorkers:  parseIntEnv("NOTIFY_WORKERS", 2),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// parseDurationEnv reads an integer count of unit.
func parseDurationEnv(key string, fallback int, unit time.Duration) time.Duration {
	return time.Duration(parseIntEnv(key, fallback)) * unit
}
