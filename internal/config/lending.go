package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LendingConfig carries the coordinator's runtime knobs: the retry
// schedule plus the optional ops-queue and event-stream wiring.
type LendingConfig struct {
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryFactor       int
	OpsQueueKey       string
	KafkaBrokers      []string
}

func LoadLendingConfig() *LendingConfig {
	return &LendingConfig{
		RetryMaxAttempts:  getEnvAsInt("LENDING_RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay: getEnvAsDuration("LENDING_RETRY_INITIAL_DELAY", 50*time.Millisecond),
		RetryFactor:       getEnvAsInt("LENDING_RETRY_FACTOR", 2),
		OpsQueueKey:       getEnv("LENDING_OPS_QUEUE_KEY", "lending_ops"),
		KafkaBrokers:      getEnvAsList("KAFKA_BROKERS", nil),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsList(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultVal
}
