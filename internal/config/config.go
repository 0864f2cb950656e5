package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Profile store backends.
const (
	ProfileBackendMemory   = "memory"
	ProfileBackendRedis    = "redis"
	ProfileBackendPostgres = "postgres"
)

// Config holds application configuration
type Config struct {
	Env      string
	LogLevel string

	// Recovery
	RecoveryConcurrency       int
	DisableFallbackTimestamps bool
	RedactResults             bool
	SpeakerProfileBackend     string
	SpeakerProfileFile        string

	// Worker
	UseMemoryQueue      bool
	WorkerCount         int
	ReceiveWaitSeconds  int
	RecoveryQueueURL    string
	QueueVisibility     time.Duration
	RecoveryJobsTable   string
	ShutdownGracePeriod time.Duration
	MetricsAddr         string
	ExportBucket        string
	ResultsBucket       string
	DatabaseURL         string
	RedisAddr           string
	RedisPassword       string
	RedisTLS            bool
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		RecoveryConcurrency:       getEnvAsInt("RECOVERY_CONCURRENCY", 0),
		DisableFallbackTimestamps: getEnvAsBool("DISABLE_FALLBACK_TIMESTAMPS", false),
		RedactResults:             getEnvAsBool("REDACT_RESULTS", false),
		SpeakerProfileBackend:     strings.ToLower(strings.TrimSpace(getEnv("SPEAKER_PROFILE_BACKEND", ProfileBackendMemory))),
		SpeakerProfileFile:        getEnv("SPEAKER_PROFILE_FILE", ""),

		UseMemoryQueue:      getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:         getEnvAsInt("RECOVERY_WORKER_COUNT", 2),
		ReceiveWaitSeconds:  getEnvAsInt("RECOVERY_RECEIVE_WAIT_SECONDS", 10),
		RecoveryQueueURL:    getEnv("RECOVERY_QUEUE_URL", ""),
		QueueVisibility:     getEnvAsDuration("RECOVERY_QUEUE_VISIBILITY", 5*time.Minute),
		RecoveryJobsTable:   getEnv("RECOVERY_JOBS_TABLE", "recovery_jobs"),
		ShutdownGracePeriod: getEnvAsDuration("SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		MetricsAddr:         getEnv("METRICS_ADDR", ":9090"),
		ExportBucket:        getEnv("EXPORT_BUCKET", ""),
		ResultsBucket:       getEnv("RESULTS_BUCKET", ""),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisAddr:           getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisTLS:            getEnvAsBool("REDIS_TLS", false),
		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
	}
}

// ValidateWorker checks the settings the recovery worker cannot run without.
func (c *Config) ValidateWorker() error {
	var missing []string
	if !c.UseMemoryQueue && c.RecoveryQueueURL == "" {
		missing = append(missing, "RECOVERY_QUEUE_URL (or USE_MEMORY_QUEUE=true)")
	}
	if c.ExportBucket == "" {
		missing = append(missing, "EXPORT_BUCKET")
	}
	switch c.SpeakerProfileBackend {
	case ProfileBackendMemory, ProfileBackendRedis:
	case ProfileBackendPostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL (SPEAKER_PROFILE_BACKEND=postgres)")
		}
	default:
		return fmt.Errorf("config: unknown SPEAKER_PROFILE_BACKEND %q", c.SpeakerProfileBackend)
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
