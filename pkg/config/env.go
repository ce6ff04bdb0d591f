package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/skoposlabs/skopos/pkg/timeutil"
)

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
	simple      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
}

// expandEnvVars substitutes ${VAR}, ${VAR:-default} and $VAR references in
// YAML override values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func parseWindow(s string) (time.Duration, error) {
	return timeutil.ParseTimeString(s)
}

// Load builds the configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment:  getEnv("ENVIRONMENT", ""),
		Organization: getEnv("ORGANIZATION", ""),
		Server: ServerConfig{
			Host: getEnv("HOST", ""),
			Port: getEnvInt("PORT", 0),
		},
		Database: DatabaseConfig{
			Host:     getEnv("POSTGRES_HOST", ""),
			Port:     getEnvInt("POSTGRES_PORT", 0),
			User:     getEnv("POSTGRES_USER", ""),
			Password: getEnv("POSTGRES_PASSWORD", ""),
			DBName:   getEnv("POSTGRES_DB", ""),
			SSLMode:  getEnv("POSTGRES_SSLMODE", ""),
		},
		Redis: RedisConfig{
			Addr: getEnv("REDIS_HOST", ""),
		},
		Memcached: MemcachedConfig{
			Addr: getEnv("MEMCACHED_HOST", ""),
		},
		Cache: CacheConfig{
			Backend: getEnv("CACHE_BACKEND", ""),
		},
		LLM: LLMConfig{
			OpenAIAPIKey:            getEnv("OPENAI_API_KEY", ""),
			GroqAPIKey:              getEnv("GROQ_API_KEY", ""),
			DefaultProviderAndModel: getEnv("DEFAULT_LLM_PROVIDER_AND_MODEL", ""),
			DefaultOpenAIModel:      getEnv("DEFAULT_OPENAI_LLM_MODEL", ""),
			DefaultGroqModel:        getEnv("DEFAULT_GROQ_LLM_MODEL", ""),
			AggregationsHeavyModel:  getEnv("AGGREGATIONS_HEAVY_MODEL", ""),
			AggregationsLightModel:  getEnv("AGGREGATIONS_LIGHT_MODEL", ""),
		},
		Embeddings: EmbeddingsConfig{
			DefaultModel: getEnv("DEFAULT_EMBEDDINGS_MODEL", ""),
			ProviderURL:  getEnv("EMBEDDINGS_PROVIDER_URL", ""),
			OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		},
		Ingest: IngestConfig{
			BatchSize:           getEnvInt("INGEST_BATCH_SIZE", 0),
			DeleteBatchSize:     getEnvInt("DELETE_BATCH_SIZE", 0),
			Workers:             getEnvInt("INGEST_WORKERS", 0),
			QueueSize:           getEnvInt("INGEST_QUEUE_SIZE", 0),
			MaintenanceInterval: getEnvDuration("MAINTENANCE_INTERVAL", 0),
		},
		Retention: RetentionConfig{
			EventsCleanupAfter:             getEnv("EVENTS_CLEANUP_AFTER", ""),
			SearchHistoryCleanupAfter:      getEnv("SEARCH_HISTORY_CLEANUP_AFTER", ""),
			LoneEventsAfter:                getEnv("EVENTS_CLEANUP_LONE_EVENTS_AFTER", ""),
			LoneEventsMinCount:             getEnvInt("EVENTS_CLEANUP_LONE_EVENTS_MIN_COUNT", 0),
			MaxEventsPerPersonAndType:      getEnvInt("EVENTS_CLEANUP_MAX_PER_PERSON_AND_TYPE", 0),
			EventToHistoryThresholdMinutes: getEnvInt("EVENT_TO_RECOMMENDATION_HISTORY_THRESHOLD_MINUTES", 0),
		},
		Qdrant: QdrantConfig{
			Host:   getEnv("QDRANT_HOST", ""),
			Port:   getEnvInt("QDRANT_PORT", 0),
			APIKey: getEnv("QDRANT_API_KEY", ""),
			UseTLS: getEnvBool("QDRANT_USE_TLS", false),
		},
		Logger: LoggerConfig{
			Level:  getEnv("LOG_LEVEL", ""),
			Format: getEnv("LOG_FORMAT", ""),
			File:   getEnv("LOG_FILE", ""),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvBool("TRACING_ENABLED", false),
			EndpointURL:  getEnv("TRACING_ENDPOINT", ""),
			SamplingRate: getEnvFloat("TRACING_SAMPLING_RATE", 0),
			ServiceName:  getEnv("TRACING_SERVICE_NAME", ""),
		},
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadFile loads the environment config and applies YAML overrides from
// path. String values in the file may reference environment variables.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}

	expanded := expandEnvVars(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
