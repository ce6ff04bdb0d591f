// Package config holds the service configuration. Values come from the
// environment (with a .env file loaded best-effort), optionally overridden
// by a YAML file. Every section follows the same shape: a struct with
// SetDefaults and Validate.
package config

import (
	"fmt"
	"time"
)

type Config struct {
	Environment  string           `yaml:"environment"`
	Organization string           `yaml:"organization"`
	Server       ServerConfig     `yaml:"server"`
	Database     DatabaseConfig   `yaml:"database"`
	Redis        RedisConfig      `yaml:"redis"`
	Memcached    MemcachedConfig  `yaml:"memcached"`
	Cache        CacheConfig      `yaml:"cache"`
	LLM          LLMConfig        `yaml:"llm"`
	Embeddings   EmbeddingsConfig `yaml:"embeddings"`
	Ingest       IngestConfig     `yaml:"ingest"`
	Retention    RetentionConfig  `yaml:"retention"`
	Qdrant       QdrantConfig     `yaml:"qdrant"`
	Logger       LoggerConfig     `yaml:"logger"`
	Tracing      TracingConfig    `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int `yaml:"max_open_conns"`
	MaxIdleConns    int `yaml:"max_idle_conns"`
	ConnMaxLifetime int `yaml:"conn_max_lifetime_minutes"`
}

type RedisConfig struct {
	// Addr is host:port.
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

type MemcachedConfig struct {
	// Addr is host:port.
	Addr string `yaml:"addr"`
}

type CacheConfig struct {
	// Backend selects the cache implementation: memcached, redis or none.
	Backend string `yaml:"backend"`
}

type LLMConfig struct {
	OpenAIAPIKey string `yaml:"openai_api_key"`
	GroqAPIKey   string `yaml:"groq_api_key"`

	// DefaultProviderAndModel is a provider:model reference used when a
	// config does not name a model.
	DefaultProviderAndModel string `yaml:"default_provider_and_model"`
	DefaultOpenAIModel      string `yaml:"default_openai_model"`
	DefaultGroqModel        string `yaml:"default_groq_model"`

	AggregationsHeavyModel string `yaml:"aggregations_heavy_model"`
	AggregationsLightModel string `yaml:"aggregations_light_model"`

	Timeout    int `yaml:"timeout"`
	MaxRetries int `yaml:"max_retries"`
	RetryDelay int `yaml:"retry_delay"`
}

type EmbeddingsConfig struct {
	DefaultModel string `yaml:"default_model"`

	// ProviderURL is the base URL of the sentence-transformer service used
	// for non-OpenAI models.
	ProviderURL string `yaml:"provider_url"`

	OpenAIAPIKey string `yaml:"openai_api_key"`

	BatchSize  int `yaml:"batch_size"`
	Timeout    int `yaml:"timeout"`
	MaxRetries int `yaml:"max_retries"`
}

type IngestConfig struct {
	BatchSize       int `yaml:"batch_size"`
	DeleteBatchSize int `yaml:"delete_batch_size"`
	Workers         int `yaml:"workers"`
	QueueSize       int `yaml:"queue_size"`

	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

type RetentionConfig struct {
	EventsCleanupAfter        string `yaml:"events_cleanup_after"`
	SearchHistoryCleanupAfter string `yaml:"search_history_cleanup_after"`
	LoneEventsAfter           string `yaml:"lone_events_after"`
	LoneEventsMinCount        int    `yaml:"lone_events_min_count"`
	MaxEventsPerPersonAndType int    `yaml:"max_events_per_person_and_type"`

	// EventToHistoryThresholdMinutes bounds how far back an event can be
	// linked to the search that served the item.
	EventToHistoryThresholdMinutes int `yaml:"event_to_history_threshold_minutes"`
}

// QdrantConfig connects the qdrant indexer backend over gRPC.
type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
	UseTLS bool   `yaml:"use_tls"`
}

type LoggerConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text, verbose or json.
	Format string `yaml:"format"`
	// File is the log file path; empty logs to stderr.
	File string `yaml:"file"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	EndpointURL  string  `yaml:"endpoint_url"`
	SamplingRate float64 `yaml:"sampling_rate"`
	ServiceName  string  `yaml:"service_name"`
}

func (c *Config) SetDefaults() {
	if c.Environment == "" {
		c.Environment = "production"
	}
	if c.Organization == "" {
		c.Organization = "default-org"
	}
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Redis.SetDefaults()
	c.Memcached.SetDefaults()
	c.Cache.SetDefaults()
	c.LLM.SetDefaults()
	c.Embeddings.SetDefaults()
	c.Ingest.SetDefaults()
	c.Retention.SetDefaults()
	c.Qdrant.SetDefaults()
	c.Logger.SetDefaults()
	c.Tracing.SetDefaults()
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	return nil
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

func (c *DatabaseConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.User == "" {
		c.User = "postgres"
	}
	if c.DBName == "" {
		c.DBName = "skopos"
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30
	}
}

func (c *DatabaseConfig) Validate() error {
	if c.Host == "" || c.DBName == "" {
		return fmt.Errorf("host and dbname are required")
	}
	return nil
}

// DSN renders the lib/pq connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

func (c *RedisConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "redis:6379"
	}
}

func (c *MemcachedConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "memcached:11211"
	}
}

func (c *CacheConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memcached"
	}
}

func (c *CacheConfig) Validate() error {
	switch c.Backend {
	case "memcached", "redis", "none":
		return nil
	}
	return fmt.Errorf("unknown cache backend %q", c.Backend)
}

func (c *LLMConfig) SetDefaults() {
	if c.DefaultProviderAndModel == "" {
		c.DefaultProviderAndModel = "openai:gpt-4o"
	}
	if c.DefaultOpenAIModel == "" {
		c.DefaultOpenAIModel = "gpt-4o"
	}
	if c.DefaultGroqModel == "" {
		c.DefaultGroqModel = "llama3-8b-8192"
	}
	if c.AggregationsHeavyModel == "" {
		c.AggregationsHeavyModel = "openai:gpt-4o"
	}
	if c.AggregationsLightModel == "" {
		c.AggregationsLightModel = "openai:gpt-4o-mini"
	}
	if c.Timeout == 0 {
		c.Timeout = 60
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2
	}
}

func (c *EmbeddingsConfig) SetDefaults() {
	if c.DefaultModel == "" {
		c.DefaultModel = "text-embedding-3-small"
	}
	if c.BatchSize == 0 {
		c.BatchSize = 500
	}
	if c.Timeout == 0 {
		c.Timeout = 60
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

func (c *IngestConfig) SetDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 500
	}
	if c.DeleteBatchSize == 0 {
		c.DeleteBatchSize = 100
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.QueueSize == 0 {
		c.QueueSize = 1024
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = time.Minute
	}
}

func (c *IngestConfig) Validate() error {
	if c.BatchSize < 1 || c.DeleteBatchSize < 1 {
		return fmt.Errorf("batch sizes must be positive")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive")
	}
	return nil
}

func (c *RetentionConfig) SetDefaults() {
	if c.EventsCleanupAfter == "" {
		c.EventsCleanupAfter = "30d"
	}
	if c.SearchHistoryCleanupAfter == "" {
		c.SearchHistoryCleanupAfter = "3d"
	}
	if c.LoneEventsAfter == "" {
		c.LoneEventsAfter = "24h"
	}
	if c.LoneEventsMinCount == 0 {
		c.LoneEventsMinCount = 2
	}
	if c.MaxEventsPerPersonAndType == 0 {
		c.MaxEventsPerPersonAndType = 50
	}
	if c.EventToHistoryThresholdMinutes == 0 {
		c.EventToHistoryThresholdMinutes = 600
	}
}

func (c *RetentionConfig) Validate() error {
	for name, window := range map[string]string{
		"events_cleanup_after":         c.EventsCleanupAfter,
		"search_history_cleanup_after": c.SearchHistoryCleanupAfter,
		"lone_events_after":            c.LoneEventsAfter,
	} {
		if _, err := parseWindow(window); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (c *QdrantConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
}

func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LoggerConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Level)
	}
	switch c.Format {
	case "text", "verbose", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Format)
	}
	return nil
}

func (c *TracingConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "skopos"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
	if c.EndpointURL == "" {
		c.EndpointURL = "localhost:4317"
	}
}
