// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the health Q&A service configuration.
//
// # Description
//
// Configuration is resolved in three layers:
//
//  1. Built-in defaults (Defaults).
//  2. A YAML file. ${VAR} references are expanded from the environment
//     before parsing, so secrets can stay out of the file.
//  3. HEALTHQA_* environment variables, which win over the file.
//
// The result is checked with validator struct tags plus the cross-field
// rules in Validate. Load never returns a partially valid Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/analysis"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/knowledge"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/timeseries"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultPort            = 12210
	DefaultK               = 6
	DefaultWindow          = 7 * 24 * time.Hour
	DefaultMaxHistoryTurns = 12
	DefaultEmbedCacheSize  = 1024
	DefaultRatePerSecond   = 2.0
	DefaultRateBurst       = 10
	DefaultShutdownTimeout = 15 * time.Second
)

// Config is the top-level service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	LLM          LLMConfig          `yaml:"llm"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	MetricStore  MetricStoreConfig  `yaml:"metric_store"`
	Conversation ConversationConfig `yaml:"conversation"`
	Knowledge    KnowledgeConfig    `yaml:"knowledge"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Logging      LoggingConfig      `yaml:"logging"`
	Analysis     AnalysisConfig     `yaml:"analysis"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	MetricKinds  MetricKindsConfig  `yaml:"metric_kinds"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"gte=1,lte=65535"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	// GinMode is passed to gin.SetMode: debug, release or test.
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`
	// KeepAlive is the SSE comment interval. Zero disables keep-alives.
	KeepAlive time.Duration `yaml:"keep_alive" validate:"gte=0"`
	// AllowedOrigins lists WebSocket origins. Empty means same origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// ReadyTimeout bounds each readiness probe.
	ReadyTimeout time.Duration `yaml:"ready_timeout" validate:"gte=0"`
}

// AuthConfig controls x-api-key authentication on /v1 routes.
type AuthConfig struct {
	// Disabled turns authentication off. Only for local development.
	Disabled bool     `yaml:"disabled"`
	APIKeys  []string `yaml:"api_keys" validate:"dive,min=16"`
}

// RateLimitConfig is the per-user token bucket.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// OpenAIConfig mirrors llm.OpenAIConfig with YAML tags.
type OpenAIConfig struct {
	APIKey        string `yaml:"api_key"`
	APIKeyFile    string `yaml:"api_key_file"`
	Model         string `yaml:"model"`
	BaseURL       string `yaml:"base_url" validate:"omitempty,url"`
	AzureEndpoint string `yaml:"azure_endpoint" validate:"omitempty,url"`
	APIVersion    string `yaml:"api_version"`
}

// OllamaConfig addresses a local Ollama server.
type OllamaConfig struct {
	BaseURL string        `yaml:"base_url" validate:"omitempty,url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// LLMConfig selects the generation provider.
type LLMConfig struct {
	Backend     string       `yaml:"backend" validate:"oneof=openai ollama"`
	OpenAI      OpenAIConfig `yaml:"openai"`
	Ollama      OllamaConfig `yaml:"ollama"`
	Temperature *float32     `yaml:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int         `yaml:"max_tokens" validate:"omitempty,gt=0"`
}

// EmbeddingConfig selects the embedding provider. The OpenAI and Ollama
// connection settings are shared with LLMConfig.
type EmbeddingConfig struct {
	Backend   string `yaml:"backend" validate:"oneof=openai ollama"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension" validate:"gt=0"`
	// CacheSize bounds the embedding LRU. Zero disables the cache.
	CacheSize int `yaml:"cache_size" validate:"gte=0"`
}

// MetricStoreConfig selects the metric series backend.
type MetricStoreConfig struct {
	Backend string                  `yaml:"backend" validate:"oneof=memory influx"`
	Influx  timeseries.InfluxConfig `yaml:"influx" validate:"-"`
}

// BadgerConversationConfig places the embedded conversation store.
type BadgerConversationConfig struct {
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl" validate:"gte=0"`
	// InMemory keeps the store in RAM. Useful for demos.
	InMemory bool `yaml:"in_memory"`
}

// ConversationConfig selects the conversation backend.
type ConversationConfig struct {
	Backend string                   `yaml:"backend" validate:"oneof=memory redis badger"`
	Redis   conversation.RedisConfig `yaml:"redis" validate:"-"`
	Badger  BadgerConversationConfig `yaml:"badger" validate:"-"`
}

// WeaviateConfig addresses the vector database.
type WeaviateConfig struct {
	Host   string `yaml:"host" validate:"required"`
	Scheme string `yaml:"scheme" validate:"oneof=http https"`
	APIKey string `yaml:"api_key"`
}

// KnowledgeConfig selects the knowledge index and chunking.
type KnowledgeConfig struct {
	Backend  string                    `yaml:"backend" validate:"oneof=memory weaviate"`
	Weaviate WeaviateConfig            `yaml:"weaviate" validate:"-"`
	Ingest   knowledge.IngestorConfig  `yaml:"ingest"`
}

// TracingConfig selects the span and metric exporters.
type TracingConfig struct {
	Exporter    string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`

	// MetricExporter carries backend instruments. "prometheus" shares /metrics.
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
	// Redact masks question, reply and document text in log attributes.
	Redact bool `yaml:"redact"`
}

// AnalysisConfig tunes the analyzer.
type AnalysisConfig struct {
	DeviationThreshold float64 `yaml:"deviation_threshold" validate:"gt=0"`
	// SafeRanges replaces the default absolute range for the listed kinds.
	SafeRanges map[string]analysis.SafeRange `yaml:"safe_ranges"`
}

// TimeoutsConfig bounds each collaborator call. Zero disables a bound.
type TimeoutsConfig struct {
	Metrics    time.Duration `yaml:"metrics" validate:"gte=0"`
	History    time.Duration `yaml:"history" validate:"gte=0"`
	Embedding  time.Duration `yaml:"embedding" validate:"gte=0"`
	Index      time.Duration `yaml:"index" validate:"gte=0"`
	Generation time.Duration `yaml:"generation" validate:"gte=0"`
	Persist    time.Duration `yaml:"persist" validate:"gte=0"`
}

// PipelineConfig tunes the answer pipeline.
type PipelineConfig struct {
	DefaultK        int            `yaml:"default_k" validate:"gte=1,lte=20"`
	Window          time.Duration  `yaml:"window" validate:"gt=0"`
	MaxHistoryTurns int            `yaml:"max_history_turns" validate:"gte=0"`
	Timeouts        TimeoutsConfig `yaml:"timeouts"`
	// SecureMemory accumulates streamed replies in mlocked buffers.
	SecureMemory bool `yaml:"secure_memory"`
}

// MetricKindsConfig is the startup metric-kind policy. It can be changed
// at runtime through MetricConfig.
type MetricKindsConfig struct {
	Default   []string `yaml:"default" validate:"min=1"`
	Available []string `yaml:"available" validate:"min=1"`
}

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Defaults returns a configuration that runs entirely in memory against a
// local Ollama server.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			ShutdownTimeout: DefaultShutdownTimeout,
			GinMode:         "release",
			KeepAlive:       15 * time.Second,
			ReadyTimeout:    2 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: DefaultRatePerSecond,
			Burst:             DefaultRateBurst,
		},
		LLM: LLMConfig{
			Backend: "ollama",
			Ollama: OllamaConfig{
				BaseURL: "http://localhost:11434",
				Model:   "llama3.1",
				Timeout: 5 * time.Minute,
			},
		},
		Embedding: EmbeddingConfig{
			Backend:   "ollama",
			Model:     "nomic-embed-text",
			Dimension: 768,
			CacheSize: DefaultEmbedCacheSize,
		},
		MetricStore: MetricStoreConfig{
			Backend: "memory",
			Influx: timeseries.InfluxConfig{
				URL:    "http://localhost:8086",
				Org:    "aleutian",
				Bucket: "health",
			},
		},
		Conversation: ConversationConfig{
			Backend: "memory",
			Redis: conversation.RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "healthqa:turns:",
				MaxTurns:  200,
			},
			Badger: BadgerConversationConfig{Path: "./data/conversations"},
		},
		Knowledge: KnowledgeConfig{
			Backend:  "memory",
			Weaviate: WeaviateConfig{Host: "localhost:8080", Scheme: "http"},
			Ingest:   knowledge.IngestorConfig{ChunkSize: 1000, ChunkOverlap: 100},
		},
		Tracing: TracingConfig{Exporter: "none", Endpoint: "localhost:4317", ServiceName: "healthqa", MetricExporter: "prometheus"},
		Logging: LoggingConfig{Level: "info", JSON: true, Redact: true},
		Analysis: AnalysisConfig{DeviationThreshold: 2.0},
		Pipeline: PipelineConfig{
			DefaultK:        DefaultK,
			Window:          DefaultWindow,
			MaxHistoryTurns: DefaultMaxHistoryTurns,
			Timeouts: TimeoutsConfig{
				Metrics:    3 * time.Second,
				History:    2 * time.Second,
				Embedding:  5 * time.Second,
				Index:      3 * time.Second,
				Generation: 90 * time.Second,
				Persist:    5 * time.Second,
			},
		},
		MetricKinds: MetricKindsConfig{
			Default:   datatypes.MetricKindStrings(datatypes.DefaultMetricKinds),
			Available: datatypes.MetricKindStrings(datatypes.AllMetricKinds),
		},
	}
}

// Load reads path, applies environment overrides and validates.
//
// # Inputs
//
//   - path: YAML file. Empty means defaults plus environment only.
//
// # Outputs
//
//   - *Config: Fully validated.
//   - error: Read, parse or validation failure. Validation failures wrap
//     ErrInvalidConfig.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Defaults()
		if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
			return nil, err
		}
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over Defaults, then applies the environment layer.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags, the backend-specific sections, and the
// metric-kind policy.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w: %w", ErrInvalidConfig, err)
	}

	switch cfg.MetricStore.Backend {
	case "influx":
		if err := validate.Struct(cfg.MetricStore.Influx); err != nil {
			return fmt.Errorf("config: metric_store.influx: %w: %w", ErrInvalidConfig, err)
		}
	}
	switch cfg.Conversation.Backend {
	case "redis":
		if err := validate.Struct(cfg.Conversation.Redis); err != nil {
			return fmt.Errorf("config: conversation.redis: %w: %w", ErrInvalidConfig, err)
		}
	case "badger":
		if !cfg.Conversation.Badger.InMemory && cfg.Conversation.Badger.Path == "" {
			return fmt.Errorf("config: conversation.badger.path: %w: required unless in_memory", ErrInvalidConfig)
		}
	}
	if cfg.Knowledge.Backend == "weaviate" {
		if err := validate.Struct(cfg.Knowledge.Weaviate); err != nil {
			return fmt.Errorf("config: knowledge.weaviate: %w: %w", ErrInvalidConfig, err)
		}
	}
	if cfg.LLM.Backend == "ollama" || cfg.Embedding.Backend == "ollama" {
		if cfg.LLM.Ollama.BaseURL == "" {
			return fmt.Errorf("config: llm.ollama.base_url: %w: required for the ollama backend", ErrInvalidConfig)
		}
	}
	if cfg.Tracing.Exporter == "otlp" && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("config: tracing.endpoint: %w: required for otlp", ErrInvalidConfig)
	}
	if !cfg.Auth.Disabled && len(cfg.Auth.APIKeys) == 0 {
		return fmt.Errorf("config: auth.api_keys: %w: at least one key unless auth.disabled", ErrInvalidConfig)
	}
	if cfg.Knowledge.Ingest.ChunkSize > 0 && cfg.Knowledge.Ingest.ChunkOverlap >= cfg.Knowledge.Ingest.ChunkSize {
		return fmt.Errorf("config: knowledge.ingest: %w: chunk_overlap must be smaller than chunk_size", ErrInvalidConfig)
	}
	if _, err := resolveKinds(cfg.MetricKinds.Default, cfg.MetricKinds.Available); err != nil {
		return fmt.Errorf("config: metric_kinds: %w", err)
	}
	for name, r := range cfg.Analysis.SafeRanges {
		if _, err := datatypes.ParseMetricKind(name); err != nil {
			return fmt.Errorf("config: analysis.safe_ranges: %w: %w", ErrInvalidConfig, err)
		}
		if r.Primary.Min > r.Primary.Max || (r.Secondary != nil && r.Secondary.Min > r.Secondary.Max) {
			return fmt.Errorf("config: analysis.safe_ranges.%s: %w: min exceeds max", name, ErrInvalidConfig)
		}
	}
	return nil
}
