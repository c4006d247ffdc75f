// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envBinding struct {
	name  string
	apply func(cfg *Config, value string) error
}

func stringVar(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*dst(cfg) = v
		return nil
	}
}

func intVar(dst func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(cfg) = n
		return nil
	}
}

func boolVar(dst func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(cfg) = b
		return nil
	}
}

func durationVar(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(cfg) = d
		return nil
	}
}

func listVar(dst func(*Config) *[]string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*dst(cfg) = out
		return nil
	}
}

// envBindings lists every HEALTHQA_* override.
var envBindings = []envBinding{
	{"HEALTHQA_PORT", intVar(func(c *Config) *int { return &c.Server.Port })},
	{"HEALTHQA_GIN_MODE", stringVar(func(c *Config) *string { return &c.Server.GinMode })},
	{"HEALTHQA_AUTH_DISABLED", boolVar(func(c *Config) *bool { return &c.Auth.Disabled })},
	{"HEALTHQA_API_KEYS", listVar(func(c *Config) *[]string { return &c.Auth.APIKeys })},
	{"HEALTHQA_RATE_LIMIT_ENABLED", boolVar(func(c *Config) *bool { return &c.RateLimit.Enabled })},
	{"HEALTHQA_LLM_BACKEND", stringVar(func(c *Config) *string { return &c.LLM.Backend })},
	{"HEALTHQA_OPENAI_API_KEY", stringVar(func(c *Config) *string { return &c.LLM.OpenAI.APIKey })},
	{"HEALTHQA_OPENAI_API_KEY_FILE", stringVar(func(c *Config) *string { return &c.LLM.OpenAI.APIKeyFile })},
	{"HEALTHQA_OPENAI_MODEL", stringVar(func(c *Config) *string { return &c.LLM.OpenAI.Model })},
	{"HEALTHQA_OPENAI_BASE_URL", stringVar(func(c *Config) *string { return &c.LLM.OpenAI.BaseURL })},
	{"HEALTHQA_OLLAMA_URL", stringVar(func(c *Config) *string { return &c.LLM.Ollama.BaseURL })},
	{"HEALTHQA_OLLAMA_MODEL", stringVar(func(c *Config) *string { return &c.LLM.Ollama.Model })},
	{"HEALTHQA_EMBEDDING_BACKEND", stringVar(func(c *Config) *string { return &c.Embedding.Backend })},
	{"HEALTHQA_EMBEDDING_MODEL", stringVar(func(c *Config) *string { return &c.Embedding.Model })},
	{"HEALTHQA_EMBEDDING_DIMENSION", intVar(func(c *Config) *int { return &c.Embedding.Dimension })},
	{"HEALTHQA_METRIC_STORE", stringVar(func(c *Config) *string { return &c.MetricStore.Backend })},
	{"HEALTHQA_INFLUX_URL", stringVar(func(c *Config) *string { return &c.MetricStore.Influx.URL })},
	{"HEALTHQA_INFLUX_TOKEN", stringVar(func(c *Config) *string { return &c.MetricStore.Influx.Token })},
	{"HEALTHQA_INFLUX_ORG", stringVar(func(c *Config) *string { return &c.MetricStore.Influx.Org })},
	{"HEALTHQA_INFLUX_BUCKET", stringVar(func(c *Config) *string { return &c.MetricStore.Influx.Bucket })},
	{"HEALTHQA_CONVERSATION_STORE", stringVar(func(c *Config) *string { return &c.Conversation.Backend })},
	{"HEALTHQA_REDIS_ADDR", stringVar(func(c *Config) *string { return &c.Conversation.Redis.Addr })},
	{"HEALTHQA_REDIS_PASSWORD", stringVar(func(c *Config) *string { return &c.Conversation.Redis.Password })},
	{"HEALTHQA_BADGER_PATH", stringVar(func(c *Config) *string { return &c.Conversation.Badger.Path })},
	{"HEALTHQA_KNOWLEDGE_INDEX", stringVar(func(c *Config) *string { return &c.Knowledge.Backend })},
	{"HEALTHQA_WEAVIATE_HOST", stringVar(func(c *Config) *string { return &c.Knowledge.Weaviate.Host })},
	{"HEALTHQA_WEAVIATE_SCHEME", stringVar(func(c *Config) *string { return &c.Knowledge.Weaviate.Scheme })},
	{"HEALTHQA_WEAVIATE_API_KEY", stringVar(func(c *Config) *string { return &c.Knowledge.Weaviate.APIKey })},
	{"HEALTHQA_TRACING_EXPORTER", stringVar(func(c *Config) *string { return &c.Tracing.Exporter })},
	{"HEALTHQA_OTEL_ENDPOINT", stringVar(func(c *Config) *string { return &c.Tracing.Endpoint })},
	{"HEALTHQA_METRIC_EXPORTER", stringVar(func(c *Config) *string { return &c.Tracing.MetricExporter })},
	{"HEALTHQA_LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Logging.Level })},
	{"HEALTHQA_LOG_DIR", stringVar(func(c *Config) *string { return &c.Logging.Dir })},
	{"HEALTHQA_LOG_REDACT", boolVar(func(c *Config) *bool { return &c.Logging.Redact })},
	{"HEALTHQA_GENERATION_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Pipeline.Timeouts.Generation })},
	{"HEALTHQA_SECURE_MEMORY", boolVar(func(c *Config) *bool { return &c.Pipeline.SecureMemory })},
	{"HEALTHQA_DEFAULT_METRIC_KINDS", listVar(func(c *Config) *[]string { return &c.MetricKinds.Default })},
	{"HEALTHQA_AVAILABLE_METRIC_KINDS", listVar(func(c *Config) *[]string { return &c.MetricKinds.Available })},
}

// ApplyEnv overlays every set HEALTHQA_* variable onto cfg. An empty value
// counts as set only for string fields.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok {
			continue
		}
		if v == "" && !isStringBinding(b.name) {
			continue
		}
		if err := b.apply(cfg, v); err != nil {
			return fmt.Errorf("config: %s=%q: %w", b.name, v, err)
		}
	}
	return nil
}

func isStringBinding(name string) bool {
	switch name {
	case "HEALTHQA_PORT", "HEALTHQA_EMBEDDING_DIMENSION",
		"HEALTHQA_AUTH_DISABLED", "HEALTHQA_RATE_LIMIT_ENABLED",
		"HEALTHQA_LOG_REDACT", "HEALTHQA_SECURE_MEMORY",
		"HEALTHQA_GENERATION_TIMEOUT", "HEALTHQA_API_KEYS",
		"HEALTHQA_DEFAULT_METRIC_KINDS", "HEALTHQA_AVAILABLE_METRIC_KINDS":
		return false
	}
	return true
}
