// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the health Q&A service from configuration.
//
// The orchestrator owns process-level wiring: tracing, provider selection,
// store selection, HTTP routing and graceful shutdown. Pipeline semantics
// live in the services package.
//
// # Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//	log.Fatal(svc.Run(ctx))
//
// Deployments with their own identity provider pass extensions.ServiceOptions:
//
//	opts := extensions.DefaultOptions().WithAuth(myProvider)
//	svc, err := orchestrator.New(cfg, &opts)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/AleutianAI/AleutianHealth/pkg/extensions"
	storage "github.com/AleutianAI/AleutianHealth/pkg/storage/badger"
	"github.com/AleutianAI/AleutianHealth/services/llm"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/analysis"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/config"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/knowledge"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/services"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/timeseries"
	"github.com/AleutianAI/AleutianHealth/services/policy_engine"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	otelmetric "go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Service is the assembled process.
//
// # Thread Safety
//
// Run must be called at most once. Close is safe to call more than once.
type Service interface {
	// Run serves HTTP until ctx is cancelled, then drains in-flight
	// requests for at most the configured shutdown timeout.
	Run(ctx context.Context) error

	// WatchConfig reloads the metric-kind policy whenever path changes. It
	// blocks until ctx is cancelled.
	WatchConfig(ctx context.Context, path string) error

	// Router returns the configured engine, for tests.
	Router() *gin.Engine

	// Close releases stores and flushes the tracer.
	Close()
}

// service implements Service.
type service struct {
	cfg     *config.Config
	opts    extensions.ServiceOptions
	router  *gin.Engine
	kinds   *config.MetricConfig
	closers []func()
}

// New builds every component named in cfg.
//
// # Description
//
// Components are built bottom-up: tracer, metrics, providers, stores,
// pipeline, router. Any failure releases what was already built.
//
// # Inputs
//
//   - cfg: Validated configuration, usually from config.Load.
//   - opts: Extension points. Nil selects API-key auth from cfg.Auth and a
//     slog audit logger.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil when a component cannot be built. Store connectivity is
//     not required at startup; /v1/ready reports it.
func New(cfg *config.Config, opts *extensions.ServiceOptions) (Service, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	s := &service{cfg: cfg}

	resolved, err := resolveOptions(cfg.Auth, opts)
	if err != nil {
		return nil, err
	}
	s.opts = resolved

	if err := s.build(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// resolveOptions picks the auth provider and audit logger.
func resolveOptions(authCfg config.AuthConfig, opts *extensions.ServiceOptions) (extensions.ServiceOptions, error) {
	var resolved extensions.ServiceOptions
	if opts != nil {
		resolved = *opts
	}
	if resolved.AuthProvider == nil {
		if authCfg.Disabled {
			slog.Warn("API key authentication is disabled")
			resolved.AuthProvider = &extensions.NopAuthProvider{}
		} else {
			provider, err := extensions.NewAPIKeyAuthProvider(authCfg.APIKeys)
			if err != nil {
				return resolved, fmt.Errorf("failed to configure authentication: %w", err)
			}
			resolved.AuthProvider = provider
		}
	}
	if resolved.AuditLogger == nil {
		resolved.AuditLogger = extensions.NewSlogAuditLogger(slog.Default())
	}
	return resolved.Normalize(), nil
}

func (s *service) onClose(fn func()) {
	s.closers = append(s.closers, fn)
}

func (s *service) build() error {
	cfg := s.cfg

	shutdownTracer, err := initTracer(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.onClose(func() { shutdownTracer(context.Background()) })

	reg := prometheus.NewRegistry()
	telemetry := observability.NewPipelineMetrics(reg)

	meterProvider, shutdownMeter, err := initMeter(cfg.Tracing, reg)
	if err != nil {
		return fmt.Errorf("failed to initialize meter: %w", err)
	}
	s.onClose(func() { shutdownMeter(context.Background()) })

	chat, embedder, err := initProviders(cfg.LLM, cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}
	chat, err = llm.NewInstrumentedChat(chat, cfg.LLM.Backend, meterProvider.Meter("healthqa/llm"))
	if err != nil {
		return fmt.Errorf("failed to instrument chat backend: %w", err)
	}

	metricStore, metricWriter, err := s.initMetricStore(cfg.MetricStore)
	if err != nil {
		return err
	}
	history, err := s.initConversationStore(cfg.Conversation)
	if err != nil {
		return err
	}
	index, writer, err := s.initKnowledge(cfg.Knowledge, cfg.Embedding.Dimension)
	if err != nil {
		return err
	}

	policy, err := policy_engine.NewPolicyEngine()
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	analysisCfg := analysis.DefaultConfig()
	analysisCfg.DeviationThreshold = cfg.Analysis.DeviationThreshold
	for name, r := range cfg.Analysis.SafeRanges {
		kind, err := datatypes.ParseMetricKind(name)
		if err != nil {
			return fmt.Errorf("analysis.safe_ranges: %w", err)
		}
		analysisCfg.SafeRanges[kind] = r
	}
	analyzer, err := analysis.New(analysisCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize analyzer: %w", err)
	}

	s.kinds, err = config.NewMetricConfig(cfg.MetricKinds)
	if err != nil {
		return err
	}

	qa, err := services.NewHealthQAService(services.Dependencies{
		Metrics:      metricStore,
		Conversation: history,
		Index:        index,
		Embedder:     embedder,
		Chat:         chat,
		Analyzer:     analyzer,
		Policy:       policy,
		Kinds:        s.kinds,
		Telemetry:    telemetry,
	}, pipelineConfig(cfg))
	if err != nil {
		return err
	}

	ingestor, err := knowledge.NewIngestor(embedder, writer, cfg.Knowledge.Ingest)
	if err != nil {
		return fmt.Errorf("failed to initialize ingestor: %w", err)
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter, err = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, middleware.DefaultMaxBuckets)
		if err != nil {
			return fmt.Errorf("failed to initialize rate limiter: %w", err)
		}
	}

	ready := map[string]handlers.Pinger{}
	addReady(ready, "metric_store", metricStore)
	addReady(ready, "conversation_store", history)
	addReady(ready, "knowledge_index", index)

	if cfg.Server.GinMode != "" {
		gin.SetMode(cfg.Server.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))

	routes.SetupRoutes(s.router, routes.Deps{
		Answer: handlers.AnswerDeps{
			Service:        qa,
			Metrics:        telemetry,
			Audit:          s.opts.AuditLogger,
			KeepAlive:      cfg.Server.KeepAlive,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
		Index: handlers.IndexDeps{
			Ingester: ingestor,
			Writer:   writer,
			Index:    index,
			Embedder: embedder,
			Policy:   policy,
			Audit:    s.opts.AuditLogger,
		},
		MetricKinds:  s.kinds,
		MetricWriter: metricWriter,
		Ready:        ready,
		ReadyTimeout: cfg.Server.ReadyTimeout,
		Options:      s.opts,
		RateLimiter:  limiter,
		Gatherer:     reg,
	})

	slog.Info("Health Q&A service assembled",
		"llm_backend", cfg.LLM.Backend,
		"embedding_backend", cfg.Embedding.Backend,
		"metric_store", cfg.MetricStore.Backend,
		"conversation_store", cfg.Conversation.Backend,
		"knowledge_index", cfg.Knowledge.Backend,
		"auth_disabled", cfg.Auth.Disabled,
		"rate_limit", cfg.RateLimit.Enabled)
	return nil
}

func addReady(dst map[string]handlers.Pinger, name string, candidate any) {
	if p, ok := candidate.(handlers.Pinger); ok {
		dst[name] = p
	}
}

func pipelineConfig(cfg *config.Config) services.Config {
	t := cfg.Pipeline.Timeouts
	return services.Config{
		DefaultK:        cfg.Pipeline.DefaultK,
		DefaultWindow:   cfg.Pipeline.Window,
		MaxHistoryTurns: cfg.Pipeline.MaxHistoryTurns,
		Timeouts: services.Timeouts{
			Metrics:    t.Metrics,
			History:    t.History,
			Embedding:  t.Embedding,
			Index:      t.Index,
			Generation: t.Generation,
			Persist:    t.Persist,
		},
		Params: llm.GenerationParams{
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		},
		SecureMemory: cfg.Pipeline.SecureMemory,
	}
}

// initTracer installs the global tracer provider.
//
// # Description
//
// "otlp" exports over an insecure gRPC connection, which suits a collector
// on the same private network. "stdout" prints spans for local debugging.
// "none" leaves the no-op provider in place.
//
// # Outputs
//
//   - func(context.Context): Flushes and stops the exporter.
//   - error: Non-nil if the exporter cannot be created.
func initTracer(cfg config.TracingConfig) (func(context.Context), error) {
	if cfg.Exporter == "" || cfg.Exporter == "none" {
		return func(context.Context) {}, nil
	}
	ctx := context.Background()

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		conn, err := grpc.NewClient(cfg.Endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	case "stdout":
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	slog.Info("Tracing enabled", "exporter", cfg.Exporter, "endpoint", cfg.Endpoint)

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
	}, nil
}

// initMeter builds the meter provider used for backend instruments.
//
// # Description
//
// "prometheus" registers an OpenTelemetry collector on reg so the
// instruments appear on /metrics next to the pipeline counters. "stdout"
// exports periodically to stderr. "none" returns the no-op provider.
func initMeter(cfg config.TracingConfig, reg prometheus.Registerer) (otelmetric.MeterProvider, func(context.Context), error) {
	if cfg.MetricExporter == "" || cfg.MetricExporter == "none" {
		return noopmetric.NewMeterProvider(), func(context.Context) {}, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var reader sdkmetric.Reader
	switch cfg.MetricExporter {
	case "prometheus":
		exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		reader = exporter
	case "stdout":
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	default:
		return nil, nil, fmt.Errorf("unknown metric exporter %q", cfg.MetricExporter)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)
	return provider, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown meter provider", "error", err)
		}
	}, nil
}

// initProviders picks the generation and embedding backends.
//
// # Description
//
// Chat and embedding backends are chosen independently, so a deployment
// can generate with OpenAI and embed locally with Ollama. The embedder is
// wrapped in an LRU cache when cache_size is positive.
func initProviders(llmCfg config.LLMConfig, embCfg config.EmbeddingConfig) (llm.ChatClient, llm.Embedder, error) {
	var chat llm.ChatClient
	switch llmCfg.Backend {
	case "openai":
		c, err := llm.NewOpenAIClient(openAIConfig(llmCfg.OpenAI, llmCfg.OpenAI.Model))
		if err != nil {
			return nil, nil, err
		}
		chat = c
		slog.Info("Using OpenAI chat backend")
	case "ollama":
		c, err := llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL: llmCfg.Ollama.BaseURL,
			Model:   llmCfg.Ollama.Model,
			Timeout: llmCfg.Ollama.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		chat = c
		slog.Info("Using Ollama chat backend")
	default:
		return nil, nil, fmt.Errorf("unknown llm backend %q", llmCfg.Backend)
	}

	var embedder llm.Embedder
	switch embCfg.Backend {
	case "openai":
		e, err := llm.NewOpenAIEmbedder(openAIConfig(llmCfg.OpenAI, embCfg.Model), embCfg.Dimension)
		if err != nil {
			return nil, nil, err
		}
		embedder = e
	case "ollama":
		e, err := llm.NewOllamaEmbedder(llm.OllamaEmbedderConfig{
			BaseURL:   llmCfg.Ollama.BaseURL,
			Model:     embCfg.Model,
			Dimension: embCfg.Dimension,
			Timeout:   llmCfg.Ollama.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		embedder = e
	default:
		return nil, nil, fmt.Errorf("unknown embedding backend %q", embCfg.Backend)
	}

	if embCfg.CacheSize > 0 {
		cached, err := llm.NewCachedEmbedder(embedder, embCfg.CacheSize)
		if err != nil {
			return nil, nil, err
		}
		embedder = cached
	}
	return chat, embedder, nil
}

func openAIConfig(c config.OpenAIConfig, model string) llm.OpenAIConfig {
	return llm.OpenAIConfig{
		APIKey:        c.APIKey,
		APIKeyFile:    c.APIKeyFile,
		Model:         model,
		BaseURL:       c.BaseURL,
		AzureEndpoint: c.AzureEndpoint,
		APIVersion:    c.APIVersion,
	}
}

// initMetricStore returns the store and, when it accepts writes, the
// writer behind POST /v1/metrics.
func (s *service) initMetricStore(cfg config.MetricStoreConfig) (timeseries.Store, timeseries.Writer, error) {
	switch cfg.Backend {
	case "influx":
		store, err := timeseries.NewInfluxStore(cfg.Influx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize influx metric store: %w", err)
		}
		s.onClose(store.Close)
		return store, store, nil
	case "memory", "":
		slog.Info("Metric store configured", "backend", "memory")
		store := timeseries.NewMemoryStore()
		return store, store, nil
	}
	return nil, nil, fmt.Errorf("unknown metric store backend %q", cfg.Backend)
}

func (s *service) initConversationStore(cfg config.ConversationConfig) (conversation.Store, error) {
	switch cfg.Backend {
	case "redis":
		client := conversation.NewRedisClient(cfg.Redis)
		s.onClose(func() {
			if err := client.Close(); err != nil {
				slog.Warn("Redis client close error", "error", err)
			}
		})
		slog.Info("Conversation store configured", "backend", "redis", "addr", cfg.Redis.Addr)
		return conversation.NewRedisStore(client, cfg.Redis), nil
	case "badger":
		dbCfg := storage.DefaultConfig(cfg.Badger.Path)
		dbCfg.InMemory = cfg.Badger.InMemory
		dbCfg.Logger = slog.Default().With("component", "badger")
		db, err := storage.Open(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open conversation database: %w", err)
		}
		s.onClose(func() {
			if err := db.Close(); err != nil {
				slog.Warn("Badger close error", "error", err)
			}
		})
		slog.Info("Conversation store configured", "backend", "badger", "path", cfg.Badger.Path, "ttl", cfg.Badger.TTL)
		return conversation.NewBadgerStore(db, cfg.Badger.TTL), nil
	case "memory", "":
		slog.Info("Conversation store configured", "backend", "memory")
		return conversation.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown conversation backend %q", cfg.Backend)
}

// initKnowledge returns the index and its writer. For Weaviate the schema
// is ensured once; a Weaviate that is down at startup is fatal because the
// class must exist before the first upsert.
func (s *service) initKnowledge(cfg config.KnowledgeConfig, dimension int) (knowledge.Index, knowledge.Writer, error) {
	switch cfg.Backend {
	case "weaviate":
		wcfg := weaviate.Config{Host: cfg.Weaviate.Host, Scheme: cfg.Weaviate.Scheme}
		if cfg.Weaviate.APIKey != "" {
			wcfg.AuthConfig = auth.ApiKey{Value: cfg.Weaviate.APIKey}
		}
		client, err := weaviate.NewClient(wcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Weaviate client: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := datatypes.EnsureWeaviateSchema(ctx, client); err != nil {
			return nil, nil, err
		}
		index, err := knowledge.NewWeaviateIndex(client, dimension)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Knowledge index configured", "backend", "weaviate", "host", cfg.Weaviate.Host)
		return index, index, nil
	case "memory", "":
		slog.Info("Knowledge index configured", "backend", "memory", "dimension", dimension)
		index := knowledge.NewMemoryIndex(dimension)
		return index, index, nil
	}
	return nil, nil, fmt.Errorf("unknown knowledge backend %q", cfg.Backend)
}

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting health Q&A server", "port", s.cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	slog.Info("Shutting down health Q&A server", "timeout", timeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return <-errCh
}

// WatchConfig implements Service.
func (s *service) WatchConfig(ctx context.Context, path string) error {
	return config.WatchMetricKinds(ctx, path, s.kinds)
}

// Router implements Service.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close implements Service. Resources are released in reverse order.
func (s *service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

var _ Service = (*service)(nil)
